package statedict

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/samcharles93/veneer/internal/tensor"
)

// ShardOffset records one sharded axis of a tensor: the axis index, this
// shard's position along it, and the total number of shards.
type ShardOffset struct {
	Dim   int
	Index int
	Count int
}

// ShardedTensor describes the device-local slice of a globally sharded
// parameter: the local values, the full global shape, and the offsets that
// place this slice inside it.
type ShardedTensor struct {
	Local       *tensor.Mat
	GlobalShape []int
	Offsets     []ShardOffset
}

// Metadata carries free-form key/value hints through sharded exports.
type Metadata map[string]string

// Sharded is an ordered mapping from key to ShardedTensor, the distributed
// checkpoint representation of a module's parameters.
type Sharded struct {
	m *orderedmap.OrderedMap[string, ShardedTensor]
}

// NewSharded returns an empty Sharded dict.
func NewSharded() *Sharded {
	return &Sharded{m: orderedmap.New[string, ShardedTensor]()}
}

// Put inserts an entry at key.
func (s *Sharded) Put(key string, t ShardedTensor) {
	s.m.Set(key, t)
}

// Get returns the entry at key.
func (s *Sharded) Get(key string) (ShardedTensor, bool) {
	return s.m.Get(key)
}

// Len returns the number of entries.
func (s *Sharded) Len() int {
	return s.m.Len()
}

// Keys returns the keys in insertion order.
func (s *Sharded) Keys() []string {
	keys := make([]string, 0, s.m.Len())
	for pair := s.m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Each calls fn for every entry in insertion order.
func (s *Sharded) Each(fn func(key string, t ShardedTensor)) {
	for pair := s.m.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Key, pair.Value)
	}
}

// Extend appends all entries of src to s, keeping src's order.
func (s *Sharded) Extend(src *Sharded) {
	src.Each(func(key string, t ShardedTensor) {
		s.m.Set(key, t)
	})
}
