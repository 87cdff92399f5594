// Package statedict defines the state representation exchanged between
// modules and checkpoint codecs: an ordered mapping from dot-path keys to
// parameter tensors or nested sub-dictionaries.
//
// A Dict is append-only while it is being built and must be treated as
// immutable once returned from a module. Operations that combine or take
// apart dictionaries (WithPrefix, SubDict, SplitKey) produce new Dicts and
// never mutate their receiver; tensor values are shared, not copied.
package statedict

import (
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/samcharles93/veneer/internal/tensor"
)

// AdapterKey is the reserved key under which an adapter's sub-state is
// nested inside its wrapper's state. Base modules must not use it as a
// parameter or child name.
const AdapterKey = "adapters"

// Value is a single Dict entry: either a tensor leaf or a nested Dict.
// Exactly one of the two fields is non-nil.
type Value struct {
	Tensor *tensor.Mat
	Nested *Dict
}

// Dict is an ordered mapping from key to Value. Iteration order is
// insertion order, which makes exports deterministic.
type Dict struct {
	m *orderedmap.OrderedMap[string, Value]
}

// New returns an empty Dict.
func New() *Dict {
	return &Dict{m: orderedmap.New[string, Value]()}
}

// Set inserts a tensor leaf at key.
func (d *Dict) Set(key string, t *tensor.Mat) {
	d.m.Set(key, Value{Tensor: t})
}

// SetNested inserts a nested sub-dictionary at key.
func (d *Dict) SetNested(key string, nd *Dict) {
	d.m.Set(key, Value{Nested: nd})
}

// Get returns the value at key.
func (d *Dict) Get(key string) (Value, bool) {
	return d.m.Get(key)
}

// Len returns the number of entries.
func (d *Dict) Len() int {
	return d.m.Len()
}

// Keys returns the keys in insertion order.
func (d *Dict) Keys() []string {
	keys := make([]string, 0, d.m.Len())
	for pair := d.m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Each calls fn for every entry in insertion order.
func (d *Dict) Each(fn func(key string, v Value)) {
	for pair := d.m.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Key, pair.Value)
	}
}

// Extend appends all entries of src to d, keeping src's order. Intended for
// use while building a Dict; keys already present are overwritten in place.
func (d *Dict) Extend(src *Dict) {
	src.Each(func(key string, v Value) {
		d.m.Set(key, v)
	})
}

// WithPrefix returns a new Dict whose keys are prefix+key for every entry
// of d, in the same order.
func (d *Dict) WithPrefix(prefix string) *Dict {
	out := New()
	d.Each(func(key string, v Value) {
		out.m.Set(prefix+key, v)
	})
	return out
}

// SubDict returns a new Dict holding the entries of d whose keys start with
// prefix, with the prefix stripped. The prefix should normally end in a dot.
func (d *Dict) SubDict(prefix string) *Dict {
	out := New()
	d.Each(func(key string, v Value) {
		if rest, ok := strings.CutPrefix(key, prefix); ok {
			out.m.Set(rest, v)
		}
	})
	return out
}

// SplitKey removes key from d without mutating it: it returns the value at
// key (if present) and a new Dict holding every other entry in order.
func (d *Dict) SplitKey(key string) (Value, *Dict, bool) {
	rest := New()
	var found Value
	var ok bool
	d.Each(func(k string, v Value) {
		if k == key {
			found, ok = v, true
			return
		}
		rest.m.Set(k, v)
	})
	return found, rest, ok
}

// Clone returns a copy of d sharing the same tensors. Nested dictionaries
// are cloned recursively.
func (d *Dict) Clone() *Dict {
	out := New()
	d.Each(func(key string, v Value) {
		if v.Nested != nil {
			out.SetNested(key, v.Nested.Clone())
			return
		}
		out.Set(key, v.Tensor)
	})
	return out
}

// FlatEntry is one tensor of a flattened Dict.
type FlatEntry struct {
	Key    string
	Tensor *tensor.Mat
}

// Flatten expands nested sub-dictionaries into dot-joined keys, producing a
// flat ordered list of tensors. A nested dict at key K contributes entries
// K+"."+subkey for each of its own flattened entries.
func (d *Dict) Flatten() []FlatEntry {
	var out []FlatEntry
	d.Each(func(key string, v Value) {
		if v.Nested != nil {
			for _, e := range v.Nested.Flatten() {
				out = append(out, FlatEntry{Key: key + "." + e.Key, Tensor: e.Tensor})
			}
			return
		}
		out = append(out, FlatEntry{Key: key, Tensor: v.Tensor})
	})
	return out
}

// Unflatten rebuilds a Dict from flat entries, folding keys that traverse
// the reserved adapter segment back into nested form. A key of the shape
// "P.adapters.S" becomes a nested dict at "P.adapters" holding "S".
func Unflatten(entries []FlatEntry) *Dict {
	out := New()
	for _, e := range entries {
		parent, sub, ok := splitAdapterKey(e.Key)
		if !ok {
			out.Set(e.Key, e.Tensor)
			continue
		}
		v, exists := out.Get(parent)
		if !exists || v.Nested == nil {
			nd := New()
			out.SetNested(parent, nd)
			v, _ = out.Get(parent)
		}
		v.Nested.Set(sub, e.Tensor)
	}
	return out
}

// splitAdapterKey finds the first path segment equal to AdapterKey that is
// followed by further segments, and splits the key around it.
func splitAdapterKey(key string) (parent, sub string, ok bool) {
	parts := strings.Split(key, ".")
	for i, p := range parts {
		if p == AdapterKey && i < len(parts)-1 {
			return strings.Join(parts[:i+1], "."), strings.Join(parts[i+1:], "."), true
		}
	}
	return "", "", false
}
