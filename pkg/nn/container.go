package nn

import (
	"errors"
	"fmt"

	"github.com/samcharles93/veneer/internal/tensor"
	"github.com/samcharles93/veneer/pkg/statedict"
)

// Container is the embeddable child/parameter registry behind every module
// in this package. Registration order fixes traversal and export order.
// Embedders implement Forward; Container provides the rest of the Module
// surface.
type Container struct {
	params   []*Parameter
	children []Child
	index    map[string]int
}

// RegisterParameter adds a parameter to the module and returns it.
func (c *Container) RegisterParameter(name string, data *tensor.Mat, trainable bool) *Parameter {
	p := &Parameter{Name: name, Data: data, Trainable: trainable}
	c.params = append(c.params, p)
	return p
}

// RegisterChild adds a named sub-module. Names must be unique within the
// parent.
func (c *Container) RegisterChild(name string, m Module) {
	if c.index == nil {
		c.index = make(map[string]int)
	}
	if _, ok := c.index[name]; ok {
		panic(fmt.Sprintf("nn: child %q already registered", name))
	}
	c.index[name] = len(c.children)
	c.children = append(c.children, Child{Name: name, Module: m})
}

// NamedChildren returns the direct children in registration order.
func (c *Container) NamedChildren() []Child {
	out := make([]Child, len(c.children))
	copy(out, c.children)
	return out
}

// ReplaceChild swaps the child registered under name for m.
func (c *Container) ReplaceChild(name string, m Module) error {
	i, ok := c.index[name]
	if !ok {
		return fmt.Errorf("nn: no child named %q", name)
	}
	c.children[i].Module = m
	return nil
}

// NamedParameters returns own parameters followed by each child's, with
// dot-joined paths.
func (c *Container) NamedParameters() []NamedParam {
	var out []NamedParam
	for _, p := range c.params {
		out = append(out, NamedParam{Path: p.Name, Param: p})
	}
	for _, ch := range c.children {
		for _, np := range ch.Module.NamedParameters() {
			out = append(out, NamedParam{Path: ch.Name + "." + np.Path, Param: np.Param})
		}
	}
	return out
}

// Freeze marks every owned parameter non-trainable, recursively.
func (c *Container) Freeze() {
	for _, p := range c.params {
		p.Trainable = false
	}
	for _, ch := range c.children {
		ch.Module.Freeze()
	}
}

// StateDict exports own parameters followed by child sub-states under
// dot-prefixed keys.
func (c *Container) StateDict() *statedict.Dict {
	sd := statedict.New()
	for _, p := range c.params {
		sd.Set(p.Name, p.Data)
	}
	for _, ch := range c.children {
		sd.Extend(ch.Module.StateDict().WithPrefix(ch.Name + "."))
	}
	return sd
}

// LoadStateDict copies matching entries into parameters and routes
// dot-prefixed sub-states to children. Strict mode collects missing and
// unexpected keys across the whole subtree into one MismatchError.
func (c *Container) LoadStateDict(sd *statedict.Dict, strict bool) error {
	consumed := make(map[string]bool)
	var mismatch statedict.MismatchError

	for _, p := range c.params {
		v, ok := sd.Get(p.Name)
		if !ok {
			mismatch.Missing = append(mismatch.Missing, p.Name)
			continue
		}
		consumed[p.Name] = true
		if v.Tensor == nil {
			return fmt.Errorf("parameter %s: value is a sub-state, expected a tensor", p.Name)
		}
		if err := p.CopyFrom(v.Tensor); err != nil {
			return err
		}
	}

	for _, ch := range c.children {
		prefix := ch.Name + "."
		sub := sd.SubDict(prefix)
		for _, k := range sub.Keys() {
			consumed[prefix+k] = true
		}
		if err := ch.Module.LoadStateDict(sub, strict); err != nil {
			var me *statedict.MismatchError
			if errors.As(err, &me) {
				pm := me.Prefixed(prefix)
				mismatch.Missing = append(mismatch.Missing, pm.Missing...)
				mismatch.Unexpected = append(mismatch.Unexpected, pm.Unexpected...)
				continue
			}
			return fmt.Errorf("child %s: %w", ch.Name, err)
		}
	}

	if !strict {
		return nil
	}
	for _, k := range sd.Keys() {
		if !consumed[k] {
			mismatch.Unexpected = append(mismatch.Unexpected, k)
		}
	}
	if len(mismatch.Missing) > 0 || len(mismatch.Unexpected) > 0 {
		return &mismatch
	}
	return nil
}

// ShardedStateDict exports own parameters as replicated tensors (local
// shape equals global shape) and delegates to children. Layers that shard
// their weights override this.
func (c *Container) ShardedStateDict(prefix string, offsets []statedict.ShardOffset, meta statedict.Metadata) *statedict.Sharded {
	sh := statedict.NewSharded()
	for _, p := range c.params {
		sh.Put(prefix+p.Name, statedict.ShardedTensor{
			Local:       p.Data,
			GlobalShape: []int{p.Data.R, p.Data.C},
			Offsets:     offsets,
		})
	}
	for _, ch := range c.children {
		sh.Extend(ch.Module.ShardedStateDict(prefix+ch.Name+".", offsets, meta))
	}
	return sh
}
