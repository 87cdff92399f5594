// Package peft implements parameter-efficient fine-tuning for
// tensor-parallel models: it freezes a model's parameters, wraps selected
// layers with trainable low-rank adapters, and keeps adapter state
// isolated from base state across checkpoint save/load cycles.
package peft

import (
	"fmt"

	"github.com/samcharles93/veneer/internal/tensor"
	"github.com/samcharles93/veneer/pkg/nn"
	"github.com/samcharles93/veneer/pkg/statedict"
)

// AdapterWrapper composes a frozen base module with a trainable adapter.
// The base is never mutated; the adapter's delta is added to the base
// output on every forward pass. Adapter state lives under the reserved
// "adapters" key so base and adapter weights load independently.
type AdapterWrapper struct {
	base    nn.Module
	adapter nn.Module
}

// Wrap pairs a base module with its adapter.
func Wrap(base, adapter nn.Module) *AdapterWrapper {
	return &AdapterWrapper{base: base, adapter: adapter}
}

// Base returns the wrapped module.
func (w *AdapterWrapper) Base() nn.Module { return w.base }

// Adapter returns the adapter module.
func (w *AdapterWrapper) Adapter() nn.Module { return w.adapter }

// Forward runs the base, feeds the adapter either the raw input or the
// base's post-norm tensor when one is produced, and returns the base
// output plus the adapter delta. A bias the base chose not to fold in is
// passed through untouched. The two branches never share buffers, so the
// base's numerical output is independent of the adapter.
func (w *AdapterWrapper) Forward(x []float32) (nn.Activation, error) {
	act, err := w.base.Forward(x)
	if err != nil {
		return nn.Activation{}, err
	}

	adapterIn := x
	if act.Norm != nil {
		adapterIn = act.Norm
	}
	delta, err := w.adapter.Forward(adapterIn)
	if err != nil {
		return nn.Activation{}, fmt.Errorf("adapter: %w", err)
	}
	if len(delta.Output) != len(act.Output) {
		return nn.Activation{}, fmt.Errorf("adapter delta length %d does not match base output %d",
			len(delta.Output), len(act.Output))
	}

	out := make([]float32, len(act.Output))
	copy(out, act.Output)
	tensor.Add(out, delta.Output)
	return nn.Activation{Output: out, Bias: act.Bias}, nil
}

// StateDict exports the base state at the top level with the adapter's
// sub-state nested under the reserved adapter key. Neither sub-module's
// own export is mutated.
func (w *AdapterWrapper) StateDict() *statedict.Dict {
	sd := statedict.New()
	sd.Extend(w.base.StateDict())
	sd.SetNested(statedict.AdapterKey, w.adapter.StateDict())
	return sd
}

// ShardedStateDict unions the base's sharded state under prefix with the
// adapter's under prefix+"adapter.". Sharding internals are entirely the
// sub-modules' business; the wrapper only owns the namespacing.
func (w *AdapterWrapper) ShardedStateDict(prefix string, offsets []statedict.ShardOffset, meta statedict.Metadata) *statedict.Sharded {
	sh := statedict.NewSharded()
	sh.Extend(w.base.ShardedStateDict(prefix, offsets, meta))
	sh.Extend(w.adapter.ShardedStateDict(prefix+"adapter.", offsets, meta))
	return sh
}

// LoadStateDict strips the reserved adapter key from sd, loads the
// remainder into the base, then loads the extracted sub-state into the
// adapter. A dict without the adapter key loads the base only, leaving the
// adapter at its construction-time initialisation; strict-mode mismatches
// are exactly what the un-wrapped base would report.
func (w *AdapterWrapper) LoadStateDict(sd *statedict.Dict, strict bool) error {
	v, rest, ok := sd.SplitKey(statedict.AdapterKey)
	if !ok {
		rest = sd
	}

	if err := w.base.LoadStateDict(rest, strict); err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if v.Nested == nil {
		return fmt.Errorf("reserved key %q holds a tensor, expected a sub-state", statedict.AdapterKey)
	}
	return w.adapter.LoadStateDict(v.Nested, strict)
}

// Freeze freezes both sub-modules.
func (w *AdapterWrapper) Freeze() {
	w.base.Freeze()
	w.adapter.Freeze()
}

// NamedChildren returns the base and adapter. The wrapping pass never
// descends into these.
func (w *AdapterWrapper) NamedChildren() []nn.Child {
	return []nn.Child{
		{Name: "base", Module: w.base},
		{Name: "adapter", Module: w.adapter},
	}
}

// ReplaceChild always fails: a wrapper's composition is fixed at
// construction.
func (w *AdapterWrapper) ReplaceChild(name string, _ nn.Module) error {
	return fmt.Errorf("adapter wrapper child %q cannot be replaced", name)
}

// NamedParameters returns the base parameters at their own paths and the
// adapter parameters under the reserved adapter key.
func (w *AdapterWrapper) NamedParameters() []nn.NamedParam {
	var out []nn.NamedParam
	out = append(out, w.base.NamedParameters()...)
	for _, np := range w.adapter.NamedParameters() {
		out = append(out, nn.NamedParam{Path: statedict.AdapterKey + "." + np.Path, Param: np.Param})
	}
	return out
}
