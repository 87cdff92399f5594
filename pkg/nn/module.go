// Package nn provides the module tree that veneer wraps: a small set of
// composable layers with deterministic traversal, freezable parameters, and
// state-dict export/import compatible with sharded checkpointing.
package nn

import (
	"github.com/samcharles93/veneer/pkg/statedict"
)

// Activation is the result of a module forward pass. Output is always set.
// Bias carries a bias term the layer chose not to fold into Output, passed
// through wrappers untouched. Norm carries a pre-projection normalised
// input produced by norm-fused layers; wrappers feed it to their adapter in
// place of the raw input. Nil slices mean "absent".
type Activation struct {
	Output []float32
	Bias   []float32
	Norm   []float32
}

// Module is a named computational unit in a model tree.
type Module interface {
	// Forward computes the module output for a single input vector.
	Forward(x []float32) (Activation, error)

	// StateDict exports the module's parameters as an ordered mapping.
	// The returned dict shares tensor storage with the module and must be
	// treated as immutable.
	StateDict() *statedict.Dict

	// LoadStateDict copies matching entries of sd into the module's
	// parameters. When strict is set, missing or unexpected keys produce a
	// *statedict.MismatchError naming them. Shape disagreements are always
	// errors.
	LoadStateDict(sd *statedict.Dict, strict bool) error

	// ShardedStateDict exports the module's parameters with their global
	// shapes and shard placement, keyed under prefix. The offsets argument
	// is prepended to every entry's own offsets.
	ShardedStateDict(prefix string, offsets []statedict.ShardOffset, meta statedict.Metadata) *statedict.Sharded

	// Freeze marks every parameter owned by the module and its children as
	// non-trainable.
	Freeze()

	// NamedChildren returns the direct children in declaration order.
	NamedChildren() []Child

	// ReplaceChild swaps the child registered under name for m.
	ReplaceChild(name string, m Module) error

	// NamedParameters returns all parameters of the module and its
	// children, with dot-joined paths, in traversal order.
	NamedParameters() []NamedParam
}

// Child is a named direct sub-module.
type Child struct {
	Name   string
	Module Module
}

// NamedParam is a parameter with its dot-joined path from the owning module.
type NamedParam struct {
	Path  string
	Param *Parameter
}

// FeatureSizer is implemented by layers with a dense feature geometry. The
// reported counts are local to this shard; callers that need global counts
// must rescale by the tensor-parallel world size.
type FeatureSizer interface {
	InFeatures() int
	OutFeatures() int
}

// TrainableParameters returns the number of trainable scalar parameters
// reachable from m.
func TrainableParameters(m Module) int {
	var n int
	for _, np := range m.NamedParameters() {
		if np.Param.Trainable {
			n += np.Param.Data.Numel()
		}
	}
	return n
}
