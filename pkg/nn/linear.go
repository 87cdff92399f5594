package nn

import (
	"fmt"

	"github.com/samcharles93/veneer/internal/tensor"
	"github.com/samcharles93/veneer/pkg/statedict"
)

// ParallelMode describes how a layer's weight matrix is split across the
// tensor-parallel group.
type ParallelMode uint8

const (
	// ParallelNone: the layer is replicated, not sharded.
	ParallelNone ParallelMode = iota
	// ParallelColumn: the weight is split along the output dimension; each
	// rank computes a disjoint slice of outputs from the full input.
	ParallelColumn
	// ParallelRow: the weight is split along the input dimension; each rank
	// computes a partial sum from its input slice.
	ParallelRow
)

func (m ParallelMode) String() string {
	switch m {
	case ParallelNone:
		return "none"
	case ParallelColumn:
		return "column"
	case ParallelRow:
		return "row"
	default:
		return fmt.Sprintf("ParallelMode(%d)", uint8(m))
	}
}

// LinearOpts configures a Linear layer.
type LinearOpts struct {
	// Bias adds a bias vector.
	Bias bool
	// SkipBiasAdd returns the bias separately in Activation.Bias instead of
	// folding it into the output, matching fused-kernel layers that defer
	// the add.
	SkipBiasAdd bool
	// Mode is the tensor-parallel sharding of the weight.
	Mode ParallelMode
	// Partitions is the tensor-parallel world size the global layer is
	// split over; zero or one means unsharded.
	Partitions int
	// Partition is this rank's shard index.
	Partition int
	// Seed controls the reproducible weight initialisation.
	Seed int64
}

// Linear is a dense layer over the local shard of a possibly
// tensor-parallel weight. in and out are local feature counts; the global
// counts follow from Mode and Partitions.
type Linear struct {
	Container

	in, out int
	opts    LinearOpts

	weight *Parameter
	bias   *Parameter

	scratch []float32
}

// NewLinear constructs a local-shard dense layer with reproducible random
// weights. in and out are the feature counts visible on this rank.
func NewLinear(in, out int, opts LinearOpts) *Linear {
	l := &Linear{in: in, out: out, opts: opts}
	w := tensor.NewMat(out, in)
	tensor.FillRand(w, opts.Seed)
	l.weight = l.RegisterParameter("weight", w, true)
	if opts.Bias {
		l.bias = l.RegisterParameter("bias", tensor.NewMat(1, out), true)
	}
	l.scratch = make([]float32, out)
	return l
}

// InFeatures returns the local input feature count.
func (l *Linear) InFeatures() int { return l.in }

// OutFeatures returns the local output feature count.
func (l *Linear) OutFeatures() int { return l.out }

// Mode returns the layer's tensor-parallel sharding mode.
func (l *Linear) Mode() ParallelMode { return l.opts.Mode }

// Forward computes y = Wx (+ b). The returned slice is owned by the layer
// and overwritten on the next call.
func (l *Linear) Forward(x []float32) (Activation, error) {
	if len(x) != l.in {
		return Activation{}, fmt.Errorf("linear: input length %d, want %d", len(x), l.in)
	}
	tensor.MatVec(l.scratch, l.weight.Data, x)
	if l.bias == nil {
		return Activation{Output: l.scratch}, nil
	}
	if l.opts.SkipBiasAdd {
		return Activation{Output: l.scratch, Bias: l.bias.Data.Row(0)}, nil
	}
	tensor.Add(l.scratch, l.bias.Data.Row(0))
	return Activation{Output: l.scratch}, nil
}

// ShardedStateDict places the weight (and bias) inside their global shapes
// according to the layer's parallel mode.
func (l *Linear) ShardedStateDict(prefix string, offsets []statedict.ShardOffset, meta statedict.Metadata) *statedict.Sharded {
	parts := l.opts.Partitions
	if parts < 1 {
		parts = 1
	}
	sh := statedict.NewSharded()

	wGlobal := []int{l.out, l.in}
	wOffsets := offsets
	bGlobal := []int{1, l.out}
	bOffsets := offsets
	switch l.opts.Mode {
	case ParallelColumn:
		wGlobal = []int{l.out * parts, l.in}
		wOffsets = appendOffset(offsets, statedict.ShardOffset{Dim: 0, Index: l.opts.Partition, Count: parts})
		// column-parallel bias is sharded with the output slice
		bGlobal = []int{1, l.out * parts}
		bOffsets = appendOffset(offsets, statedict.ShardOffset{Dim: 1, Index: l.opts.Partition, Count: parts})
	case ParallelRow:
		wGlobal = []int{l.out, l.in * parts}
		wOffsets = appendOffset(offsets, statedict.ShardOffset{Dim: 1, Index: l.opts.Partition, Count: parts})
		// row-parallel bias is replicated
	}

	sh.Put(prefix+"weight", statedict.ShardedTensor{
		Local:       l.weight.Data,
		GlobalShape: wGlobal,
		Offsets:     wOffsets,
	})
	if l.bias != nil {
		sh.Put(prefix+"bias", statedict.ShardedTensor{
			Local:       l.bias.Data,
			GlobalShape: bGlobal,
			Offsets:     bOffsets,
		})
	}
	return sh
}

func appendOffset(offsets []statedict.ShardOffset, o statedict.ShardOffset) []statedict.ShardOffset {
	out := make([]statedict.ShardOffset, 0, len(offsets)+1)
	out = append(out, offsets...)
	return append(out, o)
}

// NormLinear fuses an RMSNorm in front of a Linear layer. Its forward
// result carries the normalised input in Activation.Norm so adapter
// wrappers can branch off the post-norm tensor, as fused transformer
// blocks do.
type NormLinear struct {
	Container

	linear *Linear
	gamma  *Parameter
	eps    float32

	normed []float32
}

// NewNormLinear constructs an RMSNorm followed by the given linear layer.
func NewNormLinear(linear *Linear, eps float32) *NormLinear {
	n := &NormLinear{linear: linear, eps: eps}
	gamma := tensor.NewMat(1, linear.InFeatures())
	for i := range gamma.Data {
		gamma.Data[i] = 1
	}
	n.gamma = n.RegisterParameter("norm_weight", gamma, true)
	n.RegisterChild("linear", linear)
	n.normed = make([]float32, linear.InFeatures())
	return n
}

// InFeatures returns the local input feature count of the fused layer.
func (n *NormLinear) InFeatures() int { return n.linear.InFeatures() }

// OutFeatures returns the local output feature count of the fused layer.
func (n *NormLinear) OutFeatures() int { return n.linear.OutFeatures() }

// Mode returns the sharding mode of the fused linear.
func (n *NormLinear) Mode() ParallelMode { return n.linear.Mode() }

// Forward normalises x, projects it, and reports the normalised tensor
// alongside the projection output.
func (n *NormLinear) Forward(x []float32) (Activation, error) {
	if len(x) != n.linear.InFeatures() {
		return Activation{}, fmt.Errorf("norm linear: input length %d, want %d", len(x), n.linear.InFeatures())
	}
	tensor.RMSNorm(n.normed, x, n.gamma.Data.Row(0), n.eps)
	act, err := n.linear.Forward(n.normed)
	if err != nil {
		return Activation{}, err
	}
	act.Norm = n.normed
	return act, nil
}
