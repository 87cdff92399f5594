package nn

import (
	"fmt"
	"math/rand"

	"github.com/samcharles93/veneer/internal/tensor"
	"github.com/samcharles93/veneer/pkg/statedict"
)

// DropoutPosition places the adapter's dropout relative to the low-rank
// projection.
type DropoutPosition uint8

const (
	// DropoutPre applies dropout to the adapter input.
	DropoutPre DropoutPosition = iota
	// DropoutPost applies dropout to the adapter output.
	DropoutPost
)

func (p DropoutPosition) String() string {
	switch p {
	case DropoutPre:
		return "pre"
	case DropoutPost:
		return "post"
	default:
		return fmt.Sprintf("DropoutPosition(%d)", uint8(p))
	}
}

// AdapterConfig configures a LowRankAdapter.
type AdapterConfig struct {
	// Alpha scales the low-rank delta by Alpha/rank.
	Alpha float64
	// Dropout is the drop probability applied while training.
	Dropout float64
	// DropoutPosition places the dropout before or after the projection.
	DropoutPosition DropoutPosition
	// InputIsParallel marks that the adapter input arrives already split
	// across the tensor-parallel group (row-parallel base layer).
	InputIsParallel bool
	// WorldSize is the tensor-parallel world size; zero means one.
	WorldSize int
	// Rank is this process's tensor-parallel rank.
	Rank int
	// Seed controls the reproducible down-projection initialisation.
	Seed int64
}

// LowRankAdapter is a trainable low-rank delta for a frozen dense layer:
// an input projection down to rank dimensions followed by a projection
// back up, scaled by alpha/rank. The up-projection initialises to zero so
// a freshly constructed adapter contributes nothing.
//
// in and out are GLOBAL feature counts; the adapter derives its local
// shard shapes from the world size so its output always matches the base
// layer's local output shape. Output gathering is never performed.
type LowRankAdapter struct {
	Container

	in, out, rank int
	cfg           AdapterConfig

	down *Parameter // [rank x local-in]
	up   *Parameter // [local-out x rank]

	hidden []float32
	outBuf []float32

	training bool
	dropRNG  *rand.Rand
}

// NewLowRankAdapter constructs an adapter for a base layer with the given
// global feature geometry. Both new parameters are trainable.
func NewLowRankAdapter(in, out, rank int, cfg AdapterConfig) (*LowRankAdapter, error) {
	if rank <= 0 {
		return nil, fmt.Errorf("adapter rank must be positive, got %d", rank)
	}
	world := cfg.WorldSize
	if world < 1 {
		world = 1
	}

	localIn, localOut := in, out
	if cfg.InputIsParallel {
		if in%world != 0 {
			return nil, fmt.Errorf("global in features %d not divisible by world size %d", in, world)
		}
		localIn = in / world
	} else {
		if out%world != 0 {
			return nil, fmt.Errorf("global out features %d not divisible by world size %d", out, world)
		}
		localOut = out / world
	}

	a := &LowRankAdapter{in: in, out: out, rank: rank, cfg: cfg}
	down := tensor.NewMat(rank, localIn)
	tensor.FillNormal(down, cfg.Seed, 0.02)
	a.down = a.RegisterParameter("linear_in.weight", down, true)
	// zero init keeps the delta at zero until training moves it
	a.up = a.RegisterParameter("linear_out.weight", tensor.NewMat(localOut, rank), true)

	a.hidden = make([]float32, rank)
	a.outBuf = make([]float32, localOut)
	if cfg.Dropout > 0 {
		a.dropRNG = rand.New(rand.NewSource(cfg.Seed + 1))
	}
	return a, nil
}

// InFeatures returns the global input feature count.
func (a *LowRankAdapter) InFeatures() int { return a.in }

// OutFeatures returns the global output feature count.
func (a *LowRankAdapter) OutFeatures() int { return a.out }

// Rank returns the low-rank dimension.
func (a *LowRankAdapter) Rank() int { return a.rank }

// SetTraining toggles dropout. Adapters are constructed in eval mode.
func (a *LowRankAdapter) SetTraining(training bool) {
	a.training = training
}

// Forward computes the scaled low-rank delta for x. x must have the local
// input length (global/world when the input is parallel). The returned
// slice is owned by the adapter and overwritten on the next call.
func (a *LowRankAdapter) Forward(x []float32) (Activation, error) {
	if len(x) != a.down.Data.C {
		return Activation{}, fmt.Errorf("adapter: input length %d, want %d", len(x), a.down.Data.C)
	}

	in := x
	if a.cfg.DropoutPosition == DropoutPre && a.dropout() {
		in = a.applyDropout(append([]float32(nil), x...))
	}

	tensor.MatVec(a.hidden, a.down.Data, in)
	tensor.MatVec(a.outBuf, a.up.Data, a.hidden)
	tensor.Scale(a.outBuf, float32(a.cfg.Alpha/float64(a.rank)))

	if a.cfg.DropoutPosition == DropoutPost && a.dropout() {
		a.applyDropout(a.outBuf)
	}
	return Activation{Output: a.outBuf}, nil
}

func (a *LowRankAdapter) dropout() bool {
	return a.training && a.cfg.Dropout > 0
}

// applyDropout performs inverted dropout in place and returns x.
func (a *LowRankAdapter) applyDropout(x []float32) []float32 {
	keep := 1 - a.cfg.Dropout
	inv := float32(1 / keep)
	for i := range x {
		if a.dropRNG.Float64() < a.cfg.Dropout {
			x[i] = 0
		} else {
			x[i] *= inv
		}
	}
	return x
}

// ShardedStateDict reports the projections inside their global shapes: the
// sharded axis follows the input-parallel flag, the opposite projection is
// replicated.
func (a *LowRankAdapter) ShardedStateDict(prefix string, offsets []statedict.ShardOffset, meta statedict.Metadata) *statedict.Sharded {
	world := a.cfg.WorldSize
	if world < 1 {
		world = 1
	}
	sh := statedict.NewSharded()

	downGlobal := []int{a.rank, a.down.Data.C}
	downOffsets := offsets
	upGlobal := []int{a.up.Data.R, a.rank}
	upOffsets := offsets
	if a.cfg.InputIsParallel {
		downGlobal = []int{a.rank, a.in}
		downOffsets = appendOffset(offsets, statedict.ShardOffset{Dim: 1, Index: a.cfg.Rank, Count: world})
	} else {
		upGlobal = []int{a.out, a.rank}
		upOffsets = appendOffset(offsets, statedict.ShardOffset{Dim: 0, Index: a.cfg.Rank, Count: world})
	}

	sh.Put(prefix+"linear_in.weight", statedict.ShardedTensor{
		Local:       a.down.Data,
		GlobalShape: downGlobal,
		Offsets:     downOffsets,
	})
	sh.Put(prefix+"linear_out.weight", statedict.ShardedTensor{
		Local:       a.up.Data,
		GlobalShape: upGlobal,
		Offsets:     upOffsets,
	})
	return sh
}
