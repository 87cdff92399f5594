package peft

import (
	"fmt"

	"github.com/samcharles93/veneer/internal/logger"
	"github.com/samcharles93/veneer/pkg/nn"
	"github.com/samcharles93/veneer/pkg/parallel"
)

// Transform decides, per module, whether to replace it during the wrapping
// pass. Implementations must be pure functions of the module, its local
// name, and its path prefix; the orchestrator guarantees each original
// module is offered exactly once.
type Transform interface {
	Transform(m nn.Module, name, prefix string) (nn.Module, error)
}

// ParallelDims is the tensor-parallel geometry computed for one wrapped
// module: the global feature counts recovered from the module's local
// (already-sharded) counts and the queried world size. It is recomputed
// fresh for every module, never cached.
type ParallelDims struct {
	InFeatures      int
	OutFeatures     int
	InputIsParallel bool
	WorldSize       int
}

// LoRA is the low-rank adaptation transform policy. It wraps the
// configured target modules with LowRankAdapter instances sized by the
// global (un-sharded) feature counts.
type LoRA struct {
	cfg     Config
	classes map[string]nn.ParallelMode
	dropPos nn.DropoutPosition
	topo    parallel.Topology
	log     logger.Logger
}

// NewLoRA validates the configuration and builds the transform. The
// topology is injected so world sizes can be fixed deterministically in
// tests; a nil log discards output.
func NewLoRA(cfg Config, topo parallel.Topology, log logger.Logger) (*LoRA, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("peft: %w", err)
	}
	classes, err := cfg.classTable()
	if err != nil {
		return nil, fmt.Errorf("peft: %w", err)
	}
	dropPos, err := parseDropoutPosition(cfg.DropoutPosition)
	if err != nil {
		return nil, fmt.Errorf("peft: %w", err)
	}
	if topo == nil {
		topo = parallel.Single
	}
	if log == nil {
		log = logger.Discard()
	}
	return &LoRA{
		cfg:     cfg,
		classes: classes,
		dropPos: dropPos,
		topo:    topo,
		log:     log,
	}, nil
}

// CheckTargets verifies that every configured target name has a parallel
// classification, failing fast on configuration errors before any model is
// touched.
func (l *LoRA) CheckTargets() error {
	for _, name := range l.cfg.TargetModules {
		if _, ok := l.classes[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTargetClass, name)
		}
	}
	return nil
}

// Classify returns the parallel class assigned to a target name.
func (l *LoRA) Classify(name string) (nn.ParallelMode, bool) {
	mode, ok := l.classes[name]
	return mode, ok
}

// Dims computes the tensor-parallel geometry for a target with the given
// local feature counts and parallel class. Column-parallel layers hold a
// slice of the outputs, so the global out count is local times world size;
// row-parallel layers hold a slice of the inputs, the inverse.
func (l *LoRA) Dims(localIn, localOut int, class nn.ParallelMode) (ParallelDims, error) {
	tp := l.topo.WorldSize()
	switch class {
	case nn.ParallelColumn:
		return ParallelDims{
			InFeatures:  localIn,
			OutFeatures: localOut * tp,
			WorldSize:   tp,
		}, nil
	case nn.ParallelRow:
		return ParallelDims{
			InFeatures:      localIn * tp,
			OutFeatures:     localOut,
			InputIsParallel: true,
			WorldSize:       tp,
		}, nil
	default:
		return ParallelDims{}, ErrUnknownTargetClass
	}
}

// Transform wraps m with a low-rank adapter when its name is in the target
// set. Non-targets are returned unchanged (by identity). A target that
// cannot be classified or that has no dense geometry is a configuration
// error, surfaced immediately.
func (l *LoRA) Transform(m nn.Module, name, prefix string) (nn.Module, error) {
	if !l.cfg.isTarget(name) {
		return m, nil
	}
	if _, ok := m.(*AdapterWrapper); ok {
		return nil, fmt.Errorf("%w: %s", ErrDoubleWrap, joinPath(prefix, name))
	}

	class, ok := l.classes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTargetClass, joinPath(prefix, name))
	}
	sizer, ok := m.(nn.FeatureSizer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotDense, joinPath(prefix, name))
	}

	dims, err := l.Dims(sizer.InFeatures(), sizer.OutFeatures(), class)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, joinPath(prefix, name))
	}

	adapter, err := nn.NewLowRankAdapter(dims.InFeatures, dims.OutFeatures, l.cfg.Dim, nn.AdapterConfig{
		Alpha:           l.cfg.Alpha,
		Dropout:         l.cfg.Dropout,
		DropoutPosition: l.dropPos,
		InputIsParallel: dims.InputIsParallel,
		WorldSize:       dims.WorldSize,
		Rank:            l.topo.Rank(),
		Seed:            l.cfg.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("peft: adapter for %s: %w", joinPath(prefix, name), err)
	}

	l.log.Info("adding low-rank adapter",
		"module", joinPath(prefix, name),
		"class", class.String(),
		"in", dims.InFeatures,
		"out", dims.OutFeatures,
		"rank", l.cfg.Dim,
		"tp", dims.WorldSize,
	)
	return Wrap(m, adapter), nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
