package peft

import (
	"fmt"

	"github.com/samcharles93/veneer/internal/logger"
	"github.com/samcharles93/veneer/pkg/nn"
)

// Apply freezes every parameter of model, then walks the module tree and
// offers each sub-module to the transform, replacing children whose result
// differs by identity. Freezing happens first so modules the transform
// leaves untouched stay frozen, and wrapping a module never resurrects its
// parameters; only parameters the transform itself introduces are
// trainable afterwards. Adapters installed by an earlier pass keep their
// trainability across the freeze.
//
// The walk is depth-first and deterministic: parent before children,
// siblings in declaration order. It never descends into a freshly inserted
// wrapper, and children that are already wrapped are skipped, so applying
// the same transform twice is a no-op rather than a nesting bug.
//
// The model is exclusively owned by Apply for the duration of the call.
func Apply(model nn.Module, tf Transform, log logger.Logger) error {
	if log == nil {
		log = logger.Discard()
	}
	before := len(model.NamedParameters())
	freezeBase(model)
	if err := walk(model, tf, ""); err != nil {
		return err
	}
	log.Debug("peft transform applied",
		"frozen_params", before,
		"trainable_scalars", nn.TrainableParameters(model),
	)
	return nil
}

// freezeBase freezes the model while preserving the trainability of
// adapters already installed by a previous pass. Module.Freeze itself stays
// total; the exemption is the orchestrator's business only.
func freezeBase(model nn.Module) {
	saved := make(map[*nn.Parameter]bool)
	saveAdapterFlags(model, saved)
	model.Freeze()
	for p, trainable := range saved {
		p.Trainable = trainable
	}
}

func saveAdapterFlags(m nn.Module, saved map[*nn.Parameter]bool) {
	if w, ok := m.(*AdapterWrapper); ok {
		for _, np := range w.Adapter().NamedParameters() {
			saved[np.Param] = np.Param.Trainable
		}
		return
	}
	for _, ch := range m.NamedChildren() {
		saveAdapterFlags(ch.Module, saved)
	}
}

func walk(parent nn.Module, tf Transform, prefix string) error {
	for _, ch := range parent.NamedChildren() {
		if _, ok := ch.Module.(*AdapterWrapper); ok {
			// wrapped on a previous pass; single-shot per original module
			continue
		}

		replaced, err := tf.Transform(ch.Module, ch.Name, prefix)
		if err != nil {
			return err
		}
		if replaced == nil {
			return fmt.Errorf("peft: transform returned nil for %s", joinPath(prefix, ch.Name))
		}

		if replaced != ch.Module {
			if w, ok := replaced.(*AdapterWrapper); ok {
				if _, nested := w.Base().(*AdapterWrapper); nested {
					return fmt.Errorf("%w: %s", ErrDoubleWrap, joinPath(prefix, ch.Name))
				}
			}
			if err := parent.ReplaceChild(ch.Name, replaced); err != nil {
				return fmt.Errorf("peft: replace %s: %w", joinPath(prefix, ch.Name), err)
			}
			// the inserted module's own tree is not a wrapping candidate
			continue
		}

		if err := walk(ch.Module, tf, joinPath(prefix, ch.Name)); err != nil {
			return err
		}
	}
	return nil
}
