package peft

import "errors"

var (
	// ErrDoubleWrap reports an attempt to wrap a module that is already an
	// AdapterWrapper. This is a policy or traversal bug, never recoverable.
	ErrDoubleWrap = errors.New("peft: module is already wrapped")

	// ErrUnknownTargetClass reports a target module name with no
	// column/row parallel classification. Guessing a class would corrupt
	// tensor-parallel numerics, so this fails immediately.
	ErrUnknownTargetClass = errors.New("peft: target module has no parallel classification")

	// ErrNotDense reports a target module that does not expose a dense
	// feature geometry and therefore cannot take a low-rank adapter.
	ErrNotDense = errors.New("peft: target module is not a dense layer")
)
