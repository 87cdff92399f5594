package statedict

import (
	"fmt"
	"strings"
)

// MismatchError reports a strict load that could not be satisfied: keys the
// module required but the dict lacked, and keys the dict carried that no
// parameter consumed.
type MismatchError struct {
	Missing    []string
	Unexpected []string
}

func (e *MismatchError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing keys: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, fmt.Sprintf("unexpected keys: %s", strings.Join(e.Unexpected, ", ")))
	}
	if len(parts) == 0 {
		return "state mismatch"
	}
	return "state mismatch: " + strings.Join(parts, "; ")
}

// Prefixed returns a copy of e with prefix prepended to every key, used
// when propagating a child module's mismatch up through its parent.
func (e *MismatchError) Prefixed(prefix string) *MismatchError {
	out := &MismatchError{}
	for _, k := range e.Missing {
		out.Missing = append(out.Missing, prefix+k)
	}
	for _, k := range e.Unexpected {
		out.Unexpected = append(out.Unexpected, prefix+k)
	}
	return out
}
