package nn

import (
	"fmt"

	"github.com/samcharles93/veneer/internal/tensor"
)

// Parameter is a named tensor with a trainable flag. Freezing a module
// clears the flag; construction-time trainability is the module's choice.
type Parameter struct {
	Name      string
	Data      *tensor.Mat
	Trainable bool
}

// CopyFrom overwrites the parameter values with src. The shapes must match
// exactly; trainability is unaffected.
func (p *Parameter) CopyFrom(src *tensor.Mat) error {
	if src.R != p.Data.R || src.C != p.Data.C {
		return fmt.Errorf("parameter %s: shape [%d %d] does not match incoming [%d %d]",
			p.Name, p.Data.R, p.Data.C, src.R, src.C)
	}
	for i := 0; i < src.R; i++ {
		src.RowTo(p.Data.Row(i), i)
	}
	return nil
}
