// Package checkpoint serialises state dictionaries to a single-file,
// safetensors-style container: an 8-byte little-endian header length, a
// JSON header describing every tensor, and the raw payloads in header
// order. Nested adapter sub-states flatten to dot-joined keys on save and
// fold back on load, so wrapped and un-wrapped models exchange files
// freely.
package checkpoint

import (
	"errors"

	"github.com/samcharles93/veneer/internal/tensor"
)

// Reserved metadata keys written into the header's __metadata__ block.
const (
	metaFormat  = "format"
	metaVersion = "version"
	metaRunID   = "run_id"

	formatName    = "veneer.statedict"
	formatVersion = "1"
)

var (
	ErrBadHeader     = errors.New("checkpoint: malformed header")
	ErrTruncated     = errors.New("checkpoint: truncated file")
	ErrUnknownTensor = errors.New("checkpoint: unknown tensor")
)

// TensorInfo describes one serialised tensor: its dtype, shape, and byte
// range within the payload section.
type TensorInfo struct {
	Name  string
	DType tensor.DType
	Shape []int
	Start int64
	End   int64
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}
