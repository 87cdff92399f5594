package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType describes an on-disk element encoding for tensor payloads.
// In-memory matrices are always float32; narrower dtypes exist only at
// serialisation boundaries.
type DType uint8

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
)

// String returns the safetensors-style dtype name.
func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	default:
		return fmt.Sprintf("DType(%d)", uint8(d))
	}
}

// ElemSize returns the byte width of a single element.
func (d DType) ElemSize() int {
	switch d {
	case DTypeF32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 0
	}
}

// ParseDType parses a safetensors-style dtype name.
func ParseDType(s string) (DType, error) {
	switch s {
	case "F32":
		return DTypeF32, nil
	case "F16":
		return DTypeF16, nil
	case "BF16":
		return DTypeBF16, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", s)
	}
}

// Encode serialises the matrix values to little-endian bytes in the given
// dtype. Rows are written contiguously regardless of the source stride.
func Encode(m *Mat, dtype DType) ([]byte, error) {
	vals := m.Data
	if m.Stride != m.C {
		vals = m.Clone().Data
	}
	switch dtype {
	case DTypeF32:
		out := make([]byte, 4*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
		}
		return out, nil
	case DTypeF16:
		out := make([]byte, 2*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
		}
		return out, nil
	case DTypeBF16:
		return bfloat16.EncodeFloat32(vals), nil
	default:
		return nil, fmt.Errorf("unsupported dtype %v", dtype)
	}
}

// Decode deserialises little-endian bytes in the given dtype into float32
// values. The raw length must be an exact multiple of the element size.
func Decode(raw []byte, dtype DType) ([]float32, error) {
	elem := dtype.ElemSize()
	if elem == 0 {
		return nil, fmt.Errorf("unsupported dtype %v", dtype)
	}
	if len(raw)%elem != 0 {
		return nil, fmt.Errorf("raw length %d not a multiple of element size %d", len(raw), elem)
	}
	switch dtype {
	case DTypeF32:
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return out, nil
	case DTypeF16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
		return out, nil
	case DTypeBF16:
		return bfloat16.DecodeFloat32(raw), nil
	default:
		return nil, fmt.Errorf("unsupported dtype %v", dtype)
	}
}
