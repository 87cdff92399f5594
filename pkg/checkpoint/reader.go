package checkpoint

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/goccy/go-json"

	"github.com/samcharles93/veneer/internal/tensor"
	"github.com/samcharles93/veneer/pkg/statedict"
)

// File is an open checkpoint. Tensor reads are random-access against the
// payload section.
type File struct {
	f         *os.File
	dataStart int64
	size      int64

	Metadata map[string]string

	infos map[string]TensorInfo
	order []string // names sorted by payload offset, the write order
}

// Open parses the header of the checkpoint at path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	cf, err := open(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return cf, nil
}

func open(f *os.File) (*File, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	// compare unsigned: a huge declared length must not wrap negative
	if headerLen > uint64(st.Size()-8) {
		return nil, ErrTruncated
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}

	cf := &File{
		f:         f,
		dataStart: int64(8 + headerLen),
		size:      st.Size(),
		Metadata:  map[string]string{},
		infos:     make(map[string]TensorInfo, len(raw)),
	}

	if msg, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(msg, &cf.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrBadHeader, err)
		}
		delete(raw, "__metadata__")
	}

	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrBadHeader, name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[0] > th.DataOffsets[1] {
			return nil, fmt.Errorf("%w: tensor %s: invalid data_offsets", ErrBadHeader, name)
		}
		if len(th.Shape) != 2 {
			return nil, fmt.Errorf("%w: tensor %s: shape rank %d, want 2", ErrBadHeader, name, len(th.Shape))
		}
		dtype, err := tensor.ParseDType(th.DType)
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrBadHeader, name, err)
		}
		if cf.dataStart+th.DataOffsets[1] > cf.size {
			return nil, ErrTruncated
		}
		cf.infos[name] = TensorInfo{
			Name:  name,
			DType: dtype,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
		cf.order = append(cf.order, name)
	}

	// JSON objects carry no order; the payload offsets do.
	sort.Slice(cf.order, func(i, j int) bool {
		return cf.infos[cf.order[i]].Start < cf.infos[cf.order[j]].Start
	})
	return cf, nil
}

// Close releases the underlying file.
func (c *File) Close() error {
	return c.f.Close()
}

// Tensors returns the tensor descriptors in payload order.
func (c *File) Tensors() []TensorInfo {
	out := make([]TensorInfo, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.infos[name])
	}
	return out
}

// ReadTensor reads and decodes a single tensor by its flattened key.
func (c *File) ReadTensor(name string) (*tensor.Mat, error) {
	info, ok := c.infos[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTensor, name)
	}
	raw := make([]byte, info.End-info.Start)
	if _, err := c.f.ReadAt(raw, c.dataStart+info.Start); err != nil {
		return nil, fmt.Errorf("%w: tensor %s: %v", ErrTruncated, name, err)
	}
	vals, err := tensor.Decode(raw, info.DType)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	if len(vals) != info.Shape[0]*info.Shape[1] {
		return nil, fmt.Errorf("%w: tensor %s: %d values for shape %v", ErrBadHeader, name, len(vals), info.Shape)
	}
	return tensor.NewMatFromData(info.Shape[0], info.Shape[1], vals), nil
}

// Load reads every tensor and rebuilds the nested state dictionary.
func (c *File) Load() (*statedict.Dict, error) {
	entries := make([]statedict.FlatEntry, 0, len(c.order))
	for _, name := range c.order {
		t, err := c.ReadTensor(name)
		if err != nil {
			return nil, err
		}
		entries = append(entries, statedict.FlatEntry{Key: name, Tensor: t})
	}
	return statedict.Unflatten(entries), nil
}

// LoadFile is a convenience that opens, loads, and closes a checkpoint.
func LoadFile(path string) (*statedict.Dict, map[string]string, error) {
	f, err := Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()
	sd, err := f.Load()
	if err != nil {
		return nil, nil, err
	}
	return sd, f.Metadata, nil
}
