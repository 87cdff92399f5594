package checkpoint

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/veneer/internal/tensor"
	"github.com/samcharles93/veneer/pkg/statedict"
)

// SaveOptions configures serialisation.
type SaveOptions struct {
	// DType is the payload element encoding; the default is F32. Narrower
	// dtypes trade round-trip exactness for size.
	DType tensor.DType
	// Metadata is merged into the header's __metadata__ block. Reserved
	// keys (format, version, run_id) are always written by the codec.
	Metadata map[string]string
}

// Save writes the state dictionary to path, replacing any existing file.
func Save(path string, sd *statedict.Dict, opts SaveOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, sd, opts); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Write serialises the state dictionary to w. Tensor payloads are encoded
// concurrently; the output layout is fully deterministic apart from the
// generated run id.
func Write(w io.Writer, sd *statedict.Dict, opts SaveOptions) error {
	entries := sd.Flatten()

	payloads := make([][]byte, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			raw, err := tensor.Encode(e.Tensor, opts.DType)
			if err != nil {
				return fmt.Errorf("encode %s: %w", e.Key, err)
			}
			payloads[i] = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	header := make(map[string]any, len(entries)+1)
	meta := map[string]string{
		metaFormat:  formatName,
		metaVersion: formatVersion,
		metaRunID:   uuid.NewString(),
	}
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	header["__metadata__"] = meta

	var off int64
	for i, e := range entries {
		end := off + int64(len(payloads[i]))
		header[e.Key] = tensorHeader{
			DType:       opts.DType.String(),
			Shape:       []int{e.Tensor.R, e.Tensor.C},
			DataOffsets: []int64{off, end},
		}
		off = end
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}
	for _, p := range payloads {
		if _, err := w.Write(p); err != nil {
			return err
		}
	}
	return nil
}
