package checkpoint

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/veneer/internal/tensor"
	"github.com/samcharles93/veneer/pkg/statedict"
)

func testDict() *statedict.Dict {
	w := tensor.NewMat(4, 8)
	tensor.FillRand(w, 1)
	gamma := tensor.NewMat(1, 8)
	tensor.FillRand(gamma, 2)
	down := tensor.NewMat(2, 8)
	tensor.FillRand(down, 3)
	up := tensor.NewMat(4, 2)
	tensor.FillRand(up, 4)

	adapters := statedict.New()
	adapters.Set("linear_in.weight", down)
	adapters.Set("linear_out.weight", up)

	sd := statedict.New()
	sd.Set("layers.0.linear_qkv.weight", w)
	sd.Set("layers.0.norm_weight", gamma)
	sd.SetNested("layers.0.linear_qkv."+statedict.AdapterKey, adapters)
	return sd
}

func saveTemp(t *testing.T, sd *statedict.Dict, opts SaveOptions) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.vnr")
	if err := Save(path, sd, opts); err != nil {
		t.Fatalf("save: %v", err)
	}
	return path
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	src := testDict()
	path := saveTemp(t, src, SaveOptions{})

	got, meta, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if meta[metaFormat] != formatName || meta[metaVersion] != formatVersion {
		t.Fatalf("format metadata = %v", meta)
	}
	if meta[metaRunID] == "" {
		t.Fatalf("run id missing")
	}

	srcFlat := src.Flatten()
	gotFlat := got.Flatten()
	if len(gotFlat) != len(srcFlat) {
		t.Fatalf("entry count %d, want %d", len(gotFlat), len(srcFlat))
	}
	for i := range srcFlat {
		if gotFlat[i].Key != srcFlat[i].Key {
			t.Fatalf("entry %d key %q, want %q", i, gotFlat[i].Key, srcFlat[i].Key)
		}
		if !tensor.Equal(gotFlat[i].Tensor, srcFlat[i].Tensor) {
			t.Fatalf("tensor %s not bit-identical after round trip", srcFlat[i].Key)
		}
	}

	// adapter entries fold back into a nested sub-state
	v, ok := got.Get("layers.0.linear_qkv." + statedict.AdapterKey)
	if !ok || v.Nested == nil {
		t.Fatalf("adapter sub-state not rebuilt on load")
	}
	wantSub := []string{"linear_in.weight", "linear_out.weight"}
	if diff := cmp.Diff(wantSub, v.Nested.Keys()); diff != "" {
		t.Fatalf("adapter sub-keys (-want +got):\n%s", diff)
	}
}

func TestSaveCustomMetadata(t *testing.T) {
	t.Parallel()

	path := saveTemp(t, testDict(), SaveOptions{Metadata: map[string]string{"step": "1200"}})
	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if f.Metadata["step"] != "1200" {
		t.Fatalf("custom metadata lost, got %v", f.Metadata)
	}
	if f.Metadata[metaFormat] != formatName {
		t.Fatalf("reserved keys must survive custom metadata, got %v", f.Metadata)
	}
}

func TestTensorsInWriteOrder(t *testing.T) {
	t.Parallel()

	path := saveTemp(t, testDict(), SaveOptions{})
	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var names []string
	for _, info := range f.Tensors() {
		names = append(names, info.Name)
	}
	want := []string{
		"layers.0.linear_qkv.weight",
		"layers.0.norm_weight",
		"layers.0.linear_qkv." + statedict.AdapterKey + ".linear_in.weight",
		"layers.0.linear_qkv." + statedict.AdapterKey + ".linear_out.weight",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("tensor order (-want +got):\n%s", diff)
	}
}

func TestNarrowDTypes(t *testing.T) {
	t.Parallel()

	for _, dtype := range []tensor.DType{tensor.DTypeF16, tensor.DTypeBF16} {
		t.Run(dtype.String(), func(t *testing.T) {
			path := saveTemp(t, testDict(), SaveOptions{DType: dtype})
			f, err := Open(path)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer f.Close()

			info := f.Tensors()[0]
			if info.DType != dtype {
				t.Fatalf("stored dtype %v, want %v", info.DType, dtype)
			}
			if got := info.End - info.Start; got != int64(4*8*dtype.ElemSize()) {
				t.Fatalf("payload size %d for shape %v", got, info.Shape)
			}
			m, err := f.ReadTensor(info.Name)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if m.R != 4 || m.C != 8 {
				t.Fatalf("decoded shape %dx%d", m.R, m.C)
			}
		})
	}
}

func TestReadUnknownTensor(t *testing.T) {
	t.Parallel()

	path := saveTemp(t, testDict(), SaveOptions{})
	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if _, err := f.ReadTensor("nope"); !errors.Is(err, ErrUnknownTensor) {
		t.Fatalf("want ErrUnknownTensor, got %v", err)
	}
}

func TestOpenTruncatedFile(t *testing.T) {
	t.Parallel()

	path := saveTemp(t, testDict(), SaveOptions{})
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	short := filepath.Join(t.TempDir(), "short.vnr")
	if err := os.WriteFile(short, raw[:len(raw)-16], 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(short); !errors.Is(err, ErrTruncated) {
		t.Fatalf("want ErrTruncated, got %v", err)
	}

	empty := filepath.Join(t.TempDir(), "empty.vnr")
	if err := os.WriteFile(empty, raw[:4], 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(empty); !errors.Is(err, ErrTruncated) {
		t.Fatalf("want ErrTruncated for cut header length, got %v", err)
	}
}

func TestOpenOversizedHeaderLength(t *testing.T) {
	t.Parallel()

	// a declared header length above 2^63 must be rejected, not allocated
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], ^uint64(0))
	path := filepath.Join(t.TempDir(), "huge.vnr")
	if err := os.WriteFile(path, buf[:], 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path); !errors.Is(err, ErrTruncated) {
		t.Fatalf("want ErrTruncated for oversized header length, got %v", err)
	}
}

func TestOpenBadHeader(t *testing.T) {
	t.Parallel()

	junk := []byte("{not json")
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(junk)))
	path := filepath.Join(t.TempDir(), "bad.vnr")
	if err := os.WriteFile(path, append(buf[:], junk...), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path); !errors.Is(err, ErrBadHeader) {
		t.Fatalf("want ErrBadHeader, got %v", err)
	}
}

func TestDistinctRunIDs(t *testing.T) {
	t.Parallel()

	sd := testDict()
	a := saveTemp(t, sd, SaveOptions{})
	b := saveTemp(t, sd, SaveOptions{})
	_, metaA, err := LoadFile(a)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	_, metaB, err := LoadFile(b)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if metaA[metaRunID] == metaB[metaRunID] {
		t.Fatalf("run ids must be unique per write")
	}
}
