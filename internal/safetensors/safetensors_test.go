package safetensors

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/frost/internal/tensor"
)

// writeRaw creates a minimal safetensors file with the given header and
// payload.
func writeRaw(t *testing.T, path string, header map[string]any, payload []byte) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	buf.Write(lenBuf[:])
	buf.Write(headerBytes)
	buf.Write(payload)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func openRaw(t *testing.T, header map[string]any, payload []byte) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.safetensors")
	writeRaw(t, path, header, payload)
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestOpenValidFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.safetensors")
	writeRaw(t, path, map[string]any{
		"weight": tensorHeader{DType: "F32", Shape: []int{2, 3}, DataOffsets: []int64{0, 24}},
	}, make([]byte, 24))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()
	if f.Path != path {
		t.Fatalf("expected path %q, got %q", path, f.Path)
	}
	info, ok := f.Tensor("weight")
	if !ok {
		t.Fatal("tensor 'weight' not found")
	}
	if diff := cmp.Diff(TensorInfo{DType: "F32", Shape: []int{2, 3}, Start: 0, End: 24}, info); diff != "" {
		t.Fatalf("info mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenNonexistentFile(t *testing.T) {
	t.Parallel()
	if _, err := Open(filepath.Join(t.TempDir(), "missing.safetensors")); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestOpenTruncatedFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "truncated.safetensors")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for truncated file")
	}
}

func TestParseHeaderLengthBeyondFile(t *testing.T) {
	t.Parallel()
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], 1<<20)
	if _, err := Parse(buf[:]); err == nil || !strings.Contains(err.Error(), "header length") {
		t.Fatalf("expected header length error, got %v", err)
	}
}

func TestOpenInvalidJSON(t *testing.T) {
	t.Parallel()
	header := []byte("{not json")
	buf := make([]byte, 8+len(header))
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(header)))
	copy(buf[8:], header)
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestInvalidDataOffsets(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	writeRaw(t, path, map[string]any{
		"weight": tensorHeader{DType: "F32", Shape: []int{2}, DataOffsets: []int64{0}},
	}, make([]byte, 8))
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for invalid data_offsets")
	}
}

func TestOffsetsBeyondPayload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "short.safetensors")
	writeRaw(t, path, map[string]any{
		"weight": tensorHeader{DType: "F32", Shape: []int{4}, DataOffsets: []int64{0, 16}},
	}, make([]byte, 8))
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for offsets beyond the payload")
	}
}

func TestReadTensorInvertedOffsets(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "inverted.safetensors")
	writeRaw(t, path, map[string]any{
		"weight": tensorHeader{DType: "F32", Shape: []int{1}, DataOffsets: []int64{8, 4}},
	}, make([]byte, 8))
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for inverted offsets")
	}
}

func TestMetadataParsed(t *testing.T) {
	t.Parallel()
	f := openRaw(t, map[string]any{
		"__metadata__": map[string]string{"format": "int8"},
		"weight":       tensorHeader{DType: "F32", Shape: []int{1}, DataOffsets: []int64{0, 4}},
	}, make([]byte, 4))
	if len(f.Tensors) != 1 {
		t.Fatalf("metadata counted as a tensor: %v", f.Names())
	}
	if f.Metadata["format"] != "int8" {
		t.Fatalf("metadata = %v", f.Metadata)
	}
}

func TestTensorNotFound(t *testing.T) {
	t.Parallel()
	f := openRaw(t, map[string]any{
		"weight": tensorHeader{DType: "F32", Shape: []int{1}, DataOffsets: []int64{0, 4}},
	}, make([]byte, 4))
	if _, ok := f.Tensor("missing"); ok {
		t.Fatal("expected missing tensor")
	}
	if _, _, err := f.ReadTensor("missing"); err == nil {
		t.Fatal("expected error reading missing tensor")
	}
}

func TestReadTensorF32(t *testing.T) {
	t.Parallel()
	want := []float32{1.5, -2.25, 0, 3}
	payload := make([]byte, 16)
	for i, v := range want {
		binary.LittleEndian.PutUint32(payload[i*4:], math.Float32bits(v))
	}
	f := openRaw(t, map[string]any{
		"w": tensorHeader{DType: "F32", Shape: []int{2, 2}, DataOffsets: []int64{0, 16}},
	}, payload)
	got, _, err := f.ReadTensorF32("w")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("values (-want +got):\n%s", diff)
	}
}

func TestReadTensorBF16(t *testing.T) {
	t.Parallel()
	want := []float32{1, -2, 0.5}
	payload := make([]byte, 6)
	for i, v := range want {
		binary.LittleEndian.PutUint16(payload[i*2:], uint16(math.Float32bits(v)>>16))
	}
	f := openRaw(t, map[string]any{
		"w": tensorHeader{DType: "BF16", Shape: []int{3}, DataOffsets: []int64{0, 6}},
	}, payload)
	got, _, err := f.ReadTensorF32("w")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("values (-want +got):\n%s", diff)
	}
}

func TestReadTensorF16(t *testing.T) {
	t.Parallel()
	// 1.0, -2.0, 0.5 in IEEE half precision.
	halves := []uint16{0x3C00, 0xC000, 0x3800}
	payload := make([]byte, 6)
	for i, h := range halves {
		binary.LittleEndian.PutUint16(payload[i*2:], h)
	}
	f := openRaw(t, map[string]any{
		"w": tensorHeader{DType: "F16", Shape: []int{3}, DataOffsets: []int64{0, 6}},
	}, payload)
	got, _, err := f.ReadTensorF32("w")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	if diff := cmp.Diff([]float32{1, -2, 0.5}, got); diff != "" {
		t.Fatalf("values (-want +got):\n%s", diff)
	}
}

func TestReadTensorUnsupportedDType(t *testing.T) {
	t.Parallel()
	f := openRaw(t, map[string]any{
		"w": tensorHeader{DType: "F64", Shape: []int{1}, DataOffsets: []int64{0, 8}},
	}, make([]byte, 8))
	if _, _, err := f.ReadTensorF32("w"); err == nil {
		t.Fatal("expected unsupported dtype error")
	}
}

func TestReadTensorSizeMismatch(t *testing.T) {
	t.Parallel()
	f := openRaw(t, map[string]any{
		"w": tensorHeader{DType: "F32", Shape: []int{3}, DataOffsets: []int64{0, 8}},
	}, make([]byte, 8))
	if _, _, err := f.ReadTensorF32("w"); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestNumElements(t *testing.T) {
	t.Parallel()
	tests := []struct {
		shape   []int
		want    int
		wantErr bool
	}{
		{[]int{2, 3}, 6, false},
		{[]int{7}, 7, false},
		{nil, 0, true},
		{[]int{2, 0}, 0, true},
		{[]int{-1}, 0, true},
	}
	for _, tc := range tests {
		got, err := numElements(tc.shape)
		if (err != nil) != tc.wantErr {
			t.Errorf("numElements(%v) error = %v, wantErr %t", tc.shape, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("numElements(%v) = %d, want %d", tc.shape, got, tc.want)
		}
	}
}

func TestFp16ToFloat32(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   uint16
		want float32
	}{
		{0x0000, 0},
		{0x3C00, 1},
		{0xBC00, -1},
		{0x7BFF, 65504},
		{0x0001, float32(math.Ldexp(1, -24))},
	}
	for _, tc := range tests {
		if got := fp16ToFloat32(tc.in); got != tc.want {
			t.Errorf("fp16ToFloat32(%#04x) = %g, want %g", tc.in, got, tc.want)
		}
	}
	if !math.IsInf(float64(fp16ToFloat32(0x7C00)), 1) {
		t.Error("0x7C00 should decode to +Inf")
	}
}

func TestWriteRoundTrip(t *testing.T) {
	t.Parallel()
	in := map[string]*tensor.Tensor{
		"b.weight": tensor.FromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3),
		"a.codes":  tensor.FromBytes([]byte{0, 127, 255}, 3),
		"c.ids":    tensor.FromInts([]int32{-1, 0, 7}, 3),
	}
	meta := map[string]string{"format": "int8", "chunk_size": "4096"}

	var buf bytes.Buffer
	if err := Write(&buf, in, meta); err != nil {
		t.Fatalf("Write: %v", err)
	}
	headerLen := binary.LittleEndian.Uint64(buf.Bytes()[:8])
	if headerLen%8 != 0 {
		t.Fatalf("header length %d is not 8-byte aligned", headerLen)
	}

	f, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff([]string{"a.codes", "b.weight", "c.ids"}, f.Names()); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(meta, f.Metadata); diff != "" {
		t.Fatalf("metadata (-want +got):\n%s", diff)
	}
	out, err := f.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("tensors (-want +got):\n%s", diff)
	}
	// Data is laid out in name order.
	if info := f.Tensors["a.codes"]; info.Start != 0 || info.End != 3 {
		t.Fatalf("a.codes at [%d, %d)", info.Start, info.End)
	}
}

func TestWriteRejectsReservedName(t *testing.T) {
	t.Parallel()
	err := Write(&bytes.Buffer{}, map[string]*tensor.Tensor{"__metadata__": tensor.New(1)}, nil)
	if err == nil {
		t.Fatal("expected error for reserved tensor name")
	}
}

func TestReadAfterClose(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "closed.safetensors")
	writeRaw(t, path, map[string]any{
		"w": tensorHeader{DType: "F32", Shape: []int{1}, DataOffsets: []int64{0, 4}},
	}, make([]byte, 4))
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := f.ReadTensor("w"); err == nil {
		t.Fatal("expected error reading a closed file")
	}
}
