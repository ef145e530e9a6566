// Package quant implements blockwise 8-bit quantization with a shared
// 256-entry codebook.
//
// A tensor is split into contiguous blocks of BlockSize elements. Every block
// stores one float32 scale (its absolute maximum) and every element stores the
// index of the nearest codebook entry to its block-normalized value. The
// reconstruction of element i in block b is Code[Codes[i]] * Absmax[b].
package quant

import (
	"errors"
	"fmt"

	"github.com/samcharles93/frost/internal/tensor"
)

const (
	// BlockSize is the number of consecutive elements sharing one scale.
	BlockSize = 4096
	// CodebookSize is the number of representable levels of an 8-bit code.
	CodebookSize = 256
	// DefaultChunkSize bounds peak memory of QuantizeLowMemory.
	DefaultChunkSize = 1 << 20
)

var (
	ErrInvalidChunkSize = errors.New("quant: chunk size must be a positive multiple of the block size")
	ErrNonFinite        = errors.New("quant: input contains NaN or Inf")
	ErrCorruptBuffer    = errors.New("quant: corrupt quantized buffer")
	ErrInvalidCodebook  = errors.New("quant: invalid codebook")
)

// NumBlocks returns ceil(n / BlockSize).
func NumBlocks(n int) int {
	if n <= 0 {
		return 0
	}
	return (n-1)/BlockSize + 1
}

// Options configures one-time quantization of a weight tensor.
type Options struct {
	// ChunkSize is the number of elements quantized at a time; a positive
	// multiple of BlockSize.
	ChunkSize int
	// Codebook selects how the shared codebook is derived. Empty means CodebookQuantile.
	Codebook CodebookKind
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{ChunkSize: DefaultChunkSize, Codebook: CodebookQuantile}
}

// Validate reports ErrInvalidChunkSize unless the chunk size is a positive
// multiple of BlockSize, and rejects unknown codebooks.
func (o Options) Validate() error {
	o = o.withDefaults()
	if o.ChunkSize <= 0 || o.ChunkSize%BlockSize != 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidChunkSize, o.ChunkSize)
	}
	if _, err := ParseCodebookKind(string(o.Codebook)); err != nil {
		return err
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.Codebook == "" {
		o.Codebook = CodebookQuantile
	}
	return o
}

// Buffer is the compressed form of one tensor. It is created once and never
// mutated afterwards; readers may share it freely.
type Buffer struct {
	Shape  []int
	Codes  []uint8
	Absmax []float32
	Code   Codebook
}

// NewBuffer returns a zero-filled buffer sized for shape. It is meant to be
// filled once from a pre-quantized checkpoint.
func NewBuffer(shape []int) *Buffer {
	n := tensor.Numel(shape)
	return &Buffer{
		Shape:  append([]int(nil), shape...),
		Codes:  make([]uint8, n),
		Absmax: make([]float32, NumBlocks(n)),
	}
}

// Numel returns the number of original elements.
func (b *Buffer) Numel() int { return len(b.Codes) }

// Bytes returns the compressed in-memory footprint.
func (b *Buffer) Bytes() int {
	return len(b.Codes) + 4*len(b.Absmax) + 4*CodebookSize
}

// Validate checks the structural invariants of the buffer.
func (b *Buffer) Validate() error {
	n := tensor.Numel(b.Shape)
	if len(b.Codes) != n {
		return fmt.Errorf("%w: %d codes for shape %s", ErrCorruptBuffer, len(b.Codes), tensor.FormatShape(b.Shape))
	}
	if want := NumBlocks(n); len(b.Absmax) != want {
		return fmt.Errorf("%w: %d block scales, want %d", ErrCorruptBuffer, len(b.Absmax), want)
	}
	return nil
}

// Dequantize reconstructs the full-precision values in a new slice.
func (b *Buffer) Dequantize() []float32 {
	out := make([]float32, len(b.Codes))
	DequantizeInto(out, b.Codes, b.Absmax, &b.Code)
	return out
}

// DequantizeInto reconstructs the full-precision values into dst.
func (b *Buffer) DequantizeInto(dst []float32) error {
	if len(dst) < len(b.Codes) {
		return fmt.Errorf("%w: destination holds %d values, need %d", tensor.ErrShapeMismatch, len(dst), len(b.Codes))
	}
	DequantizeInto(dst, b.Codes, b.Absmax, &b.Code)
	return nil
}
