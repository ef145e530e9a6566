package quant

import (
	"fmt"

	"github.com/samcharles93/frost/internal/tensor"
)

// QuantizeLowMemory quantizes a tensor chunk by chunk so that intermediate
// state never exceeds one chunk.
//
// The first chunk derives the codebook and every later chunk reuses it
// unchanged. Later chunks may therefore under-fit their own distribution;
// chunks must be processed in order because of that dependency.
func QuantizeLowMemory(src []float32, shape []int, opts Options) (*Buffer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if n := tensor.Numel(shape); n != len(src) {
		return nil, fmt.Errorf("%w: %d values for shape %s", tensor.ErrShapeMismatch, len(src), tensor.FormatShape(shape))
	}

	q := Quantizer{Kind: opts.Codebook}
	out := &Buffer{
		Shape:  append([]int(nil), shape...),
		Codes:  make([]uint8, len(src)),
		Absmax: make([]float32, 0, NumBlocks(len(src))),
	}

	var code *Codebook
	for start := 0; start < len(src); start += opts.ChunkSize {
		end := min(start+opts.ChunkSize, len(src))
		scales := make([]float32, NumBlocks(end-start))
		got, err := q.quantizeInto(out.Codes[start:end], scales, src[start:end], code)
		if err != nil {
			return nil, fmt.Errorf("quantize chunk at %d: %w", start, err)
		}
		out.Absmax = append(out.Absmax, scales...)
		if code == nil {
			out.Code = got
			code = &out.Code
		}
	}
	if code == nil {
		// Empty tensor: still record the codebook a first chunk would have built.
		built, err := opts.Codebook.Build(nil, nil)
		if err != nil {
			return nil, err
		}
		out.Code = built
	}
	return out, nil
}
