package quant

import (
	"fmt"
	"math"
)

// Quantizer turns flat float32 buffers into codes and block scales.
type Quantizer struct {
	// Kind selects how a codebook is derived when none is supplied.
	Kind CodebookKind
}

// Result is the output of one Quantize call.
type Result struct {
	Codes  []uint8
	Absmax []float32
	Code   Codebook
}

// Quantize encodes src with the default quantile codebook strategy.
func Quantize(src []float32, existing *Codebook) (Result, error) {
	return Quantizer{Kind: CodebookQuantile}.Quantize(src, existing)
}

// Quantize encodes src block by block. When existing is non-nil it is reused
// unchanged; otherwise a codebook is derived from src according to q.Kind.
func (q Quantizer) Quantize(src []float32, existing *Codebook) (Result, error) {
	res := Result{
		Codes:  make([]uint8, len(src)),
		Absmax: make([]float32, NumBlocks(len(src))),
	}
	code, err := q.quantizeInto(res.Codes, res.Absmax, src, existing)
	if err != nil {
		return Result{}, err
	}
	res.Code = code
	return res, nil
}

// quantizeInto writes codes for src into codes and block scales into absmax.
func (q Quantizer) quantizeInto(codes []uint8, absmax, src []float32, existing *Codebook) (Codebook, error) {
	if len(codes) != len(src) || len(absmax) != NumBlocks(len(src)) {
		panic("quantize: output buffers sized incorrectly")
	}
	if err := blockAbsmax(absmax, src); err != nil {
		return Codebook{}, err
	}

	var code Codebook
	if existing != nil {
		if err := existing.Validate(); err != nil {
			return Codebook{}, err
		}
		code = *existing
	} else {
		built, err := q.Kind.Build(src, absmax)
		if err != nil {
			return Codebook{}, err
		}
		code = built
	}

	for b, scale := range absmax {
		start := b * BlockSize
		end := min(start+BlockSize, len(src))
		for i := start; i < end; i++ {
			codes[i] = code.nearest(normalize(src[i], scale))
		}
	}
	return code, nil
}

func blockAbsmax(dst, src []float32) error {
	for b := range dst {
		start := b * BlockSize
		end := min(start+BlockSize, len(src))
		var m float32
		for i := start; i < end; i++ {
			v := float64(src[i])
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: element %d", ErrNonFinite, i)
			}
			if a := float32(math.Abs(v)); a > m {
				m = a
			}
		}
		dst[b] = m
	}
	return nil
}

// Dequantize reconstructs value[i] = code[codes[i]] * absmax[i/BlockSize].
func Dequantize(codes []uint8, absmax []float32, code *Codebook) []float32 {
	out := make([]float32, len(codes))
	DequantizeInto(out, codes, absmax, code)
	return out
}

// DequantizeInto is Dequantize writing into dst, which must hold len(codes) values.
func DequantizeInto(dst []float32, codes []uint8, absmax []float32, code *Codebook) {
	if len(dst) < len(codes) || len(absmax) < NumBlocks(len(codes)) {
		panic("dequantize: buffer size mismatch")
	}
	for b := 0; b*BlockSize < len(codes); b++ {
		start := b * BlockSize
		end := min(start+BlockSize, len(codes))
		scale := absmax[b]
		for i := start; i < end; i++ {
			dst[i] = code[codes[i]] * scale
		}
	}
}
