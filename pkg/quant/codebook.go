package quant

import (
	"fmt"
	"math"
	"slices"
)

// Codebook maps an 8-bit code to a normalized reconstruction value in [-1, 1].
// Entries are sorted ascending so the nearest level can be found by binary search.
type Codebook [CodebookSize]float32

// CodebookKind names a strategy for deriving the shared codebook.
type CodebookKind string

const (
	// CodebookQuantile derives levels from the distribution of the first
	// quantized buffer, merged with a uniform grid that bounds the worst case.
	CodebookQuantile CodebookKind = "quantile"
	// CodebookDynamic is the signed dynamic-exponent map, independent of data.
	CodebookDynamic CodebookKind = "dynamic"
	// CodebookLinear is 256 evenly spaced levels on [-1, 1].
	CodebookLinear CodebookKind = "linear"
)

// ParseCodebookKind validates a user-provided codebook name.
func ParseCodebookKind(s string) (CodebookKind, error) {
	switch k := CodebookKind(s); k {
	case CodebookQuantile, CodebookDynamic, CodebookLinear:
		return k, nil
	case "":
		return CodebookQuantile, nil
	default:
		return "", fmt.Errorf("%w: unknown codebook kind %q", ErrInvalidCodebook, s)
	}
}

const (
	quantileLevels = 129
	uniformLevels  = CodebookSize - quantileLevels
	maxSamples     = 1 << 16
)

// Validate checks that the codebook is sorted and finite so it can be reused
// for quantization.
func (c *Codebook) Validate() error {
	for i, v := range c {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: entry %d is not finite", ErrInvalidCodebook, i)
		}
		if i > 0 && v < c[i-1] {
			return fmt.Errorf("%w: entries %d and %d are out of order", ErrInvalidCodebook, i-1, i)
		}
	}
	return nil
}

// nearest returns the index of the entry closest to v. Ties go to the lower index.
func (c *Codebook) nearest(v float32) uint8 {
	i, _ := slices.BinarySearch(c[:], v)
	if i == 0 {
		return 0
	}
	if i == CodebookSize {
		return CodebookSize - 1
	}
	if v-c[i-1] <= c[i]-v {
		return uint8(i - 1)
	}
	return uint8(i)
}

// LinearCodebook returns 256 evenly spaced levels from -1 to 1.
func LinearCodebook() Codebook {
	var c Codebook
	fillUniform(c[:])
	return c
}

// DynamicCodebook returns the signed dynamic map: seven decades of fraction
// means on (0.1, 1], mirrored for negatives, plus 0 and 1.
func DynamicCodebook() Codebook {
	const exponentBits = 7
	data := make([]float64, 0, CodebookSize)
	for i := 0; i < exponentBits; i++ {
		items := 1<<i + 1
		scale := math.Pow(10, float64(-(exponentBits-1)+i))
		prev := 0.1
		for j := 1; j < items; j++ {
			next := 0.1 + 0.9*float64(j)/float64(items-1)
			mean := (prev + next) / 2
			data = append(data, scale*mean, -scale*mean)
			prev = next
		}
	}
	data = append(data, 0, 1)
	slices.Sort(data)

	var c Codebook
	for i, v := range data {
		c[i] = float32(v)
	}
	return c
}

// QuantileCodebook derives a codebook from src using its per-block scales.
// Levels are the empirical quantiles of the block-normalized values merged
// with a uniform grid of 127 points, so no value in [-1, 1] is farther than
// 1/126 from its nearest level.
func QuantileCodebook(src, absmax []float32) Codebook {
	var c Codebook
	fillUniform(c[:uniformLevels])

	stride := 1
	if len(src) > maxSamples {
		stride = (len(src) + maxSamples - 1) / maxSamples
	}
	sample := make([]float32, 0, (len(src)+stride-1)/stride)
	for i := 0; i < len(src); i += stride {
		sample = append(sample, normalize(src[i], absmax[i/BlockSize]))
	}

	levels := c[uniformLevels:]
	if len(sample) == 0 {
		fillUniform(levels)
	} else {
		slices.Sort(sample)
		last := len(sample) - 1
		for j := range levels {
			pos := float64(j) * float64(last) / float64(len(levels)-1)
			levels[j] = sample[int(math.Round(pos))]
		}
	}
	slices.Sort(c[:])
	return c
}

// Build returns the codebook of kind k for src.
func (k CodebookKind) Build(src, absmax []float32) (Codebook, error) {
	switch k {
	case CodebookQuantile, "":
		return QuantileCodebook(src, absmax), nil
	case CodebookDynamic:
		return DynamicCodebook(), nil
	case CodebookLinear:
		return LinearCodebook(), nil
	default:
		return Codebook{}, fmt.Errorf("%w: unknown codebook kind %q", ErrInvalidCodebook, string(k))
	}
}

func fillUniform(dst []float32) {
	n := len(dst)
	if n == 1 {
		dst[0] = 0
		return
	}
	for i := range dst {
		dst[i] = float32(-1 + 2*float64(i)/float64(n-1))
	}
}

func normalize(v, scale float32) float32 {
	if scale == 0 {
		return 0
	}
	r := v / scale
	// Rounding in the division can push |r| just above 1.
	if r > 1 {
		return 1
	}
	if r < -1 {
		return -1
	}
	return r
}
