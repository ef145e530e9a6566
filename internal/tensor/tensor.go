package tensor

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
)

// DType describes how a Tensor stores its elements.
type DType uint8

const (
	// F32 tensors keep their values in Data.
	F32 DType = iota
	// U8 tensors keep raw bytes in Raw (quantized codes).
	U8
	// I32 tensors keep integer values in Ints (token and row indices).
	I32
)

func (d DType) String() string {
	switch d {
	case F32:
		return "F32"
	case U8:
		return "U8"
	case I32:
		return "I32"
	default:
		return "DType(" + strconv.Itoa(int(d)) + ")"
	}
}

// ErrShapeMismatch is wrapped by every shape or dtype disagreement in the module.
var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a dense row-major n-dimensional array.
//
// Exactly one of Data, Raw or Ints is populated, selected by DType. The last
// dimension is contiguous; a tensor of shape [..., C] can always be viewed as
// Rows() x C.
type Tensor struct {
	Shape []int
	DType DType

	Data []float32
	Raw  []byte
	Ints []int32
}

// Numel returns the number of elements described by shape.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("negative dimension for tensor")
		}
		n *= d
	}
	return n
}

// New allocates a zero-initialised F32 tensor.
func New(shape ...int) *Tensor {
	return &Tensor{
		Shape: cloneShape(shape),
		DType: F32,
		Data:  make([]float32, Numel(shape)),
	}
}

// FromData wraps data without copying. It panics if len(data) disagrees with shape.
func FromData(data []float32, shape ...int) *Tensor {
	if len(data) != Numel(shape) {
		panic("data length mismatch")
	}
	return &Tensor{Shape: cloneShape(shape), DType: F32, Data: data}
}

// FromBytes wraps raw bytes as a U8 tensor without copying.
func FromBytes(raw []byte, shape ...int) *Tensor {
	if len(raw) != Numel(shape) {
		panic("raw data length mismatch")
	}
	return &Tensor{Shape: cloneShape(shape), DType: U8, Raw: raw}
}

// FromInts wraps integer indices as an I32 tensor without copying.
func FromInts(ints []int32, shape ...int) *Tensor {
	if len(ints) != Numel(shape) {
		panic("index data length mismatch")
	}
	return &Tensor{Shape: cloneShape(shape), DType: I32, Ints: ints}
}

// Full returns an F32 tensor with every element set to v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// Numel returns the number of elements in t.
func (t *Tensor) Numel() int { return Numel(t.Shape) }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Last returns the size of the trailing dimension (1 for scalars).
func (t *Tensor) Last() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[len(t.Shape)-1]
}

// Rows returns the product of every dimension but the last.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return Numel(t.Shape[:len(t.Shape)-1])
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{Shape: cloneShape(t.Shape), DType: t.DType}
	switch t.DType {
	case F32:
		out.Data = append([]float32(nil), t.Data...)
	case U8:
		out.Raw = append([]byte(nil), t.Raw...)
	case I32:
		out.Ints = append([]int32(nil), t.Ints...)
	}
	return out
}

// Reshape returns a view of t with a new shape and the same storage.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if Numel(shape) != t.Numel() {
		return nil, fmt.Errorf("%w: cannot reshape %s to %s", ErrShapeMismatch, FormatShape(t.Shape), FormatShape(shape))
	}
	out := *t
	out.Shape = cloneShape(shape)
	return &out, nil
}

// Bytes returns the in-memory payload size.
func (t *Tensor) Bytes() int {
	switch t.DType {
	case U8:
		return len(t.Raw)
	case I32:
		return 4 * len(t.Ints)
	default:
		return 4 * len(t.Data)
	}
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CheckShape returns a wrapped ErrShapeMismatch when got differs from want.
func CheckShape(what string, got, want []int) error {
	if SameShape(got, want) {
		return nil
	}
	return fmt.Errorf("%w: %s has shape %s, want %s", ErrShapeMismatch, what, FormatShape(got), FormatShape(want))
}

// FormatShape renders a shape as [a b c].
func FormatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// FillRand fills an F32 tensor with reproducible values in roughly (-0.01, 0.01).
func FillRand(t *Tensor, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = (rng.Float32() - 0.5) * 0.02
	}
}

// FillUniform fills an F32 tensor with values drawn from U(-bound, bound).
func FillUniform(t *Tensor, rng *rand.Rand, bound float32) {
	for i := range t.Data {
		t.Data[i] = (rng.Float32()*2 - 1) * bound
	}
}

// FillNormal fills an F32 tensor with values drawn from N(0, std^2).
func FillNormal(t *Tensor, rng *rand.Rand, std float32) {
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * std
	}
}

// AllFinite reports whether every F32 element is neither NaN nor infinite.
func AllFinite(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func cloneShape(shape []int) []int {
	return append([]int{}, shape...)
}
