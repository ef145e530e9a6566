package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Scale multiplies every element of x by s.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

const geluCoeff = 0.044715

var sqrt2OverPi = math.Sqrt(2 / math.Pi)

// Gelu computes the tanh approximation of the Gaussian error linear unit.
func Gelu(x float32) float32 {
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(sqrt2OverPi*(v+geluCoeff*v*v*v))))
}

// GeluGrad returns d Gelu(x) / dx.
func GeluGrad(x float32) float32 {
	v := float64(x)
	inner := sqrt2OverPi * (v + geluCoeff*v*v*v)
	th := math.Tanh(inner)
	dInner := sqrt2OverPi * (1 + 3*geluCoeff*v*v)
	return float32(0.5*(1+th) + 0.5*v*(1-th*th)*dInner)
}
