package autograd

import (
	"fmt"
	"math/rand"
	"slices"

	"github.com/samcharles93/frost/internal/tensor"
)

func requireF32(what string, t *tensor.Tensor) error {
	if t == nil || t.DType != tensor.F32 {
		return fmt.Errorf("%w: %s must be an F32 tensor", tensor.ErrShapeMismatch, what)
	}
	return nil
}

func outShape(in []int, last int) []int {
	s := slices.Clone(in)
	if len(s) == 0 {
		return []int{last}
	}
	s[len(s)-1] = last
	return s
}

// linear computes y = x·Wᵀ + b for a trainable W of shape [out, in].
type linear struct{}

func (linear) Name() string { return "linear" }

func (linear) Forward(ctx *Context, in []*tensor.Tensor) (*tensor.Tensor, error) {
	x, w, b := in[0], in[1], in[2]
	if err := requireF32("input", x); err != nil {
		return nil, err
	}
	if err := requireF32("weight", w); err != nil {
		return nil, err
	}
	if w.Rank() != 2 {
		return nil, fmt.Errorf("%w: weight must be 2-D, got %s", tensor.ErrShapeMismatch, tensor.FormatShape(w.Shape))
	}
	outF, inF := w.Shape[0], w.Shape[1]
	if x.Last() != inF {
		return nil, fmt.Errorf("%w: input features %d, layer expects %d", tensor.ErrShapeMismatch, x.Last(), inF)
	}
	if b != nil {
		if err := tensor.CheckShape("bias", b.Shape, []int{outF}); err != nil {
			return nil, err
		}
	}
	y := tensor.New(outShape(x.Shape, outF)...)
	tensor.MatMulTransB(y.Data, x.Data, x.Rows(), inF, w.Data, outF)
	if b != nil {
		tensor.AddRowVector(y.Data, b.Data)
	}
	ctx.SaveForBackward(x, w)
	return y, nil
}

func (linear) Backward(ctx *Context, g *tensor.Tensor) ([]Grad, error) {
	saved := ctx.Saved()
	x, w := saved[0], saved[1]
	outF, inF := w.Shape[0], w.Shape[1]
	rows := x.Rows()
	grads := []Grad{NoGrad(), NoGrad(), NoGrad()}
	if ctx.NeedsInputGrad[0] {
		gx := tensor.New(x.Shape...)
		tensor.MatMul(gx.Data, g.Data, rows, outF, w.Data, inF)
		grads[0] = GradOf(gx)
	}
	if ctx.NeedsInputGrad[1] {
		gw := tensor.New(w.Shape...)
		tensor.AddOuter(gw.Data, g.Data, x.Data, rows, outF, inF)
		grads[1] = GradOf(gw)
	}
	if ctx.NeedsInputGrad[2] {
		gb := tensor.New(outF)
		tensor.SumRows(gb.Data, g.Data, rows, outF)
		grads[2] = GradOf(gb)
	}
	return grads, nil
}

// Linear applies a dense affine map. bias may be nil.
func Linear(x, weight, bias *Var) (*Var, error) {
	return Apply(linear{}, x, weight, bias)
}

type add struct{}

func (add) Name() string { return "add" }

func (add) Forward(_ *Context, in []*tensor.Tensor) (*tensor.Tensor, error) {
	a, b := in[0], in[1]
	if err := requireF32("lhs", a); err != nil {
		return nil, err
	}
	if err := tensor.CheckShape("rhs", b.Shape, a.Shape); err != nil {
		return nil, err
	}
	out := a.Clone()
	tensor.Add(out.Data, b.Data)
	return out, nil
}

func (add) Backward(_ *Context, g *tensor.Tensor) ([]Grad, error) {
	return []Grad{GradOf(g), GradOf(g)}, nil
}

// Add returns a + b for equally shaped tensors.
func Add(a, b *Var) (*Var, error) {
	return Apply(add{}, a, b)
}

// embedding gathers rows of a table by I32 index.
type embedding struct{}

func (embedding) Name() string { return "embedding" }

func (embedding) Forward(ctx *Context, in []*tensor.Tensor) (*tensor.Tensor, error) {
	idx, table := in[0], in[1]
	if idx == nil || idx.DType != tensor.I32 {
		return nil, fmt.Errorf("%w: embedding indices must be I32", tensor.ErrShapeMismatch)
	}
	if err := requireF32("table", table); err != nil {
		return nil, err
	}
	out, err := Gather(table.Data, table.Shape, idx)
	if err != nil {
		return nil, err
	}
	ctx.SaveForBackward(idx, table)
	return out, nil
}

func (embedding) Backward(ctx *Context, g *tensor.Tensor) ([]Grad, error) {
	if ctx.NeedsInputGrad[0] {
		return nil, fmt.Errorf("%w: embedding indices", ErrGradientContract)
	}
	if !ctx.NeedsInputGrad[1] {
		return []Grad{NoGrad(), NoGrad()}, nil
	}
	saved := ctx.Saved()
	idx, table := saved[0], saved[1]
	dim := table.Shape[1]
	gt := tensor.New(table.Shape...)
	for r, id := range idx.Ints {
		tensor.Add(gt.Data[int(id)*dim:(int(id)+1)*dim], g.Data[r*dim:(r+1)*dim])
	}
	return []Grad{NoGrad(), GradOf(gt)}, nil
}

// ErrIndexOutOfRange is returned for lookups outside the table.
var ErrIndexOutOfRange = fmt.Errorf("%w: index out of range", tensor.ErrShapeMismatch)

// Gather returns table rows selected by idx, shaped idx.Shape + [dim].
func Gather(table []float32, shape []int, idx *tensor.Tensor) (*tensor.Tensor, error) {
	if len(shape) != 2 {
		return nil, fmt.Errorf("%w: table must be 2-D, got %s", tensor.ErrShapeMismatch, tensor.FormatShape(shape))
	}
	num, dim := shape[0], shape[1]
	out := tensor.New(append(slices.Clone(idx.Shape), dim)...)
	for r, id := range idx.Ints {
		if id < 0 || int(id) >= num {
			return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, id, num)
		}
		copy(out.Data[r*dim:(r+1)*dim], table[int(id)*dim:(int(id)+1)*dim])
	}
	return out, nil
}

// Embedding looks up rows of a trainable table.
func Embedding(indices, table *Var) (*Var, error) {
	return Apply(embedding{}, indices, table)
}

// dropout zeroes elements with probability p and scales survivors by 1/(1-p).
type dropout struct {
	p    float32
	rng  *rand.Rand
	mask []float32
}

func (*dropout) Name() string { return "dropout" }

func (d *dropout) Forward(_ *Context, in []*tensor.Tensor) (*tensor.Tensor, error) {
	x := in[0]
	if err := requireF32("input", x); err != nil {
		return nil, err
	}
	keep := 1 / (1 - d.p)
	out := tensor.New(x.Shape...)
	d.mask = make([]float32, len(x.Data))
	for i, v := range x.Data {
		if d.rng.Float32() >= d.p {
			d.mask[i] = keep
			out.Data[i] = v * keep
		}
	}
	return out, nil
}

func (d *dropout) Backward(_ *Context, g *tensor.Tensor) ([]Grad, error) {
	gx := tensor.New(g.Shape...)
	for i, m := range d.mask {
		gx.Data[i] = g.Data[i] * m
	}
	return []Grad{GradOf(gx)}, nil
}

// Dropout applies inverted dropout with probability p drawn from rng.
// p must be in [0, 1).
func Dropout(x *Var, p float32, rng *rand.Rand) (*Var, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout: probability %g not in [0, 1)", p)
	}
	if p == 0 {
		return x, nil
	}
	return Apply(&dropout{p: p, rng: rng}, x)
}

type gelu struct{}

func (gelu) Name() string { return "gelu" }

func (gelu) Forward(ctx *Context, in []*tensor.Tensor) (*tensor.Tensor, error) {
	x := in[0]
	if err := requireF32("input", x); err != nil {
		return nil, err
	}
	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = tensor.Gelu(v)
	}
	ctx.SaveForBackward(x)
	return out, nil
}

func (gelu) Backward(ctx *Context, g *tensor.Tensor) ([]Grad, error) {
	x := ctx.Saved()[0]
	gx := tensor.New(x.Shape...)
	for i, v := range x.Data {
		gx.Data[i] = g.Data[i] * tensor.GeluGrad(v)
	}
	return []Grad{GradOf(gx)}, nil
}

// GELU applies the tanh-approximated GELU activation.
func GELU(x *Var) (*Var, error) {
	return Apply(gelu{}, x)
}

type sum struct{}

func (sum) Name() string { return "sum" }

func (sum) Forward(ctx *Context, in []*tensor.Tensor) (*tensor.Tensor, error) {
	x := in[0]
	if err := requireF32("input", x); err != nil {
		return nil, err
	}
	var s float64
	for _, v := range x.Data {
		s += float64(v)
	}
	ctx.SaveForBackward(x)
	return tensor.FromData([]float32{float32(s)}, 1), nil
}

func (sum) Backward(ctx *Context, g *tensor.Tensor) ([]Grad, error) {
	x := ctx.Saved()[0]
	return []Grad{GradOf(tensor.Full(g.Data[0], x.Shape...))}, nil
}

// Sum reduces x to a single-element tensor.
func Sum(x *Var) (*Var, error) {
	return Apply(sum{}, x)
}
