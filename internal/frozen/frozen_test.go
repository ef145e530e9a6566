package frozen

import (
	"errors"
	"math/rand"
	"slices"
	"testing"

	"github.com/samcharles93/frost/internal/autograd"
	"github.com/samcharles93/frost/internal/nn"
	"github.com/samcharles93/frost/internal/tensor"
	"github.com/samcharles93/frost/pkg/quant"
)

func randInput(seed int64, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	tensor.FillUniform(t, rand.New(rand.NewSource(seed)), 1)
	return t
}

// denseTwin returns a dense layer holding the dequantized weight of f.
func denseTwin(f *Linear) *nn.Linear {
	w := tensor.FromData(f.Quantized().Dequantize(), f.OutFeatures, f.InFeatures)
	return &nn.Linear{InFeatures: f.InFeatures, OutFeatures: f.OutFeatures, Weight: autograd.NewConst(w), Bias: f.Bias}
}

func newFrozenLinear(t *testing.T, in, out int, bias bool) (*nn.Linear, *Linear) {
	t.Helper()
	dense := nn.NewLinear(in, out, bias, rand.New(rand.NewSource(int64(in*out))))
	f, err := FromLinear(dense, quant.Options{ChunkSize: quant.BlockSize})
	if err != nil {
		t.Fatalf("FromLinear: %v", err)
	}
	return dense, f
}

func TestFrozenLinearForwardMatchesDequantizedDense(t *testing.T) {
	t.Parallel()
	_, f := newFrozenLinear(t, 96, 80, true)
	x := autograd.NewConst(randInput(1, 2, 3, 96))

	got, err := f.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	want, err := denseTwin(f).Forward(x)
	if err != nil {
		t.Fatalf("dense Forward: %v", err)
	}
	if !slices.Equal(got.Value.Shape, []int{2, 3, 80}) {
		t.Fatalf("output shape %v", got.Value.Shape)
	}
	if !slices.Equal(got.Value.Data, want.Value.Data) {
		t.Fatal("frozen output differs from dense layer with dequantized weight")
	}
}

func TestFrozenLinearApproximatesOriginal(t *testing.T) {
	t.Parallel()
	dense, f := newFrozenLinear(t, 128, 64, false)
	x := autograd.NewConst(randInput(2, 4, 128))
	got, err := f.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	want, err := dense.Forward(x)
	if err != nil {
		t.Fatalf("dense Forward: %v", err)
	}
	// Per-element weight error is at most absmax/126 and |x| <= 1.
	var absmax float32
	for _, v := range dense.Weight.Value.Data {
		absmax = max(absmax, v, -v)
	}
	limit := float64(absmax) / 126 * 128
	for i := range got.Value.Data {
		d := float64(got.Value.Data[i] - want.Value.Data[i])
		if d > limit || -d > limit {
			t.Fatalf("output %d differs by %g (limit %g)", i, d, limit)
		}
	}
}

func TestFrozenLinearShapeMismatch(t *testing.T) {
	t.Parallel()
	_, f := newFrozenLinear(t, 8, 4, true)
	if _, err := f.Forward(autograd.NewConst(tensor.New(2, 7))); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestGradientIsolation(t *testing.T) {
	t.Parallel()
	_, f := newFrozenLinear(t, 16, 8, true)
	x := autograd.NewParam(randInput(3, 5, 16))
	codesBefore := slices.Clone(f.Quantized().Codes)

	y, err := f.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	seed := randInput(4, 5, 8)
	if err := autograd.Backward(y, seed); err != nil {
		t.Fatalf("Backward: %v", err)
	}

	// Input gradient equals g·W with the dequantized weight.
	want := tensor.New(5, 16)
	tensor.MatMul(want.Data, seed.Data, 5, 8, f.Quantized().Dequantize(), 16)
	if !slices.Equal(x.Grad.Data, want.Data) {
		t.Fatal("input gradient differs from g·W")
	}
	// Bias gradient sums over every leading dimension.
	wantBias := make([]float32, 8)
	tensor.SumRows(wantBias, seed.Data, 5, 8)
	if !slices.Equal(f.Bias.Grad.Data, wantBias) {
		t.Fatalf("bias gradient %v, want %v", f.Bias.Grad.Data, wantBias)
	}

	codes, absmax, code := f.FrozenVars()
	for _, v := range []*autograd.Var{codes, absmax, code} {
		if v.Grad != nil {
			t.Fatal("frozen operand received a gradient")
		}
	}
	if !slices.Equal(codesBefore, f.Quantized().Codes) {
		t.Fatal("quantized codes changed during forward/backward")
	}
}

func TestBackwardReturnsAbsentMarkers(t *testing.T) {
	t.Parallel()
	_, f := newFrozenLinear(t, 16, 8, false)
	codes, absmax, code := f.FrozenVars()
	ctx := &autograd.Context{NeedsInputGrad: []bool{true, false, false, false, false}}
	fn := DequantizeAndLinear{}
	x := randInput(5, 2, 16)
	if _, err := fn.Forward(ctx, []*tensor.Tensor{x, codes.Value, absmax.Value, code.Value, nil}); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	grads, err := fn.Backward(ctx, tensor.Full(1, 2, 8))
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}
	if len(grads) != 5 {
		t.Fatalf("got %d gradients", len(grads))
	}
	if !grads[argInput].Defined() {
		t.Fatal("input gradient must be defined")
	}
	for _, i := range []int{argCodes, argAbsmax, argCode, argBias} {
		if grads[i].Defined() {
			t.Fatalf("operand %d must have no gradient", i)
		}
	}
}

func TestGradientContractViolation(t *testing.T) {
	t.Parallel()
	for _, which := range []int{argCodes, argAbsmax, argCode} {
		_, f := newFrozenLinear(t, 16, 8, true)
		codes, absmax, code := f.FrozenVars()
		[]*autograd.Var{codes, absmax, code}[which-argCodes].SetRequiresGrad(true)

		y, err := f.Forward(autograd.NewParam(randInput(6, 2, 16)))
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		err = autograd.Backward(y, tensor.Full(1, 2, 8))
		if !errors.Is(err, autograd.ErrGradientContract) {
			t.Fatalf("operand %d: expected ErrGradientContract, got %v", which, err)
		}
	}
}

func TestFrozenLinearAdapterIsAdded(t *testing.T) {
	t.Parallel()
	_, f := newFrozenLinear(t, 8, 4, false)
	x := autograd.NewConst(randInput(7, 3, 8))
	base, err := f.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	rng := rand.New(rand.NewSource(8))
	ad := nn.NewLinear(8, 4, false, rng)
	f.SetAdapter(ad)
	got, err := f.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	delta, _ := ad.Forward(x)
	for i := range got.Value.Data {
		if got.Value.Data[i] != base.Value.Data[i]+delta.Value.Data[i] {
			t.Fatalf("element %d: %g != %g + %g", i, got.Value.Data[i], base.Value.Data[i], delta.Value.Data[i])
		}
	}
	if kids := f.Children(); len(kids) != 1 || kids[0].Name != AdapterName {
		t.Fatalf("unexpected children %v", kids)
	}
}

func TestFrozenEmbeddingLookup(t *testing.T) {
	t.Parallel()
	dense := nn.NewEmbedding(300, 40, rand.New(rand.NewSource(9)))
	e, err := FromEmbedding(dense, quant.DefaultOptions())
	if err != nil {
		t.Fatalf("FromEmbedding: %v", err)
	}
	table := e.Quantized().Dequantize()
	idx := autograd.NewConst(tensor.FromInts([]int32{0, 299, 17, 17}, 2, 2))
	out, err := e.Forward(idx)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !slices.Equal(out.Value.Shape, []int{2, 2, 40}) {
		t.Fatalf("output shape %v", out.Value.Shape)
	}
	for r, id := range idx.Value.Ints {
		if !slices.Equal(out.Value.Data[r*40:(r+1)*40], table[int(id)*40:(int(id)+1)*40]) {
			t.Fatalf("row %d does not match table row %d", r, id)
		}
	}
	if out.RequiresGrad() {
		t.Fatal("embedding without adapter must not track gradients")
	}

	bad := autograd.NewConst(tensor.FromInts([]int32{300}, 1))
	if _, err := e.Forward(bad); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
	if _, err := e.Forward(autograd.NewConst(tensor.New(1))); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for float indices, got %v", err)
	}
}

func TestSkeletonBuffers(t *testing.T) {
	t.Parallel()
	l, err := NewLinearSkeleton(4096, 3, nil)
	if err != nil {
		t.Fatalf("NewLinearSkeleton: %v", err)
	}
	bufs := l.Buffers()
	if got := bufs[0].Tensor; got.DType != tensor.U8 || !slices.Equal(got.Shape, []int{3, 4096}) {
		t.Fatalf("weight buffer %s %v", got.DType, got.Shape)
	}
	if n := len(bufs[1].Tensor.Data); n != 3 {
		t.Fatalf("absmax has %d blocks, want 3", n)
	}
	if n := len(bufs[2].Tensor.Data); n != quant.CodebookSize {
		t.Fatalf("code has %d entries", n)
	}
	// Buffers alias the quantized state so loading fills the layer.
	bufs[1].Tensor.Data[2] = 5
	if l.Quantized().Absmax[2] != 5 {
		t.Fatal("absmax buffer does not alias quantized state")
	}
	if len(l.Params()) != 0 {
		t.Fatal("bias-free frozen layer has no parameters")
	}

	e, err := NewEmbeddingSkeleton(10, 6)
	if err != nil {
		t.Fatalf("NewEmbeddingSkeleton: %v", err)
	}
	if e.String() != "FrozenEmbedding(10, 6)" || l.String() != "FrozenLinear(4096, 3)" {
		t.Fatalf("unexpected String: %s, %s", e, l)
	}
}

func TestNewLinearRejectsBadBias(t *testing.T) {
	t.Parallel()
	bias := autograd.NewParam(tensor.New(5))
	if _, err := NewLinearSkeleton(4, 3, bias); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}
