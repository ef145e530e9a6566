package frozen

import (
	"fmt"
	"sync"

	"github.com/samcharles93/frost/internal/autograd"
	"github.com/samcharles93/frost/internal/tensor"
	"github.com/samcharles93/frost/pkg/quant"
)

// Operand positions of DequantizeAndLinear.
const (
	argInput = iota
	argCodes
	argAbsmax
	argCode
	argBias
	numArgs
)

var scratch = sync.Pool{
	New: func() any { return new([]float32) },
}

// withWeight dequantizes codes into pooled scratch and passes it to fn. The
// slice must not escape fn.
func withWeight(codes, absmax, code *tensor.Tensor, fn func(w []float32)) error {
	cb, err := codebook(code)
	if err != nil {
		return err
	}
	if len(absmax.Data) < quant.NumBlocks(len(codes.Raw)) {
		return fmt.Errorf("%w: %d block scales for %d codes", quant.ErrCorruptBuffer, len(absmax.Data), len(codes.Raw))
	}
	p := scratch.Get().(*[]float32)
	defer scratch.Put(p)
	if cap(*p) < len(codes.Raw) {
		*p = make([]float32, len(codes.Raw))
	}
	w := (*p)[:len(codes.Raw)]
	quant.DequantizeInto(w, codes.Raw, absmax.Data, cb)
	fn(w)
	return nil
}

func codebook(t *tensor.Tensor) (*quant.Codebook, error) {
	if t.DType != tensor.F32 || len(t.Data) != quant.CodebookSize {
		return nil, fmt.Errorf("%w: codebook must hold %d F32 values", quant.ErrCorruptBuffer, quant.CodebookSize)
	}
	return (*quant.Codebook)(t.Data), nil
}

// DequantizeAndLinear computes y = x·dequant(W)ᵀ + b.
//
// Operands are (input, codes, absmax, code, bias); bias may be absent.
// Gradients are defined for input and bias only. Asking for a gradient of
// codes, absmax or code fails the backward pass with
// autograd.ErrGradientContract. The weight is dequantized again on backward
// instead of being kept alive between the two passes.
type DequantizeAndLinear struct{}

func (DequantizeAndLinear) Name() string { return "dequantize_and_linear" }

func (DequantizeAndLinear) Forward(ctx *autograd.Context, in []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(in) != numArgs {
		return nil, fmt.Errorf("%w: got %d operands, want %d", autograd.ErrGradientArity, len(in), numArgs)
	}
	x, codes, absmax, code, bias := in[argInput], in[argCodes], in[argAbsmax], in[argCode], in[argBias]
	if x == nil || x.DType != tensor.F32 {
		return nil, fmt.Errorf("%w: input must be an F32 tensor", tensor.ErrShapeMismatch)
	}
	if codes == nil || codes.DType != tensor.U8 || codes.Rank() != 2 {
		return nil, fmt.Errorf("%w: weight codes must be a 2-D U8 tensor", tensor.ErrShapeMismatch)
	}
	outF, inF := codes.Shape[0], codes.Shape[1]
	if x.Last() != inF {
		return nil, fmt.Errorf("%w: input features %d, layer expects %d", tensor.ErrShapeMismatch, x.Last(), inF)
	}
	if bias != nil {
		if err := tensor.CheckShape("bias", bias.Shape, []int{outF}); err != nil {
			return nil, err
		}
	}

	shape := append(append([]int(nil), x.Shape[:x.Rank()-1]...), outF)
	y := tensor.New(shape...)
	err := withWeight(codes, absmax, code, func(w []float32) {
		tensor.MatMulTransB(y.Data, x.Data, x.Rows(), inF, w, outF)
	})
	if err != nil {
		return nil, err
	}
	if bias != nil {
		tensor.AddRowVector(y.Data, bias.Data)
	}
	ctx.SaveForBackward(x, codes, absmax, code, bias)
	return y, nil
}

func (DequantizeAndLinear) Backward(ctx *autograd.Context, g *tensor.Tensor) ([]autograd.Grad, error) {
	for _, i := range []int{argCodes, argAbsmax, argCode} {
		if ctx.NeedsInputGrad[i] {
			return nil, fmt.Errorf("%w: operand %d of dequantize_and_linear", autograd.ErrGradientContract, i)
		}
	}
	saved := ctx.Saved()
	x, codes, absmax, code, bias := saved[argInput], saved[argCodes], saved[argAbsmax], saved[argCode], saved[argBias]
	outF, inF := codes.Shape[0], codes.Shape[1]
	rows := g.Numel() / outF

	grads := make([]autograd.Grad, numArgs)
	if ctx.NeedsInputGrad[argInput] {
		gx := tensor.New(x.Shape...)
		err := withWeight(codes, absmax, code, func(w []float32) {
			tensor.MatMul(gx.Data, g.Data, rows, outF, w, inF)
		})
		if err != nil {
			return nil, err
		}
		grads[argInput] = autograd.GradOf(gx)
	}
	if bias != nil && ctx.NeedsInputGrad[argBias] {
		gb := tensor.New(outF)
		tensor.SumRows(gb.Data, g.Data, rows, outF)
		grads[argBias] = autograd.GradOf(gb)
	}
	return grads, nil
}
