// Package frozen provides 8-bit quantized replacements for dense linear and
// embedding layers.
//
// The quantized weight, its block scales and the codebook are buffers: they
// are serialized with the model but never trained and never written after
// construction (a skeleton layer is filled exactly once by loading a state
// dict). Bias and adapter weights stay trainable.
package frozen

import (
	"fmt"

	"github.com/samcharles93/frost/internal/autograd"
	"github.com/samcharles93/frost/internal/nn"
	"github.com/samcharles93/frost/internal/tensor"
	"github.com/samcharles93/frost/pkg/quant"
)

// AdapterName is the child name under which an adapter is attached.
const AdapterName = "adapter"

// Linear is a dense layer whose weight is stored block-quantized.
type Linear struct {
	InFeatures  int
	OutFeatures int
	Bias        *autograd.Var

	buf     *quant.Buffer
	codes   *autograd.Var
	absmax  *autograd.Var
	code    *autograd.Var
	adapter nn.Module
}

// NewLinear wraps a quantized [out, in] weight. bias may be nil and is used
// as-is, so a bias carried over from a dense layer keeps its identity.
func NewLinear(buf *quant.Buffer, bias *autograd.Var) (*Linear, error) {
	if err := buf.Validate(); err != nil {
		return nil, err
	}
	if len(buf.Shape) != 2 {
		return nil, fmt.Errorf("%w: linear weight must be 2-D, got %s", tensor.ErrShapeMismatch, tensor.FormatShape(buf.Shape))
	}
	out, in := buf.Shape[0], buf.Shape[1]
	if bias != nil {
		if err := tensor.CheckShape("bias", bias.Value.Shape, []int{out}); err != nil {
			return nil, err
		}
	}
	c, a, cb := bufferVars(buf)
	return &Linear{
		InFeatures:  in,
		OutFeatures: out,
		Bias:        bias,
		buf:         buf,
		codes:       c,
		absmax:      a,
		code:        cb,
	}, nil
}

// NewLinearSkeleton returns a layer with zeroed quantized state of the right
// shape, to be filled from a pre-quantized state dict.
func NewLinearSkeleton(in, out int, bias *autograd.Var) (*Linear, error) {
	return NewLinear(quant.NewBuffer([]int{out, in}), bias)
}

// FromLinear quantizes a dense layer's weight chunk by chunk and carries its
// bias over unchanged.
func FromLinear(l *nn.Linear, opts quant.Options) (*Linear, error) {
	w := l.Weight.Value
	buf, err := quant.QuantizeLowMemory(w.Data, w.Shape, opts)
	if err != nil {
		return nil, err
	}
	return NewLinear(buf, l.Bias)
}

func bufferVars(buf *quant.Buffer) (codes, absmax, code *autograd.Var) {
	codes = autograd.NewConst(tensor.FromBytes(buf.Codes, buf.Shape...))
	absmax = autograd.NewConst(tensor.FromData(buf.Absmax, len(buf.Absmax)))
	code = autograd.NewConst(tensor.FromData(buf.Code[:], quant.CodebookSize))
	return codes, absmax, code
}

// Quantized returns the compressed weight. Callers must not modify it.
func (l *Linear) Quantized() *quant.Buffer { return l.buf }

// FrozenVars exposes the variables wrapping the quantized buffers.
func (l *Linear) FrozenVars() (codes, absmax, code *autograd.Var) {
	return l.codes, l.absmax, l.code
}

// Adapter returns the attached adapter, or nil.
func (l *Linear) Adapter() nn.Module { return l.adapter }

// SetAdapter attaches m as a residual branch mapping [..., in] to [..., out].
// A nil m detaches the current adapter.
func (l *Linear) SetAdapter(m nn.Module) { l.adapter = m }

func (l *Linear) Kind() nn.Kind { return nn.KindFrozenLinear }

// Forward computes dequant(W)·x + b and adds the adapter output when present.
func (l *Linear) Forward(x *autograd.Var) (*autograd.Var, error) {
	out, err := autograd.Apply(DequantizeAndLinear{}, x, l.codes, l.absmax, l.code, l.Bias)
	if err != nil {
		return nil, err
	}
	if l.adapter == nil {
		return out, nil
	}
	delta, err := l.adapter.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", AdapterName, err)
	}
	return autograd.Add(out, delta)
}

func (l *Linear) Children() []nn.Child {
	if l.adapter == nil {
		return nil
	}
	return []nn.Child{{Name: AdapterName, Module: l.adapter}}
}

func (l *Linear) Params() []nn.Param {
	if l.Bias == nil {
		return nil
	}
	return []nn.Param{{Name: "bias", Var: l.Bias}}
}

func (l *Linear) Buffers() []nn.Buffer {
	return []nn.Buffer{
		{Name: "weight", Tensor: l.codes.Value},
		{Name: "absmax", Tensor: l.absmax.Value},
		{Name: "code", Tensor: l.code.Value},
	}
}

func (l *Linear) String() string {
	return fmt.Sprintf("FrozenLinear(%d, %d)", l.InFeatures, l.OutFeatures)
}
