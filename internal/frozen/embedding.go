package frozen

import (
	"fmt"

	"github.com/samcharles93/frost/internal/autograd"
	"github.com/samcharles93/frost/internal/nn"
	"github.com/samcharles93/frost/internal/tensor"
	"github.com/samcharles93/frost/pkg/quant"
)

// ErrIndexOutOfRange is returned for indices outside [0, NumEmbeddings).
var ErrIndexOutOfRange = autograd.ErrIndexOutOfRange

// Embedding is a lookup table stored block-quantized.
type Embedding struct {
	NumEmbeddings int
	EmbeddingDim  int

	buf     *quant.Buffer
	codes   *autograd.Var
	absmax  *autograd.Var
	code    *autograd.Var
	adapter nn.Module
}

// NewEmbedding wraps a quantized [num, dim] table.
func NewEmbedding(buf *quant.Buffer) (*Embedding, error) {
	if err := buf.Validate(); err != nil {
		return nil, err
	}
	if len(buf.Shape) != 2 {
		return nil, fmt.Errorf("%w: embedding table must be 2-D, got %s", tensor.ErrShapeMismatch, tensor.FormatShape(buf.Shape))
	}
	c, a, cb := bufferVars(buf)
	return &Embedding{
		NumEmbeddings: buf.Shape[0],
		EmbeddingDim:  buf.Shape[1],
		buf:           buf,
		codes:         c,
		absmax:        a,
		code:          cb,
	}, nil
}

// NewEmbeddingSkeleton returns a table with zeroed quantized state.
func NewEmbeddingSkeleton(num, dim int) (*Embedding, error) {
	return NewEmbedding(quant.NewBuffer([]int{num, dim}))
}

// FromEmbedding quantizes a dense embedding table chunk by chunk.
func FromEmbedding(e *nn.Embedding, opts quant.Options) (*Embedding, error) {
	w := e.Weight.Value
	buf, err := quant.QuantizeLowMemory(w.Data, w.Shape, opts)
	if err != nil {
		return nil, err
	}
	return NewEmbedding(buf)
}

// Quantized returns the compressed table. Callers must not modify it.
func (e *Embedding) Quantized() *quant.Buffer { return e.buf }

// Adapter returns the attached adapter, or nil.
func (e *Embedding) Adapter() nn.Module { return e.adapter }

// SetAdapter attaches m as a residual branch mapping indices to [..., dim].
func (e *Embedding) SetAdapter(m nn.Module) { e.adapter = m }

func (e *Embedding) Kind() nn.Kind { return nn.KindFrozenEmbedding }

// Forward looks up rows of the dequantized table. Neither the table nor the
// indices are differentiable; only the adapter output carries gradients.
func (e *Embedding) Forward(idx *autograd.Var) (*autograd.Var, error) {
	if idx == nil || idx.Value.DType != tensor.I32 {
		return nil, fmt.Errorf("%w: embedding indices must be I32", tensor.ErrShapeMismatch)
	}
	var (
		rows   *tensor.Tensor
		gather error
	)
	err := withWeight(e.codes.Value, e.absmax.Value, e.code.Value, func(w []float32) {
		rows, gather = autograd.Gather(w, e.buf.Shape, idx.Value)
	})
	if err != nil {
		return nil, err
	}
	if gather != nil {
		return nil, gather
	}
	out := autograd.NewConst(rows)
	if e.adapter == nil {
		return out, nil
	}
	delta, err := e.adapter.Forward(idx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", AdapterName, err)
	}
	return autograd.Add(out, delta)
}

func (e *Embedding) Children() []nn.Child {
	if e.adapter == nil {
		return nil
	}
	return []nn.Child{{Name: AdapterName, Module: e.adapter}}
}

func (e *Embedding) Params() []nn.Param { return nil }

func (e *Embedding) Buffers() []nn.Buffer {
	return []nn.Buffer{
		{Name: "weight", Tensor: e.codes.Value},
		{Name: "absmax", Tensor: e.absmax.Value},
		{Name: "code", Tensor: e.code.Value},
	}
}

func (e *Embedding) String() string {
	return fmt.Sprintf("FrozenEmbedding(%d, %d)", e.NumEmbeddings, e.EmbeddingDim)
}
