package nn

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"

	"github.com/samcharles93/frost/internal/autograd"
	"github.com/samcharles93/frost/internal/tensor"
)

// Linear is a dense affine layer y = x·Wᵀ + b with W of shape [out, in].
type Linear struct {
	Leaf
	InFeatures  int
	OutFeatures int
	Weight      *autograd.Var
	// Bias is nil for layers without bias.
	Bias *autograd.Var
}

// NewLinear initializes W and b from U(-1/√in, 1/√in).
func NewLinear(in, out int, bias bool, rng *rand.Rand) *Linear {
	bound := float32(1 / math.Sqrt(float64(in)))
	w := tensor.New(out, in)
	tensor.FillUniform(w, rng, bound)
	l := &Linear{InFeatures: in, OutFeatures: out, Weight: autograd.NewParam(w)}
	if bias {
		b := tensor.New(out)
		tensor.FillUniform(b, rng, bound)
		l.Bias = autograd.NewParam(b)
	}
	return l
}

func (l *Linear) Kind() Kind { return KindDenseLinear }

func (l *Linear) Forward(x *autograd.Var) (*autograd.Var, error) {
	return autograd.Linear(x, l.Weight, l.Bias)
}

func (l *Linear) Params() []Param {
	ps := []Param{{Name: "weight", Var: l.Weight}}
	if l.Bias != nil {
		ps = append(ps, Param{Name: "bias", Var: l.Bias})
	}
	return ps
}

func (l *Linear) String() string {
	return fmt.Sprintf("Linear(in_features=%d, out_features=%d, bias=%t)", l.InFeatures, l.OutFeatures, l.Bias != nil)
}

// Embedding maps I32 indices to rows of a [num, dim] table.
type Embedding struct {
	Leaf
	NumEmbeddings int
	EmbeddingDim  int
	Weight        *autograd.Var
}

// NewEmbedding initializes the table from N(0, 1).
func NewEmbedding(num, dim int, rng *rand.Rand) *Embedding {
	w := tensor.New(num, dim)
	tensor.FillNormal(w, rng, 1)
	return &Embedding{NumEmbeddings: num, EmbeddingDim: dim, Weight: autograd.NewParam(w)}
}

func (e *Embedding) Kind() Kind { return KindEmbedding }

func (e *Embedding) Forward(x *autograd.Var) (*autograd.Var, error) {
	return autograd.Embedding(x, e.Weight)
}

func (e *Embedding) Params() []Param { return []Param{{Name: "weight", Var: e.Weight}} }

func (e *Embedding) String() string {
	return fmt.Sprintf("Embedding(%d, %d)", e.NumEmbeddings, e.EmbeddingDim)
}

// Dropout zeroes activations with probability P while training.
type Dropout struct {
	Leaf
	P        float32
	training bool
	rng      *rand.Rand
}

// NewDropout returns a dropout layer in training mode. rng is used without
// locking; layers sharing it must not run Forward concurrently.
func NewDropout(p float32, rng *rand.Rand) *Dropout {
	return &Dropout{P: p, training: true, rng: rng}
}

func (d *Dropout) Kind() Kind          { return KindOther }
func (d *Dropout) Params() []Param     { return nil }
func (d *Dropout) SetTraining(on bool) { d.training = on }

func (d *Dropout) Forward(x *autograd.Var) (*autograd.Var, error) {
	if !d.training || d.P == 0 {
		return x, nil
	}
	return autograd.Dropout(x, d.P, d.rng)
}

func (d *Dropout) String() string { return fmt.Sprintf("Dropout(p=%g)", d.P) }

// LayerNorm normalizes the trailing dimension.
type LayerNorm struct {
	Leaf
	Dim    int
	Eps    float32
	Weight *autograd.Var
	Bias   *autograd.Var
}

// NewLayerNorm initializes weight to ones and bias to zeros.
func NewLayerNorm(dim int, eps float32) *LayerNorm {
	return &LayerNorm{
		Dim:    dim,
		Eps:    eps,
		Weight: autograd.NewParam(tensor.Full(1, dim)),
		Bias:   autograd.NewParam(tensor.New(dim)),
	}
}

func (l *LayerNorm) Kind() Kind { return KindOther }

func (l *LayerNorm) Forward(x *autograd.Var) (*autograd.Var, error) {
	return autograd.LayerNorm(x, l.Weight, l.Bias, l.Eps)
}

func (l *LayerNorm) Params() []Param {
	return []Param{{Name: "weight", Var: l.Weight}, {Name: "bias", Var: l.Bias}}
}

func (l *LayerNorm) String() string { return fmt.Sprintf("LayerNorm(%d, eps=%g)", l.Dim, l.Eps) }

// Sequential chains children named "0", "1", ... in order.
type Sequential struct {
	Container
}

// NewSequential registers mods under their positional names.
func NewSequential(mods ...Module) *Sequential {
	s := &Sequential{}
	for i, m := range mods {
		s.Register(strconv.Itoa(i), m)
	}
	return s
}

// At returns the i-th module.
func (s *Sequential) At(i int) Module { return s.Child(strconv.Itoa(i)) }

// Len returns the number of modules.
func (s *Sequential) Len() int { return len(s.names) }

func (s *Sequential) Forward(x *autograd.Var) (*autograd.Var, error) {
	var err error
	for _, name := range s.names {
		if x, err = s.Call(name, x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// List is an indexable container whose children are not chained.
type List struct {
	Container
}

// NewList registers mods under their positional names.
func NewList(mods ...Module) *List {
	l := &List{}
	for i, m := range mods {
		l.Register(strconv.Itoa(i), m)
	}
	return l
}

// Len returns the number of modules.
func (l *List) Len() int { return len(l.names) }

// At returns the i-th module.
func (l *List) At(i int) Module { return l.Child(strconv.Itoa(i)) }

// Forward is not defined for a list; callers iterate with At.
func (l *List) Forward(*autograd.Var) (*autograd.Var, error) {
	return nil, fmt.Errorf("nn: List has no forward")
}
