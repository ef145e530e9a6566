// Package autograd is a small reverse-mode differentiation engine over
// tensor.Tensor values.
//
// Operations are Functions: an explicit forward/backward pair. Backward is a
// pure function of what Forward saved and the upstream gradient, returning one
// Grad per operand. A Grad is either defined or absent; absent means "no
// gradient exists for this operand", which is different from a zero gradient.
package autograd

import (
	"errors"
	"fmt"

	"github.com/samcharles93/frost/internal/tensor"
)

var (
	// ErrGradientContract is returned when a backward pass is asked for the
	// gradient of an operand that has no gradient semantics.
	ErrGradientContract = errors.New("autograd: gradient requested for a frozen operand")
	// ErrGradientArity is returned when a Function returns the wrong number of gradients.
	ErrGradientArity = errors.New("autograd: gradient count does not match operand count")
	// ErrNoGraph is returned when Backward is called on a value that does not require grad.
	ErrNoGraph = errors.New("autograd: value does not require grad")
)

// Var is a node in the computation graph.
type Var struct {
	Value *tensor.Tensor
	// Grad accumulates the gradient of leaf variables across Backward calls.
	Grad *tensor.Tensor

	requiresGrad bool
	node         *node
}

type node struct {
	fn     Function
	ctx    *Context
	inputs []*Var
}

// NewParam wraps t as a trainable leaf.
func NewParam(t *tensor.Tensor) *Var {
	return &Var{Value: t, requiresGrad: true}
}

// NewConst wraps t as a leaf that does not require grad.
func NewConst(t *tensor.Tensor) *Var {
	return &Var{Value: t}
}

// RequiresGrad reports whether gradients flow to v.
func (v *Var) RequiresGrad() bool { return v != nil && v.requiresGrad }

// SetRequiresGrad toggles gradient tracking on a leaf.
func (v *Var) SetRequiresGrad(b bool) {
	if v.node != nil {
		panic("autograd: SetRequiresGrad on a non-leaf value")
	}
	v.requiresGrad = b
}

// IsLeaf reports whether v was created directly rather than by Apply.
func (v *Var) IsLeaf() bool { return v.node == nil }

// ZeroGrad drops the accumulated gradient.
func (v *Var) ZeroGrad() { v.Grad = nil }

// Detach returns a leaf sharing v's value without graph history.
func (v *Var) Detach() *Var { return NewConst(v.Value) }

// Grad is the gradient of one operand, or its explicit absence.
type Grad struct {
	t *tensor.Tensor
}

// NoGrad marks an operand as having no gradient.
func NoGrad() Grad { return Grad{} }

// GradOf marks t as the gradient of an operand.
func GradOf(t *tensor.Tensor) Grad {
	if t == nil {
		panic("autograd: GradOf(nil); use NoGrad for absent gradients")
	}
	return Grad{t: t}
}

// Tensor returns the gradient and whether it is defined.
func (g Grad) Tensor() (*tensor.Tensor, bool) { return g.t, g.t != nil }

// Defined reports whether the gradient exists.
func (g Grad) Defined() bool { return g.t != nil }

// Context carries per-call state from Forward to Backward.
type Context struct {
	// NeedsInputGrad[i] is true when operand i requires grad.
	NeedsInputGrad []bool

	saved []*tensor.Tensor
}

// SaveForBackward stores tensors needed by Backward.
func (c *Context) SaveForBackward(ts ...*tensor.Tensor) { c.saved = append(c.saved, ts...) }

// Saved returns the tensors stored by SaveForBackward.
func (c *Context) Saved() []*tensor.Tensor { return c.saved }

// NeedsAny reports whether any of the listed operands requires grad.
func (c *Context) NeedsAny(idx ...int) bool {
	for _, i := range idx {
		if i < len(c.NeedsInputGrad) && c.NeedsInputGrad[i] {
			return true
		}
	}
	return false
}

// Function is a differentiable operation. A Function value is used for a
// single Apply call and may keep per-call state in its fields.
type Function interface {
	Name() string
	// Forward computes the output. Absent optional operands are nil.
	Forward(ctx *Context, inputs []*tensor.Tensor) (*tensor.Tensor, error)
	// Backward maps the upstream gradient to one Grad per operand.
	Backward(ctx *Context, grad *tensor.Tensor) ([]Grad, error)
}

// Apply runs fn forward and records it in the graph when any operand requires
// grad. Nil operands are passed to Forward as nil tensors.
func Apply(fn Function, inputs ...*Var) (*Var, error) {
	values := make([]*tensor.Tensor, len(inputs))
	needs := make([]bool, len(inputs))
	track := false
	for i, in := range inputs {
		if in == nil {
			continue
		}
		values[i] = in.Value
		needs[i] = in.RequiresGrad()
		track = track || needs[i]
	}

	ctx := &Context{NeedsInputGrad: needs}
	out, err := fn.Forward(ctx, values)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	if !track {
		return NewConst(out), nil
	}
	return &Var{
		Value:        out,
		requiresGrad: true,
		node:         &node{fn: fn, ctx: ctx, inputs: inputs},
	}, nil
}

// Backward propagates seed (d loss / d root) through the graph. A nil seed is
// only allowed for single-element roots and means 1.
//
// Any Function error aborts the pass; leaf gradients accumulated before the
// failure are left in place.
func Backward(root *Var, seed *tensor.Tensor) error {
	if !root.RequiresGrad() {
		return ErrNoGraph
	}
	if seed == nil {
		if root.Value.Numel() != 1 {
			return fmt.Errorf("%w: implicit seed needs a single-element root, got %s", tensor.ErrShapeMismatch, tensor.FormatShape(root.Value.Shape))
		}
		seed = tensor.Full(1, root.Value.Shape...)
	}
	if err := tensor.CheckShape("seed", seed.Shape, root.Value.Shape); err != nil {
		return err
	}

	order := topoSort(root)
	pending := map[*Var]*tensor.Tensor{root: seed}

	for i := len(order) - 1; i >= 0; i-- {
		v := order[i]
		g, ok := pending[v]
		if !ok {
			continue
		}
		delete(pending, v)

		if v.node == nil {
			accumulate(&v.Grad, g)
			continue
		}

		n := v.node
		grads, err := n.fn.Backward(n.ctx, g)
		if err != nil {
			return fmt.Errorf("backward %s: %w", n.fn.Name(), err)
		}
		if len(grads) != len(n.inputs) {
			return fmt.Errorf("%w: %s returned %d for %d operands", ErrGradientArity, n.fn.Name(), len(grads), len(n.inputs))
		}
		for j, in := range n.inputs {
			if in == nil || !n.ctx.NeedsInputGrad[j] {
				continue
			}
			gt, defined := grads[j].Tensor()
			if !defined {
				continue
			}
			if err := tensor.CheckShape(fmt.Sprintf("%s gradient %d", n.fn.Name(), j), gt.Shape, in.Value.Shape); err != nil {
				return err
			}
			acc := pending[in]
			accumulate(&acc, gt)
			pending[in] = acc
		}
	}
	return nil
}

func topoSort(root *Var) []*Var {
	var order []*Var
	visited := make(map[*Var]bool)
	var visit func(v *Var)
	visit = func(v *Var) {
		if v == nil || visited[v] || !v.requiresGrad {
			return
		}
		visited[v] = true
		if v.node != nil {
			for _, in := range v.node.inputs {
				visit(in)
			}
		}
		order = append(order, v)
	}
	visit(root)
	return order
}

// accumulate adds g into *dst, allocating on first use. g is never aliased.
func accumulate(dst **tensor.Tensor, g *tensor.Tensor) {
	if *dst == nil {
		*dst = g.Clone()
		return
	}
	tensor.Add((*dst).Data, g.Data)
}
