package autograd

import (
	"fmt"
	"math"

	"github.com/samcharles93/frost/internal/tensor"
)

// causalAttention is multi-head scaled dot-product attention where position t
// attends to positions [0, t]. Operands are q, k, v of shape [batch, seq, dim].
type causalAttention struct {
	heads int
}

func (causalAttention) Name() string { return "causal_attention" }

func (a causalAttention) Forward(ctx *Context, in []*tensor.Tensor) (*tensor.Tensor, error) {
	q, k, v := in[0], in[1], in[2]
	for _, p := range []struct {
		name string
		t    *tensor.Tensor
	}{{"query", q}, {"key", k}, {"value", v}} {
		if err := requireF32(p.name, p.t); err != nil {
			return nil, err
		}
	}
	if q.Rank() != 3 {
		return nil, fmt.Errorf("%w: attention input must be [batch seq dim], got %s", tensor.ErrShapeMismatch, tensor.FormatShape(q.Shape))
	}
	if err := tensor.CheckShape("key", k.Shape, q.Shape); err != nil {
		return nil, err
	}
	if err := tensor.CheckShape("value", v.Shape, q.Shape); err != nil {
		return nil, err
	}
	batch, seq, dim := q.Shape[0], q.Shape[1], q.Shape[2]
	if a.heads <= 0 || dim%a.heads != 0 {
		return nil, fmt.Errorf("%w: dim %d not divisible by %d heads", tensor.ErrShapeMismatch, dim, a.heads)
	}
	hd := dim / a.heads
	scale := float32(1 / math.Sqrt(float64(hd)))

	out := tensor.New(q.Shape...)
	// probs[b, h, t, s] for s <= t; the upper triangle stays zero. It is
	// only kept when backward can run.
	var probs *tensor.Tensor
	if ctx.NeedsAny(0, 1, 2) {
		probs = tensor.New(batch, a.heads, seq, seq)
	}
	row := make([]float32, seq)
	for b := 0; b < batch; b++ {
		for h := 0; h < a.heads; h++ {
			for t := 0; t < seq; t++ {
				qt := q.Data[(b*seq+t)*dim+h*hd:][:hd]
				for s := 0; s <= t; s++ {
					ks := k.Data[(b*seq+s)*dim+h*hd:][:hd]
					row[s] = tensor.Dot(qt, ks) * scale
				}
				tensor.Softmax(row[:t+1])
				if probs != nil {
					copy(probs.Data[((b*a.heads+h)*seq+t)*seq:], row[:t+1])
				}

				ot := out.Data[(b*seq+t)*dim+h*hd:][:hd]
				for s := 0; s <= t; s++ {
					vs := v.Data[(b*seq+s)*dim+h*hd:][:hd]
					p := row[s]
					for i := range ot {
						ot[i] += p * vs[i]
					}
				}
			}
		}
	}
	if probs != nil {
		ctx.SaveForBackward(q, k, v, probs)
	}
	return out, nil
}

func (a causalAttention) Backward(ctx *Context, g *tensor.Tensor) ([]Grad, error) {
	saved := ctx.Saved()
	q, k, v, probs := saved[0], saved[1], saved[2], saved[3]
	batch, seq, dim := q.Shape[0], q.Shape[1], q.Shape[2]
	hd := dim / a.heads
	scale := float32(1 / math.Sqrt(float64(hd)))

	gq := tensor.New(q.Shape...)
	gk := tensor.New(k.Shape...)
	gv := tensor.New(v.Shape...)
	dp := make([]float32, seq)
	for b := 0; b < batch; b++ {
		for h := 0; h < a.heads; h++ {
			for t := 0; t < seq; t++ {
				off := func(s int) int { return (b*seq+s)*dim + h*hd }
				pt := probs.Data[((b*a.heads+h)*seq+t)*seq:][:t+1]
				gt := g.Data[off(t):][:hd]

				var dot float32
				for s := 0; s <= t; s++ {
					vs := v.Data[off(s):][:hd]
					dp[s] = tensor.Dot(gt, vs)
					dot += pt[s] * dp[s]

					gvs := gv.Data[off(s):][:hd]
					for i := range gvs {
						gvs[i] += pt[s] * gt[i]
					}
				}

				qt := q.Data[off(t):][:hd]
				gqt := gq.Data[off(t):][:hd]
				for s := 0; s <= t; s++ {
					ds := pt[s] * (dp[s] - dot) * scale
					if ds == 0 {
						continue
					}
					ks := k.Data[off(s):][:hd]
					gks := gk.Data[off(s):][:hd]
					for i := 0; i < hd; i++ {
						gqt[i] += ds * ks[i]
						gks[i] += ds * qt[i]
					}
				}
			}
		}
	}

	grads := []Grad{NoGrad(), NoGrad(), NoGrad()}
	for i, gt := range []*tensor.Tensor{gq, gk, gv} {
		if ctx.NeedsInputGrad[i] {
			grads[i] = GradOf(gt)
		}
	}
	return grads, nil
}

// CausalSelfAttention attends each position of q to itself and earlier
// positions of k and v, split into heads along the feature dimension.
func CausalSelfAttention(q, k, v *Var, heads int) (*Var, error) {
	return Apply(causalAttention{heads: heads}, q, k, v)
}
