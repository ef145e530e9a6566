package autograd

import (
	"fmt"
	"math"

	"github.com/samcharles93/frost/internal/tensor"
)

// layerNorm normalizes the trailing dimension and applies an affine map.
type layerNorm struct {
	eps float32
}

func (layerNorm) Name() string { return "layer_norm" }

func (ln layerNorm) Forward(ctx *Context, in []*tensor.Tensor) (*tensor.Tensor, error) {
	x, gamma, beta := in[0], in[1], in[2]
	if err := requireF32("input", x); err != nil {
		return nil, err
	}
	dim := x.Last()
	if err := tensor.CheckShape("layer norm weight", gamma.Shape, []int{dim}); err != nil {
		return nil, err
	}
	if err := tensor.CheckShape("layer norm bias", beta.Shape, []int{dim}); err != nil {
		return nil, err
	}

	rows := x.Rows()
	out := tensor.New(x.Shape...)
	xhat := tensor.New(x.Shape...)
	rstd := tensor.New(rows)
	for r := 0; r < rows; r++ {
		xr := x.Data[r*dim : (r+1)*dim]
		var mean float64
		for _, v := range xr {
			mean += float64(v)
		}
		mean /= float64(dim)
		var variance float64
		for _, v := range xr {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(dim)
		inv := float32(1 / math.Sqrt(variance+float64(ln.eps)))
		rstd.Data[r] = inv

		hr := xhat.Data[r*dim : (r+1)*dim]
		or := out.Data[r*dim : (r+1)*dim]
		for i, v := range xr {
			hr[i] = (v - float32(mean)) * inv
			or[i] = hr[i]*gamma.Data[i] + beta.Data[i]
		}
	}
	ctx.SaveForBackward(xhat, rstd, gamma)
	return out, nil
}

func (layerNorm) Backward(ctx *Context, g *tensor.Tensor) ([]Grad, error) {
	saved := ctx.Saved()
	xhat, rstd, gamma := saved[0], saved[1], saved[2]
	dim := xhat.Last()
	rows := xhat.Rows()

	grads := []Grad{NoGrad(), NoGrad(), NoGrad()}
	if ctx.NeedsInputGrad[0] {
		gx := tensor.New(xhat.Shape...)
		for r := 0; r < rows; r++ {
			gr := g.Data[r*dim : (r+1)*dim]
			hr := xhat.Data[r*dim : (r+1)*dim]
			var meanG, meanGH float64
			for i := range gr {
				dh := float64(gr[i] * gamma.Data[i])
				meanG += dh
				meanGH += dh * float64(hr[i])
			}
			meanG /= float64(dim)
			meanGH /= float64(dim)
			dst := gx.Data[r*dim : (r+1)*dim]
			for i := range gr {
				dh := float64(gr[i] * gamma.Data[i])
				dst[i] = rstd.Data[r] * float32(dh-meanG-float64(hr[i])*meanGH)
			}
		}
		grads[0] = GradOf(gx)
	}
	if ctx.NeedsInputGrad[1] {
		gg := tensor.New(dim)
		for r := 0; r < rows; r++ {
			gr := g.Data[r*dim : (r+1)*dim]
			hr := xhat.Data[r*dim : (r+1)*dim]
			for i := range gr {
				gg.Data[i] += gr[i] * hr[i]
			}
		}
		grads[1] = GradOf(gg)
	}
	if ctx.NeedsInputGrad[2] {
		gb := tensor.New(dim)
		tensor.SumRows(gb.Data, g.Data, rows, dim)
		grads[2] = GradOf(gb)
	}
	return grads, nil
}

// LayerNorm normalizes x over its trailing dimension and scales by weight and bias.
func LayerNorm(x, weight, bias *Var, eps float32) (*Var, error) {
	if eps <= 0 {
		return nil, fmt.Errorf("layer norm: epsilon must be positive, got %g", eps)
	}
	return Apply(layerNorm{eps: eps}, x, weight, bias)
}
