package tensor

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// parallelMinWork is the number of multiply-adds below which kernels stay on
// the calling goroutine.
const parallelMinWork = 1 << 16

// forRows runs fn over [0, rows) split into contiguous ranges. Each row is
// owned by exactly one goroutine so results do not depend on scheduling.
func forRows(rows, work int, fn func(rs, re int)) {
	workers := runtime.GOMAXPROCS(0)
	if workers > rows {
		workers = rows
	}
	if workers <= 1 || work < parallelMinWork {
		fn(0, rows)
		return
	}
	chunk := (rows + workers - 1) / workers
	var g errgroup.Group
	g.SetLimit(workers)
	for rs := 0; rs < rows; rs += chunk {
		re := min(rs+chunk, rows)
		g.Go(func() error {
			fn(rs, re)
			return nil
		})
	}
	_ = g.Wait()
}

// MatMulTransB computes dst[r,o] = sum_i x[r,i] * w[o,i], i.e. y = x·Wᵀ for a
// weight of shape [out, in]. dst must hold rows*out elements.
func MatMulTransB(dst, x []float32, rows, in int, w []float32, out int) {
	if len(dst) < rows*out || len(x) < rows*in || len(w) < out*in {
		panic("matmul: dimension mismatch")
	}
	forRows(rows, rows*in*out, func(rs, re int) {
		for r := rs; r < re; r++ {
			xr := x[r*in : (r+1)*in]
			dr := dst[r*out : (r+1)*out]
			for o := 0; o < out; o++ {
				dr[o] = Dot(xr, w[o*in:(o+1)*in])
			}
		}
	})
}

// MatMul computes dst[r,i] = sum_o g[r,o] * w[o,i], i.e. g·W for a weight of
// shape [out, in]. dst must hold rows*in elements and is overwritten.
func MatMul(dst, g []float32, rows, out int, w []float32, in int) {
	if len(dst) < rows*in || len(g) < rows*out || len(w) < out*in {
		panic("matmul: dimension mismatch")
	}
	forRows(rows, rows*in*out, func(rs, re int) {
		for r := rs; r < re; r++ {
			dr := dst[r*in : (r+1)*in]
			clear(dr)
			gr := g[r*out : (r+1)*out]
			for o, gv := range gr {
				if gv == 0 {
					continue
				}
				wr := w[o*in : (o+1)*in]
				for i := range dr {
					dr[i] += gv * wr[i]
				}
			}
		}
	})
}

// AddOuter accumulates dw[o,i] += sum_r g[r,o] * x[r,i] (the weight gradient
// of y = x·Wᵀ). Output rows of dw are split across goroutines.
func AddOuter(dw, g, x []float32, rows, out, in int) {
	if len(dw) < out*in || len(g) < rows*out || len(x) < rows*in {
		panic("addouter: dimension mismatch")
	}
	forRows(out, rows*in*out, func(os, oe int) {
		for o := os; o < oe; o++ {
			dr := dw[o*in : (o+1)*in]
			for r := 0; r < rows; r++ {
				gv := g[r*out+o]
				if gv == 0 {
					continue
				}
				xr := x[r*in : (r+1)*in]
				for i := range dr {
					dr[i] += gv * xr[i]
				}
			}
		}
	})
}

// SumRows accumulates dst[c] += sum_r src[r,c].
func SumRows(dst, src []float32, rows, cols int) {
	if len(dst) < cols || len(src) < rows*cols {
		panic("sumrows: dimension mismatch")
	}
	for r := 0; r < rows; r++ {
		Add(dst[:cols], src[r*cols:(r+1)*cols])
	}
}

// AddRowVector adds v to every row of x (x is rows x len(v)).
func AddRowVector(x, v []float32) {
	cols := len(v)
	for off := 0; off+cols <= len(x); off += cols {
		Add(x[off:off+cols], v)
	}
}
