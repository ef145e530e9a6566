package quant

import "math"

// ErrorStats summarizes reconstruction error of a quantized tensor.
type ErrorStats struct {
	MaxAbs float64
	RMSE   float64
	// MaxBlockRel is the largest per-block max error divided by that block's absmax.
	MaxBlockRel float64
}

// Measure compares orig with its reconstruction recon block by block.
func Measure(orig, recon []float32) ErrorStats {
	var st ErrorStats
	if len(orig) == 0 {
		return st
	}
	var sq float64
	for start := 0; start < len(orig); start += BlockSize {
		end := min(start+BlockSize, len(orig))
		var blockMax, scale float64
		for i := start; i < end; i++ {
			d := math.Abs(float64(orig[i]) - float64(recon[i]))
			sq += d * d
			blockMax = math.Max(blockMax, d)
			scale = math.Max(scale, math.Abs(float64(orig[i])))
		}
		st.MaxAbs = math.Max(st.MaxAbs, blockMax)
		if scale > 0 {
			st.MaxBlockRel = math.Max(st.MaxBlockRel, blockMax/scale)
		}
	}
	st.RMSE = math.Sqrt(sq / float64(len(orig)))
	return st
}
