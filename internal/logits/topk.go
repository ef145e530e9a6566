// Package logits ranks and compares rows of model output scores.
package logits

import "math"

// Entry is a token id with its score.
type Entry struct {
	Token int
	Score float32
}

// TopK returns the k highest scores of row, largest first. Equal scores keep
// ascending token order. This is O(len(row)*k), meant for small k.
func TopK(row []float32, k int) []Entry {
	k = min(k, len(row))
	if k <= 0 {
		return nil
	}
	top := make([]Entry, 0, k+1)
	for i, v := range row {
		pos := len(top)
		for pos > 0 && top[pos-1].Score < v {
			pos--
		}
		if pos >= k {
			continue
		}
		top = append(top, Entry{})
		copy(top[pos+1:], top[pos:])
		top[pos] = Entry{Token: i, Score: v}
		if len(top) > k {
			top = top[:k]
		}
	}
	return top
}

// Argmax returns the index of the largest value. It panics on an empty row.
func Argmax(row []float32) int {
	if len(row) == 0 {
		panic("argmax: empty slice")
	}
	best := 0
	for i := 1; i < len(row); i++ {
		if row[i] > row[best] {
			best = i
		}
	}
	return best
}

// LastPositions splits [batch, seq, vocab] scores into the vocab-sized row of
// the last position of every sequence.
func LastPositions(data []float32, batch, seq, vocab int) [][]float32 {
	out := make([][]float32, batch)
	for b := range out {
		end := (b + 1) * seq * vocab
		out[b] = data[end-vocab : end]
	}
	return out
}

// Diff summarizes how far got is from want.
type Diff struct {
	MaxAbs float64
	// Scale is max |want|.
	Scale float64
	// ArgmaxAgree is the fraction of vocab-sized rows whose best token matches.
	ArgmaxAgree float64
}

// Compare measures got against want, both laid out as rows of vocab scores.
func Compare(got, want []float32, vocab int) Diff {
	var d Diff
	for i := range got {
		d.MaxAbs = math.Max(d.MaxAbs, math.Abs(float64(got[i])-float64(want[i])))
		d.Scale = math.Max(d.Scale, math.Abs(float64(want[i])))
	}
	rows := len(got) / vocab
	if rows == 0 {
		return d
	}
	agree := 0
	for r := range rows {
		if Argmax(got[r*vocab:(r+1)*vocab]) == Argmax(want[r*vocab:(r+1)*vocab]) {
			agree++
		}
	}
	d.ArgmaxAgree = float64(agree) / float64(rows)
	return d
}

// Relative returns MaxAbs as a fraction of Scale.
func (d Diff) Relative() float64 {
	return d.MaxAbs / math.Max(d.Scale, 1e-12)
}
