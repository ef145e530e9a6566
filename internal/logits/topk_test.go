package logits

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTopK(t *testing.T) {
	t.Parallel()
	row := []float32{-1, 5, 3, 7, 2, 5}
	want := []Entry{{3, 7}, {1, 5}, {5, 5}}
	if diff := cmp.Diff(want, TopK(row, 3)); diff != "" {
		t.Fatalf("TopK (-want +got):\n%s", diff)
	}
	if got := TopK(row, 100); len(got) != len(row) {
		t.Fatalf("TopK with k > len returned %d entries", len(got))
	}
	if got := TopK(row, 0); got != nil {
		t.Fatalf("TopK(0) = %v", got)
	}
}

func TestArgmax(t *testing.T) {
	t.Parallel()
	if got := Argmax([]float32{-1, 5, 3, 7, 2}); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on empty row")
		}
	}()
	Argmax(nil)
}

func TestLastPositions(t *testing.T) {
	t.Parallel()
	// batch 2, seq 2, vocab 3
	data := []float32{0, 0, 0, 1, 2, 3, 9, 9, 9, 4, 5, 6}
	want := [][]float32{{1, 2, 3}, {4, 5, 6}}
	if diff := cmp.Diff(want, LastPositions(data, 2, 2, 3)); diff != "" {
		t.Fatalf("LastPositions (-want +got):\n%s", diff)
	}
}

func TestCompare(t *testing.T) {
	t.Parallel()
	want := []float32{1, 4, 2, -8, 0, 1}
	got := []float32{1, 3.5, 2, 0, 2, 1}
	d := Compare(got, want, 3)
	if d.MaxAbs != 8 || d.Scale != 8 {
		t.Fatalf("unexpected diff %+v", d)
	}
	if d.ArgmaxAgree != 0.5 {
		t.Fatalf("argmax agreement %g, want 0.5", d.ArgmaxAgree)
	}
	if d.Relative() != 1 {
		t.Fatalf("relative %g", d.Relative())
	}
}
