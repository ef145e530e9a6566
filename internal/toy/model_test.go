package toy

import (
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/samcharles93/frost/internal/autograd"
	"github.com/samcharles93/frost/internal/nn"
	"github.com/samcharles93/frost/internal/tensor"
)

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.VocabSize = 32
	cfg.Dim = 16
	cfg.FFNDim = 32
	cfg.Heads = 2
	return cfg
}

func TestForwardShape(t *testing.T) {
	t.Parallel()
	m, err := New(smallConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ids, err := Tokens([][]int{{1, 2, 3}, {4, 5, 6}})
	if err != nil {
		t.Fatalf("Tokens: %v", err)
	}
	out, err := m.Forward(ids)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !slices.Equal(out.Value.Shape, []int{2, 3, 32}) {
		t.Fatalf("logits shape %v", out.Value.Shape)
	}
	if !tensor.AllFinite(out.Value.Data) {
		t.Fatal("non-finite logits")
	}
}

func TestForwardIsDeterministic(t *testing.T) {
	t.Parallel()
	a, _ := New(smallConfig())
	b, _ := New(smallConfig())
	ids, _ := Tokens([][]int{{7, 8, 9, 10}})
	ya, err := a.Forward(ids)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	yb, err := b.Forward(ids)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !slices.Equal(ya.Value.Data, yb.Value.Data) {
		t.Fatal("same seed produced different logits")
	}
}

func TestModulePaths(t *testing.T) {
	t.Parallel()
	m, _ := New(smallConfig())
	for _, path := range []string{
		"transformer.wte",
		"transformer.h.0.ln_1",
		"transformer.h.1.attn.q_proj",
		"transformer.h.1.attn.out_proj",
		"transformer.h.0.mlp.fc_in",
		"transformer.ln_f",
		"lm_head",
	} {
		if _, err := nn.Lookup(m, path); err != nil {
			t.Errorf("Lookup(%q): %v", path, err)
		}
	}
}

func TestGradientsReachEveryParameter(t *testing.T) {
	t.Parallel()
	m, _ := New(smallConfig())
	ids, _ := Tokens([][]int{{1, 2, 3}})
	out, err := m.Forward(ids)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	loss, err := autograd.Sum(out)
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	if err := autograd.Backward(loss, nil); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	for _, p := range nn.Parameters(m) {
		if p.Var.Grad == nil {
			t.Errorf("%s has no gradient", p.Name)
		}
	}
}

func TestTokensRejectsRaggedBatch(t *testing.T) {
	t.Parallel()
	if _, err := Tokens([][]int{{1, 2}, {3}}); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	if _, err := Tokens(nil); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestTokensRejectsIdsOutsideInt32(t *testing.T) {
	t.Parallel()
	for _, id := range []int{-1, math.MaxInt32 + 1, 1<<32 + 5} {
		if _, err := Tokens([][]int{{1, id}}); !errors.Is(err, tensor.ErrShapeMismatch) {
			t.Errorf("id %d: expected ErrShapeMismatch, got %v", id, err)
		}
	}
	ids, err := Tokens([][]int{{0, math.MaxInt32}})
	if err != nil {
		t.Fatalf("Tokens: %v", err)
	}
	if !slices.Equal(ids.Value.Ints, []int32{0, math.MaxInt32}) {
		t.Fatalf("ids %v", ids.Value.Ints)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	cfg := smallConfig()
	cfg.Heads = 3
	if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
