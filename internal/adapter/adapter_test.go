package adapter

import (
	"bytes"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/samcharles93/frost/internal/autograd"
	"github.com/samcharles93/frost/internal/convert"
	"github.com/samcharles93/frost/internal/frozen"
	"github.com/samcharles93/frost/internal/logger"
	"github.com/samcharles93/frost/internal/nn"
	"github.com/samcharles93/frost/internal/toy"
)

func convertedModel(t *testing.T) *toy.CausalLM {
	t.Helper()
	cfg := toy.DefaultConfig()
	cfg.VocabSize = 96
	cfg.Dim = 32
	cfg.FFNDim = 64
	m, err := toy.New(cfg)
	if err != nil {
		t.Fatalf("toy.New: %v", err)
	}
	if _, err := convert.Convert(m, convert.Quantizing{}, nil); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	return m
}

func forward(t *testing.T, m nn.Module) *autograd.Var {
	t.Helper()
	ids, err := toy.Tokens([][]int{{5, 9, 2, 77}, {0, 1, 95, 3}})
	if err != nil {
		t.Fatalf("Tokens: %v", err)
	}
	out, err := m.Forward(ids)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	return out
}

func TestInjectedAdaptersAreNeutral(t *testing.T) {
	t.Parallel()
	m := convertedModel(t)
	before := forward(t, m)

	if _, err := Inject(m, DefaultConfig(), nil); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	// Dropout stays in training mode; the zeroed up-projection still cancels it.
	after := forward(t, m)
	if !slices.Equal(before.Value.Data, after.Value.Data) {
		t.Fatal("fresh adapters changed the model output")
	}
	if !after.RequiresGrad() {
		t.Fatal("adapted model output must track gradients")
	}
}

func TestInjectTargetsAndReport(t *testing.T) {
	t.Parallel()
	m := convertedModel(t)
	paramsBefore := nn.CountParams(m)

	var buf bytes.Buffer
	rep, err := Inject(m, Config{Rank: 2, Dropout: 0, Targets: []string{"attn"}}, logger.JSON(&buf, slog.LevelDebug))
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}

	wantAttached := []string{"transformer.wte"}
	var wantSkipped []string
	for i := 0; i < 2; i++ {
		for _, p := range []string{"k_proj", "v_proj", "q_proj", "out_proj"} {
			wantAttached = append(wantAttached, "transformer.h."+string(rune('0'+i))+".attn."+p)
		}
		wantSkipped = append(wantSkipped, "transformer.h."+string(rune('0'+i))+".mlp.fc_in", "transformer.h."+string(rune('0'+i))+".mlp.fc_out")
	}
	wantSkipped = append(wantSkipped, "lm_head")

	if diff := cmp.Diff(wantAttached, rep.Attached); diff != "" {
		t.Fatalf("attached (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantSkipped, rep.Skipped); diff != "" {
		t.Fatalf("skipped (-want +got):\n%s", diff)
	}

	// wte: 96x2 + 2x32; each attn projection: 32x2 + 2x32.
	wantParams := (96*2 + 2*32) + 8*(32*2+2*32)
	if rep.Params != wantParams {
		t.Fatalf("report params %d, want %d", rep.Params, wantParams)
	}
	if got := nn.CountParams(m) - paramsBefore; got != wantParams {
		t.Fatalf("model grew by %d params, want %d", got, wantParams)
	}
	if !strings.Contains(buf.String(), `"msg":"not adding adapter","module":"lm_head"`) {
		t.Fatalf("skip not logged: %s", buf.String())
	}
}

func TestInjectLeavesFrozenBuffersUnchanged(t *testing.T) {
	t.Parallel()
	m := convertedModel(t)
	snapshot := map[string][]byte{}
	for k, v := range nn.StateDict(m) {
		if v.Raw != nil {
			snapshot[k] = slices.Clone(v.Raw)
		}
	}
	if _, err := Inject(m, DefaultConfig(), nil); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	sd := nn.StateDict(m)
	for k, raw := range snapshot {
		if !slices.Equal(raw, sd[k].Raw) {
			t.Fatalf("%s changed", k)
		}
	}
	for _, p := range nn.Parameters(m) {
		if _, frozenBuf := snapshot[p.Name]; frozenBuf {
			t.Fatalf("frozen buffer %s reported as trainable", p.Name)
		}
	}
	if _, ok := sd["lm_head.adapter.2.weight"]; !ok {
		t.Fatal("adapter weights missing from state dict")
	}
}

func TestAdapterReceivesGradients(t *testing.T) {
	t.Parallel()
	m := convertedModel(t)
	if _, err := Inject(m, DefaultConfig(), nil); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	loss, err := autograd.Sum(forward(t, m))
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	if err := autograd.Backward(loss, nil); err != nil {
		t.Fatalf("Backward: %v", err)
	}

	head, _ := nn.Lookup(m, "lm_head")
	up := head.(*frozen.Linear).Adapter().(*nn.Sequential).At(2).(*nn.Linear)
	if up.Weight.Grad == nil {
		t.Fatal("up-projection has no gradient")
	}
	var nonZero bool
	for _, g := range up.Weight.Grad.Data {
		nonZero = nonZero || g != 0
	}
	if !nonZero {
		t.Fatal("up-projection gradient is all zero")
	}
	codes, _, _ := head.(*frozen.Linear).FrozenVars()
	if codes.Grad != nil {
		t.Fatal("quantized codes received a gradient")
	}
}

func TestTrainedAdapterChangesOutput(t *testing.T) {
	t.Parallel()
	m := convertedModel(t)
	before := forward(t, m)
	if _, err := Inject(m, Config{Rank: 4, Dropout: 0.1}, nil); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	nn.SetTraining(m, false)
	head, _ := nn.Lookup(m, "lm_head")
	up := head.(*frozen.Linear).Adapter().(*nn.Sequential).At(2).(*nn.Linear)
	up.Weight.Value.Data[0] = 1

	after := forward(t, m)
	if slices.Equal(before.Value.Data, after.Value.Data) {
		t.Fatal("non-zero adapter had no effect")
	}
}

func TestReinjectReplacesAdapters(t *testing.T) {
	t.Parallel()
	m := convertedModel(t)
	first, err := Inject(m, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	total := nn.CountParams(m)
	second, err := Inject(m, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("second Inject: %v", err)
	}
	if second.Params != 0 {
		t.Fatalf("re-injection with the same config added %d params", second.Params)
	}
	if nn.CountParams(m) != total || len(second.Attached) != len(first.Attached) {
		t.Fatal("re-injection must replace adapters, not stack them")
	}
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()
	m := convertedModel(t)
	if _, err := Inject(m, Config{Rank: 0, Dropout: 0.1}, nil); !errors.Is(err, ErrInvalidRank) {
		t.Fatalf("expected ErrInvalidRank, got %v", err)
	}
	if _, err := Inject(m, Config{Rank: 4, Dropout: 1}, nil); !errors.Is(err, ErrInvalidDropout) {
		t.Fatalf("expected ErrInvalidDropout, got %v", err)
	}
}

func TestMatches(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	tests := []struct {
		path string
		want bool
	}{
		{"transformer.h.0.attn.q_proj", true},
		{"transformer.h.3.mlp.fc_out", true},
		{"lm_head", true},
		{"transformer.wte", false},
		{"score", false},
	}
	for _, tc := range tests {
		if got := cfg.Matches(tc.path); got != tc.want {
			t.Errorf("Matches(%q) = %t, want %t", tc.path, got, tc.want)
		}
	}
}
