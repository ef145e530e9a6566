package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/frost/internal/adapter"
	"github.com/samcharles93/frost/internal/checkpoint"
	"github.com/samcharles93/frost/internal/convert"
	"github.com/samcharles93/frost/internal/nn"
	"github.com/samcharles93/frost/internal/toy"
	"github.com/samcharles93/frost/pkg/quant"
)

func newTestEcho(t *testing.T) (*echo.Echo, *toy.CausalLM) {
	t.Helper()
	cfg := toy.DefaultConfig()
	cfg.VocabSize = 24
	cfg.Dim = 16
	cfg.FFNDim = 32
	cfg.Heads = 2
	cfg.Layers = 1
	m, err := toy.New(cfg)
	if err != nil {
		t.Fatalf("toy.New: %v", err)
	}
	if _, err := convert.Convert(m, convert.Quantizing{}, nil); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	acfg := adapter.Config{Rank: 2, Targets: []string{"head"}}
	if _, err := adapter.Inject(m, acfg, nil); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	man := checkpoint.Manifest{
		Format:   checkpoint.FormatInt8,
		Model:    cfg,
		Quant:    &checkpoint.QuantInfo{Codebook: quant.CodebookQuantile, ChunkSize: quant.DefaultChunkSize},
		Adapters: &acfg,
	}
	server := NewServer(m, man, "model.int8.safetensors")
	e := echo.New()
	server.Register(e)
	return e, m
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %T: %v body=%s", out, err, rec.Body.String())
	}
	return out
}

func TestInfo(t *testing.T) {
	t.Parallel()
	e, m := newTestEcho(t)
	rec := doJSON(t, e, http.MethodGet, "/v1/info", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	info := decode[InfoResponse](t, rec)
	if info.Format != checkpoint.FormatInt8 || info.Path != "model.int8.safetensors" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.TrainableParams != nn.CountParams(m) {
		t.Fatalf("trainable params %d, want %d", info.TrainableParams, nn.CountParams(m))
	}
	if info.FrozenBytes == 0 {
		t.Fatal("frozen bytes not reported")
	}
	if info.Adapters == nil || info.Adapters.Rank != 2 {
		t.Fatalf("adapters not reported: %+v", info.Adapters)
	}
}

func TestModulesFilterByKind(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	rec := doJSON(t, e, http.MethodGet, "/v1/modules?kind=FrozenEmbedding", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	list := decode[ModuleList](t, rec)
	want := []ModuleInfo{{
		Path:           "transformer.wte",
		Kind:           "FrozenEmbedding",
		Type:           "FrozenEmbedding(24, 16)",
		QuantizedBytes: 24*16 + 4 + 4*quant.CodebookSize,
		HasAdapter:     true,
	}}
	if diff := cmp.Diff(want, list.Data); diff != "" {
		t.Fatalf("modules (-want +got):\n%s", diff)
	}
}

func TestModuleLookup(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	rec := doJSON(t, e, http.MethodGet, "/v1/modules/lm_head", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	mi := decode[ModuleInfo](t, rec)
	if !mi.HasAdapter || mi.Kind != "FrozenLinear" || mi.Params != 24 {
		t.Fatalf("unexpected lm_head info: %+v", mi)
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/modules/transformer.h.9", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestParameters(t *testing.T) {
	t.Parallel()
	e, m := newTestEcho(t)
	rec := doJSON(t, e, http.MethodGet, "/v1/parameters", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	list := decode[ParameterList](t, rec)
	if list.Total != nn.CountParams(m) {
		t.Fatalf("total %d, want %d", list.Total, nn.CountParams(m))
	}
	for _, p := range list.Data {
		if strings.HasSuffix(p.Name, ".absmax") || strings.HasSuffix(p.Name, ".code") {
			t.Fatalf("frozen buffer %s listed as a parameter", p.Name)
		}
	}
}

func TestForward(t *testing.T) {
	t.Parallel()
	e, m := newTestEcho(t)
	rec := doJSON(t, e, http.MethodPost, "/v1/forward", `{"tokens":[[1,2,3],[4,5,6]],"top_k":3,"return_logits":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decode[ForwardResponse](t, rec)
	if !strings.HasPrefix(resp.ID, "fwd_") || resp.Object != "forward" {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
	if diff := cmp.Diff([]int{2, 3, 24}, resp.Shape); diff != "" {
		t.Fatalf("shape (-want +got):\n%s", diff)
	}
	if len(resp.Top) != 2 || len(resp.Top[0]) != 3 {
		t.Fatalf("top has wrong size: %+v", resp.Top)
	}
	if resp.Top[0][0].Logit < resp.Top[0][1].Logit {
		t.Fatal("top scores not sorted")
	}

	ids, _ := toy.Tokens([][]int{{1, 2, 3}, {4, 5, 6}})
	out, err := m.Forward(ids)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if diff := cmp.Diff(out.Value.Data, resp.Logits); diff != "" {
		t.Fatalf("logits differ from a direct forward pass:\n%s", diff)
	}
}

func TestForwardValidationErrors(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad json", `{"tokens":`, "invalid JSON body"},
		{"unknown field", `{"tokens":[[1]],"temperature":1}`, "invalid JSON body"},
		{"empty", `{"tokens":[]}`, "at least one row"},
		{"ragged", `{"tokens":[[1,2],[3]]}`, "shape mismatch"},
		{"out of vocab", `{"tokens":[[1,24]]}`, "outside the vocabulary"},
		{"negative top_k", `{"tokens":[[1]],"top_k":-1}`, "top_k"},
		{"row too long", tokenBody(1, maxSeqLen+1), "sequence limit"},
		{"too many long rows", tokenBody(16, maxSeqLen), "attention limit"},
	}
	for _, tc := range tests {
		rec := doJSON(t, e, http.MethodPost, "/v1/forward", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d body=%s", tc.name, rec.Code, rec.Body.String())
			continue
		}
		if !strings.Contains(rec.Body.String(), tc.want) {
			t.Errorf("%s: body %s does not mention %q", tc.name, rec.Body.String(), tc.want)
		}
	}
}

// tokenBody builds a forward request of rows x seq copies of token 1.
func tokenBody(rows, seq int) string {
	row := "[" + strings.TrimSuffix(strings.Repeat("1,", seq), ",") + "]"
	return `{"tokens":[` + strings.TrimSuffix(strings.Repeat(row+",", rows), ",") + `]}`
}
