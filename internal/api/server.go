// Package api serves read-only inspection of a loaded model and batched
// forward passes over HTTP.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/samber/lo"

	"github.com/samcharles93/frost/internal/checkpoint"
	"github.com/samcharles93/frost/internal/logits"
	"github.com/samcharles93/frost/internal/nn"
	"github.com/samcharles93/frost/internal/tensor"
	"github.com/samcharles93/frost/internal/toy"
	"github.com/samcharles93/frost/pkg/quant"
)

const (
	defaultTopK = 5
	maxTokens   = 1 << 16
	// maxSeqLen caps one row. Attention scores grow with the square of it.
	maxSeqLen = 2048
	// maxAttentionCells bounds batch*heads*seq*seq, the attention
	// probabilities a tracked forward pass keeps for backward.
	maxAttentionCells = 1 << 26
)

type Server struct {
	model    nn.Module
	manifest checkpoint.Manifest
	path     string
	clock    func() time.Time

	// mu serializes forward passes; module storage is shared.
	mu sync.Mutex
}

// NewServer puts model in evaluation mode and serves it. path is reported
// by /v1/info and may be empty.
func NewServer(model nn.Module, manifest checkpoint.Manifest, path string) *Server {
	nn.SetTraining(model, false)
	return &Server{
		model:    model,
		manifest: manifest,
		path:     path,
		clock:    time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/info", s.handleInfo)
	e.GET("/v1/modules", s.handleModules)
	e.GET("/v1/modules/:path", s.handleModule)
	e.GET("/v1/parameters", s.handleParameters)
	e.POST("/v1/forward", s.handleForward)
}

type quantized interface {
	Quantized() *quant.Buffer
}

type adapted interface {
	Adapter() nn.Module
}

func describe(nm nn.NamedModule) ModuleInfo {
	info := ModuleInfo{
		Path:   nm.Path,
		Kind:   nm.Module.Kind().String(),
		Type:   nn.Describe(nm.Module),
		Params: lo.SumBy(nm.Module.Params(), func(p nn.Param) int { return p.Var.Value.Numel() }),
	}
	if q, ok := nm.Module.(quantized); ok {
		info.QuantizedBytes = q.Quantized().Bytes()
	}
	if a, ok := nm.Module.(adapted); ok {
		info.HasAdapter = a.Adapter() != nil
	}
	return info
}

func (s *Server) modules() []ModuleInfo {
	// The root has an empty path and is described by /v1/info.
	named := lo.Filter(nn.NamedModules(s.model), func(nm nn.NamedModule, _ int) bool { return nm.Path != "" })
	return lo.Map(named, func(nm nn.NamedModule, _ int) ModuleInfo { return describe(nm) })
}

func (s *Server) handleInfo(c *echo.Context) error {
	mods := s.modules()
	return c.JSON(http.StatusOK, InfoResponse{
		Object:          "model",
		Path:            s.path,
		Format:          s.manifest.Format,
		Model:           s.manifest.Model,
		Quant:           s.manifest.Quant,
		Adapters:        s.manifest.Adapters,
		Modules:         len(mods),
		TrainableParams: nn.CountParams(s.model),
		FrozenBytes:     lo.SumBy(mods, func(m ModuleInfo) int { return m.QuantizedBytes }),
	})
}

func (s *Server) handleModules(c *echo.Context) error {
	mods := s.modules()
	if kind := c.QueryParam("kind"); kind != "" {
		mods = lo.Filter(mods, func(m ModuleInfo, _ int) bool { return m.Kind == kind })
	}
	return c.JSON(http.StatusOK, ModuleList{Object: "list", Data: mods})
}

func (s *Server) handleModule(c *echo.Context) error {
	path := c.Param("path")
	m, err := nn.Lookup(s.model, path)
	if err != nil {
		return writeNotFound(c, fmt.Sprintf("module %q not found", path))
	}
	return c.JSON(http.StatusOK, describe(nn.NamedModule{Path: path, Module: m}))
}

func (s *Server) handleParameters(c *echo.Context) error {
	params := lo.Map(nn.Parameters(s.model), func(p nn.Param, _ int) ParameterInfo {
		return ParameterInfo{Name: p.Name, Shape: p.Var.Value.Shape, Numel: p.Var.Value.Numel()}
	})
	return c.JSON(http.StatusOK, ParameterList{
		Object: "list",
		Data:   params,
		Total:  lo.SumBy(params, func(p ParameterInfo) int { return p.Numel }),
	})
}

func (s *Server) handleForward(c *echo.Context) error {
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err)
	}
	if err := s.validateForward(&req); err != nil {
		return writeBadRequest(c, err)
	}
	ids, err := toy.Tokens(req.Tokens)
	if err != nil {
		return writeBadRequest(c, newInvalidRequest("tokens", err.Error()))
	}

	s.mu.Lock()
	out, err := s.model.Forward(ids)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, tensor.ErrShapeMismatch) {
			return writeBadRequest(c, newInvalidRequest("tokens", err.Error()))
		}
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}

	resp := ForwardResponse{
		ID:        newForwardID(),
		Object:    "forward",
		CreatedAt: s.clock().Unix(),
		Shape:     out.Value.Shape,
		Top:       topLast(out.Value, req.TopK),
	}
	if req.ReturnLogits {
		resp.Logits = out.Value.Data
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) validateForward(req *ForwardRequest) error {
	if len(req.Tokens) == 0 {
		return newInvalidRequest("tokens", "tokens must contain at least one row")
	}
	if req.TopK < 0 {
		return newInvalidRequest("top_k", "top_k must not be negative")
	}
	if req.TopK == 0 {
		req.TopK = defaultTopK
	}
	if n := lo.SumBy(req.Tokens, func(r []int) int { return len(r) }); n > maxTokens {
		return newInvalidRequest("tokens", fmt.Sprintf("%d tokens exceed the limit of %d", n, maxTokens))
	}
	seq := lo.Max(lo.Map(req.Tokens, func(r []int, _ int) int { return len(r) }))
	if seq > maxSeqLen {
		return newInvalidRequest("tokens", fmt.Sprintf("rows of %d tokens exceed the sequence limit of %d", seq, maxSeqLen))
	}
	heads := max(s.manifest.Model.Heads, 1)
	if cells := len(req.Tokens) * heads * seq * seq; cells > maxAttentionCells {
		return newInvalidRequest("tokens", fmt.Sprintf("%d rows of %d tokens exceed the attention limit; send fewer or shorter rows", len(req.Tokens), seq))
	}
	vocab := s.manifest.Model.VocabSize
	for i, row := range req.Tokens {
		for j, id := range row {
			if id < 0 || (vocab > 0 && id >= vocab) {
				return newInvalidRequest("tokens", fmt.Sprintf("tokens[%d][%d] = %d is outside the vocabulary [0, %d)", i, j, id, vocab))
			}
		}
	}
	return nil
}

// topLast returns the k highest logits at the last position of every row of
// a [batch, seq, vocab] tensor.
func topLast(out *tensor.Tensor, k int) [][]TokenScore {
	rows := logits.LastPositions(out.Data, out.Shape[0], out.Shape[1], out.Shape[2])
	return lo.Map(rows, func(row []float32, _ int) []TokenScore {
		return lo.Map(logits.TopK(row, k), func(e logits.Entry, _ int) TokenScore {
			return TokenScore{Token: e.Token, Logit: e.Score}
		})
	})
}
