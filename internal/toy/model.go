// Package toy implements a small GPT-J shaped causal language model built
// from nn modules. It is the model tree that conversion and adapter injection
// operate on in tests and in the CLI.
package toy

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/samcharles93/frost/internal/autograd"
	"github.com/samcharles93/frost/internal/nn"
	"github.com/samcharles93/frost/internal/tensor"
)

var ErrInvalidConfig = errors.New("toy: invalid model config")

// Config describes the model dimensions.
type Config struct {
	VocabSize    int     `yaml:"vocab_size" json:"vocab_size"`
	Dim          int     `yaml:"dim" json:"dim"`
	Layers       int     `yaml:"layers" json:"layers"`
	Heads        int     `yaml:"heads" json:"heads"`
	FFNDim       int     `yaml:"ffn_dim" json:"ffn_dim"`
	LayerNormEps float32 `yaml:"layer_norm_eps" json:"layer_norm_eps"`
	Seed         int64   `yaml:"seed" json:"seed"`
}

// DefaultConfig is a model small enough for tests but with weights that
// span several quantization blocks.
func DefaultConfig() Config {
	return Config{
		VocabSize:    512,
		Dim:          64,
		Layers:       2,
		Heads:        4,
		FFNDim:       256,
		LayerNormEps: 1e-5,
		Seed:         1,
	}
}

// Validate checks that the dimensions are usable.
func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0, c.Dim <= 0, c.Layers <= 0, c.Heads <= 0, c.FFNDim <= 0:
		return fmt.Errorf("%w: dimensions must be positive: %+v", ErrInvalidConfig, c)
	case c.Dim%c.Heads != 0:
		return fmt.Errorf("%w: dim %d not divisible by %d heads", ErrInvalidConfig, c.Dim, c.Heads)
	case c.LayerNormEps <= 0:
		return fmt.Errorf("%w: layer_norm_eps must be positive", ErrInvalidConfig)
	}
	return nil
}

// CausalLM maps token ids [batch, seq] to logits [batch, seq, vocab].
//
// Layout:
//
//	transformer.wte          Embedding(vocab, dim)
//	transformer.h.N.ln_1     LayerNorm(dim)
//	transformer.h.N.attn     {q,k,v,out}_proj, no bias
//	transformer.h.N.mlp      fc_in, fc_out with bias
//	transformer.ln_f         LayerNorm(dim)
//	lm_head                  Linear(dim, vocab) with bias
type CausalLM struct {
	nn.Container
	Config Config
}

// New builds a randomly initialized model.
func New(cfg Config) (*CausalLM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	blocks := make([]nn.Module, cfg.Layers)
	for i := range blocks {
		blocks[i] = newBlock(cfg, rng)
	}
	tr := &transformer{}
	tr.Register("wte", nn.NewEmbedding(cfg.VocabSize, cfg.Dim, rng))
	tr.Register("h", nn.NewList(blocks...))
	tr.Register("ln_f", nn.NewLayerNorm(cfg.Dim, cfg.LayerNormEps))

	m := &CausalLM{Config: cfg}
	m.Register("transformer", tr)
	m.Register("lm_head", nn.NewLinear(cfg.Dim, cfg.VocabSize, true, rng))
	return m, nil
}

// Forward expects an I32 tensor of token ids shaped [batch, seq].
func (m *CausalLM) Forward(ids *autograd.Var) (*autograd.Var, error) {
	if ids == nil || ids.Value.DType != tensor.I32 || ids.Value.Rank() != 2 {
		return nil, fmt.Errorf("%w: token ids must be an I32 [batch seq] tensor", tensor.ErrShapeMismatch)
	}
	h, err := m.Call("transformer", ids)
	if err != nil {
		return nil, err
	}
	return m.Call("lm_head", h)
}

func (m *CausalLM) String() string {
	return fmt.Sprintf("CausalLM(vocab=%d, dim=%d, layers=%d)", m.Config.VocabSize, m.Config.Dim, m.Config.Layers)
}

// Tokens builds a [batch, seq] I32 input from equally long id rows.
func Tokens(rows [][]int) (*autograd.Var, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("%w: empty token batch", tensor.ErrShapeMismatch)
	}
	seq := len(rows[0])
	ids := make([]int32, 0, len(rows)*seq)
	for i, r := range rows {
		if len(r) != seq {
			return nil, fmt.Errorf("%w: row %d has %d tokens, want %d", tensor.ErrShapeMismatch, i, len(r), seq)
		}
		for j, id := range r {
			if id < 0 || id > math.MaxInt32 {
				return nil, fmt.Errorf("%w: token %d at [%d][%d] is not a valid id", tensor.ErrShapeMismatch, id, i, j)
			}
			ids = append(ids, int32(id))
		}
	}
	return autograd.NewConst(tensor.FromInts(ids, len(rows), seq)), nil
}

type transformer struct {
	nn.Container
}

func (t *transformer) Forward(ids *autograd.Var) (*autograd.Var, error) {
	x, err := t.Call("wte", ids)
	if err != nil {
		return nil, err
	}
	blocks := t.Child("h").(*nn.List)
	for i := 0; i < blocks.Len(); i++ {
		if x, err = blocks.At(i).Forward(x); err != nil {
			return nil, fmt.Errorf("h.%d: %w", i, err)
		}
	}
	return t.Call("ln_f", x)
}

// block is a GPT-J layer with a parallel residual:
// x + attn(ln_1(x)) + mlp(ln_1(x)).
type block struct {
	nn.Container
}

func newBlock(cfg Config, rng *rand.Rand) *block {
	at := &attention{heads: cfg.Heads}
	at.Register("k_proj", nn.NewLinear(cfg.Dim, cfg.Dim, false, rng))
	at.Register("v_proj", nn.NewLinear(cfg.Dim, cfg.Dim, false, rng))
	at.Register("q_proj", nn.NewLinear(cfg.Dim, cfg.Dim, false, rng))
	at.Register("out_proj", nn.NewLinear(cfg.Dim, cfg.Dim, false, rng))

	ff := &mlp{}
	ff.Register("fc_in", nn.NewLinear(cfg.Dim, cfg.FFNDim, true, rng))
	ff.Register("fc_out", nn.NewLinear(cfg.FFNDim, cfg.Dim, true, rng))

	b := &block{}
	b.Register("ln_1", nn.NewLayerNorm(cfg.Dim, cfg.LayerNormEps))
	b.Register("attn", at)
	b.Register("mlp", ff)
	return b
}

func (b *block) Forward(x *autograd.Var) (*autograd.Var, error) {
	h, err := b.Call("ln_1", x)
	if err != nil {
		return nil, err
	}
	a, err := b.Call("attn", h)
	if err != nil {
		return nil, err
	}
	f, err := b.Call("mlp", h)
	if err != nil {
		return nil, err
	}
	if x, err = autograd.Add(x, a); err != nil {
		return nil, err
	}
	return autograd.Add(x, f)
}

type attention struct {
	nn.Container
	heads int
}

func (a *attention) Forward(x *autograd.Var) (*autograd.Var, error) {
	q, err := a.Call("q_proj", x)
	if err != nil {
		return nil, err
	}
	k, err := a.Call("k_proj", x)
	if err != nil {
		return nil, err
	}
	v, err := a.Call("v_proj", x)
	if err != nil {
		return nil, err
	}
	o, err := autograd.CausalSelfAttention(q, k, v, a.heads)
	if err != nil {
		return nil, err
	}
	return a.Call("out_proj", o)
}

type mlp struct {
	nn.Container
}

func (m *mlp) Forward(x *autograd.Var) (*autograd.Var, error) {
	h, err := m.Call("fc_in", x)
	if err != nil {
		return nil, err
	}
	if h, err = autograd.GELU(h); err != nil {
		return nil, err
	}
	return m.Call("fc_out", h)
}
