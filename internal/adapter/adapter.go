// Package adapter attaches trainable low-rank residual branches to frozen
// quantized layers.
//
// A linear adapter is Linear(in, r) -> Dropout -> Linear(r, out), both without
// bias. An embedding adapter is Embedding(num, r) -> Dropout -> Linear(r, dim).
// The output-facing projection starts at zero, so a freshly adapted model
// computes exactly what it computed before injection.
package adapter

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/samcharles93/frost/internal/frozen"
	"github.com/samcharles93/frost/internal/logger"
	"github.com/samcharles93/frost/internal/nn"
)

var (
	ErrInvalidRank    = errors.New("adapter: rank must be positive")
	ErrInvalidDropout = errors.New("adapter: dropout must be in [0, 1)")
)

// DefaultTargets are the path fragments of layers that receive a linear adapter.
var DefaultTargets = []string{"attn", "mlp", "head"}

// Config describes the adapters to inject.
type Config struct {
	Rank    int      `yaml:"rank" json:"rank"`
	Dropout float32  `yaml:"dropout" json:"dropout"`
	Targets []string `yaml:"targets" json:"targets"`
	// Seed drives initialization of the input-facing projections and dropout masks.
	Seed int64 `yaml:"seed" json:"seed"`
}

// DefaultConfig returns rank 4, dropout 0.1 and the default targets.
func DefaultConfig() Config {
	return Config{Rank: 4, Dropout: 0.1, Targets: DefaultTargets}
}

// Validate checks rank and dropout.
func (c Config) Validate() error {
	if c.Rank <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidRank, c.Rank)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("%w: got %g", ErrInvalidDropout, c.Dropout)
	}
	return nil
}

// Matches reports whether a linear layer at path receives an adapter.
func (c Config) Matches(path string) bool {
	targets := c.Targets
	if targets == nil {
		targets = DefaultTargets
	}
	for _, t := range targets {
		if t != "" && strings.Contains(path, t) {
			return true
		}
	}
	return false
}

// Report lists what Inject did.
type Report struct {
	Attached []string
	Skipped  []string
	// Params is the number of trainable scalars added.
	Params int
}

type adaptable interface {
	nn.Module
	Adapter() nn.Module
	SetAdapter(nn.Module)
}

// Inject walks root and attaches adapters to frozen layers. Linear layers are
// filtered by cfg.Targets; every frozen embedding gets an adapter. Frozen
// buffers are left untouched.
//
// All adapter dropouts draw from one *rand.Rand seeded with cfg.Seed, so
// forward passes in training mode must be serialized by the caller.
func Inject(root nn.Module, cfg Config, log logger.Logger) (Report, error) {
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}
	log = logger.OrDiscard(log)
	rng := rand.New(rand.NewSource(cfg.Seed))

	var rep Report
	for _, nm := range nn.NamedModules(root) {
		var branch *nn.Sequential
		switch nm.Module.Kind() {
		case nn.KindFrozenLinear:
			l := nm.Module.(*frozen.Linear)
			if !cfg.Matches(nm.Path) {
				logger.ForModule(log, nm.Path).Debug("not adding adapter")
				rep.Skipped = append(rep.Skipped, nm.Path)
				continue
			}
			branch = ForLinear(l.InFeatures, l.OutFeatures, cfg, rng)
		case nn.KindFrozenEmbedding:
			e := nm.Module.(*frozen.Embedding)
			branch = ForEmbedding(e.NumEmbeddings, e.EmbeddingDim, cfg, rng)
		default:
			continue
		}

		mlog := logger.ForModule(log, nm.Path)
		target := nm.Module.(adaptable)
		if prev := target.Adapter(); prev != nil {
			mlog.Warn("replacing existing adapter")
			rep.Params -= nn.CountParams(prev)
		}
		mlog.Debug("adding adapter", "rank", cfg.Rank)
		target.SetAdapter(branch)
		mlog.Debug("initializing", "zeroed", "2.weight")
		rep.Attached = append(rep.Attached, nm.Path)
		rep.Params += nn.CountParams(branch)
	}
	log.Info("adapters injected", "attached", len(rep.Attached), "skipped", len(rep.Skipped), "params", rep.Params)
	return rep, nil
}

// ForLinear builds a zero-initialized adapter mapping [..., in] to [..., out].
func ForLinear(in, out int, cfg Config, rng *rand.Rand) *nn.Sequential {
	up := nn.NewLinear(cfg.Rank, out, false, rng)
	clear(up.Weight.Value.Data)
	return nn.NewSequential(
		nn.NewLinear(in, cfg.Rank, false, rng),
		nn.NewDropout(cfg.Dropout, rng),
		up,
	)
}

// ForEmbedding builds a zero-initialized adapter mapping indices to [..., dim].
func ForEmbedding(num, dim int, cfg Config, rng *rand.Rand) *nn.Sequential {
	up := nn.NewLinear(cfg.Rank, dim, false, rng)
	clear(up.Weight.Value.Data)
	return nn.NewSequential(
		nn.NewEmbedding(num, cfg.Rank, rng),
		nn.NewDropout(cfg.Dropout, rng),
		up,
	)
}
