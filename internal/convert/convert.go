// Package convert replaces dense linear and embedding layers of a model tree
// with their frozen 8-bit counterparts.
package convert

import (
	"fmt"

	"github.com/samcharles93/frost/internal/frozen"
	"github.com/samcharles93/frost/internal/logger"
	"github.com/samcharles93/frost/internal/nn"
	"github.com/samcharles93/frost/pkg/quant"
)

// Factory builds the replacement for a dense layer.
type Factory interface {
	Linear(l *nn.Linear) (nn.Module, error)
	Embedding(e *nn.Embedding) (nn.Module, error)
}

// Quantizing quantizes each weight with the chunked driver. The zero value
// uses quant.DefaultOptions; any other Options are taken as given.
type Quantizing struct {
	Options quant.Options
}

func (q Quantizing) options() quant.Options {
	if q.Options == (quant.Options{}) {
		return quant.DefaultOptions()
	}
	return q.Options
}

// Validate checks the quantization options before any layer is touched.
func (q Quantizing) Validate() error { return q.options().Validate() }

func (q Quantizing) Linear(l *nn.Linear) (nn.Module, error) {
	return frozen.FromLinear(l, q.options())
}

func (q Quantizing) Embedding(e *nn.Embedding) (nn.Module, error) {
	return frozen.FromEmbedding(e, q.options())
}

// Skeleton builds frozen layers with zeroed quantized state, for models whose
// 8-bit weights are loaded from a checkpoint afterwards. Biases are kept.
type Skeleton struct{}

func (Skeleton) Linear(l *nn.Linear) (nn.Module, error) {
	return frozen.NewLinearSkeleton(l.InFeatures, l.OutFeatures, l.Bias)
}

func (Skeleton) Embedding(e *nn.Embedding) (nn.Module, error) {
	return frozen.NewEmbeddingSkeleton(e.NumEmbeddings, e.EmbeddingDim)
}

// Report summarizes a conversion.
type Report struct {
	Converted []string
	// DenseBytes is the F32 footprint of the replaced weights.
	DenseBytes int
	// QuantizedBytes is the footprint of codes, block scales and codebooks.
	QuantizedBytes int
}

// Ratio returns DenseBytes / QuantizedBytes, or 0 when nothing was converted.
func (r Report) Ratio() float64 {
	if r.QuantizedBytes == 0 {
		return 0
	}
	return float64(r.DenseBytes) / float64(r.QuantizedBytes)
}

type quantized interface {
	Quantized() *quant.Buffer
}

// Convert replaces, in place, every dense linear and embedding layer that is
// a child of a Parent. Paths are preserved; the root itself is never
// replaced and existing frozen layers (with their adapters) are not entered.
// The first failing layer aborts the conversion and is named in the error.
func Convert(root nn.Module, f Factory, log logger.Logger) (Report, error) {
	log = logger.OrDiscard(log)
	var rep Report
	if v, ok := f.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return rep, err
		}
	}

	var parents []nn.NamedModule
	err := nn.Walk(root, func(path string, m nn.Module) error {
		switch m.Kind() {
		case nn.KindFrozenLinear, nn.KindFrozenEmbedding:
			return nn.SkipChildren
		}
		if _, ok := m.(nn.Parent); ok {
			parents = append(parents, nn.NamedModule{Path: path, Module: m})
		}
		return nil
	})
	if err != nil {
		return rep, err
	}

	for _, p := range parents {
		parent := p.Module.(nn.Parent)
		for _, c := range parent.Children() {
			path := nn.Join(p.Path, c.Name)
			var (
				repl  nn.Module
				dense int
				err   error
			)
			switch c.Module.Kind() {
			case nn.KindDenseLinear:
				l := c.Module.(*nn.Linear)
				dense = l.Weight.Value.Bytes()
				repl, err = f.Linear(l)
			case nn.KindEmbedding:
				e := c.Module.(*nn.Embedding)
				dense = e.Weight.Value.Bytes()
				repl, err = f.Embedding(e)
			default:
				continue
			}
			if err != nil {
				return rep, fmt.Errorf("convert %s: %w", path, err)
			}
			if err := parent.SetChild(c.Name, repl); err != nil {
				return rep, fmt.Errorf("convert %s: %w", path, err)
			}
			rep.Converted = append(rep.Converted, path)
			rep.DenseBytes += dense
			var qbytes int
			if q, ok := repl.(quantized); ok {
				qbytes = q.Quantized().Bytes()
				rep.QuantizedBytes += qbytes
			}
			logger.ForModule(log, path).Debug("converted", "to", nn.Describe(repl), "dense_bytes", dense, "quantized_bytes", qbytes)
		}
	}
	log.Info("model converted", "layers", len(rep.Converted), "dense_bytes", rep.DenseBytes, "quantized_bytes", rep.QuantizedBytes)
	return rep, nil
}
