// Package loader rebuilds a model tree from a checkpoint.
package loader

import (
	"errors"
	"fmt"

	"github.com/samcharles93/frost/internal/adapter"
	"github.com/samcharles93/frost/internal/checkpoint"
	"github.com/samcharles93/frost/internal/convert"
	"github.com/samcharles93/frost/internal/logger"
	"github.com/samcharles93/frost/internal/nn"
	"github.com/samcharles93/frost/internal/toy"
	"github.com/samcharles93/frost/pkg/quant"
)

var ErrNotDense = errors.New("loader: checkpoint is not dense")

// Model is a loaded model with the manifest it was built from.
type Model struct {
	*toy.CausalLM
	Manifest checkpoint.Manifest
	Path     string
}

// LoadDense loads a dense checkpoint, the input of conversion.
func LoadDense(path string) (*Model, error) {
	st, err := checkpoint.Load(path)
	if err != nil {
		return nil, err
	}
	if st.Manifest.Format != checkpoint.FormatDense {
		return nil, fmt.Errorf("%w: %s has format %s", ErrNotDense, path, st.Manifest.Format)
	}
	m, err := FromState(st, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// Load loads a checkpoint of either format. For int8 checkpoints the dense
// skeleton is converted to zero-state frozen layers, adapters are injected as
// the manifest records, and only then are the saved tensors copied in.
func Load(path string, log logger.Logger) (*Model, error) {
	st, err := checkpoint.Load(path)
	if err != nil {
		return nil, err
	}
	m, err := FromState(st, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// FromState builds the tree described by st.Manifest and loads st.Tensors
// into it strictly.
func FromState(st *checkpoint.State, log logger.Logger) (*Model, error) {
	log = logger.OrDiscard(log)
	man := st.Manifest
	lm, err := toy.New(man.Model)
	if err != nil {
		return nil, err
	}

	if man.Format == checkpoint.FormatInt8 {
		if _, err := convert.Convert(lm, convert.Skeleton{}, log); err != nil {
			return nil, err
		}
		if man.Adapters != nil {
			if _, err := adapter.Inject(lm, *man.Adapters, log); err != nil {
				return nil, err
			}
		}
	}

	if err := nn.LoadStateDict(lm, st.Tensors, true); err != nil {
		return nil, err
	}
	if err := validateQuantized(lm); err != nil {
		return nil, err
	}
	log.Info("model loaded", "format", man.Format, "tensors", len(st.Tensors), "trainable", nn.CountParams(lm))
	return &Model{CausalLM: lm, Manifest: man}, nil
}

type quantized interface {
	Quantized() *quant.Buffer
}

// validateQuantized checks every frozen layer's buffer after loading, so a
// corrupt file fails here rather than in the first forward pass.
func validateQuantized(root nn.Module) error {
	return nn.Walk(root, func(path string, m nn.Module) error {
		q, ok := m.(quantized)
		if !ok {
			return nil
		}
		buf := q.Quantized()
		if err := buf.Validate(); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := buf.Code.Validate(); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		return nil
	})
}
