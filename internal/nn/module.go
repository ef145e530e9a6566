// Package nn defines the module tree that models are built from.
//
// A Module is a node with ordered named children, trainable parameters and
// frozen buffers. Paths are dotted child names from the root, for example
// "transformer.h.0.attn.q_proj". The only structural mutation is
// Parent.SetChild, which swaps a child in place and keeps its name.
package nn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/frost/internal/autograd"
	"github.com/samcharles93/frost/internal/tensor"
)

// Kind is the closed set of module variants that tree transformations
// dispatch on.
type Kind uint8

const (
	KindOther Kind = iota
	KindDenseLinear
	KindEmbedding
	KindFrozenLinear
	KindFrozenEmbedding
)

func (k Kind) String() string {
	switch k {
	case KindDenseLinear:
		return "Linear"
	case KindEmbedding:
		return "Embedding"
	case KindFrozenLinear:
		return "FrozenLinear"
	case KindFrozenEmbedding:
		return "FrozenEmbedding"
	default:
		return "Other"
	}
}

var (
	ErrNoSuchChild   = errors.New("nn: no such child module")
	ErrNoSuchModule  = errors.New("nn: no module at path")
	ErrMissingKey    = errors.New("nn: missing key in state dict")
	ErrUnexpectedKey = errors.New("nn: unexpected key in state dict")
)

// Child is a named child module.
type Child struct {
	Name   string
	Module Module
}

// Param is a named trainable (or trainable-capable) variable.
type Param struct {
	Name string
	Var  *autograd.Var
}

// Buffer is a named frozen tensor that is serialized but never trained.
type Buffer struct {
	Name   string
	Tensor *tensor.Tensor
}

// Module is a node of the model tree.
type Module interface {
	Kind() Kind
	Forward(x *autograd.Var) (*autograd.Var, error)
	// Children returns the direct children in registration order.
	Children() []Child
	// Params returns the module's own variables, not those of its children.
	Params() []Param
	// Buffers returns the module's own frozen tensors.
	Buffers() []Buffer
}

// Parent is a module whose children can be replaced.
type Parent interface {
	Module
	SetChild(name string, m Module) error
}

// Trainer is implemented by modules whose behavior differs between training
// and evaluation.
type Trainer interface {
	SetTraining(training bool)
}

// Container keeps ordered named children. It is embedded by composite modules.
type Container struct {
	names []string
	mods  map[string]Module
}

// Register appends a child. Registering an existing name panics.
func (c *Container) Register(name string, m Module) {
	if c.mods == nil {
		c.mods = make(map[string]Module)
	}
	if _, ok := c.mods[name]; ok {
		panic("nn: duplicate child " + name)
	}
	if name == "" || strings.Contains(name, ".") {
		panic("nn: invalid child name " + name)
	}
	c.names = append(c.names, name)
	c.mods[name] = m
}

// Child returns the child registered as name, or nil.
func (c *Container) Child(name string) Module {
	return c.mods[name]
}

// Children implements Module.
func (c *Container) Children() []Child {
	out := make([]Child, len(c.names))
	for i, n := range c.names {
		out[i] = Child{Name: n, Module: c.mods[n]}
	}
	return out
}

// SetChild replaces an existing child, keeping its position and name.
func (c *Container) SetChild(name string, m Module) error {
	if _, ok := c.mods[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNoSuchChild, name)
	}
	c.mods[name] = m
	return nil
}

// Call runs the named child's Forward.
func (c *Container) Call(name string, x *autograd.Var) (*autograd.Var, error) {
	m := c.mods[name]
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchChild, name)
	}
	out, err := m.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Params implements Module for containers without their own variables.
func (c *Container) Params() []Param { return nil }

// Buffers implements Module for containers without their own buffers.
func (c *Container) Buffers() []Buffer { return nil }

// Kind implements Module.
func (c *Container) Kind() Kind { return KindOther }

// Leaf provides the Children/Buffers of a module without children.
type Leaf struct{}

func (Leaf) Children() []Child { return nil }
func (Leaf) Buffers() []Buffer { return nil }
