package nn

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samcharles93/frost/internal/tensor"
)

// NamedModule is a module together with its dotted path from the root.
type NamedModule struct {
	Path   string
	Module Module
}

// Join builds a dotted path. An empty prefix yields name unchanged.
func Join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// SkipChildren may be returned by a Walk callback to leave the current
// module's descendants unvisited.
var SkipChildren = errors.New("skip children")

// Walk visits root and all descendants in pre-order. The root has path "".
// Returning SkipChildren prunes the subtree; any other error stops the walk.
func Walk(root Module, fn func(path string, m Module) error) error {
	return walk("", root, fn)
}

func walk(path string, m Module, fn func(string, Module) error) error {
	if err := fn(path, m); err != nil {
		if err == SkipChildren {
			return nil
		}
		return err
	}
	for _, c := range m.Children() {
		if err := walk(Join(path, c.Name), c.Module, fn); err != nil {
			return err
		}
	}
	return nil
}

// NamedModules returns a snapshot of every module in the tree, root first.
func NamedModules(root Module) []NamedModule {
	var out []NamedModule
	_ = Walk(root, func(path string, m Module) error {
		out = append(out, NamedModule{Path: path, Module: m})
		return nil
	})
	return out
}

// Lookup resolves a dotted path. The empty path is the root.
func Lookup(root Module, path string) (Module, error) {
	if path == "" {
		return root, nil
	}
	cur := root
	for _, part := range strings.Split(path, ".") {
		var next Module
		for _, c := range cur.Children() {
			if c.Name == part {
				next = c.Module
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%w: %q", ErrNoSuchModule, path)
		}
		cur = next
	}
	return cur, nil
}

// Parameters returns every variable in the tree that requires grad, keyed by
// full path. Frozen buffers are never included.
func Parameters(root Module) []Param {
	var out []Param
	_ = Walk(root, func(path string, m Module) error {
		for _, p := range m.Params() {
			if p.Var.RequiresGrad() {
				out = append(out, Param{Name: Join(path, p.Name), Var: p.Var})
			}
		}
		return nil
	})
	return out
}

// CountParams returns the number of trainable scalars.
func CountParams(root Module) int {
	var n int
	for _, p := range Parameters(root) {
		n += p.Var.Value.Numel()
	}
	return n
}

// StateDict returns every parameter and buffer of the tree keyed by full path.
// Tensors alias module storage.
func StateDict(root Module) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	_ = Walk(root, func(path string, m Module) error {
		for _, p := range m.Params() {
			out[Join(path, p.Name)] = p.Var.Value
		}
		for _, b := range m.Buffers() {
			out[Join(path, b.Name)] = b.Tensor
		}
		return nil
	})
	return out
}

// Keys returns the state dict keys in sorted order.
func Keys(sd map[string]*tensor.Tensor) []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadStateDict copies tensors into the tree's parameters and buffers.
//
// Every destination must match the source dtype and shape. In strict mode
// keys missing from src and keys in src with no destination are errors.
func LoadStateDict(root Module, src map[string]*tensor.Tensor, strict bool) error {
	dst := StateDict(root)
	var missing []string
	for _, k := range Keys(dst) {
		s, ok := src[k]
		if !ok {
			missing = append(missing, k)
			continue
		}
		if err := copyInto(k, dst[k], s); err != nil {
			return err
		}
	}
	if !strict {
		return nil
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingKey, strings.Join(missing, ", "))
	}
	var unexpected []string
	for _, k := range Keys(src) {
		if _, ok := dst[k]; !ok {
			unexpected = append(unexpected, k)
		}
	}
	if len(unexpected) > 0 {
		return fmt.Errorf("%w: %s", ErrUnexpectedKey, strings.Join(unexpected, ", "))
	}
	return nil
}

func copyInto(name string, dst, src *tensor.Tensor) error {
	if dst.DType != src.DType {
		return fmt.Errorf("%w: %s has dtype %s, want %s", tensor.ErrShapeMismatch, name, src.DType, dst.DType)
	}
	if err := tensor.CheckShape(name, src.Shape, dst.Shape); err != nil {
		return err
	}
	switch dst.DType {
	case tensor.U8:
		copy(dst.Raw, src.Raw)
	case tensor.I32:
		copy(dst.Ints, src.Ints)
	default:
		copy(dst.Data, src.Data)
	}
	return nil
}

// SetTraining switches every Trainer in the tree between training and evaluation.
func SetTraining(root Module, training bool) {
	_ = Walk(root, func(_ string, m Module) error {
		if t, ok := m.(Trainer); ok {
			t.SetTraining(training)
		}
		return nil
	})
}

// Describe renders a module for listings, preferring its String method.
func Describe(m Module) string {
	if s, ok := m.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", m)
}
