// Package checkpoint persists the full state of a model tree together with a
// manifest describing how to rebuild it.
//
// Files are safetensors containers, optionally wrapped in an LZ4 frame. The
// manifest travels in the safetensors __metadata__ section.
package checkpoint

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pierrec/lz4/v4"

	"github.com/samcharles93/frost/internal/adapter"
	"github.com/samcharles93/frost/internal/nn"
	"github.com/samcharles93/frost/internal/safetensors"
	"github.com/samcharles93/frost/internal/tensor"
	"github.com/samcharles93/frost/internal/toy"
	"github.com/samcharles93/frost/pkg/quant"
)

// Format tells whether the weights in a checkpoint are dense or quantized.
type Format string

const (
	FormatDense Format = "dense"
	FormatInt8  Format = "int8"
)

const (
	metaFormat   = "format"
	metaManifest = "frost.manifest"
)

// lz4Magic is the little-endian LZ4 frame magic number 0x184D2204.
var lz4Magic = []byte{0x04, 0x22, 0x4d, 0x18}

var (
	ErrNoManifest      = errors.New("checkpoint: file has no manifest")
	ErrInvalidManifest = errors.New("checkpoint: invalid manifest")
)

// Manifest records everything needed to rebuild the module tree that a
// checkpoint's tensors belong to.
type Manifest struct {
	Format Format     `json:"format"`
	Model  toy.Config `json:"model"`
	// Quant is set for FormatInt8.
	Quant *QuantInfo `json:"quant,omitempty"`
	// Adapters is set when the saved tree carries adapters.
	Adapters *adapter.Config `json:"adapters,omitempty"`
}

// QuantInfo mirrors the quant.Options the weights were produced with.
type QuantInfo struct {
	Codebook  quant.CodebookKind `json:"codebook"`
	ChunkSize int                `json:"chunk_size"`
}

// Options returns the quantization options described by q.
func (q QuantInfo) Options() quant.Options {
	return quant.Options{ChunkSize: q.ChunkSize, Codebook: q.Codebook}
}

// Validate checks that the manifest describes a buildable model.
func (m Manifest) Validate() error {
	switch m.Format {
	case FormatDense:
		if m.Adapters != nil {
			return fmt.Errorf("%w: adapters require format %s", ErrInvalidManifest, FormatInt8)
		}
	case FormatInt8:
		if m.Quant == nil {
			return fmt.Errorf("%w: format %s without quantization info", ErrInvalidManifest, FormatInt8)
		}
		if err := m.Quant.Options().Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidManifest, err)
		}
	default:
		return fmt.Errorf("%w: unknown format %q", ErrInvalidManifest, m.Format)
	}
	if err := m.Model.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if m.Adapters != nil {
		if err := m.Adapters.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidManifest, err)
		}
	}
	return nil
}

// State is a decoded checkpoint.
type State struct {
	Manifest Manifest
	Tensors  map[string]*tensor.Tensor
	// Compressed reports whether the file was LZ4 framed.
	Compressed bool
}

// SaveOptions controls the on-disk encoding.
type SaveOptions struct {
	// Compress wraps the container in an LZ4 frame. Paths ending in .lz4 are
	// always compressed.
	Compress bool
}

// Save writes the state dict of root and the manifest to path. The file is
// written to a temporary sibling and renamed into place.
func Save(path string, root nn.Module, man Manifest, opts SaveOptions) error {
	if err := man.Validate(); err != nil {
		return err
	}
	return SaveTensors(path, nn.StateDict(root), man, opts)
}

// SaveTensors is Save for an already collected state dict.
func SaveTensors(path string, tensors map[string]*tensor.Tensor, man Manifest, opts SaveOptions) (err error) {
	mb, err := json.Marshal(man)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	meta := map[string]string{
		metaFormat:   string(man.Format),
		metaManifest: string(mb),
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriterSize(tmp, 1<<20)
	var w io.Writer = bw
	var zw *lz4.Writer
	if opts.Compress || strings.HasSuffix(path, ".lz4") {
		zw = lz4.NewWriter(bw)
		w = zw
	}
	if err = safetensors.Write(w, tensors, meta); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if zw != nil {
		if err = zw.Close(); err != nil {
			return fmt.Errorf("compress %s: %w", path, err)
		}
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads a checkpoint written by Save. Uncompressed files are mapped;
// LZ4 framed files are decompressed into memory first.
func Load(path string) (*State, error) {
	compressed, err := isCompressed(path)
	if err != nil {
		return nil, err
	}

	var f *safetensors.File
	if compressed {
		fh, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(lz4.NewReader(bufio.NewReader(fh)))
		_ = fh.Close()
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", path, err)
		}
		if f, err = safetensors.Parse(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	} else {
		if f, err = safetensors.Open(path); err != nil {
			return nil, err
		}
	}
	defer func() { _ = f.Close() }()

	man, err := decodeManifest(f.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	tensors, err := f.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &State{Manifest: man, Tensors: tensors, Compressed: compressed}, nil
}

func isCompressed(path string) (bool, error) {
	fh, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = fh.Close() }()
	var head [4]byte
	n, err := io.ReadFull(fh, head[:])
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, err
	}
	return n == 4 && bytes.Equal(head[:], lz4Magic), nil
}

func decodeManifest(meta map[string]string) (Manifest, error) {
	var man Manifest
	raw, ok := meta[metaManifest]
	if !ok {
		return man, ErrNoManifest
	}
	if err := json.Unmarshal([]byte(raw), &man); err != nil {
		return man, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if err := man.Validate(); err != nil {
		return man, err
	}
	return man, nil
}
