package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/frost/internal/adapter"
	"github.com/samcharles93/frost/internal/checkpoint"
	"github.com/samcharles93/frost/internal/convert"
	"github.com/samcharles93/frost/internal/loader"
	"github.com/samcharles93/frost/internal/logger"
	"github.com/samcharles93/frost/internal/nn"
	"github.com/samcharles93/frost/pkg/quant"
)

func convertCmd() *cli.Command {
	var (
		inPath     string
		outPath    string
		noAdapters bool
		report     bool
		seed       int64
		s          = convertSettings{
			chunkSize: quant.DefaultChunkSize,
			codebook:  string(quant.CodebookQuantile),
			rank:      int64(adapter.DefaultConfig().Rank),
			dropout:   float64(adapter.DefaultConfig().Dropout),
			targets:   adapter.DefaultTargets,
		}
	)

	return &cli.Command{
		Name:  "convert",
		Usage: "Quantize a dense checkpoint to frozen 8-bit layers and attach adapters",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "in", Aliases: []string{"i"}, Usage: "dense checkpoint", Destination: &inPath, Required: true},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output checkpoint", Destination: &outPath, Required: true},
			&cli.Int64Flag{
				Name:        "chunk-size",
				Usage:       "elements quantized at a time (multiple of 4096)",
				Value:       s.chunkSize,
				Destination: &s.chunkSize,
			},
			&cli.StringFlag{
				Name:        "codebook",
				Usage:       "codebook kind (quantile, dynamic, linear)",
				Value:       s.codebook,
				Destination: &s.codebook,
			},
			&cli.Int64Flag{Name: "rank", Aliases: []string{"r"}, Usage: "adapter rank", Value: s.rank, Destination: &s.rank},
			&cli.Float64Flag{Name: "dropout", Usage: "adapter dropout", Value: s.dropout, Destination: &s.dropout},
			&cli.StringSliceFlag{
				Name:        "targets",
				Usage:       "module path fragments that receive linear adapters",
				Value:       s.targets,
				Destination: &s.targets,
			},
			&cli.Int64Flag{Name: "seed", Usage: "adapter initialization seed", Destination: &seed},
			&cli.BoolFlag{Name: "no-adapters", Usage: "only quantize", Destination: &noAdapters},
			&cli.BoolFlag{Name: "compress", Usage: "wrap the checkpoint in an LZ4 frame", Destination: &s.compress},
			&cli.BoolFlag{Name: "report", Usage: "print per-layer reconstruction error", Destination: &report},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyConvertConfig(cmd, fileConfig, &s)

			opts, acfg, err := s.resolve(seed, !noAdapters)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			kind := opts.Codebook

			m, err := loader.LoadDense(inPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load: %v", err), 1)
			}
			dense := denseWeights(m)

			rep, err := convert.Convert(m, convert.Quantizing{Options: opts}, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			man := checkpoint.Manifest{
				Format: checkpoint.FormatInt8,
				Model:  m.Config,
				Quant:  &checkpoint.QuantInfo{Codebook: kind, ChunkSize: int(s.chunkSize)},
			}
			if !noAdapters {
				if _, err := adapter.Inject(m, acfg, log); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				man.Adapters = &acfg
			}
			if err := checkpoint.Save(outPath, m, man, checkpoint.SaveOptions{Compress: s.compress}); err != nil {
				return cli.Exit(fmt.Sprintf("error: save: %v", err), 1)
			}

			p := newPrinter()
			p.Printf("converted %d layers: %d -> %d bytes (%.2fx)\n", len(rep.Converted), rep.DenseBytes, rep.QuantizedBytes, rep.Ratio())
			p.Printf("trainable parameters: %d\n", nn.CountParams(m))
			if report {
				if err := printErrorReport(m, rep.Converted, dense); err != nil {
					return cli.Exit(fmt.Sprintf("error: report: %v", err), 1)
				}
			}
			log.Info("converted model written", "path", outPath)
			return nil
		},
	}
}

// resolve turns the settings into validated quantization and adapter configs.
// An explicit chunk size of 0 is an error, not a request for the default.
func (s convertSettings) resolve(seed int64, adapters bool) (quant.Options, adapter.Config, error) {
	kind, err := quant.ParseCodebookKind(s.codebook)
	if err != nil {
		return quant.Options{}, adapter.Config{}, err
	}
	opts := quant.Options{ChunkSize: int(s.chunkSize), Codebook: kind}
	if err := opts.Validate(); err != nil {
		return quant.Options{}, adapter.Config{}, fmt.Errorf("--chunk-size: %w", err)
	}
	acfg := adapter.Config{Rank: int(s.rank), Dropout: float32(s.dropout), Targets: s.targets, Seed: seed}
	if adapters {
		if err := acfg.Validate(); err != nil {
			return quant.Options{}, adapter.Config{}, err
		}
	}
	return opts, acfg, nil
}

// denseWeights keeps the original weights of every convertible layer.
// Conversion replaces the layers but never writes to their storage.
func denseWeights(root nn.Module) map[string][]float32 {
	out := map[string][]float32{}
	for _, nm := range nn.NamedModules(root) {
		switch l := nm.Module.(type) {
		case *nn.Linear:
			out[nm.Path] = l.Weight.Value.Data
		case *nn.Embedding:
			out[nm.Path] = l.Weight.Value.Data
		}
	}
	return out
}

type quantized interface {
	Quantized() *quant.Buffer
}

func printErrorReport(root nn.Module, paths []string, dense map[string][]float32) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "LAYER\tSHAPE\tMAX ABS\tRMSE\tMAX BLOCK REL")
	var worst float64
	for _, path := range lo.Uniq(paths) {
		m, err := nn.Lookup(root, path)
		if err != nil {
			return err
		}
		q, ok := m.(quantized)
		if !ok {
			continue
		}
		buf := q.Quantized()
		st := quant.Measure(dense[path], buf.Dequantize())
		worst = max(worst, st.MaxBlockRel)
		shape := strings.Trim(fmt.Sprint(buf.Shape), "[]")
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%.3g\t%.3g\t%.4f\n", path, shape, st.MaxAbs, st.RMSE, st.MaxBlockRel)
	}
	_, _ = fmt.Fprintf(tw, "worst\t\t\t\t%.4f\n", worst)
	return tw.Flush()
}
