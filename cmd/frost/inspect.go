package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/urfave/cli/v3"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/samcharles93/frost/internal/loader"
	"github.com/samcharles93/frost/internal/logger"
	"github.com/samcharles93/frost/internal/nn"
)

func newPrinter() *message.Printer {
	return message.NewPrinter(language.English)
}

func inspectCmd() *cli.Command {
	var (
		modelPath string
		filter    string
		showKeys  bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "List the module tree, trainable parameters and frozen storage of a checkpoint",
		Flags: []cli.Flag{
			modelFlag(&modelPath, "checkpoint to inspect"),
			&cli.StringFlag{Name: "filter", Usage: "only list module paths containing this substring", Destination: &filter},
			&cli.BoolFlag{Name: "keys", Usage: "also list state dict keys", Destination: &showKeys},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			m, err := loader.Load(modelPath, logger.FromContext(ctx))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load: %v", err), 1)
			}

			named := lo.Filter(nn.NamedModules(m.CausalLM), func(nm nn.NamedModule, _ int) bool {
				return nm.Path != "" && strings.Contains(nm.Path, filter)
			})
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "PATH\tMODULE")
			for _, nm := range named {
				_, _ = fmt.Fprintf(tw, "%s\t%s\n", nm.Path, nn.Describe(nm.Module))
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			p := newPrinter()
			p.Printf("\nformat:           %s\n", m.Manifest.Format)
			p.Printf("model:            %s\n", m.CausalLM.String())
			if q := m.Manifest.Quant; q != nil {
				p.Printf("codebook:         %s (chunk %d)\n", q.Codebook, q.ChunkSize)
			}
			if a := m.Manifest.Adapters; a != nil {
				p.Printf("adapters:         rank %d, dropout %g, targets %s\n", a.Rank, a.Dropout, strings.Join(a.Targets, ","))
			}

			byKind := lo.GroupBy(named, func(nm nn.NamedModule) string { return nm.Module.Kind().String() })
			kinds := lo.Keys(byKind)
			slices.Sort(kinds)
			for _, k := range kinds {
				p.Printf("%-17s %d\n", k+":", len(byKind[k]))
			}

			frozen := lo.SumBy(nn.NamedModules(m.CausalLM), func(nm nn.NamedModule) int {
				return lo.SumBy(nm.Module.Buffers(), func(b nn.Buffer) int { return b.Tensor.Bytes() })
			})
			p.Printf("trainable params: %d\n", nn.CountParams(m.CausalLM))
			p.Printf("frozen bytes:     %d\n", frozen)

			if showKeys {
				sd := nn.StateDict(m.CausalLM)
				_, _ = fmt.Println()
				for _, k := range nn.Keys(sd) {
					t := sd[k]
					_, _ = fmt.Printf("%s\t%s\t%v\n", k, t.DType, t.Shape)
				}
			}
			return nil
		},
	}
}
