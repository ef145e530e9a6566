package main

import (
	"context"
	"fmt"
	"slices"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/frost/internal/autograd"
	"github.com/samcharles93/frost/internal/loader"
	"github.com/samcharles93/frost/internal/logits"
	"github.com/samcharles93/frost/internal/logger"
	"github.com/samcharles93/frost/internal/nn"
	"github.com/samcharles93/frost/internal/toy"
)

func forwardCmd() *cli.Command {
	var (
		modelPath   string
		tokens      string
		comparePath string
		topK        int64
	)

	return &cli.Command{
		Name:  "forward",
		Usage: "Run a forward pass and summarize the logits",
		Flags: []cli.Flag{
			modelFlag(&modelPath, "checkpoint to run"),
			&cli.StringFlag{
				Name:        "tokens",
				Aliases:     []string{"t"},
				Usage:       "token ids, rows separated by ';' (e.g. 1,2,3;4,5,6)",
				Destination: &tokens,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "compare",
				Usage:       "dense checkpoint to compare logits against",
				Destination: &comparePath,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Usage:       "highest scoring tokens to print for the last position",
				Value:       5,
				Destination: &topK,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			rows, err := parseTokens(tokens)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: --tokens: %v", err), 1)
			}
			m, err := loader.Load(modelPath, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load: %v", err), 1)
			}
			out, err := evalForward(m.CausalLM, rows)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: forward: %v", err), 1)
			}

			shape := out.Value.Shape
			fmt.Printf("logits %v\n", shape)
			for b, row := range logits.LastPositions(out.Value.Data, shape[0], shape[1], shape[2]) {
				fmt.Printf("row %d:", b)
				for _, e := range logits.TopK(row, int(topK)) {
					fmt.Printf(" %d(%.4f)", e.Token, e.Score)
				}
				fmt.Println()
			}

			if comparePath == "" {
				return nil
			}
			ref, err := loader.LoadDense(comparePath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load %s: %v", comparePath, err), 1)
			}
			want, err := evalForward(ref.CausalLM, rows)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: reference forward: %v", err), 1)
			}
			if !slices.Equal(want.Value.Shape, shape) {
				return cli.Exit(fmt.Sprintf("error: reference logits have shape %v, want %v", want.Value.Shape, shape), 1)
			}
			d := logits.Compare(out.Value.Data, want.Value.Data, shape[2])
			fmt.Printf("max abs diff vs %s: %.6g (%.3g%% of max |logit|), argmax agreement %.1f%%\n",
				comparePath, d.MaxAbs, 100*d.Relative(), 100*d.ArgmaxAgree)
			return nil
		},
	}
}

func evalForward(m *toy.CausalLM, rows [][]int) (*autograd.Var, error) {
	nn.SetTraining(m, false)
	ids, err := toy.Tokens(rows)
	if err != nil {
		return nil, err
	}
	return m.Forward(ids)
}
