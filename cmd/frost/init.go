package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/frost/internal/checkpoint"
	"github.com/samcharles93/frost/internal/logger"
	"github.com/samcharles93/frost/internal/nn"
	"github.com/samcharles93/frost/internal/toy"
)

func initCmd() *cli.Command {
	var (
		configFile string
		outPath    string
		seed       int64
		compress   bool
	)

	return &cli.Command{
		Name:  "init",
		Usage: "Write a randomly initialized dense model checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "YAML model config; unset fields keep their defaults",
				Destination: &configFile,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output checkpoint path",
				Destination: &outPath,
				Required:    true,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "initialization seed (overrides the config)",
				Destination: &seed,
			},
			&cli.BoolFlag{
				Name:        "compress",
				Usage:       "wrap the checkpoint in an LZ4 frame",
				Destination: &compress,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			cfg, err := loadModelConfig(configFile)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: model config: %v", err), 1)
			}
			if cmd.IsSet("seed") {
				cfg.Seed = seed
			}
			m, err := toy.New(cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			man := checkpoint.Manifest{Format: checkpoint.FormatDense, Model: cfg}
			if err := checkpoint.Save(outPath, m, man, checkpoint.SaveOptions{Compress: compress}); err != nil {
				return cli.Exit(fmt.Sprintf("error: save: %v", err), 1)
			}
			log.Info("dense model written", "path", outPath, "params", nn.CountParams(m), "model", m.String())
			return nil
		},
	}
}

// loadModelConfig decodes a YAML model config over toy.DefaultConfig. An
// empty path yields the defaults.
func loadModelConfig(path string) (toy.Config, error) {
	cfg := toy.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}
