package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the frost configuration file (~/.config/frost/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Conversion defaults
	ChunkSize *int     `yaml:"chunk_size"`
	Codebook  string   `yaml:"codebook"`
	Rank      *int     `yaml:"rank"`
	Dropout   *float64 `yaml:"dropout"`
	Targets   []string `yaml:"targets"`
	Compress  *bool    `yaml:"compress"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "frost", "config.yaml")
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// convertSettings are the convert command's tunables.
type convertSettings struct {
	chunkSize int64
	codebook  string
	rank      int64
	dropout   float64
	targets   []string
	compress  bool
}

// applyConvertConfig applies config file defaults to convert settings when
// the corresponding flag was not explicitly set.
func applyConvertConfig(c *cli.Command, cfg Config, s *convertSettings) {
	if cfg.ChunkSize != nil && !c.IsSet("chunk-size") {
		s.chunkSize = int64(*cfg.ChunkSize)
	}
	if cfg.Codebook != "" && !c.IsSet("codebook") {
		s.codebook = cfg.Codebook
	}
	if cfg.Rank != nil && !c.IsSet("rank") {
		s.rank = int64(*cfg.Rank)
	}
	if cfg.Dropout != nil && !c.IsSet("dropout") {
		s.dropout = *cfg.Dropout
	}
	if len(cfg.Targets) > 0 && !c.IsSet("targets") {
		s.targets = cfg.Targets
	}
	if cfg.Compress != nil && !c.IsSet("compress") {
		s.compress = *cfg.Compress
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	cfg, err := loadConfigFile(path)
	if err != nil {
		return Config{}
	}
	return cfg
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
