// Package config resolves the engine configuration from command-line flags
// and an optional YAML parameter file into the search, evaluator, and
// logging settings.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/namsral/flag"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/quetzal-engine/quetzal/nneval"
	"github.com/quetzal-engine/quetzal/search"
)

type Config struct {
	ModelPath  string
	ParamsPath string
	LogLevel   string
	Seed       uint64

	NumThreads  int
	MaxVisits   int64
	MaxPlayouts int64
	MaxTimeSecs float64

	UseGraphSearch bool

	MaxBatchSize int
	CacheSize    int
}

func (c *Config) Load(args []string) error {
	fs := flag.NewFlagSet("quetzal", flag.ContinueOnError)
	fs.StringVar(&c.ModelPath, "model-path", "", "path to the .onnx model; empty runs the built-in fake backend")
	fs.StringVar(&c.ParamsPath, "params-path", "", "YAML file of search parameter overrides")
	fs.StringVar(&c.LogLevel, "log-level", "info", "zerolog level: debug, info, warn, error")
	fs.Uint64Var(&c.Seed, "seed", 0, "search seed; 0 draws a random one")
	fs.IntVar(&c.NumThreads, "threads", 1, "number of search worker threads")
	fs.Int64Var(&c.MaxVisits, "max-visits", 800, "root visit cap per genmove")
	fs.Int64Var(&c.MaxPlayouts, "max-playouts", 0, "playout cap per genmove; 0 means uncapped")
	fs.Float64Var(&c.MaxTimeSecs, "max-time", 0, "seconds per genmove; 0 means uncapped")
	fs.BoolVar(&c.UseGraphSearch, "graph-search", false, "share transposed positions through a node table")
	fs.IntVar(&c.MaxBatchSize, "nn-batch-size", 16, "max positions per neural-net batch")
	fs.IntVar(&c.CacheSize, "nn-cache-size", 1<<16, "total cached neural-net outputs")
	return fs.Parse(args)
}

// SearchParams resolves the final parameter set: presets, then the YAML
// file, then the flags.
func (c *Config) SearchParams() (search.SearchParams, error) {
	params := search.ParamsForTestsV2()

	if c.ParamsPath != "" {
		data, err := os.ReadFile(c.ParamsPath)
		if err != nil {
			return params, fmt.Errorf("config: reading params file: %w", err)
		}
		if err := yaml.Unmarshal(data, &params); err != nil {
			return params, fmt.Errorf("config: parsing params file: %w", err)
		}
	}

	params.NumThreads = c.NumThreads
	if c.MaxVisits > 0 {
		params.MaxVisits = c.MaxVisits
	}
	if c.MaxPlayouts > 0 {
		params.MaxPlayouts = c.MaxPlayouts
	}
	if c.MaxTimeSecs > 0 {
		params.MaxTime = time.Duration(c.MaxTimeSecs * float64(time.Second))
	}
	params.UseGraphSearch = c.UseGraphSearch

	if err := params.Validate(); err != nil {
		return params, err
	}
	return params, nil
}

// EvalConfig returns the evaluator settings.
func (c *Config) EvalConfig() nneval.Config {
	return nneval.Config{
		MaxBatchSize: c.MaxBatchSize,
		CacheSize:    c.CacheSize,
	}
}

// AdjustLogLevel applies the configured global log level.
func (c *Config) AdjustLogLevel() error {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	return nil
}
