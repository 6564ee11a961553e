// Command quetzal runs the search engine standalone: a genmove or a
// timed benchmark over a synthetic position, against a loaded ONNX model or
// the built-in fake backend. It is mainly a harness for exercising the
// evaluator batching and the search under realistic thread counts.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quetzal-engine/quetzal/asyncbot"
	"github.com/quetzal-engine/quetzal/config"
	"github.com/quetzal-engine/quetzal/nneval"
	"github.com/quetzal-engine/quetzal/onnxnn"
	"github.com/quetzal-engine/quetzal/search"
	"github.com/quetzal-engine/quetzal/testcommon"
	"github.com/quetzal-engine/quetzal/timecontrol"
)

var (
	mode     = flag.String("mode", "genmove", "genmove, analyze, or benchmark")
	duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
)

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := &config.Config{}
	if err := cfg.Load(flag.Args()); err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}
	if err := cfg.AdjustLogLevel(); err != nil {
		log.Fatal().Err(err).Msg("setting log level")
	}

	params, err := cfg.SearchParams()
	if err != nil {
		log.Fatal().Err(err).Msg("resolving search params")
	}

	backend, err := makeBackend(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("creating backend")
	}
	evaluator, err := nneval.NewEvaluator(backend, cfg.EvalConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("creating evaluator")
	}
	defer evaluator.Close()

	position := testcommon.NewDeepGame(24).NewPosition()
	bot, err := asyncbot.New(params, evaluator, position, cfg.Seed)
	if err != nil {
		log.Fatal().Err(err).Msg("creating bot")
	}
	defer bot.SetKilled()

	switch *mode {
	case "genmove":
		runGenMove(bot, position)
	case "analyze":
		runAnalyze(bot, position)
	case "benchmark":
		runBenchmark(bot, evaluator, position, *duration)
	default:
		log.Fatal().Str("mode", *mode).Msg("unknown mode")
	}
}

func makeBackend(cfg *config.Config) (nneval.Backend, error) {
	if cfg.ModelPath == "" {
		log.Info().Msg("no model path; using built-in fake backend")
		return testcommon.NewUniformBackend(2, 1, [3]float32{0.5, 0.5, 0}), nil
	}
	return onnxnn.Load(cfg.ModelPath, onnxnn.Options{
		Name:               "quetzal-net",
		NumSpatialChannels: 2,
		NumGlobalChannels:  1,
		BoardXSize:         2,
		BoardYSize:         1,
	})
}

func runGenMove(bot *asyncbot.AsyncBot, position search.GameState) {
	start := time.Now()
	move, err := bot.GenMoveSynchronous(position.NextPlayer(), timecontrol.NoTimeControls(), 1.0, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("genmove failed")
	}
	values, _ := bot.Search().GetRootValues()
	log.Info().
		Str("move", move.String()).
		Int64("visits", values.Visits).
		Float64("winProb", values.WinProb).
		Dur("elapsed", time.Since(start)).
		Msg("genmove")
}

func runAnalyze(bot *asyncbot.AsyncBot, position search.GameState) {
	err := bot.AnalyzeAsync(position.NextPlayer(), 1.0, 500*time.Millisecond, 100*time.Millisecond,
		func(s *search.Search) {
			for _, d := range s.GetAnalysisData(6) {
				if d.Order >= 3 {
					break
				}
				fmt.Printf("move %v visits %d winloss %.3f lcb %.3f prior %.3f\n",
					d.Move, d.NumVisits, d.WinLossValue, d.UtilityLcb, d.PolicyPrior)
			}
			fmt.Println("---")
		})
	if err != nil {
		log.Fatal().Err(err).Msg("analyze failed")
	}
	time.Sleep(5 * time.Second)
	bot.StopAndWait()
}

func runBenchmark(bot *asyncbot.AsyncBot, evaluator *nneval.Evaluator, position search.GameState, d time.Duration) {
	params := bot.Params()
	params.MaxTime = d
	params.MaxVisits = 1 << 62
	params.MaxPlayouts = 1 << 62
	if err := bot.SetParams(params); err != nil {
		log.Fatal().Err(err).Msg("setting benchmark params")
	}
	start := time.Now()
	_, err := bot.GenMoveSynchronous(position.NextPlayer(), timecontrol.NoTimeControls(), 1.0, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("benchmark search failed")
	}
	elapsed := time.Since(start)
	playouts := bot.Search().NumPlayouts()
	hits, misses := evaluator.CacheStats()
	log.Info().
		Int64("playouts", playouts).
		Float64("playoutsPerSec", float64(playouts)/elapsed.Seconds()).
		Float64("avgBatchSize", evaluator.AvgBatchSize()).
		Int64("cacheHits", hits).
		Int64("cacheMisses", misses).
		Msg("benchmark")
}
