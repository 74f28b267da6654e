package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"github.com/kelseyhightower/envconfig"

	"bibliodigit/internal/chaos"
	"bibliodigit/internal/circulation"
	"bibliodigit/internal/config"
	"bibliodigit/internal/logger"
)

func main() {
	_ = godotenv.Load()

	concurrency := flag.Int("concurrency", 100, "simultaneous callers per experiment")
	window := flag.Duration("window", 2*time.Second, "observation window per experiment")
	pause := flag.Duration("pause", 0, "pause between experiments")
	report := flag.Bool("json", false, "print the results as JSON")
	flag.Parse()

	var lending config.LendingConfig
	if err := envconfig.Process(config.EnvPrefix, &lending); err != nil {
		fmt.Fprintf(os.Stderr, "parsing lending config: %v\n", err)
		os.Exit(1)
	}

	logg := logger.New(logger.Options{
		ServiceName: "chaos",
		Level:       logger.ParseLevel(os.Getenv(config.EnvPrefix + "_LOG_LEVEL")),
		Format:      os.Getenv(config.EnvPrefix + "_LOG_FORMAT"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rate, err := lending.FineRate()
	requireResource(ctx, logg, "fine rate", err)
	policies, err := circulation.NewPolicyTableWithOverrides(lending.Policies)
	requireResource(ctx, logg, "lending policies", err)

	target, err := chaos.NewMemoryTarget(policies, circulation.NewFineCalculator(rate), logg, time.Now)
	requireResource(ctx, logg, "memory deployment", err)

	engine := chaos.NewEngine(chaos.Options{
		SampleInterval: *window / 10,
		PauseBetween:   *pause,
		Logger:         logg,
	})
	chaos.RegisterExperiments(engine, target, *concurrency, *window)

	results, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "Circulation race game day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
	})
	if err != nil {
		logg.Error(ctx, "game day interrupted", err)
		os.Exit(1)
	}

	if *report {
		out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(results, "", "  ")
		requireResource(ctx, logg, "json report", err)
		fmt.Println(string(out))
	}

	for _, r := range results {
		if !r.HypothesisHeld {
			os.Exit(2)
		}
	}
	if len(results) != len(engine.Experiments()) {
		os.Exit(2)
	}
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
