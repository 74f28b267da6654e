package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"bibliodigit/internal/config"
	"bibliodigit/internal/logger"
	"bibliodigit/internal/storage/postgres"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "migrate"})

	_ = godotenv.Load()

	cmd := flag.String("cmd", "up", "migration command: up|down|status|version")
	flag.Parse()

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx = logg.WithFields(ctx, map[string]any{
		"env": cfg.App.Env,
		"cmd": *cmd,
	})

	db, err := postgres.Open(ctx, cfg.DB)
	requireResource(ctx, logg, "database", err)
	defer db.Close()

	provider, err := postgres.NewMigrationProvider(db.DB)
	requireResource(ctx, logg, "migration provider", err)

	logg.Info(ctx, "migrate ready")

	switch *cmd {
	case "up":
		results, err := provider.Up(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "goose up failed: %v\n", err)
			os.Exit(1)
		}
		for _, r := range results {
			fmt.Println("applied:", r.Source.Path)
		}

	case "down":
		result, err := provider.Down(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "goose down failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("rolled back:", result.Source.Path)

	case "status":
		statuses, err := provider.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "goose status failed: %v\n", err)
			os.Exit(1)
		}
		for _, s := range statuses {
			fmt.Printf("%-10s %s\n", s.State, s.Source.Path)
		}

	case "version":
		version, err := provider.GetDBVersion(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "goose version failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("version:", version)

	default:
		fmt.Fprintln(os.Stderr, "unknown -cmd value:", *cmd)
		os.Exit(1)
	}
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
