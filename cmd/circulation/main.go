package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"bibliodigit/internal/circulation"
	"bibliodigit/internal/config"
	"bibliodigit/internal/logger"
	"bibliodigit/internal/telemetry"
)

const serviceName = "circulation"

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: serviceName})

	_ = godotenv.Load()

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx = logg.WithFields(ctx, map[string]any{
		"env":       cfg.App.Env,
		"backend":   cfg.Storage.Backend,
		"directory": cfg.Storage.Directory,
	})

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	requireResource(ctx, logg, "telemetry", err)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logg.Error(ctx, "failed to flush telemetry", err)
		}
	}()

	fineRate, err := cfg.Lending.FineRate()
	requireResource(ctx, logg, "fine rate", err)
	fines := circulation.NewFineCalculator(fineRate)

	policies, err := circulation.NewPolicyTableWithOverrides(cfg.Lending.Policies)
	requireResource(ctx, logg, "lending policies", err)

	deps, err := buildPorts(ctx, cfg, logg)
	requireResource(ctx, logg, "storage", err)
	defer deps.close()

	svc, err := circulation.NewService(circulation.ServiceParams{
		Users:    deps.users,
		Books:    deps.books,
		Store:    deps.store,
		Journal:  deps.journal,
		Policies: policies,
		Fines:    fines,
		Logger:   logg,
	})
	requireResource(ctx, logg, "circulation service", err)

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)

	handler := circulation.NewHandler(circulation.HandlerParams{
		Service: svc,
		Fines:   fines,
		Logger:  logg,
	})

	server := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           circulation.NewRouter(handler, limiter),
		ReadHeaderTimeout: 5 * time.Second,
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logg.Info(logg.WithField(runCtx, "port", cfg.App.Port), "circulation service listening")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-runCtx.Done():
		logg.Info(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "graceful shutdown failed", err)
		}
	}
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
