// Package bootstrap wires the component graph and owns the process
// lifecycle: config loading, pre-flight checks, telemetry setup and
// graceful shutdown on termination signals.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"tradedesk/internal/config"
	"tradedesk/internal/core"
	"tradedesk/pkg/logging"
	"tradedesk/pkg/telemetry"
)

// App holds the process-level dependencies shared by every component.
type App struct {
	Cfg       *config.Config
	Logger    core.ILogger
	Telemetry *telemetry.Telemetry
}

// NewApp loads configuration, runs pre-flight checks and initializes the
// logger and telemetry providers.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	app := &App{Cfg: cfg, Logger: logger}
	if cfg.Telemetry.EnableMetrics {
		tel, err := telemetry.Setup("tradedesk")
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		app.Telemetry = tel
	}
	return app, nil
}

// Runner is a long-lived component that stops when its context is
// cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run starts every runner and blocks until one fails or a termination
// signal arrives, then waits for the rest to drain.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	a.Logger.Info("starting application")

	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("application stopped with error", "error", err.Error())
		return err
	}
	a.Logger.Info("application shut down gracefully")
	return nil
}

// Shutdown flushes telemetry. Call after Run returns.
func (a *App) Shutdown(ctx context.Context) error {
	if a.Telemetry == nil {
		return nil
	}
	return a.Telemetry.Shutdown(ctx)
}
