package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"tradedesk/internal/bootstrap"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	app, err := bootstrap.NewApp(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	sys, err := bootstrap.Build(app)
	if err != nil {
		app.Logger.Fatal("failed to build component graph", "error", err.Error())
	}
	defer sys.Close()

	if err := app.Run(sys.Runners()...); err != nil {
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		app.Logger.Warn("telemetry shutdown incomplete", "error", err.Error())
	}
}
