package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/curator"
)

func main() {

	// set logging to json format for application
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(jsonHandler).
		With(slog.String(util.ServiceKey, util.ServiceCurator)))

	// create a logger for the main package
	logger := slog.Default().
		With(slog.String(util.PackageKey, util.PackageMain)).
		With(slog.String(util.ComponentKey, util.ComponentMain))

	cfg, err := curator.LoadConfig()
	if err != nil {
		logger.Error(fmt.Sprintf("failed to load %s service config", util.ServiceCurator), "err", err.Error())
		os.Exit(1)
	}

	svc, err := curator.New(cfg)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to create %s service", util.ServiceCurator), "err", err.Error())
		os.Exit(1)
	}

	// shut down cleanly on interrupt so indices reach disk
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-stop
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := svc.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("failed to shut down %s service cleanly", util.ServiceCurator), "err", err.Error())
		}
	}()

	if err := svc.Run(); err != nil {
		logger.Error(fmt.Sprintf("failed to run %s service", util.ServiceCurator), "err", err.Error())
		os.Exit(1)
	}
}
