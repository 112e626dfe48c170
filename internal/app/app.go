// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gpuscope/gpuscope/internal/config"
	"github.com/gpuscope/gpuscope/internal/gpu"
	"github.com/gpuscope/gpuscope/internal/httpserver"
	"github.com/gpuscope/gpuscope/internal/procwatch"
	"github.com/gpuscope/gpuscope/internal/sampler"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the application lifecycle: detect backends once, start
// the sampler and process watcher, then serve HTTP until the context
// ends or a component fails.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	detection := gpu.Detect(cfg.Vendor, cfg.SysfsRoot, baseLogger.With("component", "gpu_detect"))
	appLogger.Info("detected GPUs", "count", len(detection.Devices), "backends", len(detection.Backends))

	samplerManager, err := sampler.NewManager(cfg.PollInterval, cfg.HistoryDepth, detection.Backends, baseLogger)
	if err != nil {
		return fmt.Errorf("init sampler: %w", err)
	}
	// The sampler owns backend shutdown from here on.
	defer func() {
		if err := samplerManager.Close(); err != nil {
			appLogger.Warn("sampler close", "err", err)
		}
	}()

	var procWatcher *procwatch.Watcher
	if cfg.Procs.Enable {
		procWatcher, err = procwatch.NewWatcher(cfg.Procs.Interval, cfg.ProcRoot, detection.Backends, baseLogger)
		if err != nil {
			return fmt.Errorf("init process watcher: %w", err)
		}
	}

	samplerCtx, samplerCancel := context.WithCancel(ctx)
	defer samplerCancel()

	samplerErrCh := make(chan error, 1)
	go func() {
		samplerErrCh <- samplerManager.Run(samplerCtx)
	}()

	var (
		procCtx    context.Context
		procCancel context.CancelFunc
		procErrCh  chan error
	)

	if procWatcher != nil {
		procCtx, procCancel = context.WithCancel(ctx)
		procErrCh = make(chan error, 1)
		go func() {
			procErrCh <- procWatcher.Run(procCtx)
		}()
		defer procCancel()
	}

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), samplerManager, procWatcher)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	for {
		select {
		case err := <-errCh:
			samplerCancel()
			if procCancel != nil {
				procCancel()
			}
			if err != nil {
				return err
			}
			if samplerErrCh != nil {
				if samplerErr := <-samplerErrCh; samplerErr != nil && !errors.Is(samplerErr, context.Canceled) {
					return samplerErr
				}
			}
			if procErrCh != nil {
				if procErr := <-procErrCh; procErr != nil && !errors.Is(procErr, context.Canceled) {
					return procErr
				}
			}
			return nil
		case err := <-samplerErrCh:
			samplerErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case err := <-procErrCh:
			procErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			samplerCancel()
			if procCancel != nil {
				procCancel()
			}
			if samplerErrCh != nil {
				if samplerErr := <-samplerErrCh; samplerErr != nil && !errors.Is(samplerErr, context.Canceled) {
					return samplerErr
				}
			}
			if procErrCh != nil {
				if procErr := <-procErrCh; procErr != nil && !errors.Is(procErr, context.Canceled) {
					return procErr
				}
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}
