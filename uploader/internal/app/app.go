package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/you-humble/mediaupload/uploader/internal/transport"

	"golang.org/x/sync/errgroup"
)

type app struct {
	di  *dependencyInjector
	srv *http.Server
}

func New(ctx context.Context, cfgPath string) *app {
	di := newDI(cfgPath)
	di.Logger()
	mux := http.NewServeMux()
	return &app{
		di: di,
		srv: &http.Server{
			Addr: di.Config().Addr,
			Handler: transport.WithRecover(
				transport.LogMiddleware(
					di.Router(ctx).MountRoutes(mux),
				),
			),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Run serves the control API, runs the scheduler and the callback delivery
// loop, resumes stored requests and cleans up periodically until ctx is done.
func (a *app) Run(ctx context.Context) error {
	cfg := a.di.Config()
	sched := a.di.Scheduler(ctx)
	registry := a.di.Registry()
	d := a.di.Dispatcher(ctx)

	// The delivery loop outlives ctx so terminal events published while
	// draining still reach their listeners.
	deliveryCtx, stopDelivery := context.WithCancel(context.Background())
	deliveryDone := make(chan struct{})
	go func() {
		defer close(deliveryDone)
		registry.Run(deliveryCtx)
	}()

	if err := sched.start(ctx); err != nil {
		stopDelivery()
		return fmt.Errorf("start scheduler: %w", err)
	}

	if _, err := d.Resume(ctx); err != nil {
		slog.Error("resume stored requests", slog.String("error", err.Error()))
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		slog.Info("starting server", slog.String("addr", a.srv.Addr))
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.String("error", err.Error()))
			return err
		}
		return nil
	})

	eg.Go(func() error {
		a.runCleanup(egCtx)
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		if err := sched.stop(shutdownCtx); err != nil {
			slog.Error("scheduler shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		d.Wait()

		stopDelivery()
		select {
		case <-deliveryDone:
		case <-shutdownCtx.Done():
			slog.Warn("callback delivery did not drain in time")
		}
		a.closeConnections()

		return errors.Join(errs...)
	})

	err := eg.Wait()
	if err == nil {
		slog.Info("uploader gracefully stopped")
	}
	return err
}

func (a *app) runCleanup(ctx context.Context) {
	cfg := a.di.Config()
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.cleanup(ctx, now)
		}
	}
}

// cleanup drops stale preprocess outputs, staged bodies and finished
// requests whose result was never collected, both stored and held.
func (a *app) cleanup(ctx context.Context, now time.Time) {
	cfg := a.di.Config()

	eg, eCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := a.di.FileStore().CleanupOlderThan(eCtx, cfg.StagingTTL); err != nil {
			return fmt.Errorf("local files: %w", err)
		}
		return nil
	})
	if cs := a.di.ContentStore(ctx); cs != nil {
		eg.Go(func() error {
			if err := cs.CleanupOlderThan(eCtx, cfg.StagingTTL); err != nil {
				return fmt.Errorf("staged content: %w", err)
			}
			return nil
		})
	}
	eg.Go(func() error {
		n, err := a.di.RequestStore(eCtx).DeleteFinishedOlderThan(eCtx, now, cfg.ResultTTL)
		if err != nil {
			return fmt.Errorf("finished requests: %w", err)
		}
		if n > 0 {
			slog.Info("cleanup", slog.Int("deleted_requests", n))
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.Warn("cleanup", slog.String("error", err.Error()))
	}
	if n := a.di.Registry().ForgetOlderThan(cfg.ResultTTL); n > 0 {
		slog.Info("cleanup", slog.Int("forgotten_results", n))
	}
}

func (a *app) closeConnections() {
	if a.di.natsConn != nil {
		if err := a.di.natsConn.Drain(); err != nil {
			slog.Warn("NATS drain", slog.String("error", err.Error()))
		}
	}
	if a.di.redis != nil {
		if err := a.di.redis.Close(); err != nil {
			slog.Warn("redis close", slog.String("error", err.Error()))
		}
	}
}
