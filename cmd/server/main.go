package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	grpcserver "kawan-hiking/backend/internal/grpc"
	"kawan-hiking/backend/pkg/config"
	"kawan-hiking/backend/pkg/di"
	"kawan-hiking/backend/pkg/logger"
	"kawan-hiking/backend/pkg/router"
	"kawan-hiking/backend/shared/observability"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.New()

	// Initialize structured logger
	logConfig := logger.DefaultConfig()
	logConfig.Level = cfg.Logging.Level
	logConfig.JSON = cfg.Logging.Format != "text"

	log := logger.New(logConfig)
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.LogError(err, "Server stopped with error")
		os.Exit(1)
	}
	log.Info("Server exited gracefully")
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("Starting application", "version", cfg.Server.Version, "env", cfg.Server.Env)

	if cfg.Observability.Tracing {
		shutdownTracing, err := observability.SetupTracing(cfg.Observability.ServiceName, os.Stdout)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				log.LogError(err, "Failed to flush traces")
			}
		}()
	}

	db, err := config.NewDB()
	if err != nil {
		return err
	}

	container, err := di.New(cfg, db, log)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(ctx); err != nil {
			log.LogError(err, "Failed to close dependencies")
		}
	}()

	r := router.New(container)
	r.SetupRoutes()

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return container.Hub.Run(gCtx) })
	g.Go(func() error { return container.Health.Run(gCtx) })
	g.Go(func() error { return container.RateLimiter.Run(gCtx) })
	g.Go(func() error { return container.Retention.Run(gCtx) })

	g.Go(func() error {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.Timeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", ":"+cfg.GRPC.Port)
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		healthServer := grpcserver.NewServer(container.Health, log)
		g.Go(func() error { return healthServer.Serve(gCtx, lis) })
	}

	return g.Wait()
}
