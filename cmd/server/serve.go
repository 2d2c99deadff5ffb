package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sire/internal/platform/httpserver"
	httpmetrics "sire/internal/platform/metrics"
	"sire/internal/platform/middleware"
	"sire/internal/sire/handler"
	"sire/pkg/platform/httputil"
)

const (
	defaultSchedulerInterval = 10 * time.Second
	shutdownTimeout          = 15 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background scheduler",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := build(ctx, cfg, log)
		if err != nil {
			log.Error("failed to wire service", "error", err)
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				log.Error("failed to release resources", "error", err)
			}
		}()

		srv := httpserver.New(cfg.HTTPAddr, a.router())

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return httpserver.Run(gctx, srv, log, shutdownTimeout)
		})
		if cfg.Schedule.Enabled {
			g.Go(func() error {
				if err := a.scheduler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		} else {
			log.Info("scheduler disabled, tickets advance only on demand")
		}

		log.Info("sire started",
			"env", cfg.Env,
			"addr", cfg.HTTPAddr,
			"postgres", a.db != nil,
			"redis", a.redis != nil,
			"kafka", len(cfg.KafkaBrokers()) > 0,
		)
		return g.Wait()
	},
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(a.log))
	r.Use(middleware.Logger(a.log))
	r.Use(httpmetrics.New().Middleware)

	r.Get("/healthz", handler.Health)
	r.Get("/readyz", a.ready)
	r.Handle("/metrics", promhttp.Handler())

	var opts []handler.Option
	if a.limiter != nil {
		opts = append(opts, handler.WithLimiter(a.limiter))
	}
	handler.New(a.tickets, a.sessions, a.scheduler, a.log, opts...).Register(r)
	return r
}

// ready fails while a configured backend cannot be reached.
func (a *app) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if a.db != nil {
		if err := a.db.PingContext(ctx); err != nil {
			a.log.WarnContext(ctx, "readiness: postgres unreachable", "error", err)
			notReady(w, "postgres")
			return
		}
	}
	if a.redis != nil {
		if err := a.redis.Health(ctx); err != nil {
			a.log.WarnContext(ctx, "readiness: redis unreachable", "error", err)
			notReady(w, "redis")
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func notReady(w http.ResponseWriter, backend string) {
	httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "backend": backend})
}
