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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/creditledger/pkg/api"
	"github.com/mihaimyh/creditledger/pkg/sweeper"
)

func newServeCmd(load func() (*Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the expiration sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	router, err := a.router()
	if err != nil {
		return err
	}
	var s *sweeper.Sweeper
	if cfg.Sweeper.Enabled {
		if s, err = a.sweeper(); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info().Str("addr", cfg.HTTP.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		a.log.Info().Msg("shutting down http server")
		return server.Shutdown(shutdownCtx)
	})

	if s != nil {
		g.Go(func() error {
			return s.Start(ctx)
		})
	}

	return g.Wait()
}

func (a *app) router() (http.Handler, error) {
	apiConfig := api.Config{
		Service: a.service,
		Logger:  a.logger,
	}
	if a.provider != nil {
		apiConfig.WebhookHandler = a.provider.WebhookHandler()
	}
	handler, err := api.NewHandler(apiConfig)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	r.Mount("/", handler.Routes())
	return r, nil
}

func (a *app) sweeper() (*sweeper.Sweeper, error) {
	return sweeper.New(a.engine, sweeper.Config{
		Schedule: a.config.Sweeper.Schedule,
		Timeout:  a.config.Sweeper.Timeout,
		Logger:   a.logger,
		Metrics:  a.metrics,
	})
}
