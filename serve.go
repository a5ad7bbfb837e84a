package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chaos-io/rmbg/api"
	"github.com/chaos-io/rmbg/bgremove"
	"github.com/chaos-io/rmbg/metrics"
)

const shutdownTimeout = 15 * time.Second

func (a *app) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve background removal over HTTP",
		Args:  cobra.NoArgs,
		RunE:  a.runServe,
	}
	cmd.Flags().StringVar(&a.cfg.Serve.Address, "addr", a.cfg.Serve.Address, "listen address")
	cmd.Flags().DurationVar(&a.cfg.Serve.HealthInterval, "health-interval", a.cfg.Serve.HealthInterval, "how often the rembg server is probed")
	return cmd
}

func (a *app) runServe(cmd *cobra.Command, _ []string) error {
	logger, err := a.newLogger()
	if err != nil {
		return err
	}
	logStartup(logger, "serve", a.cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	remover := a.newRemover(logger)
	conv := bgremove.NewConverter(remover,
		bgremove.WithLogger(logger),
		bgremove.WithMaxSize(a.cfg.MaxSize),
		bgremove.WithMaxPixels(a.cfg.MaxPixels),
	)
	health := api.NewHealthMonitor(remover, a.cfg.Serve.HealthInterval, m, logger)
	srv := &http.Server{
		Addr:              a.cfg.Serve.Address,
		Handler:           api.NewServer(conv, health, m, logger, a.cfg.MaxInputBytes).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	eg.Go(func() error {
		if err := health.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		health.Stop()
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Wrap(srv.Shutdown(shutdownCtx), "shutdown http server")
	})

	if err := eg.Wait(); err != nil {
		logger.Error().Err(err).Msg("serve stopped")
		return err
	}
	logger.Info().Msg("serve stopped")
	return nil
}
