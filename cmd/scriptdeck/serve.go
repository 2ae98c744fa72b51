package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/scriptdeck/pkg/kernel"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(cmdCtx *commandContext) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cmdCtx.ensureConfig()
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}
			logger, err := newLogger(cfg, os.Stdout)
			if err != nil {
				return err
			}

			lockPath := filepath.Join(cfg.Paths.DataDir, "scriptdeck.lock")
			lock := flock.New(lockPath)
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !ok {
				return fmt.Errorf("another scriptdeck instance is using %s", cfg.Paths.DataDir)
			}
			defer func() {
				if err := lock.Unlock(); err != nil {
					logger.Warn("failed to release lock", "error", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.shutdown()
			a.start(ctx)

			api := kernel.NewServer(logger, a.orch, a.bus, a.workspace, a.parser, a.settings)
			httpServer := &http.Server{
				Addr:              cfg.Server.Bind,
				Handler:           api.CORSHandler(cfg.Server.CORSOrigins),
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext:       func(net.Listener) context.Context { return ctx },
			}

			g, gCtx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("starting api server",
					"addr", cfg.Server.Bind,
					"store", cfg.Store.Driver,
					"describe_workers", cfg.Workers.Describe,
					"illustrate_workers", cfg.Workers.Illustrate,
				)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("api server failed: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gCtx.Done()
				logger.Info("shutting down api server")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})

			if err := g.Wait(); err != nil {
				return err
			}
			logger.Info("waiting for running jobs to stop")
			return nil
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "Listen address, overrides server.bind")
	return cmd
}
