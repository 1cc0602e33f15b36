package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sgerhart/triageflux/internal/api"
	"github.com/sgerhart/triageflux/internal/natsbus"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the triage service (HTTP API plus bus intake)",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.close()
			return serve(app)
		},
	}
}

func serve(app *app) error {
	if app.cfg.ProbesHotReload {
		if err := app.catalog.WatchForChanges(); err != nil {
			app.logger.Warn("Probe catalog hot reload unavailable", "error", err)
		}
	}

	if err := app.manager.Listen(app.nc); err != nil {
		app.logger.Warn("Config change subscription failed", "error", err)
	}

	var subscriber *natsbus.Subscriber
	if app.nc != nil {
		subscriber = natsbus.NewSubscriber(app.nc, app.pipeline, app.logger)
		if err := subscriber.Start(); err != nil {
			return err
		}
	}

	server := api.NewServer(api.Options{
		Pipeline:   app.pipeline,
		Playbooks:  app.playbooks,
		Correlator: app.correlator,
		Trends:     app.trends,
		Feedback:   app.loop,
		Evidence:   app.evidence,
		Knowledge:  app.know,
		Manager:    app.manager,
		Metrics:    app.metrics,
		Logger:     app.logger,
	})

	httpServer := &http.Server{
		Addr:         app.cfg.HTTPAddr,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("HTTP server listening", "addr", app.cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		app.logger.Info("Shutting down", "signal", sig.String())
	}

	if subscriber != nil {
		if err := subscriber.Stop(); err != nil {
			app.logger.Warn("Failed to drain bus subscription", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
