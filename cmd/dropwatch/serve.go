package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openmc/dropwatch/internal/httpapi"
	"github.com/openmc/dropwatch/internal/log"
	"github.com/openmc/dropwatch/internal/model"
	"github.com/openmc/dropwatch/internal/notify"
	"github.com/openmc/dropwatch/internal/push"
	"github.com/openmc/dropwatch/internal/service"
	"github.com/openmc/dropwatch/internal/store"
	"github.com/openmc/dropwatch/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the scheduler and the http api until interrupted",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("dropwatch",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	kv, err := store.Open(ctx, filepath.Join(config.DataDir, "dropwatch.db"))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			slog.ErrorContext(ctx, "closing store", "error", err)
		}
	}()

	hub := push.NewHub()
	defer hub.Close()

	fanout := notify.New(hub, notify.SettingsFromKV(kv),
		notify.WithChannels(
			notify.NewDiscord(nil, "dropwatch "+version()),
			notify.NewEmail(notify.SMTPFromKV(kv)),
		),
		notify.WithTitle(config.Notifications.Title),
		notify.WithTimeout(config.Notifications.Timeout),
	)
	defer fanout.Close()

	sup := worker.NewSupervisor(worker.Commands(config.Workers), config.Workers.Grace)
	svc, err := service.New(kv, sup, fanout, hub, service.Options{
		MonitorInterval: config.Workers.MonitorInterval,
		Scheduler:       config.Scheduler,
	})
	if err != nil {
		sup.Close()
		return err
	}

	watchConfig(ctx, sup)

	srv := httpapi.New(config.Listen, svc, hub)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(ctx)
	})
	g.Go(func() error {
		return srv.Run()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	slog.InfoContext(ctx, "dropwatch stopped")
	return err
}

// watchConfig swaps the worker commands when the config file changes.
// Other keys need a restart.
func watchConfig(ctx context.Context, sup *worker.Supervisor) {
	if configViper == nil {
		return
	}
	configViper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := model.DecodeConfig(configViper)
		if err != nil {
			slog.ErrorContext(ctx, "reloading config has failed", "file", e.Name, "error", err)
			return
		}
		sup.SetCommands(worker.Commands(cfg.Workers))
		slog.InfoContext(ctx, "worker commands reloaded", "file", e.Name)
	})
	configViper.WatchConfig()
}
