// Package daemon wires the manager, its bus server and the optional
// side services into the stewardd process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"steward/config"
	"steward/internal/buildinfo"
	"steward/internal/daemon/server"
	"steward/internal/infra/docker"
	"steward/internal/infra/sqlite"
	"steward/internal/manager"
	"steward/internal/metrics"
	"steward/internal/tracing"
	"steward/pkg/sdk/defaults"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"
)

// Run starts the daemon described by cfg and blocks until ctx is cancelled
// or the manager exits after its idle period.
func Run(ctx context.Context, cfg config.Config) (retErr error) {
	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Exporter:    cfg.Tracing.Exporter,
		ServiceName: "stewardd",
		Version:     buildinfo.Version,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("Failed to flush traces.", "err", err)
		}
	}()

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	history, err := sqlite.Open(defaults.HistoryPath(cfg.StateDir))
	if err != nil {
		return err
	}
	defer func() { retErr = errors.Join(retErr, history.Close()) }()

	mgr, err := manager.New(manager.Config{
		RuntimeDir:          cfg.RuntimeDir,
		NetworkDir:          cfg.NetworkDir,
		IdleExitAfter:       cfg.IdleExitAfter,
		MaxObjectsPerFamily: cfg.Reconcile.MaxObjectsPerFamily,
		MachineAssignments:  cfg.MachineTemplate,
		History:             history,
	})
	if err != nil {
		return err
	}
	defer func() { retErr = errors.Join(retErr, mgr.Close()) }()
	if err := mgr.Start(); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}

	ln, err := server.Listen(cfg.Socket)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(cfg.Socket) }()
	srv := server.New(mgr)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		err := mgr.Run(ctx)
		if errors.Is(err, manager.ErrIdleExit) {
			slog.Info("Exiting after idle period.", "after", cfg.IdleExitAfter)
			return nil
		}
		return err
	})
	g.Go(func() error {
		slog.Info("Listening.", "socket", cfg.Socket, "version", buildinfo.Version)
		return srv.Serve(ctx, ln)
	})
	g.Go(func() error { return reloadOnHangup(ctx, mgr) })
	if cfg.Metrics.Address != "" {
		g.Go(func() error { return metrics.Serve(ctx, cfg.Metrics.Address) })
	}
	if cfg.Docker.RegisterContainers {
		cli, err := docker.NewClient()
		if err != nil {
			slog.Warn("Container registration disabled.", "err", err)
		} else {
			defer cli.Close()
			g.Go(func() error { return docker.NewRegistrar(cli, mgr).Run(ctx) })
		}
	}

	notify(systemd.SdNotifyReady)
	defer notify(systemd.SdNotifyStopping)
	return g.Wait()
}

// reloadOnHangup rereads the link configuration on SIGHUP.
func reloadOnHangup(ctx context.Context, mgr *manager.Manager) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := mgr.ReloadNetwork(ctx); err != nil {
				slog.Warn("Network reload failed.", "err", err)
			}
		}
	}
}

func notify(state string) {
	if _, err := systemd.SdNotify(false, state); err != nil {
		slog.Debug("Failed to notify systemd.", "state", state, "err", err)
	}
}
