package docker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
)

type Pinger interface {
	Ping(ctx context.Context) (types.Ping, error)
}

// WaitReady polls the docker daemon until it answers or ctx ends.
func WaitReady(ctx context.Context, cli Pinger, interval time.Duration) error {
	log := slog.With("component", "docker")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	waiting := false
	for {
		_, err := cli.Ping(ctx)
		if err == nil {
			if waiting {
				log.Debug("Docker daemon reachable.")
			}
			return nil
		}
		if !client.IsErrConnectionFailed(err) {
			return fmt.Errorf("connect to docker daemon: %w", err)
		}
		if !waiting {
			waiting = true
			log.Debug("Waiting for docker daemon.")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
