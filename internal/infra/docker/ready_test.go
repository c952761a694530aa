package docker

import (
	"context"
	"errors"
	"testing"
	"time"

	"steward/internal/adapter/fake"

	"github.com/docker/docker/client"
)

func TestWaitReadyRetriesWhileDaemonIsDown(t *testing.T) {
	cli := fake.NewDocker()
	down := client.ErrorConnectionFailed("unix:///var/run/docker.sock")
	cli.Faults.FailOnce("docker.ping", down)
	cli.Faults.FailOnce("docker.ping", down)

	if err := WaitReady(context.Background(), cli, time.Millisecond); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if got := cli.Count("Ping"); got != 3 {
		t.Errorf("Ping calls = %d, want 3", got)
	}
}

func TestWaitReadyGivesUpOnOtherErrors(t *testing.T) {
	cli := fake.NewDocker()
	cli.Faults.FailAlways("docker.ping", errors.New("permission denied"))

	if err := WaitReady(context.Background(), cli, time.Millisecond); err == nil {
		t.Fatal("WaitReady succeeded against a failing daemon")
	}
}

func TestWaitReadyStopsWithContext(t *testing.T) {
	cli := fake.NewDocker()
	cli.Faults.FailAlways("docker.ping", client.ErrorConnectionFailed("unix:///var/run/docker.sock"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := WaitReady(ctx, cli, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitReady = %v, want deadline exceeded", err)
	}
}
