package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"steward/internal/adapter/fake"
	"steward/internal/errdefs"
	"steward/internal/eventloop"
	"steward/internal/manager"
	"steward/internal/nlreq"
	"steward/pkg/sdk/client"
	"steward/pkg/sdk/types"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func TestToGRPCError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantNil  bool
		wantCode codes.Code
	}{
		{
			name:    "nil error",
			err:     nil,
			wantNil: true,
		},
		{
			name:     "ValidationError",
			err:      errdefs.Invalid("leader", "leader pid is required"),
			wantCode: codes.InvalidArgument,
		},
		{
			name:     "wrapped ValidationError",
			err:      fmt.Errorf("create machine: %w", errdefs.Invalid("name", "too long")),
			wantCode: codes.InvalidArgument,
		},
		{
			name:     "not found",
			err:      errdefs.NotFound("no machine %q known", "web1"),
			wantCode: codes.NotFound,
		},
		{
			name:     "already exists",
			err:      errdefs.AlreadyExists("machine web1"),
			wantCode: codes.AlreadyExists,
		},
		{
			name:     "exhausted",
			err:      errdefs.Exhausted("route table full"),
			wantCode: codes.ResourceExhausted,
		},
		{
			name:     "out of memory",
			err:      fmt.Errorf("index leader: %w", errdefs.ErrOutOfMemory),
			wantCode: codes.ResourceExhausted,
		},
		{
			name:     "failed precondition",
			err:      fmt.Errorf("machine closing: %w", errdefs.ErrFailedPrecondition),
			wantCode: codes.FailedPrecondition,
		},
		{
			name:     "kernel rejected",
			err:      errdefs.Kernel("route add", unix.EINVAL),
			wantCode: codes.Aborted,
		},
		{
			name:     "unavailable",
			err:      fmt.Errorf("wireguard: %w", errdefs.ErrUnavailable),
			wantCode: codes.Unavailable,
		},
		{
			name:     "status passes through",
			err:      status.Error(codes.PermissionDenied, "nope"),
			wantCode: codes.PermissionDenied,
		},
		{
			name:     "unclassified",
			err:      errors.New("boom"),
			wantCode: codes.Internal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toGRPCError(tt.err)
			if tt.wantNil {
				if got != nil {
					t.Fatalf("toGRPCError() = %v, want nil", got)
				}
				return
			}
			st, ok := status.FromError(got)
			if !ok {
				t.Fatalf("toGRPCError() returned non-status error: %v", got)
			}
			if st.Code() != tt.wantCode {
				t.Errorf("code = %v, want %v", st.Code(), tt.wantCode)
			}
			if st.Message() != tt.err.Error() && tt.name != "status passes through" {
				t.Errorf("message = %q, want %q", st.Message(), tt.err.Error())
			}
		})
	}
}

// startServer runs a manager on fakes behind an in-memory listener.
func startServer(t *testing.T) (*client.Client, *fake.ProcessRunner) {
	t.Helper()
	runner := fake.NewProcessRunner()
	runner.ExitOnSignal = true
	mgr, err := manager.New(manager.Config{
		RuntimeDir: t.TempDir(),
		Clock:      fake.NewClock(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)),
		Runner:     runner,
		Channel:    fake.NewNetlinkChannel(),
		WireGuard:  fake.NewWireGuard(),
		Monitor:    func(context.Context, *eventloop.Loop, nlreq.Handlers) error { return nil },
	})
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	if err := mgr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ln := bufconn.Listen(1 << 20)
	srv := New(mgr)
	loopDone := make(chan error, 1)
	serveDone := make(chan error, 1)
	go func() { loopDone <- mgr.Run(ctx) }()
	go func() { serveDone <- srv.Serve(ctx, ln) }()

	c, err := client.NewWithDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return ln.DialContext(ctx)
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		<-serveDone
		<-loopDone
	})
	return c, runner
}

func TestMachineCallsOverBus(t *testing.T) {
	c, runner := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runner.Adopt(5151)
	m, err := c.CreateMachine(ctx, types.CreateMachineRequest{Name: "db1", Class: "container", Leader: 5151})
	if err != nil {
		t.Fatalf("CreateMachine: %v", err)
	}
	if m.Name != "db1" || m.State != "running" {
		t.Errorf("CreateMachine = %+v, want db1 running", m)
	}

	list, err := c.ListMachines(ctx)
	if err != nil {
		t.Fatalf("ListMachines: %v", err)
	}
	if len(list) != 1 || list[0].Unit != "machine-db1.scope" {
		t.Fatalf("ListMachines = %+v", list)
	}

	st, err := c.MachineStatus(ctx, "db1")
	if err != nil {
		t.Fatalf("MachineStatus: %v", err)
	}
	// Numbers come back from JSON as float64.
	if st.Properties["Leader"] != float64(5151) {
		t.Errorf("Leader property = %#v, want 5151", st.Properties["Leader"])
	}

	_, err = c.MachineStatus(ctx, "nope")
	if !errdefs.IsNotFound(err) {
		t.Fatalf("MachineStatus(nope) err = %v, want NotFound", err)
	}
	if err.Error() != `no machine "nope" known` {
		t.Errorf("message = %q, want the daemon's message", err.Error())
	}

	_, err = c.CreateMachine(ctx, types.CreateMachineRequest{Name: "-bad", Class: "container", Leader: 5151})
	if !errdefs.IsInvalidArgument(err) {
		t.Errorf("CreateMachine(-bad) err = %v, want InvalidArgument", err)
	}

	if err := c.TerminateMachine(ctx, "db1"); err != nil {
		t.Fatalf("TerminateMachine: %v", err)
	}
}

func TestUnitCallsOverBus(t *testing.T) {
	c, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := c.RunUnit(ctx, types.RunUnitRequest{
		Name:       "worker.service",
		Properties: []types.Property{{Name: "ExecStart", Value: "/usr/bin/worker --once"}},
	})
	if err != nil {
		t.Fatalf("RunUnit: %v", err)
	}
	if job == 0 {
		t.Error("RunUnit returned job 0")
	}

	err = c.SetUnitProperties(ctx, "worker.service", []types.Property{{Name: "Restart", Value: "sometimes"}})
	if !errdefs.IsInvalidArgument(err) {
		t.Errorf("SetUnitProperties err = %v, want InvalidArgument", err)
	}

	_, err = c.RunUnit(ctx, types.RunUnitRequest{Name: "worker.service"})
	if !errdefs.IsAlreadyExists(err) {
		t.Errorf("second RunUnit err = %v, want AlreadyExists", err)
	}
}
