// Package server exposes the manager on the daemon's unix socket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"steward/internal/manager"
	"steward/pkg/sdk/bus"

	"github.com/docker/go-connections/sockets"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
)

// SocketGroup owns the daemon socket when it exists on the host.
const SocketGroup = "steward"

type Server struct {
	manager *manager.Manager
	grpc    *grpc.Server
}

func New(mgr *manager.Manager) *Server {
	s := &Server{manager: mgr}
	s.grpc = grpc.NewServer(
		grpc.ForceServerCodec(bus.Codec{}),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Serve answers requests on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.grpc.Serve(ln) }()

	select {
	case <-ctx.Done():
		s.grpc.GracefulStop()
		return nil
	case err := <-serveErr:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// Stop closes every connection without waiting for calls to finish.
func (s *Server) Stop() { s.grpc.Stop() }

// Listen binds the daemon socket at socketPath, owned by SocketGroup.
func Listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	ln, err := sockets.NewUnixSocketWithOpts(socketPath,
		sockets.WithChown(os.Getuid(), socketGID()),
		sockets.WithChmod(0o660),
	)
	if err != nil {
		return nil, fmt.Errorf("listen unix: %w", err)
	}
	return ln, nil
}

// socketGID is the steward group's id, or the daemon's own group when the
// host has none.
func socketGID() int {
	group, err := user.LookupGroup(SocketGroup)
	if err != nil {
		return os.Getgid()
	}
	gid, err := strconv.Atoi(group.Gid)
	if err != nil {
		return os.Getgid()
	}
	return gid
}
