package client

import (
	"context"
	"fmt"
	"net"

	"steward/internal/errdefs"
	"steward/pkg/sdk/bus"
	"steward/pkg/sdk/defaults"
	"steward/pkg/sdk/types"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

func DefaultSocketPath() string { return defaults.SocketPath() }

type API interface {
	ListMachines(ctx context.Context) ([]types.Machine, error)
	MachineStatus(ctx context.Context, name string) (types.MachineStatus, error)
	CreateMachine(ctx context.Context, req types.CreateMachineRequest) (types.Machine, error)
	RegisterMachine(ctx context.Context, req types.CreateMachineRequest) (types.Machine, error)
	StartMachine(ctx context.Context, name string) (uint64, error)
	TerminateMachine(ctx context.Context, name string) error
	KillMachine(ctx context.Context, req types.KillRequest) error
	SetMachineProperties(ctx context.Context, name string, props []types.Property) error

	ListUnits(ctx context.Context) ([]types.Unit, error)
	UnitStatus(ctx context.Context, name string) (types.UnitStatus, error)
	RunUnit(ctx context.Context, req types.RunUnitRequest) (uint64, error)
	StartUnit(ctx context.Context, name string) (uint64, error)
	StopUnit(ctx context.Context, name string) (uint64, error)
	KillUnit(ctx context.Context, req types.KillRequest) error
	SetUnitProperties(ctx context.Context, name string, props []types.Property) error

	ListLinks(ctx context.Context) ([]types.Link, error)
	LinkStatus(ctx context.Context, name string) (types.LinkStatus, error)
	ReconfigureLink(ctx context.Context, name string) error
	Lease(ctx context.Context, req types.LeaseRequest) (types.LeaseReply, error)
	ReloadNetwork(ctx context.Context) error
}

var _ API = (*Client)(nil)

type Client struct {
	conn *grpc.ClientConn
}

func NewUnix(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+socketPath, dialOptions()...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial unix socket: %w", err)
	}
	return &Client{conn: conn}, nil
}

func NewWithDialer(dialer func(ctx context.Context, addr string) (net.Conn, error)) (*Client, error) {
	opts := append(dialOptions(), grpc.WithContextDialer(dialer))
	conn, err := grpc.NewClient("passthrough:///stewardd", opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial with custom dialer: %w", err)
	}
	return &Client{conn: conn}, nil
}

func dialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(bus.Codec{})),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (Resp, error) {
	var out Resp
	if err := c.conn.Invoke(ctx, bus.FullMethod(method), req, &out); err != nil {
		return out, grpcErr(err)
	}
	return out, nil
}

func (c *Client) ListMachines(ctx context.Context) ([]types.Machine, error) {
	out, err := invoke[types.MachineList](ctx, c, bus.ListMachines, &types.Empty{})
	return out.Machines, err
}

func (c *Client) MachineStatus(ctx context.Context, name string) (types.MachineStatus, error) {
	return invoke[types.MachineStatus](ctx, c, bus.MachineStatus, &types.NameRequest{Name: name})
}

func (c *Client) CreateMachine(ctx context.Context, req types.CreateMachineRequest) (types.Machine, error) {
	return invoke[types.Machine](ctx, c, bus.CreateMachine, &req)
}

func (c *Client) RegisterMachine(ctx context.Context, req types.CreateMachineRequest) (types.Machine, error) {
	return invoke[types.Machine](ctx, c, bus.RegisterMachine, &req)
}

func (c *Client) StartMachine(ctx context.Context, name string) (uint64, error) {
	out, err := invoke[types.JobReply](ctx, c, bus.StartMachine, &types.NameRequest{Name: name})
	return out.Job, err
}

func (c *Client) TerminateMachine(ctx context.Context, name string) error {
	_, err := invoke[types.Empty](ctx, c, bus.TerminateMachine, &types.NameRequest{Name: name})
	return err
}

func (c *Client) KillMachine(ctx context.Context, req types.KillRequest) error {
	_, err := invoke[types.Empty](ctx, c, bus.KillMachine, &req)
	return err
}

func (c *Client) SetMachineProperties(ctx context.Context, name string, props []types.Property) error {
	_, err := invoke[types.Empty](ctx, c, bus.SetMachineProperties, &types.SetPropertiesRequest{Name: name, Properties: props})
	return err
}

func (c *Client) ListUnits(ctx context.Context) ([]types.Unit, error) {
	out, err := invoke[types.UnitList](ctx, c, bus.ListUnits, &types.Empty{})
	return out.Units, err
}

func (c *Client) UnitStatus(ctx context.Context, name string) (types.UnitStatus, error) {
	return invoke[types.UnitStatus](ctx, c, bus.UnitStatus, &types.NameRequest{Name: name})
}

func (c *Client) RunUnit(ctx context.Context, req types.RunUnitRequest) (uint64, error) {
	out, err := invoke[types.JobReply](ctx, c, bus.RunUnit, &req)
	return out.Job, err
}

func (c *Client) StartUnit(ctx context.Context, name string) (uint64, error) {
	out, err := invoke[types.JobReply](ctx, c, bus.StartUnit, &types.NameRequest{Name: name})
	return out.Job, err
}

func (c *Client) StopUnit(ctx context.Context, name string) (uint64, error) {
	out, err := invoke[types.JobReply](ctx, c, bus.StopUnit, &types.NameRequest{Name: name})
	return out.Job, err
}

func (c *Client) KillUnit(ctx context.Context, req types.KillRequest) error {
	_, err := invoke[types.Empty](ctx, c, bus.KillUnit, &req)
	return err
}

func (c *Client) SetUnitProperties(ctx context.Context, name string, props []types.Property) error {
	_, err := invoke[types.Empty](ctx, c, bus.SetUnitProperties, &types.SetPropertiesRequest{Name: name, Properties: props})
	return err
}

func (c *Client) ListLinks(ctx context.Context) ([]types.Link, error) {
	out, err := invoke[types.LinkList](ctx, c, bus.ListLinks, &types.Empty{})
	return out.Links, err
}

func (c *Client) LinkStatus(ctx context.Context, name string) (types.LinkStatus, error) {
	return invoke[types.LinkStatus](ctx, c, bus.LinkStatus, &types.NameRequest{Name: name})
}

func (c *Client) ReconfigureLink(ctx context.Context, name string) error {
	_, err := invoke[types.Empty](ctx, c, bus.ReconfigureLink, &types.NameRequest{Name: name})
	return err
}

func (c *Client) Lease(ctx context.Context, req types.LeaseRequest) (types.LeaseReply, error) {
	return invoke[types.LeaseReply](ctx, c, bus.Lease, &req)
}

func (c *Client) ReloadNetwork(ctx context.Context) error {
	_, err := invoke[types.Empty](ctx, c, bus.ReloadNetwork, &types.Empty{})
	return err
}

// Error is a failure reported by the daemon. Its message is the daemon's
// own, and it matches the errdefs class of its status code.
type Error struct {
	Code    codes.Code
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error {
	switch e.Code {
	case codes.InvalidArgument:
		return errdefs.ErrInvalidArgument
	case codes.NotFound:
		return errdefs.ErrNotFound
	case codes.AlreadyExists:
		return errdefs.ErrAlreadyExists
	case codes.ResourceExhausted:
		return errdefs.ErrResourceExhausted
	case codes.FailedPrecondition:
		return errdefs.ErrFailedPrecondition
	case codes.Aborted:
		return errdefs.ErrKernelRejected
	case codes.Unavailable:
		return errdefs.ErrUnavailable
	}
	return nil
}

func grpcErr(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return &Error{Code: st.Code(), Message: st.Message()}
}
