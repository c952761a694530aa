// Package docker registers running docker containers as machines.
package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"steward/internal/errdefs"
	"steward/pkg/sdk/types"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

// LabelRegister set to "false" keeps a container out of the machine list.
const LabelRegister = "steward.register"

// machineNamespace seeds the name-based machine IDs of containers.
var machineNamespace = uuid.MustParse("6c1d9a8e-3f57-4f0b-9a44-2cc0f5d7a1b3")

// Client is the part of the Docker Engine API the registrar uses.
type Client interface {
	Pinger
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)
}

var _ Client = (*client.Client)(nil)

// Machines receives registrations.
type Machines interface {
	RegisterMachine(ctx context.Context, req types.CreateMachineRequest) (types.Machine, error)
	TerminateMachine(ctx context.Context, name string) error
}

type Registrar struct {
	cli      Client
	machines Machines
	retry    time.Duration
	log      *slog.Logger
}

func NewRegistrar(cli Client, machines Machines) *Registrar {
	return &Registrar{
		cli:      cli,
		machines: machines,
		retry:    time.Second,
		log:      slog.With("component", "docker-registrar"),
	}
}

// NewClient creates a Docker client from the environment.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return cli, nil
}

// MachineName maps a container name onto the machine name rules.
func MachineName(containerName string) string {
	name := strings.TrimPrefix(containerName, "/")
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.TrimLeft(b.String(), "-.")
	for strings.Contains(out, "..") {
		out = strings.ReplaceAll(out, "..", ".")
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

// MachineID derives a stable machine ID from a container ID.
func MachineID(containerID string) uuid.UUID {
	return uuid.NewSHA1(machineNamespace, []byte(containerID))
}

// Run registers the running containers, then follows start and die events
// until ctx ends. A broken event stream is resubscribed after a resync.
func (r *Registrar) Run(ctx context.Context) error {
	if err := WaitReady(ctx, r.cli, r.retry); err != nil {
		return err
	}
	for {
		if err := r.sync(ctx); err != nil {
			r.log.Warn("Container sync failed.", "err", err)
		}
		err := r.follow(ctx)
		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn("Docker event stream ended, resubscribing.", "err", err, "after", r.retry)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.retry):
		}
	}
}

func (r *Registrar) sync(ctx context.Context) error {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("status", "running")),
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	for _, c := range list {
		if c.Labels[LabelRegister] == "false" {
			continue
		}
		r.register(ctx, c.ID)
	}
	return nil
}

func (r *Registrar) follow(ctx context.Context) error {
	msgs, errs := r.cli.Events(ctx, events.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("type", string(events.ContainerEventType)),
			filters.Arg("event", string(events.ActionStart)),
			filters.Arg("event", string(events.ActionDie)),
		),
	})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("event stream closed")
			}
			r.handle(ctx, msg)
		}
	}
}

func (r *Registrar) handle(ctx context.Context, msg events.Message) {
	if msg.Type != events.ContainerEventType || msg.Actor.Attributes[LabelRegister] == "false" {
		return
	}
	switch msg.Action {
	case events.ActionStart:
		r.register(ctx, msg.Actor.ID)
	case events.ActionDie:
		name := MachineName(msg.Actor.Attributes["name"])
		if name == "" {
			return
		}
		if err := r.machines.TerminateMachine(ctx, name); err != nil && !errdefs.IsNotFound(err) {
			r.log.Warn("Failed to terminate container machine.", "machine", name, "err", err)
		}
	}
}

func (r *Registrar) register(ctx context.Context, id string) {
	info, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return
		}
		r.log.Warn("Failed to inspect container.", "container", id, "err", err)
		return
	}
	if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running || info.State.Pid <= 1 {
		return
	}

	req := types.CreateMachineRequest{
		Name:    MachineName(info.Name),
		ID:      MachineID(info.ID).String(),
		Class:   "container",
		Service: "docker",
		Leader:  info.State.Pid,
	}
	if dir := info.GraphDriver.Data["MergedDir"]; filepath.IsAbs(dir) {
		req.RootDirectory = dir
	}
	if _, err := r.machines.RegisterMachine(ctx, req); err != nil {
		if errdefs.IsAlreadyExists(err) {
			return
		}
		r.log.Warn("Failed to register container machine.", "container", id, "machine", req.Name, "err", err)
		return
	}
	r.log.Info("Registered container machine.", "container", id[:min(12, len(id))], "machine", req.Name, "leader", req.Leader)
}
