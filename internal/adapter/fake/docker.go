package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"steward/internal/adapter/fake/fault"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
)

// Docker simulates the Docker Engine API: containers to list and inspect,
// and an event stream driven by Emit.
type Docker struct {
	CallRecorder
	mu         sync.Mutex
	containers map[string]container.InspectResponse
	events     chan events.Message
	errs       chan error

	// Faults fails calls at "docker.ping", "docker.list" and
	// "docker.inspect" (hooked with the container ID).
	Faults *fault.Injector
}

func NewDocker() *Docker {
	return &Docker{
		containers: make(map[string]container.InspectResponse),
		events:     make(chan events.Message, 16),
		errs:       make(chan error, 1),
		Faults:     fault.NewInjector(),
	}
}

// Run adds a running container with leader pid.
func (d *Docker) Run(id, name string, pid int, labels map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.containers[id] = container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    id,
			Name:  "/" + name,
			State: &container.State{Running: true, Pid: pid, Status: "running"},
		},
		Config: &container.Config{Labels: labels},
	}
}

// Stop marks a container exited.
func (d *Docker) Stop(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.containers[id]; ok {
		c.State = &container.State{Status: "exited"}
		d.containers[id] = c
	}
}

// Remove forgets a container; inspecting it reports not found.
func (d *Docker) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.containers, id)
}

// Emit delivers msg on the event stream.
func (d *Docker) Emit(msg events.Message) { d.events <- msg }

// Fail ends the current event stream with err.
func (d *Docker) Fail(err error) { d.errs <- err }

func (d *Docker) Ping(context.Context) (types.Ping, error) {
	d.record("Ping")
	if err := d.Faults.Eval("docker.ping"); err != nil {
		return types.Ping{}, err
	}
	return types.Ping{APIVersion: "1.51"}, nil
}

func (d *Docker) ContainerList(_ context.Context, opts container.ListOptions) ([]container.Summary, error) {
	d.record("ContainerList", opts)
	if err := d.Faults.Eval("docker.list"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []container.Summary
	for id, c := range d.containers {
		if c.State == nil || !c.State.Running {
			continue
		}
		var labels map[string]string
		if c.Config != nil {
			labels = c.Config.Labels
		}
		out = append(out, container.Summary{ID: id, Names: []string{c.Name}, State: "running", Labels: labels})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *Docker) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	d.record("ContainerInspect", id)
	if err := d.Faults.Eval("docker.inspect", id); err != nil {
		return container.InspectResponse{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[id]
	if !ok {
		return container.InspectResponse{}, fmt.Errorf("no such container: %s: %w", id, cerrdefs.ErrNotFound)
	}
	return c, nil
}

func (d *Docker) Events(_ context.Context, opts events.ListOptions) (<-chan events.Message, <-chan error) {
	d.record("Events", opts)
	return d.events, d.errs
}
