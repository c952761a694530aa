// Package fault injects failures into fake adapters at named points.
package fault

import (
	"fmt"
	"sync"

	"steward/internal/check"
)

// Hook inspects a call's arguments and returns the error to fail it with.
type Hook func(args ...any) error

type point struct {
	queued []error
	always error
	hook   Hook
}

// Injector holds the failures armed per point. The zero value is not usable;
// a nil *Injector never fails anything.
type Injector struct {
	mu     sync.Mutex
	points map[string]*point
}

func NewInjector() *Injector {
	return &Injector{points: make(map[string]*point)}
}

// FailOnce queues err for the next call at name. Queued errors are
// consumed in order.
func (i *Injector) FailOnce(name string, err error) {
	check.Assert(err != nil, "fault.FailOnce: err must not be nil")
	i.update(name, func(p *point) { p.queued = append(p.queued, err) })
}

// FailAlways fails every call at name with err until cleared.
func (i *Injector) FailAlways(name string, err error) {
	i.update(name, func(p *point) { p.always = err })
}

// SetHook decides per call, from the call's arguments.
func (i *Injector) SetHook(name string, hook Hook) {
	i.update(name, func(p *point) { p.hook = hook })
}

func (i *Injector) Clear(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.points, name)
}

func (i *Injector) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.points = make(map[string]*point)
}

// Eval returns the failure for a call at name, if any. A hook is consulted
// first, then queued errors, then the persistent one.
func (i *Injector) Eval(name string, args ...any) error {
	if i == nil {
		return nil
	}
	i.mu.Lock()
	p := i.points[name]
	if p == nil {
		i.mu.Unlock()
		return nil
	}
	hook, always := p.hook, p.always
	var queued error
	if len(p.queued) > 0 {
		queued, p.queued = p.queued[0], p.queued[1:]
	}
	i.mu.Unlock()

	if hook != nil {
		if err := hook(args...); err != nil {
			return fmt.Errorf("injected %s: %w", name, err)
		}
	}
	if queued != nil {
		return fmt.Errorf("injected %s: %w", name, queued)
	}
	if always != nil {
		return fmt.Errorf("injected %s: %w", name, always)
	}
	return nil
}

func (i *Injector) update(name string, fn func(*point)) {
	check.Assert(name != "", "fault: point name must not be empty")
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.points[name]
	if !ok {
		p = &point{}
		i.points[name] = p
	}
	fn(p)
}
