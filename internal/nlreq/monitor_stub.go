//go:build !linux

package nlreq

import (
	"context"
	"errors"

	"steward/internal/eventloop"
)

func Monitor(context.Context, *eventloop.Loop, Handlers) error {
	return errors.New("kernel monitor is only supported on linux")
}
