//go:build !linux

package nlreq

import (
	"errors"

	"steward/internal/eventloop"
)

type NetlinkChannel struct{}

func NewNetlinkChannel(*eventloop.Loop) (*NetlinkChannel, error) {
	return nil, errors.New("netlink is only supported on linux")
}

func (c *NetlinkChannel) Submit(Request, func(error)) Handle { return 0 }

func (c *NetlinkChannel) Close() error { return nil }
