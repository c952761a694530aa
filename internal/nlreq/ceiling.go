package nlreq

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// IPv6RouteMaxSizePath holds the kernel's IPv6 route cache ceiling.
const IPv6RouteMaxSizePath = "/proc/sys/net/ipv6/route/max_size"

// ReadRouteMaxSize parses a sysctl file holding a single integer.
func ReadRouteMaxSize(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read route max size: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse route max size %q: %w", strings.TrimSpace(string(data)), err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("route max size %d is not positive", n)
	}
	return n, nil
}
