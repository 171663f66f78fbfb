// SPDX-License-Identifier: MIT

package net

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
)

// ErrNoPortAvailable indicates every drawn port in the range was in use.
var ErrNoPortAvailable = errors.New("no free port in range")

// ListenInRange binds a TCP listener on a random port within [min, max],
// redrawing up to retries times when the drawn port is taken. Random draws
// keep concurrent hosts on the same machine from racing for the same port.
func ListenInRange(host string, min, max, retries int) (net.Listener, int, error) {
	if min > max {
		return nil, 0, fmt.Errorf("invalid port range [%d, %d]", min, max)
	}
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		port := min + rand.Intn(max-min+1) // #nosec G404 -- port draw is not security sensitive
		ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
		if err == nil {
			return ln, port, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNoPortAvailable, lastErr)
	}
	return nil, 0, ErrNoPortAvailable
}
