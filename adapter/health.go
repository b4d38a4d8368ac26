// Package adapter wires SafeIPC connections into external monitoring
// systems.
package adapter

import (
	"fmt"

	"github.com/heptiolabs/healthcheck"

	"github.com/safeipc/safeipc/pkg/ipc"
)

// HealthSource is the slice of Connection that health checks consume.
type HealthSource interface {
	IsOpen() bool
	PeerProcessID() (int32, error)
}

// ConnectionCheck returns a healthcheck.Check that reports healthy while
// the connection is open and its peer process is known.
func ConnectionCheck(c HealthSource) healthcheck.Check {
	return func() error {
		if !c.IsOpen() {
			return fmt.Errorf("connection is closed")
		}
		if _, err := c.PeerProcessID(); err != nil {
			return fmt.Errorf("peer unknown: %w", err)
		}
		return nil
	}
}

// ListenerCheck reports healthy while the listener tracks at most maxConns
// connections; 0 means no bound.
func ListenerCheck(l *ipc.Listener, maxConns int) healthcheck.Check {
	return func() error {
		if n := l.ConnectionCount(); maxConns > 0 && n > maxConns {
			return fmt.Errorf("%d connections, limit %d", n, maxConns)
		}
		return nil
	}
}

// NewHealthHandler builds a healthcheck handler with the given connection
// registered as a readiness check.
func NewHealthHandler(name string, c HealthSource) healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddReadinessCheck(name, ConnectionCheck(c))
	return h
}
