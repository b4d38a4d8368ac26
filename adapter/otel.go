package adapter

import (
	"go.opentelemetry.io/otel"

	"github.com/safeipc/safeipc/pkg/ipc"
)

const instrumentationName = "github.com/safeipc/safeipc"

// WithOpenTelemetry fills cfg's Meter and Tracer from the global
// OpenTelemetry providers, returning cfg for chaining.
func WithOpenTelemetry(cfg *ipc.Config) *ipc.Config {
	if cfg == nil {
		cfg = ipc.DefaultConfig()
	}
	cfg.Meter = otel.Meter(instrumentationName)
	cfg.Tracer = otel.Tracer(instrumentationName)
	return cfg
}
