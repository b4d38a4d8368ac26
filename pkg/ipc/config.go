/*
 * Copyright 2025 SafeIPC Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ipc

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// protocolVersion is carried in Hello1 and must match on both sides.
	protocolVersion = 1

	// defaultWatermarkDivisor: a space-available signal is only worth
	// sending once free receive space reaches capacity/divisor.
	defaultWatermarkDivisor = 4

	// Ring data sizes a server will negotiate to. The minimum keeps one
	// common header plus a small payload transferable; the maximum bounds
	// a hostile client's proposal.
	minRingDataSize     = 64
	maxRingDataSize     = 16 << 20
	defaultRingDataSize = 64 << 10

	// MaxNotification is the highest user notification value carried by
	// SendNotification.
	MaxNotification = 63
)

// Config holds per-connection parameters. The zero value is usable; nil
// observability fields disable the respective instrumentation.
type Config struct {
	// SendBufferSize and RecvBufferSize are this side's proposed ring data
	// sizes, in bytes. The server clamps and finalizes them during the
	// handshake.
	SendBufferSize uint32
	RecvBufferSize uint32

	// WatermarkDivisor overrides defaultWatermarkDivisor when non-zero.
	WatermarkDivisor uint32

	// DevShmPath forces file-backed regions under the given directory
	// instead of anonymous memfds (server side only).
	DevShmPath string

	// Registerer receives the connection's counters when non-nil.
	Registerer prometheus.Registerer

	// Meter and Tracer enable OpenTelemetry instrumentation when non-nil.
	Meter  metric.Meter
	Tracer trace.Tracer

	// DialBackoff controls transport-connect retries on the client. When
	// nil a bounded exponential backoff is used.
	DialBackoff backoff.BackOff
}

// DefaultConfig returns a Config with the default buffer sizes.
func DefaultConfig() *Config {
	return &Config{
		SendBufferSize: defaultRingDataSize,
		RecvBufferSize: defaultRingDataSize,
	}
}

func (c *Config) withDefaults() *Config {
	out := &Config{}
	if c != nil {
		*out = *c
	}
	if out.SendBufferSize == 0 {
		out.SendBufferSize = defaultRingDataSize
	}
	if out.RecvBufferSize == 0 {
		out.RecvBufferSize = defaultRingDataSize
	}
	if out.WatermarkDivisor == 0 {
		out.WatermarkDivisor = defaultWatermarkDivisor
	}
	if out.DialBackoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 10 * time.Millisecond
		b.MaxInterval = 250 * time.Millisecond
		b.MaxElapsedTime = 5 * time.Second
		out.DialBackoff = b
	}
	return out
}

// clampRingSize bounds a proposed ring data size to what the server will
// accept.
func clampRingSize(n uint32) uint32 {
	if n < minRingDataSize {
		return minRingDataSize
	}
	if n > maxRingDataSize {
		return maxRingDataSize
	}
	return n
}
