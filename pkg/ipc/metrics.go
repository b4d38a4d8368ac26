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
	"context"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
)

var connIDCounter atomic.Uint64

// connMetrics carries per-connection Prometheus counters plus the optional
// OpenTelemetry instruments configured through Config.Meter.
type connMetrics struct {
	messagesSent     prometheus.Counter
	messagesReceived prometheus.Counter
	bytesSent        prometheus.Counter
	bytesReceived    prometheus.Counter
	truncations      prometheus.Counter
	protocolErrors   prometheus.Counter
	notifications    prometheus.Counter

	otelMessages metric.Int64Counter
}

func newConnMetrics(reg prometheus.Registerer, meter metric.Meter, r role) *connMetrics {
	labels := prometheus.Labels{
		"role": r.String(),
		"conn": strconv.FormatUint(connIDCounter.Add(1), 10),
	}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "safeipc",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		if reg != nil {
			_ = reg.Register(c)
		}
		return c
	}
	m := &connMetrics{
		messagesSent:     counter("messages_sent_total", "Messages committed to the send ring."),
		messagesReceived: counter("messages_received_total", "Messages fully consumed from the receive ring."),
		bytesSent:        counter("payload_bytes_sent_total", "Payload bytes committed to the send ring."),
		bytesReceived:    counter("payload_bytes_received_total", "Payload bytes delivered to callers."),
		truncations:      counter("truncations_total", "Messages delivered truncated into an undersized buffer."),
		protocolErrors:   counter("protocol_errors_total", "Protocol violations detected on this connection."),
		notifications:    counter("control_signals_sent_total", "Signal bytes sent over the control channel."),
	}
	if meter != nil {
		if c, err := meter.Int64Counter("safeipc.messages"); err == nil {
			m.otelMessages = c
		}
	}
	return m
}

func (m *connMetrics) recordSend(payloadBytes int) {
	m.messagesSent.Inc()
	m.bytesSent.Add(float64(payloadBytes))
	if m.otelMessages != nil {
		m.otelMessages.Add(context.Background(), 1)
	}
}

func (m *connMetrics) recordReceive(payloadBytes int, truncated bool) {
	m.messagesReceived.Inc()
	m.bytesReceived.Add(float64(payloadBytes))
	if truncated {
		m.truncations.Inc()
	}
	if m.otelMessages != nil {
		m.otelMessages.Add(context.Background(), 1)
	}
}
