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
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherCounter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		require.Equal(t, dto.MetricType_COUNTER, mf.GetType())
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestConnMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newConnMetrics(reg, nil, roleClient)

	m.recordSend(100)
	m.recordSend(50)
	m.recordReceive(100, false)
	m.recordReceive(30, true)

	assert.Equal(t, float64(2), gatherCounter(t, reg, "safeipc_messages_sent_total"))
	assert.Equal(t, float64(150), gatherCounter(t, reg, "safeipc_payload_bytes_sent_total"))
	assert.Equal(t, float64(2), gatherCounter(t, reg, "safeipc_messages_received_total"))
	assert.Equal(t, float64(130), gatherCounter(t, reg, "safeipc_payload_bytes_received_total"))
	assert.Equal(t, float64(1), gatherCounter(t, reg, "safeipc_truncations_total"))
}

func TestConnMetricsDistinctConnectionsCanRegister(t *testing.T) {
	// ConstLabels carry a per-connection id, so two connections on the
	// same registry must not collide.
	reg := prometheus.NewRegistry()
	_ = newConnMetrics(reg, nil, roleClient)
	m2 := newConnMetrics(reg, nil, roleServer)
	m2.recordSend(1)

	families, err := reg.Gather()
	require.NoError(t, err)
	var sentSeries int
	for _, mf := range families {
		if mf.GetName() == "safeipc_messages_sent_total" {
			sentSeries = len(mf.GetMetric())
		}
	}
	assert.Equal(t, 2, sentSeries)
}

func TestConnMetricsNilRegistererIsFine(t *testing.T) {
	m := newConnMetrics(nil, nil, roleClient)
	m.recordSend(1)
	m.recordReceive(1, true)
	m.protocolErrors.Inc()
}
