package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return string(body)
}

// TestNilMetrics ensures a nil collector set is a no-op
func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTransition("REGISTERED")
		m.SetEntries(3)
		m.SetPhase("wait-all", 2)
		m.SetZoneSize("z", 1)
		m.DropZone("z")
		m.SetZones(1)
		m.ObserveCommand("ROLE", nil)
	})
	assert.NotNil(t, m.Handler())
}

// TestMetricsRecord checks the collectors move
func TestMetricsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveTransition("REGISTERED")
	m.ObserveTransition("REGISTERED")
	m.SetEntries(5)
	m.SetPhase("wait-all", 3)
	m.SetZoneSize("z1", 2)
	m.SetZones(4)
	m.ObserveCommand("CLUSTER-JOIN", nil)
	m.ObserveCommand("CLUSTER-JOIN", errors.New("closed"))

	body := scrape(t, m)
	assert.Contains(t, body, `zonekeeper_node_transitions_total{state="REGISTERED"} 2`)
	assert.Contains(t, body, "zonekeeper_registry_entries 5")
	assert.Contains(t, body, `zonekeeper_coordinator_phase{coordinator="wait-all"} 3`)
	assert.Contains(t, body, `zonekeeper_zone_nodes{zone="z1"} 2`)
	assert.Contains(t, body, "zonekeeper_zones 4")
	assert.Contains(t, body, `zonekeeper_commands_sent_total{command="CLUSTER-JOIN"} 1`)
	assert.Contains(t, body, `zonekeeper_command_failures_total{command="CLUSTER-JOIN"} 1`)

	m.DropZone("z1")
	assert.NotContains(t, scrape(t, m), `zone="z1"`)
}
