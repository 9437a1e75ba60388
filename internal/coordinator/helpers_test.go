package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/zonekeeper/internal/cluster"
	"github.com/dreamware/zonekeeper/internal/registry"
)

var testGroupings = []string{"GLOBAL", "PER_ZONE", "PER_INSTANCE"}

// sleepRecorder replaces pacing sleeps and remembers the requested delays.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
}

func (r *sleepRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestServer(instances int) *ServerInfo {
	return &ServerInfo{
		Registry:  registry.New(registry.Options{}),
		Upperware: cluster.BrokerConfig{Grouping: "GLOBAL", URL: "ssl://10.0.0.100:61617"},
		Groupings: testGroupings,
		Instances: instances,
	}
}

// preregister adds a node to the server registry, in zone z when z is set.
func preregister(t *testing.T, server *ServerInfo, ip, z string) *registry.Entry {
	t.Helper()
	info := map[string]any{"ip-address": ip, "id": "node-" + ip}
	if z != "" {
		info["zone"] = z
	}
	e, err := server.Registry.AddNode(info, "client-"+ip)
	require.NoError(t, err)
	return e
}

func verbs(msgs []string) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = cluster.Verb(m)
	}
	return out
}
