package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dreamware/zonekeeper/internal/cluster"
	"github.com/dreamware/zonekeeper/internal/coordinator"
	"github.com/dreamware/zonekeeper/internal/metrics"
	"github.com/dreamware/zonekeeper/internal/registry"
	"github.com/dreamware/zonekeeper/internal/zone"
)

var testGroupings = []string{"GLOBAL", "PER_ZONE", "PER_INSTANCE"}

// fakeAgent records the control messages the coordinator posts to it.
type fakeAgent struct {
	*httptest.Server

	mu   sync.Mutex
	msgs []cluster.ControlMessage
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	a := &fakeAgent{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /control", func(w http.ResponseWriter, r *http.Request) {
		var msg cluster.ControlMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		a.mu.Lock()
		a.msgs = append(a.msgs, msg)
		a.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	a.Server = httptest.NewServer(mux)
	t.Cleanup(a.Close)
	return a
}

func (a *fakeAgent) payloads() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.msgs))
	for i, m := range a.msgs {
		out[i] = m.Payload
	}
	return out
}

func (a *fakeAgent) info(id, ip string) cluster.NodeInfo {
	return cluster.NodeInfo{ID: id, Addr: a.URL, IPAddress: ip}
}

type testServer struct {
	*server
	handler http.Handler
	logs    *observer.ObservedLogs
}

// newTestServer wires a server around coord the way newApp does, without
// pacing or a health monitor.
func newTestServer(t *testing.T, kind string, coord coordinator.ServerCoordinator) *testServer {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	m := metrics.New(nil)
	reg := registry.New(registry.Options{Logger: logger, Metrics: m})
	reg.SetAdmissionPolicy(coord)

	srv := newServer(logger, kind, reg, coord, m)
	info := &coordinator.ServerInfo{
		Registry:  reg,
		Upperware: cluster.BrokerConfig{Grouping: "GLOBAL", URL: "ssl://10.0.0.100:61617"},
		Groupings: testGroupings,
		Instances: 1,
	}
	require.NoError(t, coord.Initialize(coordinator.TranslationContext{Groupings: testGroupings}, "GLOBAL", info, srv.onReady))
	coord.Start()
	t.Cleanup(coord.Stop)
	return &testServer{server: srv, handler: srv.routes(), logs: logs}
}

func newCoordinator(t *testing.T, kind string) coordinator.ServerCoordinator {
	t.Helper()
	detector, err := zone.NewDetector(zone.DetectorConfig{Rules: []string{"zone"}})
	require.NoError(t, err)
	coord, err := coordinator.New(kind, coordinator.Options{Sleep: coordinator.ScaledSleep(0)},
		coordinator.ClusteringConfig{Detector: detector, StartPort: 1200, EndPort: 1300})
	require.NoError(t, err)
	return coord
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) preregister(t *testing.T, ip, z string) *registry.Entry {
	t.Helper()
	info := map[string]any{"ip-address": ip}
	if z != "" {
		info["zone"] = z
	}
	rec := ts.do(t, http.MethodPost, "/preregister", cluster.PreregisterRequest{ClientID: "client-" + ip, Info: info})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	e, ok := ts.registry.GetByAddress(ip)
	require.True(t, ok)
	return e
}

func (ts *testServer) register(t *testing.T, info cluster.NodeInfo) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, http.MethodPost, "/register", cluster.RegisterRequest{Node: info})
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) registry.Snapshot {
	t.Helper()
	var snap registry.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	return snap
}

// TestHandlePreregister creates entries and applies the outcome state
func TestHandlePreregister(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantState  registry.State
	}{
		{
			name:       "plain",
			body:       cluster.PreregisterRequest{ClientID: "c1", Info: map[string]any{"ip-address": "10.0.0.1"}},
			wantStatus: http.StatusCreated,
			wantState:  registry.StatePreregistered,
		},
		{
			name:       "installed",
			body:       cluster.PreregisterRequest{Info: map[string]any{"ip": "10.0.0.2"}, State: "INSTALLED"},
			wantStatus: http.StatusCreated,
			wantState:  registry.StateInstalled,
		},
		{
			name:       "ignored",
			body:       cluster.PreregisterRequest{Info: map[string]any{"address": "10.0.0.3"}, State: "ignore_node"},
			wantStatus: http.StatusCreated,
			wantState:  registry.StateIgnoreNode,
		},
		{
			name:       "not installed",
			body:       cluster.PreregisterRequest{Info: map[string]any{"ip-address": "10.0.0.4"}, State: "NOT_INSTALLED"},
			wantStatus: http.StatusCreated,
			wantState:  registry.StateNotInstalled,
		},
		{
			name:       "invalid json",
			body:       "{",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing info",
			body:       cluster.PreregisterRequest{ClientID: "c1"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing address",
			body:       cluster.PreregisterRequest{Info: map[string]any{"zone": "z1"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown state",
			body:       cluster.PreregisterRequest{Info: map[string]any{"ip": "10.0.0.5"}, State: "SLEEPING"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "state not allowed",
			body:       cluster.PreregisterRequest{Info: map[string]any{"ip": "10.0.0.6"}, State: "REGISTERED"},
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, coordinator.KindNoop, newCoordinator(t, coordinator.KindNoop))
			rec := ts.do(t, http.MethodPost, "/preregister", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != http.StatusCreated {
				assert.Zero(t, ts.registry.Len())
				return
			}
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantState, decodeSnapshot(t, rec).State)
		})
	}
}

// TestHandlePreregisterTwice defers to the admission policy
func TestHandlePreregisterTwice(t *testing.T) {
	ts := newTestServer(t, coordinator.KindNoop, newCoordinator(t, coordinator.KindNoop))
	first := ts.preregister(t, "10.0.0.1", "z1")

	second := ts.preregister(t, "10.0.0.1", "z2")
	assert.NotSame(t, first, second, "the permissive coordinator lets the entry be replaced")
	assert.Equal(t, 1, ts.registry.Len())

	ts.registry.SetAdmissionPolicy(nil)
	rec := ts.do(t, http.MethodPost, "/preregister", cluster.PreregisterRequest{Info: map[string]any{"ip": "10.0.0.1"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// TestHandleRegister validates registration requests
func TestHandleRegister(t *testing.T) {
	agent := newFakeAgent(t)
	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"invalid json", "not json", http.StatusBadRequest},
		{"missing id", cluster.RegisterRequest{Node: cluster.NodeInfo{Addr: agent.URL}}, http.StatusBadRequest},
		{"missing addr", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "a"}}, http.StatusBadRequest},
		{"address without host", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "a", Addr: "/relative"}}, http.StatusBadRequest},
		{"known node", cluster.RegisterRequest{Node: agent.info("a", "10.0.0.1")}, http.StatusNoContent},
		{"address from addr", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "b", Addr: agent.URL}}, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, coordinator.KindNoop, newCoordinator(t, coordinator.KindNoop))
			ts.preregister(t, "10.0.0.1", "")

			rec := ts.do(t, http.MethodPost, "/register", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != http.StatusNoContent {
				assert.Empty(t, ts.sessionInfos())
				return
			}
			require.Len(t, ts.sessionInfos(), 1)
			assert.NotEmpty(t, ts.sessionInfos()[0].IPAddress)
		})
	}
}

// TestHandleRegisterMarksEntry moves the entry to REGISTERED
func TestHandleRegisterMarksEntry(t *testing.T) {
	agent := newFakeAgent(t)
	ts := newTestServer(t, coordinator.KindNoop, newCoordinator(t, coordinator.KindNoop))
	e := ts.preregister(t, "10.0.0.1", "")

	require.Equal(t, http.StatusNoContent, ts.register(t, agent.info("a", "10.0.0.1")).Code)
	assert.Equal(t, registry.StateRegistered, e.State())
	assert.Equal(t, "a", e.Registration()["session"])

	// a second registration under the same id replaces the session
	require.Equal(t, http.StatusNoContent, ts.register(t, agent.info("a", "10.0.0.1")).Code)
	assert.Len(t, ts.sessionInfos(), 1)
}

// TestHandleRegisterArchivedNode refuses archived nodes
func TestHandleRegisterArchivedNode(t *testing.T) {
	agent := newFakeAgent(t)
	ts := newTestServer(t, coordinator.KindNoop, newCoordinator(t, coordinator.KindNoop))
	e := ts.preregister(t, "10.0.0.1", "")
	require.NoError(t, e.NodeArchived(nil))

	rec := ts.register(t, agent.info("a", "10.0.0.1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, ts.sessionInfos())
}

// refusingStrategy only admits pre-registered nodes.
type refusingStrategy struct {
	*zone.DefaultStrategy
}

func (refusingStrategy) AllowNotPreregisteredNode(cluster.NodeSession) bool  { return false }
func (refusingStrategy) AllowAlreadyRegisteredNode(cluster.NodeSession) bool { return false }

// TestHandleRegisterRefused forbids nodes the strategy refuses
func TestHandleRegisterRefused(t *testing.T) {
	agent := newFakeAgent(t)
	coord, err := coordinator.NewClustering(coordinator.Options{Sleep: coordinator.ScaledSleep(0)},
		coordinator.ClusteringConfig{Strategy: refusingStrategy{zone.NewDefaultStrategy(nil)}})
	require.NoError(t, err)
	ts := newTestServer(t, coordinator.KindClustering, coord)

	rec := ts.register(t, agent.info("stranger", "10.0.0.9"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, ts.sessionInfos())
	assert.Equal(t, 1, ts.logs.FilterMessage("Registration refused").Len())
	assert.Empty(t, agent.payloads())
}

// archivingStrategy archives the entry of a second session from a registered
// address before refusing it.
type archivingStrategy struct {
	*zone.DefaultStrategy
	reg *registry.Registry
	err error
}

func (a *archivingStrategy) AllowAlreadyRegisteredNode(s cluster.NodeSession) bool {
	if e, ok := a.reg.GetByAddress(s.ClientIPAddress()); ok {
		a.err = e.NodeArchived(nil)
	}
	return false
}

// TestHandleRegisterRefusedEntryGone logs when a refused node's entry can no
// longer record the failure
func TestHandleRegisterRefusedEntryGone(t *testing.T) {
	agent := newFakeAgent(t)
	detector, err := zone.NewDetector(zone.DetectorConfig{Rules: []string{"zone"}})
	require.NoError(t, err)
	strategy := &archivingStrategy{DefaultStrategy: zone.NewDefaultStrategy(nil)}
	coord, err := coordinator.NewClustering(coordinator.Options{Sleep: coordinator.ScaledSleep(0)},
		coordinator.ClusteringConfig{Strategy: strategy, Detector: detector, StartPort: 1200, EndPort: 1300})
	require.NoError(t, err)
	ts := newTestServer(t, coordinator.KindClustering, coord)
	strategy.reg = ts.registry

	e := ts.preregister(t, "10.0.0.1", "z1")
	require.Equal(t, http.StatusNoContent, ts.register(t, agent.info("a", "10.0.0.1")).Code)

	rec := ts.register(t, agent.info("b", "10.0.0.1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.NoError(t, strategy.err)
	assert.Equal(t, registry.StateArchived, e.State())
	assert.Equal(t, 1, ts.logs.FilterMessage("Registration refused").Len())
	assert.Equal(t, 1, ts.logs.FilterMessage("Cannot mark registration failed").Len())
}

// TestClusteringRoundTrip registers a node into a zone and back out
func TestClusteringRoundTrip(t *testing.T) {
	agent := newFakeAgent(t)
	ts := newTestServer(t, coordinator.KindClustering, newCoordinator(t, coordinator.KindClustering))
	e := ts.preregister(t, "10.0.0.1", "z1")

	require.Equal(t, http.StatusNoContent, ts.register(t, agent.info("a", "10.0.0.1")).Code)
	assert.Equal(t, registry.StateRegistered, e.State())
	assert.Equal(t, "z1", e.ZoneID())

	var verbs []string
	for _, p := range agent.payloads() {
		verbs = append(verbs, cluster.Verb(p))
	}
	assert.Subset(t, verbs, []string{"SET-CLIENT-CONFIG", "SET-GROUPING-CONFIG", "SET-ACTIVE-GROUPING", "CLUSTER-KEY", "CLUSTER-JOIN"})
	assert.Contains(t, agent.payloads(), "CLUSTER-JOIN z1 GLOBAL:PER_ZONE:PER_INSTANCE init=false 10.0.0.1:1201")

	rec := ts.do(t, http.MethodGet, "/zones", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var zones struct {
		Zones []zone.Info `json:"zones"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &zones))
	require.Len(t, zones.Zones, 1)
	assert.Equal(t, "z1", zones.Zones[0].ID)
	require.Len(t, zones.Zones[0].Members, 1)
	assert.Equal(t, "a", zones.Zones[0].Members[0].SessionID)

	rec = ts.do(t, http.MethodPost, "/input", cluster.InputRequest{ID: "a", Line: "CLUSTER AGGREGATOR a"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"consumed":true}`, rec.Body.String())

	sent := len(agent.payloads())
	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, "/unregister", cluster.SessionRequest{ID: "a"}).Code)
	assert.Equal(t, registry.StateDisconnected, e.State())
	assert.Contains(t, agent.payloads()[sent:], cluster.CmdClusterLeave, "the agent hears about the departure before the session closes")

	rec = ts.do(t, http.MethodGet, "/zones", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &zones))
	assert.Empty(t, zones.Zones)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/unregister", cluster.SessionRequest{ID: "a"}).Code)
}

// TestHandleReadyAndInput forwards ready signals and input lines
func TestHandleReadyAndInput(t *testing.T) {
	agent := newFakeAgent(t)
	ts := newTestServer(t, coordinator.KindNoop, newCoordinator(t, coordinator.KindNoop))
	require.Equal(t, http.StatusNoContent, ts.register(t, agent.info("a", "10.0.0.1")).Code)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, "/ready", cluster.SessionRequest{ID: "a"}).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/ready", cluster.SessionRequest{ID: "x"}).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/ready", cluster.SessionRequest{}).Code)

	rec := ts.do(t, http.MethodPost, "/input", cluster.InputRequest{ID: "a", Line: "CLUSTER AGGREGATOR a"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"consumed":false}`, rec.Body.String())
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/input", cluster.InputRequest{ID: "x"}).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/input", "[]").Code)
}

// TestHandleArchive archives an entry once
func TestHandleArchive(t *testing.T) {
	ts := newTestServer(t, coordinator.KindNoop, newCoordinator(t, coordinator.KindNoop))
	ts.preregister(t, "10.0.0.1", "")

	rec := ts.do(t, http.MethodPost, "/nodes/10.0.0.1/archive", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, registry.StateArchived, decodeSnapshot(t, rec).State)

	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/nodes/10.0.0.1/archive", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/nodes/10.0.0.2/archive", nil).Code)
}

// TestHandleEvict only drops archived entries
func TestHandleEvict(t *testing.T) {
	ts := newTestServer(t, coordinator.KindNoop, newCoordinator(t, coordinator.KindNoop))
	ts.preregister(t, "10.0.0.1", "")
	ts.preregister(t, "10.0.0.2", "")

	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodDelete, "/nodes/10.0.0.1", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/nodes/10.0.0.9", nil).Code)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/nodes/10.0.0.1/archive", nil).Code)
	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/nodes/10.0.0.1", nil).Code)

	_, ok := ts.registry.GetByAddress("10.0.0.1")
	assert.False(t, ok)
	rec := ts.do(t, http.MethodGet, "/nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Nodes []registry.Snapshot `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Nodes, 1)
	assert.Equal(t, "10.0.0.2", body.Nodes[0].IPAddress)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/nodes/10.0.0.1", nil).Code)
}

// TestHandleListNodes lists entries in order
func TestHandleListNodes(t *testing.T) {
	ts := newTestServer(t, coordinator.KindNoop, newCoordinator(t, coordinator.KindNoop))
	ts.preregister(t, "10.0.0.2", "")
	ts.preregister(t, "10.0.0.1", "")

	rec := ts.do(t, http.MethodGet, "/nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Nodes []registry.Snapshot `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Nodes, 2)
	assert.Equal(t, "10.0.0.2", body.Nodes[0].IPAddress, "listing keeps pre-registration order")
	assert.Equal(t, "10.0.0.1", body.Nodes[1].IPAddress)
}

// TestHandleListZonesWithoutClustering returns no zones
func TestHandleListZonesWithoutClustering(t *testing.T) {
	ts := newTestServer(t, coordinator.KindNoop, newCoordinator(t, coordinator.KindNoop))
	rec := ts.do(t, http.MethodGet, "/zones", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"zones":[]}`, rec.Body.String())
}

// TestHandlePhase describes the coordinator
func TestHandlePhase(t *testing.T) {
	ts := newTestServer(t, coordinator.KindNoop, newCoordinator(t, coordinator.KindNoop))
	rec := ts.do(t, http.MethodGet, "/phase", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"coordinator":"noop","phase":-1,"ready":true}`, rec.Body.String())
}

// TestHandleHealth reports ok
func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t, coordinator.KindNoop, newCoordinator(t, coordinator.KindNoop))
	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	ts.monitor = coordinator.NewHealthMonitor(0, nil)
	rec = ts.do(t, http.MethodGet, "/health", nil)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String(), "no agents checked yet")
}

// TestHandleMetrics exposes registry metrics
func TestHandleMetrics(t *testing.T) {
	ts := newTestServer(t, coordinator.KindNoop, newCoordinator(t, coordinator.KindNoop))
	ts.preregister(t, "10.0.0.1", "")

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "zonekeeper_registry_entries 1")
	assert.Contains(t, rec.Body.String(), `zonekeeper_node_transitions_total{state="PREREGISTERED"} 1`)
}

// TestMethodNotAllowed rejects wrong methods
func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, coordinator.KindNoop, newCoordinator(t, coordinator.KindNoop))
	for _, path := range []string{"/preregister", "/register", "/unregister", "/ready", "/input"} {
		assert.Equal(t, http.StatusMethodNotAllowed, ts.do(t, http.MethodGet, path, nil).Code, path)
	}
	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(t, http.MethodPost, "/nodes", nil).Code)
}

// TestOnUnhealthy disconnects failing agents
func TestOnUnhealthy(t *testing.T) {
	agent := newFakeAgent(t)
	ts := newTestServer(t, coordinator.KindNoop, newCoordinator(t, coordinator.KindNoop))
	e := ts.preregister(t, "10.0.0.1", "")
	require.Equal(t, http.StatusNoContent, ts.register(t, agent.info("a", "10.0.0.1")).Code)

	ts.onUnhealthy(agent.info("a", "10.0.0.1"))
	assert.Empty(t, ts.sessionInfos())
	assert.Equal(t, registry.StateDisconnected, e.State())
	assert.True(t, strings.Contains(e.Registration()["exception"], "health checks"))

	// already gone
	ts.onUnhealthy(agent.info("a", "10.0.0.1"))
	assert.Equal(t, 1, ts.logs.FilterMessage("Agent disconnected").Len())
}

// TestPreregistrationOutcome maps outcome names to transitions
func TestPreregistrationOutcome(t *testing.T) {
	fn, err := preregistrationOutcome("")
	assert.NoError(t, err)
	assert.Nil(t, fn)

	fn, err = preregistrationOutcome("PREREGISTERED")
	assert.NoError(t, err)
	assert.Nil(t, fn)

	_, err = preregistrationOutcome("ARCHIVED")
	assert.Error(t, err)

	_, err = preregistrationOutcome("nope")
	assert.False(t, errors.Is(err, registry.ErrIllegalTransition))
	assert.Error(t, err)
}
