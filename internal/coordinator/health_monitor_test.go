package coordinator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/zonekeeper/internal/cluster"
)

// TestNewHealthMonitor checks the monitor defaults
func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5*time.Second, nil)
	defer monitor.Stop()

	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 2*time.Second, monitor.timeout)
	assert.Equal(t, 3, monitor.maxFailures)
	assert.NotNil(t, monitor.httpClient)
	assert.Empty(t, monitor.AllNodeHealth())
}

// TestHealthMonitorStart checks every listed session on each tick
func TestHealthMonitorStart(t *testing.T) {
	monitor := NewHealthMonitor(20*time.Millisecond, nil)
	var calls atomic.Int32
	monitor.SetCheckFunction(func(context.Context, string) error {
		calls.Add(1)
		return nil
	})
	nodes := func() []cluster.NodeInfo {
		return []cluster.NodeInfo{
			{ID: "s1", Addr: "http://10.0.0.1:8081", IPAddress: "10.0.0.1"},
			{ID: "s2", Addr: "http://10.0.0.2:8081", IPAddress: "10.0.0.2"},
		}
	}

	done := make(chan struct{})
	go func() {
		monitor.Start(context.Background(), nodes)
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 6 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, monitor.IsHealthy("s1"))
	assert.True(t, monitor.IsHealthy("s2"))

	monitor.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

// TestHealthMonitorStopsWithContext returns from Start when the context ends
func TestHealthMonitorStopsWithContext(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour, nil)
	monitor.SetCheckFunction(func(context.Context, string) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		monitor.Start(ctx, func() []cluster.NodeInfo { return nil })
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}

// TestHealthMonitorUnhealthyTransition reports a session once after repeated failures
func TestHealthMonitorUnhealthyTransition(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour, nil)
	defer monitor.Stop()

	var (
		mu        sync.Mutex
		failing   = true
		unhealthy []cluster.NodeInfo
	)
	monitor.SetCheckFunction(func(context.Context, string) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return errors.New("connection refused")
		}
		return nil
	})
	reported := make(chan cluster.NodeInfo, 4)
	monitor.SetOnUnhealthy(func(n cluster.NodeInfo) { reported <- n })

	node := cluster.NodeInfo{ID: "s1", Addr: "http://10.0.0.1:8081", IPAddress: "10.0.0.1"}
	ctx := context.Background()

	monitor.checkAll(ctx, []cluster.NodeInfo{node})
	monitor.checkAll(ctx, []cluster.NodeInfo{node})
	health, ok := monitor.NodeHealth("s1")
	require.True(t, ok)
	assert.Equal(t, StatusUnknown, health.Status)
	assert.Equal(t, 2, health.ConsecutiveFails)
	assert.Equal(t, "10.0.0.1", health.Address)

	monitor.checkAll(ctx, []cluster.NodeInfo{node})
	select {
	case n := <-reported:
		unhealthy = append(unhealthy, n)
	case <-time.After(2 * time.Second):
		t.Fatal("unhealthy callback not invoked")
	}
	assert.Equal(t, []cluster.NodeInfo{node}, unhealthy)
	assert.False(t, monitor.IsHealthy("s1"))

	// further failures do not report again
	monitor.checkAll(ctx, []cluster.NodeInfo{node})
	assert.Never(t, func() bool { return len(reported) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	mu.Lock()
	failing = false
	mu.Unlock()
	monitor.checkAll(ctx, []cluster.NodeInfo{node})
	health, _ = monitor.NodeHealth("s1")
	assert.Equal(t, StatusHealthy, health.Status)
	assert.Zero(t, health.ConsecutiveFails)
	assert.Equal(t, health.LastCheck, health.LastHealthy)
}

// TestHealthMonitorForgetsDepartedSessions drops sessions that are no longer listed
func TestHealthMonitorForgetsDepartedSessions(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour, nil)
	defer monitor.Stop()
	monitor.SetCheckFunction(func(context.Context, string) error { return nil })
	a := cluster.NodeInfo{ID: "a", Addr: "http://10.0.0.1:8081"}
	b := cluster.NodeInfo{ID: "b", Addr: "http://10.0.0.2:8081"}

	monitor.checkAll(context.Background(), []cluster.NodeInfo{a, b})
	assert.Len(t, monitor.AllNodeHealth(), 2)

	monitor.checkAll(context.Background(), []cluster.NodeInfo{b})
	_, ok := monitor.NodeHealth("a")
	assert.False(t, ok)
	assert.Len(t, monitor.AllNodeHealth(), 1)
}

// TestHTTPCheck hits the agent health endpoint
func TestHTTPCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	monitor := NewHealthMonitor(time.Hour, nil)
	defer monitor.Stop()
	ctx := context.Background()

	assert.NoError(t, monitor.httpCheck(ctx, healthy.URL))
	assert.NoError(t, monitor.httpCheck(ctx, healthy.URL+"/"))
	assert.NoError(t, monitor.httpCheck(ctx, healthy.URL+"/health"))
	assert.NoError(t, monitor.httpCheck(ctx, healthy.Listener.Addr().String()))
	assert.ErrorContains(t, monitor.httpCheck(ctx, broken.URL), "status 503")

	healthy.Close()
	assert.ErrorContains(t, monitor.httpCheck(ctx, healthy.URL), "request failed")
}
