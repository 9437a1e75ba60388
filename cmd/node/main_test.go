package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/zonekeeper/internal/cluster"
)

// TestRunFlagsOptions turns flags into agent options
func TestRunFlagsOptions(t *testing.T) {
	tests := []struct {
		name    string
		flags   runFlags
		wantIP  string
		wantErr string
	}{
		{"ip from addr", runFlags{id: "a", coordinator: "http://c", addr: "http://10.0.0.1:8081"}, "10.0.0.1", ""},
		{"explicit ip", runFlags{id: "a", coordinator: "http://c", addr: "http://host:8081", ip: "10.0.0.2"}, "10.0.0.2", ""},
		{"missing id", runFlags{coordinator: "http://c", addr: "http://10.0.0.1:8081"}, "", "missing node id"},
		{"missing coordinator", runFlags{id: "a", addr: "http://10.0.0.1:8081"}, "", "missing coordinator"},
		{"bad addr", runFlags{id: "a", coordinator: "http://c", addr: ":8081"}, "", "cannot derive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := tt.flags.options(nil)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantIP, opts.Info.IPAddress)
			assert.Equal(t, "a", opts.Info.ID)
		})
	}
}

// TestFromEnv fills unset flags from the environment
func TestFromEnv(t *testing.T) {
	cmd := newRunCmd()
	env := map[string]string{
		"NODE_ID":          "env-id",
		"NODE_ZONE":        "eu-1",
		"COORDINATOR_ADDR": "http://coordinator:8080",
		"NODE_BROKER_URL":  "ssl://10.0.0.1:61617",
	}
	require.NoError(t, cmd.ParseFlags([]string{"--id", "flag-id"}))

	f := &runFlags{}
	f.fromEnv(cmd, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.Empty(t, f.id, "flags given on the command line win")
	assert.Equal(t, "eu-1", f.zone)
	assert.Equal(t, "http://coordinator:8080", f.coordinator)
	assert.Equal(t, "ssl://10.0.0.1:61617", f.brokerURL)
}

// TestRunCommandNeedsID fails without a node id
func TestRunCommandNeedsID(t *testing.T) {
	t.Setenv("NODE_ID", "")
	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"run", "--coordinator", "http://127.0.0.1:1"})
	assert.ErrorContains(t, root.Execute(), "missing node id")
}

func listen(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln, "http://" + ln.Addr().String()
}

// TestRun registers, serves and unregisters on shutdown
func TestRun(t *testing.T) {
	coord := newFakeCoordinator(t)
	ln, addr := listen(t)
	a := NewAgent(Options{
		Info:        cluster.NodeInfo{ID: "a", Addr: addr, IPAddress: "127.0.0.1"},
		Coordinator: coord.URL,
		Preregister: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, a, ln, zap.NewNop()) }()

	require.Eventually(t, func() bool { return len(coord.paths()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"/preregister", "/register"}, coord.paths())

	// the agent API is up while registered
	resp, err := http.Get(addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not stop")
	}
	assert.Equal(t, []string{"/preregister", "/register", "/unregister"}, coord.paths())
}

// TestRunRefused stops on a refused registration
func TestRunRefused(t *testing.T) {
	coord := newFakeCoordinator(t)
	coord.answer("/register", http.StatusForbidden)
	ln, addr := listen(t)
	a := NewAgent(Options{
		Info:        cluster.NodeInfo{ID: "a", Addr: addr, IPAddress: "127.0.0.1"},
		Coordinator: coord.URL,
	})

	err := run(context.Background(), a, ln, zap.NewNop())
	assert.ErrorContains(t, err, "registration refused")
	assert.Equal(t, []string{"/register"}, coord.paths(), "no pre-registration and no unregister")
}

// TestRunPreregisterFailure stops when pre-registration fails
func TestRunPreregisterFailure(t *testing.T) {
	coord := newFakeCoordinator(t)
	coord.answer("/preregister", http.StatusBadRequest)
	ln, addr := listen(t)
	a := NewAgent(Options{
		Info:        cluster.NodeInfo{ID: "a", Addr: addr, IPAddress: "127.0.0.1"},
		Coordinator: coord.URL,
		Preregister: true,
	})

	assert.ErrorContains(t, run(context.Background(), a, ln, zap.NewNop()), "pre-register")
}
