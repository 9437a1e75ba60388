package coordinator

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dreamware/zonekeeper/internal/cluster/clustertest"
	"github.com/dreamware/zonekeeper/internal/registry"
)

// TestNoopStartInvokesReadyCallback calls the ready callback once
func TestNoopStartInvokesReadyCallback(t *testing.T) {
	var calls atomic.Int32
	n := NewNoop(Options{})
	require.NoError(t, n.Initialize(TranslationContext{}, "GLOBAL", newTestServer(0), func() { calls.Add(1) }))

	n.Start()
	assert.True(t, n.IsStarted())
	assert.Equal(t, int32(1), calls.Load())

	// a second start is ignored
	n.Start()
	assert.Equal(t, int32(1), calls.Load())

	n.Stop()
	assert.False(t, n.IsStarted())
	assert.Equal(t, PhaseNone, n.Phase())
}

// TestNoopGuardsLifecycle warns about calls in the wrong lifecycle state
func TestNoopGuardsLifecycle(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	n := NewNoop(Options{Logger: zap.New(core)})
	s := clustertest.NewSession("a", "10.0.0.1")

	assert.NoError(t, n.Register(s))
	n.Unregister(s)
	n.ClientReady(s)
	n.Preregister(registry.NewEntry("10.0.0.1", "c"))
	n.Stop()
	assert.Equal(t, 5, logs.FilterMessage("Coordinator has not been started").Len())

	n.Start()
	require.NoError(t, n.Initialize(TranslationContext{}, "GLOBAL", newTestServer(0), nil))
	n.Start()
	assert.Equal(t, 2, logs.FilterMessage("Coordinator is already running").Len())
	assert.Nil(t, n.Server(), "initialize while running is ignored")

	logs.TakeAll()
	assert.NoError(t, n.Register(s))
	n.ClientReady(s)
	assert.Zero(t, logs.Len())
	assert.Empty(t, s.Messages())
}

// TestNoopDefaults admits every node and consumes no input
func TestNoopDefaults(t *testing.T) {
	n := NewNoop(Options{})
	s := clustertest.NewSession("a", "10.0.0.1")
	assert.True(t, n.AllowAlreadyPreregisteredNode(nil))
	assert.True(t, n.AllowAlreadyRegisteredNode(s))
	assert.True(t, n.AllowNotPreregisteredNode(s))
	assert.False(t, n.ProcessClientInput(s, "CLUSTER AGGREGATOR a"))
}

// TestNoopStopInterruptsSleep wakes pacing sleeps on Stop
func TestNoopStopInterruptsSleep(t *testing.T) {
	n := NewNoop(Options{})
	n.Start()

	done := make(chan struct{})
	go func() {
		n.Sleep(time.Hour)
		close(done)
	}()

	n.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sleep not interrupted by Stop")
	}

	// stopped coordinators do not pace at all
	start := time.Now()
	n.Sleep(time.Hour)
	assert.Less(t, time.Since(start), time.Second)
}
