package coordinator

import (
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/zonekeeper/internal/cluster"
)

// Groupings the test coordinator configures on every node.
const (
	TestGrouping       = "PER_CLOUD"
	TestActiveGrouping = "PER_INSTANCE"
)

// Pacing of the test coordinator.
const (
	testConfigDelay   = 500 * time.Millisecond
	testActivateDelay = 5 * time.Second
)

// TestCoordinator exercises the grouping configuration path on single nodes.
// Each registering session receives a two-tier broker configuration, the
// upperware broker plus a PER_CLOUD broker, and is then switched to the
// PER_INSTANCE grouping. It has no phases.
type TestCoordinator struct {
	*Noop
}

var _ ServerCoordinator = (*TestCoordinator)(nil)

// NewTestCoordinator returns a TestCoordinator.
func NewTestCoordinator(opts Options) *TestCoordinator {
	return &TestCoordinator{Noop: newNoop("test", opts)}
}

// Register configures s synchronously; it returns after the final pause.
func (t *TestCoordinator) Register(s cluster.NodeSession) error {
	if !t.logInvocation("register", sessionLabel(s), true) {
		return nil
	}
	_, span := t.opts.Tracer.Start(t.context(), "coordinator.Register")
	defer span.End()

	server := t.Server()
	conns := map[string]cluster.BrokerConfig{
		server.UpperwareGrouping(): server.UpperwareBrokerConfig(),
		TestGrouping:               server.GroupingBrokerConfig(TestGrouping, s),
	}
	t.logger.Info("Sending grouping configurations", zap.String("session", sessionLabel(s)))
	if err := sendGroupingConfigurations(server, conns, s); err != nil {
		t.logger.Warn("Sending grouping configurations failed", zap.String("session", sessionLabel(s)), zap.Error(err))
		span.RecordError(err)
		return err
	}
	t.Sleep(testConfigDelay)

	t.logger.Info("Setting active grouping", zap.String("session", sessionLabel(s)), zap.String("grouping", TestActiveGrouping))
	err := s.SetActiveGrouping(TestActiveGrouping)
	t.opts.Metrics.ObserveCommand("SET-ACTIVE-GROUPING", err)
	if err != nil {
		t.logger.Warn("Setting active grouping failed", zap.String("session", sessionLabel(s)), zap.Error(err))
		span.RecordError(err)
		return err
	}
	t.Sleep(testActivateDelay)
	return nil
}
