package zone

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/zonekeeper/internal/cluster"
)

// Pacing delays between handshake steps. They give an agent time to apply one
// instruction before the next one arrives.
const (
	JoinSettleDelay     = 1 * time.Second
	ElectionSettleDelay = 5 * time.Second
)

// ClusterActions are the side effects a Strategy may cause. The clustering
// coordinator implements them on top of the node sessions.
type ClusterActions interface {
	SendClusterKey(s cluster.NodeSession, z *Zone) error
	InstructClusterJoin(s cluster.NodeSession, z *Zone, initializer bool) error
	InstructClusterLeave(s cluster.NodeSession, z *Zone) error
	ElectAggregator(z *Zone) error
	// Sleep pauses the calling strategy. It returns early when the
	// coordinator stops.
	Sleep(d time.Duration)
}

// Strategy decides how the broker cluster of a zone forms and shrinks as
// nodes come and go.
//
// NodeAdded is called after s has been appended to z, NodeRemoved after s has
// been removed from it. Both are called with the zone's membership stable for
// the duration of the call.
type Strategy interface {
	AllowAlreadyPreregisteredNode(info map[string]any) bool
	AllowAlreadyRegisteredNode(s cluster.NodeSession) bool
	AllowNotPreregisteredNode(s cluster.NodeSession) bool

	NotPreregisteredNode(s cluster.NodeSession)
	AlreadyRegisteredNode(s cluster.NodeSession)

	NodeAdded(s cluster.NodeSession, actions ClusterActions, z *Zone) error
	NodeRemoved(s cluster.NodeSession, actions ClusterActions, z *Zone) error
}

// PermissiveStrategy admits every node and only logs anomalies. Strategies
// embed it and override what they need.
type PermissiveStrategy struct {
	Logger *zap.Logger
}

func (p PermissiveStrategy) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (PermissiveStrategy) AllowAlreadyPreregisteredNode(map[string]any) bool   { return true }
func (PermissiveStrategy) AllowAlreadyRegisteredNode(cluster.NodeSession) bool { return true }
func (PermissiveStrategy) AllowNotPreregisteredNode(cluster.NodeSession) bool  { return true }

func (p PermissiveStrategy) NotPreregisteredNode(s cluster.NodeSession) {
	p.logger().Warn("Unexpected node connected",
		zap.String("session", s.ID()), zap.String("address", s.ClientIPAddress()))
}

func (p PermissiveStrategy) AlreadyRegisteredNode(s cluster.NodeSession) {
	p.logger().Warn("Node connection from an already registered address",
		zap.String("session", s.ID()), zap.String("address", s.ClientIPAddress()))
}

func (PermissiveStrategy) NodeAdded(cluster.NodeSession, ClusterActions, *Zone) error   { return nil }
func (PermissiveStrategy) NodeRemoved(cluster.NodeSession, ClusterActions, *Zone) error { return nil }

// joinToCluster sends the zone key, the join instruction and, once the node
// had time to join, asks it for its broker list.
func joinToCluster(s cluster.NodeSession, actions ClusterActions, z *Zone, initializer bool) error {
	if err := actions.SendClusterKey(s, z); err != nil {
		return err
	}
	if err := actions.InstructClusterJoin(s, z, initializer); err != nil {
		return err
	}
	actions.Sleep(JoinSettleDelay)
	if err := s.SendCommand(cluster.CmdBrokerList); err != nil {
		return fmt.Errorf("send %q to %s: %w", cluster.CmdBrokerList, s.ID(), err)
	}
	return nil
}

// DefaultStrategy makes every node join its zone's cluster as soon as it
// arrives and leave it when it goes.
type DefaultStrategy struct {
	PermissiveStrategy
	mu sync.Mutex
}

// NewDefaultStrategy returns a DefaultStrategy logging to logger, which may be nil.
func NewDefaultStrategy(logger *zap.Logger) *DefaultStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultStrategy{PermissiveStrategy: PermissiveStrategy{Logger: logger.Named("default-strategy")}}
}

// NodeAdded makes every new node join the zone cluster as a plain member.
func (d *DefaultStrategy) NodeAdded(s cluster.NodeSession, actions ClusterActions, z *Zone) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger().Info("Node to join cluster", zap.String("session", s.ID()), zap.String("zone", z.ID()))
	return joinToCluster(s, actions, z, false)
}

func (d *DefaultStrategy) NodeRemoved(s cluster.NodeSession, actions ClusterActions, z *Zone) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger().Info("Node to leave cluster", zap.String("session", s.ID()), zap.String("zone", z.ID()))
	return actions.InstructClusterLeave(s, z)
}

// AtLeastTwoStrategy only forms a cluster once a zone has two nodes, and
// disbands it when a single node is left.
//
// When the second node arrives, the first node in insertion order joins as the
// cluster initializer, then the new node joins as a member, and after a pause
// the zone elects its aggregator. Later nodes simply join.
type AtLeastTwoStrategy struct {
	PermissiveStrategy
	mu sync.Mutex
}

// NewAtLeastTwoStrategy returns an AtLeastTwoStrategy logging to logger, which
// may be nil.
func NewAtLeastTwoStrategy(logger *zap.Logger) *AtLeastTwoStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AtLeastTwoStrategy{PermissiveStrategy: PermissiveStrategy{Logger: logger.Named("at-least-two-strategy")}}
}

func (a *AtLeastTwoStrategy) NodeAdded(s cluster.NodeSession, actions ClusterActions, z *Zone) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	nodes := z.Nodes()
	switch {
	case len(nodes) < 2:
		a.logger().Debug("Node parked until the zone has two nodes",
			zap.String("session", s.ID()), zap.String("zone", z.ID()))
		return nil

	case len(nodes) == 2:
		if z.MarkFormed() {
			return a.rejoin(s, actions, z)
		}
		// The new node is normally nodes[1]. It is nodes[0] when it replaced a
		// reconnecting node in place; index 0 initializes either way.
		first, second := nodes[0], nodes[1]
		a.logger().Info("First node to initialize cluster", zap.String("session", first.ID()), zap.String("zone", z.ID()))
		if err := joinToCluster(first, actions, z, true); err != nil {
			return err
		}
		a.logger().Info("Node to join cluster", zap.String("session", second.ID()), zap.String("zone", z.ID()))
		if err := joinToCluster(second, actions, z, false); err != nil {
			return err
		}
		a.logger().Info("Elect aggregator", zap.String("zone", z.ID()))
		actions.Sleep(ElectionSettleDelay)
		return actions.ElectAggregator(z)

	default:
		a.logger().Info("Node to join cluster", zap.String("session", s.ID()), zap.String("zone", z.ID()))
		return joinToCluster(s, actions, z, false)
	}
}

// rejoin brings a reconnected node back into a formed two-node cluster. The
// aggregator is elected again only if the old session held the role.
func (a *AtLeastTwoStrategy) rejoin(s cluster.NodeSession, actions ClusterActions, z *Zone) error {
	a.logger().Info("Node to rejoin cluster", zap.String("session", s.ID()), zap.String("zone", z.ID()))
	if err := joinToCluster(s, actions, z, false); err != nil {
		return err
	}
	if z.Aggregator() != nil {
		return nil
	}
	a.logger().Info("Elect aggregator", zap.String("zone", z.ID()))
	actions.Sleep(ElectionSettleDelay)
	return actions.ElectAggregator(z)
}

func (a *AtLeastTwoStrategy) NodeRemoved(s cluster.NodeSession, actions ClusterActions, z *Zone) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger().Info("Node to leave cluster", zap.String("session", s.ID()), zap.String("zone", z.ID()))
	err := actions.InstructClusterLeave(s, z)

	if nodes := z.Nodes(); len(nodes) == 1 {
		last := nodes[0]
		a.logger().Info("Last node to leave cluster", zap.String("session", last.ID()), zap.String("zone", z.ID()))
		err = errors.Join(err, actions.InstructClusterLeave(last, z))
		z.Disband()
	}
	return err
}

// Strategy names accepted by NewStrategy.
const (
	StrategyDefault    = "default"
	StrategyAtLeastTwo = "at-least-two"
)

// NewStrategy returns the strategy registered under name.
func NewStrategy(name string, logger *zap.Logger) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategyDefault:
		return NewDefaultStrategy(logger), nil
	case StrategyAtLeastTwo:
		return NewAtLeastTwoStrategy(logger), nil
	default:
		return nil, fmt.Errorf("unknown zone management strategy %q", name)
	}
}
