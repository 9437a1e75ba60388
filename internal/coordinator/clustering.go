package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/zonekeeper/internal/cluster"
	"github.com/dreamware/zonekeeper/internal/events"
	"github.com/dreamware/zonekeeper/internal/registry"
	"github.com/dreamware/zonekeeper/internal/zone"
)

// ConfigSettleDelay separates the configuration messages sent to a
// registering node.
const ConfigSettleDelay = 500 * time.Millisecond

// ClusteringConfig configures a Clustering coordinator.
type ClusteringConfig struct {
	Strategy  zone.Strategy
	Detector  *zone.Detector
	StartPort int
	EndPort   int
}

// zoneActor serializes everything that happens to one zone. pending counts
// the callers that resolved the zone and have not finished with it yet; a
// zone is only dropped when it is empty and nobody is about to use it.
type zoneActor struct {
	zone    *zone.Zone
	box     *mailbox
	cancel  context.CancelFunc
	pending int
}

// Clustering groups registered nodes into zones and has the nodes of each
// zone form a broker cluster, following a zone.Strategy. It drives a three
// level topology: a GLOBAL top level, an aggregator level and a last level
// every node works in.
//
// Each zone has its own mailbox. Adding or removing a node and the strategy
// call that follows run as one message, so strategies always see a stable
// member list and different zones progress independently.
type Clustering struct {
	*Noop

	strategy  zone.Strategy
	detector  *zone.Detector
	startPort int
	endPort   int

	topoMu    sync.Mutex
	groupings cluster.Groupings
	zones     map[string]*zoneActor
	ignored   map[string]*registry.Entry
	actors    sync.WaitGroup
}

var (
	_ ServerCoordinator   = (*Clustering)(nil)
	_ zone.ClusterActions = (*Clustering)(nil)
)

// NewClustering builds a clustering coordinator. A nil Strategy falls back to
// the default strategy. The port range must not be empty.
func NewClustering(opts Options, cfg ClusteringConfig) (*Clustering, error) {
	c := &Clustering{
		Noop:      newNoop("clustering", opts),
		strategy:  cfg.Strategy,
		detector:  cfg.Detector,
		startPort: cfg.StartPort,
		endPort:   cfg.EndPort,
		zones:     make(map[string]*zoneActor),
		ignored:   make(map[string]*registry.Entry),
	}
	if c.strategy == nil {
		c.strategy = zone.NewDefaultStrategy(c.logger)
	}
	if c.detector == nil {
		d, err := zone.NewDetector(zone.DetectorConfig{})
		if err != nil {
			return nil, err
		}
		c.detector = d
	}
	if c.startPort == 0 {
		c.startPort = zone.DefaultStartPort
	}
	if c.endPort == 0 {
		c.endPort = zone.DefaultEndPort
	}
	if c.startPort > c.endPort {
		return nil, fmt.Errorf("zone port range %d-%d is empty", c.startPort, c.endPort)
	}
	return c, nil
}

// ClusteringSupported reports whether tc describes a three level topology
// with GLOBAL on top.
func ClusteringSupported(tc TranslationContext) bool {
	g := sortGroupings(tc.Groupings)
	return len(g) == 3 && g[0] == "GLOBAL" && g[1] != g[2] && g[0] != g[1]
}

// Initialize checks the topology and orders its groupings into top,
// aggregator and last level.
func (c *Clustering) Initialize(tc TranslationContext, upperwareGrouping string, server Server, onReady ReadyFunc) error {
	if c.IsStarted() {
		return c.Noop.Initialize(tc, upperwareGrouping, server, onReady)
	}
	if !ClusteringSupported(tc) {
		return fmt.Errorf("%w: clustering needs three groupings including GLOBAL, got %v",
			ErrUnsupportedContext, tc.Groupings)
	}
	if err := c.Noop.Initialize(tc, upperwareGrouping, server, onReady); err != nil {
		return err
	}
	g := sortGroupings(tc.Groupings)
	c.topoMu.Lock()
	c.groupings = cluster.Groupings{Top: g[0], Aggregator: g[1], Last: g[2]}
	c.topoMu.Unlock()
	c.logger.Info("Initialized",
		zap.String("top_level", g[0]), zap.String("aggregator", g[1]), zap.String("last_level", g[2]))
	return nil
}

// Stop interrupts pacing sleeps, stops every zone mailbox and forgets the
// topology.
func (c *Clustering) Stop() {
	if !c.IsStarted() {
		c.Noop.Stop()
		return
	}
	c.Noop.Stop()

	c.topoMu.Lock()
	for id, za := range c.zones {
		za.cancel()
		delete(c.zones, id)
		c.opts.Metrics.DropZone(id)
	}
	c.opts.Metrics.SetZones(0)
	c.topoMu.Unlock()
	c.actors.Wait()
	c.logger.Info("Topology cleared")
}

func (c *Clustering) Groupings() cluster.Groupings {
	c.topoMu.Lock()
	defer c.topoMu.Unlock()
	return c.groupings
}

func (c *Clustering) AllowAlreadyPreregisteredNode(info map[string]any) bool {
	return c.strategy.AllowAlreadyPreregisteredNode(info)
}

func (c *Clustering) AllowAlreadyRegisteredNode(s cluster.NodeSession) bool {
	return c.strategy.AllowAlreadyRegisteredNode(s)
}

func (c *Clustering) AllowNotPreregisteredNode(s cluster.NodeSession) bool {
	return c.strategy.AllowNotPreregisteredNode(s)
}

// acquire returns the actor of zone id, creating it if needed, and marks it
// in use. Every acquire is paired with one inZone.
func (c *Clustering) acquire(id string) (*zoneActor, error) {
	c.topoMu.Lock()
	defer c.topoMu.Unlock()
	za, ok := c.zones[id]
	if !ok {
		z, err := zone.New(id, c.startPort, c.endPort)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		za = &zoneActor{zone: z, box: newMailbox(), cancel: cancel}
		c.zones[id] = za
		c.actors.Add(1)
		go func() {
			defer c.actors.Done()
			za.box.run(ctx)
		}()
		c.opts.Metrics.SetZones(len(c.zones))
		c.publish(events.Event{Kind: events.KindZoneCreated, Time: time.Now(), ZoneID: id})
		c.logger.Info("Zone created", zap.String("zone", id))
	}
	za.pending++
	return za, nil
}

// acquireBySession returns the actor of the zone s is a member of.
func (c *Clustering) acquireBySession(s cluster.NodeSession) *zoneActor {
	c.topoMu.Lock()
	defer c.topoMu.Unlock()
	for _, za := range c.zones {
		if _, ok := za.zone.Member(s); ok {
			za.pending++
			return za
		}
	}
	return nil
}

// inZone runs fn on the zone's mailbox, then releases the zone and drops it
// if it ended up empty.
func (c *Clustering) inZone(za *zoneActor, fn func()) bool {
	ok := za.box.call(c.context(), fn)

	c.topoMu.Lock()
	defer c.topoMu.Unlock()
	za.pending--
	if za.pending == 0 && za.zone.IsEmpty() && c.zones[za.zone.ID()] == za {
		za.cancel()
		delete(c.zones, za.zone.ID())
		c.opts.Metrics.DropZone(za.zone.ID())
		c.opts.Metrics.SetZones(len(c.zones))
		c.publish(events.Event{Kind: events.KindZoneRemoved, Time: time.Now(), ZoneID: za.zone.ID()})
		c.logger.Info("Zone removed", zap.String("zone", za.zone.ID()))
	}
	return ok
}

func (c *Clustering) registeredAnywhere(address string) bool {
	c.topoMu.Lock()
	defer c.topoMu.Unlock()
	for _, za := range c.zones {
		if _, ok := za.zone.NodeByAddress(address); ok {
			return true
		}
	}
	return false
}

func (c *Clustering) publish(ev events.Event) {
	if err := c.opts.Publisher.Publish(context.Background(), ev); err != nil {
		c.logger.Debug("Publishing event failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

func (c *Clustering) memberEvent(kind events.Kind, z *zone.Zone, s cluster.NodeSession) {
	c.opts.Metrics.SetZoneSize(z.ID(), z.Len())
	c.publish(events.Event{
		Kind:       kind,
		Time:       time.Now(),
		Address:    s.ClientIPAddress(),
		ZoneID:     z.ID(),
		Attributes: map[string]string{"session": s.ID()},
	})
}

func (c *Clustering) span(name string, s cluster.NodeSession) trace.Span {
	_, span := c.opts.Tracer.Start(c.context(), name, trace.WithAttributes(
		attribute.String("coordinator", c.name),
		attribute.String("session", s.ID()),
		attribute.String("address", s.ClientIPAddress()),
	))
	return span
}

// recordError appends err to the registry entry of the session's node.
func (c *Clustering) recordError(s cluster.NodeSession, err error) {
	server := c.Server()
	if server == nil || server.NodeRegistry() == nil {
		return
	}
	reg := server.NodeRegistry()
	if e, ok := reg.GetByAddress(s.ClientIPAddress()); ok {
		e.AddError(err)
		reg.Persist(e)
	}
}

// Preregister files a node by its pre-registration outcome: ignored nodes
// are remembered, nodes without an agent join their zone as nodes without
// client, installed nodes need nothing until they register.
func (c *Clustering) Preregister(e *registry.Entry) {
	if !c.logInvocation("preregister", e.NodeIDAndAddress(), true) {
		return
	}
	switch st := e.State(); st {
	case registry.StateIgnoreNode:
		c.topoMu.Lock()
		c.ignored[e.NodeAddress()] = e
		c.topoMu.Unlock()
		c.logger.Info("Ignoring node", zap.String("node", e.NodeIDAndAddress()))

	case registry.StateNotInstalled:
		zoneID := c.detector.ZoneIDFor(e)
		za, err := c.acquire(zoneID)
		if err != nil {
			c.logger.Warn("Cannot create zone", zap.String("zone", zoneID), zap.Error(err))
			return
		}
		c.inZone(za, func() {
			if err := za.zone.AddNodeWithoutClient(e); err != nil {
				c.logger.Warn("Cannot add node without client",
					zap.String("node", e.NodeIDAndAddress()), zap.String("zone", zoneID), zap.Error(err))
				return
			}
			c.logger.Info("Node without client added to zone",
				zap.String("node", e.NodeIDAndAddress()), zap.String("zone", zoneID))
			if _, err := za.zone.SendClientConfiguration(); err != nil {
				c.logger.Warn("Sending client configuration failed", zap.String("zone", zoneID), zap.Error(err))
			}
		})

	case registry.StateInstalled:
		c.logger.Debug("Node with client pre-registered", zap.String("node", e.NodeIDAndAddress()))

	default:
		c.logger.Warn("No pre-registration due to node state",
			zap.String("node", e.NodeIDAndAddress()), zap.String("state", st.String()))
	}
}

// IgnoredNodes returns the nodes pre-registered as IGNORE_NODE.
func (c *Clustering) IgnoredNodes() []*registry.Entry {
	c.topoMu.Lock()
	defer c.topoMu.Unlock()
	out := make([]*registry.Entry, 0, len(c.ignored))
	for _, e := range c.ignored {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeAddress() < out[j].NodeAddress() })
	return out
}

// Register admits s, places it in its zone, configures it and lets the
// strategy bring it into the zone's cluster. It returns ErrNodeRefused when
// an admission gate rejects the session, and the joined send errors
// otherwise.
func (c *Clustering) Register(s cluster.NodeSession) error {
	if !c.logInvocation("register", sessionLabel(s), true) {
		return nil
	}
	span := c.span("coordinator.Register", s)
	defer span.End()

	entry, known := c.Server().NodeRegistry().GetByAddress(s.ClientIPAddress())
	if !known {
		if !c.strategy.AllowNotPreregisteredNode(s) {
			c.logger.Warn("Non pre-registered node refused", zap.String("session", sessionLabel(s)))
			return fmt.Errorf("%w: %s is not pre-registered", ErrNodeRefused, sessionLabel(s))
		}
		c.logger.Warn("Non pre-registered node connected", zap.String("session", sessionLabel(s)))
		c.strategy.NotPreregisteredNode(s)
	}

	if c.registeredAnywhere(s.ClientIPAddress()) {
		if !c.strategy.AllowAlreadyRegisteredNode(s) {
			c.logger.Warn("Node refused, a session from the same address exists", zap.String("session", sessionLabel(s)))
			return fmt.Errorf("%w: %s already has a session", ErrNodeRefused, s.ClientIPAddress())
		}
		c.logger.Warn("Already registered node connected", zap.String("session", sessionLabel(s)))
		c.strategy.AlreadyRegisteredNode(s)
	}

	detectFrom := entry
	if !known {
		detectFrom = registry.NewEntry(s.ClientIPAddress(), s.ID())
	}
	zoneID := c.detector.ZoneIDFor(detectFrom)
	span.SetAttributes(attribute.String("zone", zoneID))

	za, err := c.acquire(zoneID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	var regErr error
	if !c.inZone(za, func() { regErr = c.doRegister(s, za.zone, entry) }) {
		regErr = fmt.Errorf("register %s: %w", sessionLabel(s), context.Canceled)
	}
	if regErr != nil {
		span.RecordError(regErr)
	}
	return regErr
}

// doRegister runs on the zone mailbox. entry is nil for nodes that were not
// pre-registered.
func (c *Clustering) doRegister(s cluster.NodeSession, z *zone.Zone, entry *registry.Entry) error {
	member, err := z.AddNode(s)
	if err != nil {
		c.logger.Warn("Cannot add node to zone", zap.String("session", sessionLabel(s)), zap.String("zone", z.ID()), zap.Error(err))
		c.recordError(s, err)
		return err
	}
	if entry != nil {
		for _, o := range z.NodesWithoutClient() {
			if o.NodeAddress() == entry.NodeAddress() {
				if err := z.RemoveNodeWithoutClient(o); err != nil {
					c.logger.Warn("Cannot drop placeholder member", zap.String("zone", z.ID()), zap.String("address", o.NodeAddress()), zap.Error(err))
				}
			}
		}
		entry.SetZoneID(z.ID())
	}
	c.memberEvent(events.KindZoneMemberAdd, z, s)
	c.logger.Info("Node added to zone",
		zap.String("session", sessionLabel(s)), zap.String("zone", z.ID()), zap.Int("cluster_port", member.Port))

	var errs []error
	if _, err := z.SendClientConfiguration(); err != nil {
		errs = append(errs, err)
	}
	c.Sleep(ConfigSettleDelay)

	server := c.Server()
	conns := map[string]cluster.BrokerConfig{server.UpperwareGrouping(): server.UpperwareBrokerConfig()}
	for _, grouping := range server.GroupingNames() {
		conns[grouping] = server.GroupingBrokerConfig(grouping, s)
	}
	if err := sendGroupingConfigurations(server, conns, s); err != nil {
		errs = append(errs, err)
	}
	c.Sleep(ConfigSettleDelay)

	last := c.Groupings().Last
	err = s.SetActiveGrouping(last)
	c.opts.Metrics.ObserveCommand("SET-ACTIVE-GROUPING", err)
	if err != nil {
		errs = append(errs, fmt.Errorf("set active grouping %s on %s: %w", last, sessionLabel(s), err))
	}
	c.Sleep(ConfigSettleDelay)

	for _, err := range errs {
		c.logger.Warn("Configuring node failed", zap.String("session", sessionLabel(s)), zap.Error(err))
		c.recordError(s, err)
	}

	if err := c.strategy.NodeAdded(s, c, z); err != nil {
		c.logger.Warn("Cluster formation step failed",
			zap.String("session", sessionLabel(s)), zap.String("zone", z.ID()), zap.Error(err))
		errs = append(errs, err)
	}
	capable := z.AggregatorCapable(server.NodeRegistry().GetByAddress)
	c.logger.Debug("Aggregator capable nodes", zap.String("zone", z.ID()), zap.Int("count", len(capable)))
	return errors.Join(errs...)
}

// Unregister removes s from its zone and lets the strategy shrink the zone's
// cluster.
func (c *Clustering) Unregister(s cluster.NodeSession) {
	if !c.logInvocation("unregister", sessionLabel(s), true) {
		return
	}
	span := c.span("coordinator.Unregister", s)
	defer span.End()

	za := c.acquireBySession(s)
	if za == nil {
		c.logger.Warn("Non-registered client removed", zap.String("session", sessionLabel(s)))
		return
	}
	c.inZone(za, func() { c.doUnregister(s, za.zone) })
}

func (c *Clustering) doUnregister(s cluster.NodeSession, z *zone.Zone) {
	if !z.RemoveNode(s) {
		c.logger.Debug("Session already replaced", zap.String("session", sessionLabel(s)), zap.String("zone", z.ID()))
		return
	}
	c.memberEvent(events.KindZoneMemberDrop, z, s)
	c.logger.Info("Node removed from zone", zap.String("session", sessionLabel(s)), zap.String("zone", z.ID()))

	if err := c.strategy.NodeRemoved(s, c, z); err != nil {
		c.logger.Warn("Cluster shrink step failed",
			zap.String("session", sessionLabel(s)), zap.String("zone", z.ID()), zap.Error(err))
	}
	if z.Len() > 0 && z.Aggregator() == nil {
		// agents elect a new aggregator among themselves
		c.logger.Warn("Zone without aggregator", zap.String("zone", z.ID()), zap.String("old_member", sessionLabel(s)))
	}
	if reg := c.Server().NodeRegistry(); reg != nil && z.Len() > 0 {
		if capable := z.AggregatorCapable(reg.GetByAddress); len(capable) == 0 {
			c.logger.Warn("No aggregator capable node left in zone", zap.String("zone", z.ID()))
		}
	}
}

// ClientReady is only logged; cluster formation is driven by the strategy.
func (c *Clustering) ClientReady(s cluster.NodeSession) {
	c.logInvocation("client-ready", sessionLabel(s), true)
}

// ProcessClientInput consumes CLUSTER lines. "CLUSTER AGGREGATOR <id>" makes
// the reporting session the aggregator of its zone.
func (c *Clustering) ProcessClientInput(s cluster.NodeSession, line string) bool {
	if !cluster.IsClusterInput(line) {
		return false
	}
	id, ok := cluster.ParseAggregatorReport(line)
	if !ok {
		c.logger.Debug("Cluster input ignored", zap.String("session", sessionLabel(s)), zap.String("line", line))
		return true
	}
	z := c.ZoneOf(s)
	if z == nil {
		c.logger.Warn("Aggregator report from a node outside any zone", zap.String("session", sessionLabel(s)))
		return true
	}
	z.SetAggregator(s)
	c.publish(events.Event{
		Kind:       events.KindZoneAggregator,
		Time:       time.Now(),
		Address:    s.ClientIPAddress(),
		ZoneID:     z.ID(),
		Attributes: map[string]string{"session": s.ID(), "reported_id": id},
	})
	c.logger.Info("Updated zone aggregator",
		zap.String("zone", z.ID()), zap.String("session", sessionLabel(s)), zap.String("reported_id", id))
	return true
}

// ZoneOf returns the zone s is a member of, or nil.
func (c *Clustering) ZoneOf(s cluster.NodeSession) *zone.Zone {
	c.topoMu.Lock()
	defer c.topoMu.Unlock()
	for _, za := range c.zones {
		if _, ok := za.zone.Member(s); ok {
			return za.zone
		}
	}
	return nil
}

// Zone returns the zone with the given id.
func (c *Clustering) Zone(id string) (*zone.Zone, bool) {
	c.topoMu.Lock()
	defer c.topoMu.Unlock()
	za, ok := c.zones[id]
	if !ok {
		return nil, false
	}
	return za.zone, true
}

// Zones describes every zone, ordered by id.
func (c *Clustering) Zones() []zone.Info {
	c.topoMu.Lock()
	zs := make([]*zone.Zone, 0, len(c.zones))
	for _, za := range c.zones {
		zs = append(zs, za.zone)
	}
	c.topoMu.Unlock()

	out := make([]zone.Info, 0, len(zs))
	for _, z := range zs {
		out = append(out, z.Info())
	}
	slices.SortFunc(out, func(a, b zone.Info) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// send delivers a logical command, counts it and records failures on the
// node's registry entry.
func (c *Clustering) send(s cluster.NodeSession, cmd string) error {
	verb := cluster.Verb(cmd)
	err := s.SendCommand(cmd)
	c.opts.Metrics.ObserveCommand(verb, err)
	if err != nil {
		err = fmt.Errorf("send %s to %s: %w", verb, sessionLabel(s), err)
		c.logger.Warn("Sending command failed", zap.String("session", sessionLabel(s)), zap.String("command", verb), zap.Error(err))
		c.recordError(s, err)
		return err
	}
	c.logger.Debug("Command sent", zap.String("session", sessionLabel(s)), zap.String("command", verb))
	return nil
}

// SendClusterKey hands the key of z to s.
func (c *Clustering) SendClusterKey(s cluster.NodeSession, z *zone.Zone) error {
	key := z.Key()
	if err := c.send(s, cluster.ClusterKeyCommand(z.ID(), key.ID, key.Secret)); err != nil {
		return err
	}
	c.logger.Info("Sent cluster key", zap.String("session", sessionLabel(s)), zap.String("zone", z.ID()))
	return nil
}

// InstructClusterJoin tells s to join the cluster of z, listing every other
// member as a peer.
func (c *Clustering) InstructClusterJoin(s cluster.NodeSession, z *zone.Zone, initializer bool) error {
	self, ok := z.Member(s)
	if !ok {
		return fmt.Errorf("join %s: session is not a member of zone %s", sessionLabel(s), z.ID())
	}
	var peers []string
	for _, m := range z.Members() {
		if m.Session.ID() != s.ID() {
			peers = append(peers, cluster.HostPort(m.Address, m.Port))
		}
	}
	cmd := cluster.ClusterJoinCommand(z.ID(), c.Groupings(), initializer, self.Address, self.Port, peers)
	c.logger.Debug("Node joins cluster", zap.String("session", sessionLabel(s)), zap.String("command", cmd))
	return c.send(s, cmd)
}

func (c *Clustering) InstructClusterLeave(s cluster.NodeSession, z *zone.Zone) error {
	c.logger.Debug("Node leaves cluster", zap.String("session", sessionLabel(s)), zap.String("zone", z.ID()))
	return c.send(s, cluster.CmdClusterLeave)
}

// ElectAggregator asks every member of z to run an aggregator election.
func (c *Clustering) ElectAggregator(z *zone.Zone) error {
	nodes := z.Nodes()
	c.logger.Info("Starting aggregator election", zap.String("zone", z.ID()), zap.Int("nodes", len(nodes)))
	var errs []error
	for _, s := range nodes {
		if err := c.send(s, cluster.CmdElectAggregator); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
