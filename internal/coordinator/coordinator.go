package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/zonekeeper/internal/cluster"
	"github.com/dreamware/zonekeeper/internal/events"
	"github.com/dreamware/zonekeeper/internal/metrics"
	"github.com/dreamware/zonekeeper/internal/registry"
)

const tracerName = "github.com/dreamware/zonekeeper/internal/coordinator"

// PhaseNone is reported by coordinators without a phase state machine.
const PhaseNone = -1

var (
	// ErrUnsupportedContext is returned by Initialize when a coordinator cannot
	// drive the grouping topology it was given.
	ErrUnsupportedContext = errors.New("translation context not supported")

	// ErrNodeRefused is returned by Register when an admission gate rejects a
	// session. The caller should close the session.
	ErrNodeRefused = errors.New("node refused")
)

// ReadyFunc is invoked once the coordinator considers the topology ready.
type ReadyFunc func()

// TranslationContext describes the monitoring topology the coordinator brings
// up. Groupings lists the grouping names in use, e.g. GLOBAL, PER_ZONE and
// PER_INSTANCE.
type TranslationContext struct {
	Groupings []string
}

// Server is what a coordinator needs from the process hosting it.
type Server interface {
	NodeRegistry() *registry.Registry
	UpperwareGrouping() string
	// GroupingNames are the groupings every node receives a configuration for.
	GroupingNames() []string
	UpperwareBrokerConfig() cluster.BrokerConfig
	GroupingBrokerConfig(grouping string, s cluster.NodeSession) cluster.BrokerConfig
	BrokerCredentials() (username, password string)
	// NumberOfInstances is the fleet size a fixed-size bring-up waits for.
	NumberOfInstances() int
}

// ServerCoordinator drives node registration events into a monitoring
// topology and tells the host when that topology is ready.
//
// Calls made in the wrong lifecycle state are logged and ignored; only
// Initialize and Register report errors.
type ServerCoordinator interface {
	Initialize(tc TranslationContext, upperwareGrouping string, server Server, onReady ReadyFunc) error
	Start()
	Stop()
	Phase() int

	Preregister(e *registry.Entry)
	Register(s cluster.NodeSession) error
	Unregister(s cluster.NodeSession)
	ClientReady(s cluster.NodeSession)
	// ProcessClientInput offers an input line sent by an agent. It reports
	// whether the coordinator consumed it.
	ProcessClientInput(s cluster.NodeSession, line string) bool

	AllowAlreadyPreregisteredNode(info map[string]any) bool
	AllowAlreadyRegisteredNode(s cluster.NodeSession) bool
	AllowNotPreregisteredNode(s cluster.NodeSession) bool
}

// ServerInfo is a static Server.
type ServerInfo struct {
	Registry       *registry.Registry
	Upperware      cluster.BrokerConfig
	Groupings      []string
	Instances      int
	BrokerUsername string
	BrokerPassword string
}

var _ Server = (*ServerInfo)(nil)

func (si *ServerInfo) NodeRegistry() *registry.Registry { return si.Registry }
func (si *ServerInfo) UpperwareGrouping() string        { return si.Upperware.Grouping }
func (si *ServerInfo) GroupingNames() []string          { return slices.Clone(si.Groupings) }
func (si *ServerInfo) NumberOfInstances() int           { return si.Instances }

func (si *ServerInfo) BrokerCredentials() (string, string) {
	return si.BrokerUsername, si.BrokerPassword
}

func (si *ServerInfo) UpperwareBrokerConfig() cluster.BrokerConfig {
	cfg := si.Upperware
	if cfg.Username == "" {
		cfg.Username, cfg.Password = si.BrokerUsername, si.BrokerPassword
	}
	return cfg
}

// GroupingBrokerConfig points a grouping at the broker the session's agent
// runs. Sessions that advertise no broker fall back to the upperware broker.
func (si *ServerInfo) GroupingBrokerConfig(grouping string, s cluster.NodeSession) cluster.BrokerConfig {
	cfg := si.UpperwareBrokerConfig()
	cfg.Grouping = grouping
	if adv, ok := s.(cluster.BrokerAdvertiser); ok && adv.BrokerURL() != "" {
		cfg.URL = adv.BrokerURL()
	}
	return cfg
}

// Options carries the dependencies shared by every coordinator variant.
type Options struct {
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Publisher events.Publisher
	Tracer    trace.Tracer
	// Sleep paces multi-step handshakes. It must return early once ctx is
	// done. Nil sleeps on a timer.
	Sleep func(ctx context.Context, d time.Duration)
}

func (o Options) withDefaults(name string) Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	o.Logger = o.Logger.Named(name)
	if o.Publisher == nil {
		o.Publisher = events.NopPublisher{}
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// ScaledSleep returns an Options.Sleep that pauses for d times scale. A
// scale of 0 removes every pause.
func ScaledSleep(scale float64) func(context.Context, time.Duration) {
	return func(ctx context.Context, d time.Duration) {
		if d = time.Duration(float64(d) * scale); d > 0 {
			sleepContext(ctx, d)
		}
	}
}

func sessionLabel(s cluster.NodeSession) string {
	if s == nil {
		return ""
	}
	return s.ID() + " @ " + s.ClientIPAddress()
}

// sendGroupingConfigurations pushes one grouping configuration per server
// grouping, each carrying every broker connection in conns.
func sendGroupingConfigurations(server Server, conns map[string]cluster.BrokerConfig, s cluster.NodeSession) error {
	user, pass := server.BrokerCredentials()
	var errs []error
	for _, grouping := range server.GroupingNames() {
		gc := cluster.GroupingConfig{
			Name:              grouping,
			BrokerConnections: conns,
			BrokerUsername:    user,
			BrokerPassword:    pass,
		}
		if err := cluster.SendGroupingConfig(s, gc); err != nil {
			errs = append(errs, fmt.Errorf("send %s grouping configuration to %s: %w", grouping, s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Grouping names from the widest to the narrowest scope.
var groupingOrder = []string{"GLOBAL", "PER_CLOUD", "PER_REGION", "PER_ZONE", "PER_HOST", "PER_INSTANCE"}

// sortGroupings orders names from the widest to the narrowest scope. Unknown
// names sort last, alphabetically.
func sortGroupings(names []string) []string {
	rank := func(n string) int {
		if i := slices.Index(groupingOrder, n); i >= 0 {
			return i
		}
		return len(groupingOrder)
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, strings.ToUpper(strings.TrimSpace(n)))
	}
	slices.SortFunc(out, func(a, b string) int {
		if ra, rb := rank(a), rank(b); ra != rb {
			return ra - rb
		}
		return strings.Compare(a, b)
	})
	return out
}
