package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/zonekeeper/internal/cluster"
	"github.com/dreamware/zonekeeper/internal/registry"
)

// Noop is the baseline coordinator. It only tracks whether it was started,
// reports the topology ready as soon as it starts and ignores every node
// event. It is the safe default and the base the test and clustering
// coordinators embed for their lifecycle guard.
type Noop struct {
	name   string
	logger *zap.Logger
	opts   Options

	mu        sync.RWMutex
	started   bool
	ctx       context.Context
	cancel    context.CancelFunc
	tc        TranslationContext
	upperware string
	server    Server
	onReady   ReadyFunc
}

var _ ServerCoordinator = (*Noop)(nil)

// NewNoop returns a coordinator that configures nodes but runs no phases.
func NewNoop(opts Options) *Noop {
	return newNoop("noop", opts)
}

func newNoop(name string, opts Options) *Noop {
	opts = opts.withDefaults(name)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return &Noop{name: name, logger: opts.Logger, opts: opts, ctx: ctx, cancel: cancel}
}

// logInvocation logs a call to method and reports whether the coordinator is
// started. With checkStarted set, a call on a stopped coordinator is a
// warning; without it, a call on a running one is.
func (n *Noop) logInvocation(method, subject string, checkStarted bool) bool {
	started := n.IsStarted()
	fields := []zap.Field{zap.String("method", method)}
	if subject != "" {
		fields = append(fields, zap.String("subject", subject))
	}
	switch {
	case checkStarted && !started:
		n.logger.Warn("Coordinator has not been started", fields...)
	case !checkStarted && started:
		n.logger.Warn("Coordinator is already running", fields...)
	default:
		n.logger.Debug("Method invoked", fields...)
	}
	return started
}

func (n *Noop) Initialize(tc TranslationContext, upperwareGrouping string, server Server, onReady ReadyFunc) error {
	if n.logInvocation("initialize", "", false) {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tc = tc
	n.upperware = upperwareGrouping
	n.server = server
	n.onReady = onReady
	return nil
}

// Start marks the coordinator started and invokes the ready callback.
func (n *Noop) Start() {
	if n.logInvocation("start", "", false) {
		return
	}
	n.mu.Lock()
	n.started = true
	n.ctx, n.cancel = context.WithCancel(context.Background())
	onReady := n.onReady
	n.mu.Unlock()

	n.opts.Metrics.SetPhase(n.name, PhaseNone)
	if onReady != nil {
		n.logger.Info("Invoking ready callback")
		onReady()
	}
}

// Stop marks the coordinator stopped and interrupts pending pacing sleeps.
func (n *Noop) Stop() {
	if !n.logInvocation("stop", "", true) {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = false
	n.cancel()
}

func (n *Noop) IsStarted() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.started
}

func (n *Noop) Server() Server {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.server
}

func (n *Noop) TranslationContext() TranslationContext {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.tc
}

// context is cancelled by Stop.
func (n *Noop) context() context.Context {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ctx
}

// Sleep pauses for d, or until the coordinator stops.
func (n *Noop) Sleep(d time.Duration) {
	n.opts.Sleep(n.context(), d)
}

func (n *Noop) Phase() int { return PhaseNone }

func (n *Noop) Preregister(e *registry.Entry) {
	n.logInvocation("preregister", e.NodeIDAndAddress(), true)
}

func (n *Noop) Register(s cluster.NodeSession) error {
	n.logInvocation("register", sessionLabel(s), true)
	return nil
}

func (n *Noop) Unregister(s cluster.NodeSession) {
	n.logInvocation("unregister", sessionLabel(s), true)
}

func (n *Noop) ClientReady(s cluster.NodeSession) {
	n.logInvocation("client-ready", sessionLabel(s), true)
}

func (n *Noop) ProcessClientInput(cluster.NodeSession, string) bool { return false }

func (n *Noop) AllowAlreadyPreregisteredNode(map[string]any) bool   { return true }
func (n *Noop) AllowAlreadyRegisteredNode(cluster.NodeSession) bool { return true }
func (n *Noop) AllowNotPreregisteredNode(cluster.NodeSession) bool  { return true }
