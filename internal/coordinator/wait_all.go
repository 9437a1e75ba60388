package coordinator

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/zonekeeper/internal/cluster"
	"github.com/dreamware/zonekeeper/internal/events"
	"github.com/dreamware/zonekeeper/internal/registry"
)

// WaitAll bring-up phases.
const (
	PhaseCollecting       = 0 // waiting for the expected number of sessions
	PhaseSelectingBroker  = 1
	PhaseBrokerPreparing  = 2 // ROLE BROKER sent, waiting for the broker
	PhaseClientsPreparing = 3 // ROLE CLIENT sent, waiting for the others
	PhaseTopologyReady    = 4
	PhaseDone             = 5
)

// WaitAll brings up a fixed-size fleet. It waits for the expected number of
// sessions, elects one of them broker, then has every other session prepare
// as a client of that broker. The ready callback fires once all of them
// reported ready.
//
// All state changes are applied by a single mailbox goroutine. Sends to the
// nodes and the ready callback run as background tasks outside of it and
// re-check the phase by posting back, so late or duplicate signals are
// no-ops.
//
// A session that disconnects after the collecting phase is not replaced: the
// bring-up then never completes. This is logged, not recovered from.
type WaitAll struct {
	logger *zap.Logger
	opts   Options
	pick   func(n int) int

	mu       sync.Mutex
	expected int
	onReady  ReadyFunc
	server   Server
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	box      *mailbox
	group    *errgroup.Group

	phase atomic.Int32

	// owned by the mailbox goroutine
	clients []cluster.NodeSession
	broker  cluster.NodeSession
	ready   map[string]bool
}

var _ ServerCoordinator = (*WaitAll)(nil)

const waitAllName = "wait-all"

// NewWaitAll creates a WaitAll coordinator. pick chooses the broker index
// among n sessions; nil picks uniformly at random.
func NewWaitAll(opts Options, pick func(n int) int) *WaitAll {
	opts = opts.withDefaults(waitAllName)
	if pick == nil {
		pick = rand.Intn
	}
	return &WaitAll{logger: opts.Logger, opts: opts, pick: pick}
}

// Initialize reads the expected fleet size from the server.
func (w *WaitAll) Initialize(_ TranslationContext, _ string, server Server, onReady ReadyFunc) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		w.logger.Warn("Coordinator is already running", zap.String("method", "initialize"))
		return nil
	}
	w.server = server
	w.expected = server.NumberOfInstances()
	w.onReady = onReady
	w.logger.Info("Initialized", zap.Int("expected_clients", w.expected))
	return nil
}

// Start launches the mailbox goroutine.
func (w *WaitAll) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		w.logger.Warn("Coordinator is already running", zap.String("method", "start"))
		return
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.group, _ = errgroup.WithContext(w.ctx)
	w.box = newMailbox()
	w.ready = make(map[string]bool)
	w.clients = nil
	w.broker = nil
	w.setPhase(PhaseCollecting)
	w.started = true

	box, ctx := w.box, w.ctx
	w.group.Go(func() error {
		box.run(ctx)
		return nil
	})
}

// Stop ends the mailbox goroutine and waits for background tasks.
func (w *WaitAll) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		w.logger.Warn("Coordinator has not been started", zap.String("method", "stop"))
		return
	}
	w.started = false
	w.cancel()
	group := w.group
	w.mu.Unlock()

	_ = group.Wait()
	w.logger.Info("Stopped")
}

func (w *WaitAll) Phase() int { return int(w.phase.Load()) }

// setPhase must be called from the mailbox goroutine or before it starts.
func (w *WaitAll) setPhase(p int) {
	w.phase.Store(int32(p))
	w.opts.Metrics.SetPhase(waitAllName, p)
	if err := w.opts.Publisher.Publish(context.Background(), events.PhaseEvent(waitAllName, p)); err != nil {
		w.logger.Debug("Publishing phase event failed", zap.Int("phase", p), zap.Error(err))
	}
}

// post runs fn on the mailbox goroutine and waits for it. It reports false
// when the coordinator is not running.
func (w *WaitAll) post(method string, fn func()) bool {
	w.mu.Lock()
	started, box, ctx := w.started, w.box, w.ctx
	w.mu.Unlock()
	if !started {
		w.logger.Warn("Coordinator has not been started", zap.String("method", method))
		return false
	}
	return box.call(ctx, fn)
}

// spawn runs fn as a background task; Stop waits for it.
func (w *WaitAll) spawn(fn func()) {
	w.group.Go(func() error {
		fn()
		return nil
	})
}

func (w *WaitAll) span(name string, s cluster.NodeSession) trace.Span {
	_, span := w.opts.Tracer.Start(context.Background(), name, trace.WithAttributes(
		attribute.String("coordinator", waitAllName),
		attribute.String("session", s.ID()),
		attribute.String("address", s.ClientIPAddress()),
	))
	return span
}

// Register collects s while in the collecting phase. The session that
// completes the fleet starts the broker election.
func (w *WaitAll) Register(s cluster.NodeSession) error {
	span := w.span("coordinator.Register", s)
	defer span.End()

	w.post("register", func() {
		if w.Phase() != PhaseCollecting {
			w.logger.Warn("Registration ignored after collecting phase",
				zap.String("session", sessionLabel(s)), zap.Int("phase", w.Phase()))
			return
		}
		w.clients = append(w.clients, s)
		w.logger.Info("Client registered",
			zap.String("session", sessionLabel(s)),
			zap.Int("registered", len(w.clients)), zap.Int("expected", w.expected))
		if len(w.clients) == w.expected {
			w.startPhase1()
		}
	})
	return nil
}

// Unregister forgets s while still collecting. Later departures are only
// logged.
func (w *WaitAll) Unregister(s cluster.NodeSession) {
	span := w.span("coordinator.Unregister", s)
	defer span.End()

	w.post("unregister", func() {
		if w.Phase() != PhaseCollecting {
			w.logger.Warn("Session left during bring-up, it will not be replaced",
				zap.String("session", sessionLabel(s)), zap.Int("phase", w.Phase()))
			return
		}
		before := len(w.clients)
		w.clients = slices.DeleteFunc(w.clients, func(c cluster.NodeSession) bool { return c.ID() == s.ID() })
		if len(w.clients) < before {
			w.logger.Info("Client unregistered",
				zap.String("session", sessionLabel(s)),
				zap.Int("registered", len(w.clients)), zap.Int("expected", w.expected))
		}
	})
}

func (w *WaitAll) startPhase1() {
	if w.Phase() != PhaseCollecting {
		return
	}
	w.logger.Info("All clients registered, selecting broker")
	w.setPhase(PhaseSelectingBroker)
	w.spawn(w.selectBroker)
}

// selectBroker runs in the background.
func (w *WaitAll) selectBroker() {
	var broker cluster.NodeSession
	w.post("select-broker", func() {
		if w.Phase() != PhaseSelectingBroker || len(w.clients) == 0 {
			return
		}
		i := w.pick(len(w.clients))
		if i < 0 || i >= len(w.clients) {
			i = len(w.clients) - 1
		}
		broker = w.clients[i]
		w.broker = broker
		w.setPhase(PhaseBrokerPreparing)
	})
	if broker == nil {
		return
	}
	w.logger.Info("Client will become broker", zap.String("session", sessionLabel(broker)))
	w.signal(broker, cluster.CmdRoleBroker)
}

func (w *WaitAll) signal(s cluster.NodeSession, role string) {
	err := s.SendToClient(role)
	w.opts.Metrics.ObserveCommand(cluster.Verb(role), err)
	if err != nil {
		w.logger.Warn("Sending role failed",
			zap.String("session", sessionLabel(s)), zap.String("role", role), zap.Error(err))
	}
}

// ClientReady advances the bring-up. The broker's signal moves it from
// broker-preparing to clients-preparing; every other session counts once
// towards completion.
func (w *WaitAll) ClientReady(s cluster.NodeSession) {
	span := w.span("coordinator.ClientReady", s)
	defer span.End()

	w.post("client-ready", func() {
		switch w.Phase() {
		case PhaseBrokerPreparing:
			w.brokerReady(s)
		case PhaseClientsPreparing:
			w.clientReady(s)
		default:
			w.logger.Debug("Ready signal ignored",
				zap.String("session", sessionLabel(s)), zap.Int("phase", w.Phase()))
		}
	})
}

func (w *WaitAll) brokerReady(s cluster.NodeSession) {
	if w.broker == nil || s.ID() != w.broker.ID() {
		w.logger.Warn("Ready signal from a client before the broker",
			zap.String("session", sessionLabel(s)))
		return
	}
	w.logger.Info("Broker is ready", zap.String("session", sessionLabel(s)))
	w.ready[s.ID()] = true
	w.setPhase(PhaseClientsPreparing)
	if len(w.ready) == w.expected {
		w.topologyReady()
		return
	}

	broker := w.broker
	others := make([]cluster.NodeSession, 0, len(w.clients))
	for _, c := range w.clients {
		if c.ID() != broker.ID() {
			others = append(others, c)
		}
	}
	w.spawn(func() {
		for _, c := range others {
			w.signal(c, cluster.CmdRoleClient)
		}
	})
}

func (w *WaitAll) clientReady(s cluster.NodeSession) {
	member := slices.ContainsFunc(w.clients, func(c cluster.NodeSession) bool { return c.ID() == s.ID() })
	if !member || w.ready[s.ID()] {
		w.logger.Debug("Ready signal ignored", zap.String("session", sessionLabel(s)))
		return
	}
	w.ready[s.ID()] = true
	w.logger.Info("Client is ready",
		zap.String("session", sessionLabel(s)),
		zap.Int("ready", len(w.ready)), zap.Int("expected", w.expected))
	if len(w.ready) == w.expected {
		w.topologyReady()
	}
}

func (w *WaitAll) topologyReady() {
	w.setPhase(PhaseTopologyReady)
	w.logger.Info("Invoking ready callback")
	w.setPhase(PhaseDone)

	w.mu.Lock()
	onReady := w.onReady
	w.mu.Unlock()
	w.spawn(func() {
		if onReady != nil {
			onReady()
		}
		w.logger.Info("Bring-up finished")
	})
}

func (w *WaitAll) Preregister(e *registry.Entry) {
	w.logger.Debug("Method invoked", zap.String("method", "preregister"), zap.String("subject", e.NodeIDAndAddress()))
}

func (w *WaitAll) ProcessClientInput(cluster.NodeSession, string) bool { return false }

func (w *WaitAll) AllowAlreadyPreregisteredNode(map[string]any) bool   { return true }
func (w *WaitAll) AllowAlreadyRegisteredNode(cluster.NodeSession) bool { return true }
func (w *WaitAll) AllowNotPreregisteredNode(cluster.NodeSession) bool  { return true }
