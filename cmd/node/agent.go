package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/zonekeeper/internal/cluster"
)

// Options configures an Agent.
type Options struct {
	// Info is what the agent registers with. Addr must be reachable by the
	// coordinator.
	Info cluster.NodeInfo
	// Coordinator is the base URL of the coordinator.
	Coordinator string
	// Zone is reported in the pre-registration info when set.
	Zone string
	// Preregister makes the agent pre-register itself before registering.
	Preregister bool
	// ReportAggregator makes the agent answer an aggregator election with a
	// "CLUSTER AGGREGATOR <id>" line naming itself.
	ReportAggregator bool

	RegisterAttempts int
	RetryDelay       time.Duration
	Logger           *zap.Logger
}

// ClusterMembership is the zone cluster an agent was told to join.
type ClusterMembership struct {
	ZoneID      string   `json:"zone_id"`
	Groupings   string   `json:"groupings"`
	Initializer bool     `json:"initializer"`
	Listen      string   `json:"listen"`
	Peers       []string `json:"peers"`
}

// State is what an agent learned from the coordinator so far.
type State struct {
	Role           string                            `json:"role,omitempty"`
	ActiveGrouping string                            `json:"active_grouping,omitempty"`
	Groupings      map[string]cluster.GroupingConfig `json:"groupings"`
	ClientConfig   *cluster.ClientConfiguration      `json:"client_config,omitempty"`
	ClusterKeyID   string                            `json:"cluster_key_id,omitempty"`
	Cluster        *ClusterMembership                `json:"cluster,omitempty"`
	Elections      int                               `json:"elections"`
	Commands       int                               `json:"commands"`
}

// Agent simulates the monitoring agent of one node. It applies the commands
// the coordinator posts to /control and answers the way a real agent would:
// role assignments are acknowledged with a ready signal and elections with an
// aggregator report.
type Agent struct {
	opts   Options
	logger *zap.Logger

	mu    sync.RWMutex
	state State
	log   []cluster.ControlMessage

	// replies run after /control returned, the coordinator is still inside
	// the call that sent the command
	replies sync.WaitGroup
}

// NewAgent fills in defaults for unset options.
func NewAgent(opts Options) *Agent {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RegisterAttempts <= 0 {
		opts.RegisterAttempts = 10
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 400 * time.Millisecond
	}
	opts.Coordinator = strings.TrimRight(opts.Coordinator, "/")
	return &Agent{
		opts:   opts,
		logger: opts.Logger.Named("agent").With(zap.String("id", opts.Info.ID)),
		state:  State{Groupings: make(map[string]cluster.GroupingConfig)},
	}
}

// Routes returns the agent's HTTP API:
//
//	GET  /health   liveness, polled by the coordinator
//	POST /control  commands from the coordinator
//	GET  /info     the agent state
func (a *Agent) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /control", a.handleControl)
	mux.HandleFunc("GET /info", a.handleInfo)
	return mux
}

// Snapshot returns a copy of the agent state.
func (a *Agent) Snapshot() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := a.state
	s.Groupings = make(map[string]cluster.GroupingConfig, len(a.state.Groupings))
	for k, v := range a.state.Groupings {
		s.Groupings[k] = v
	}
	if a.state.Cluster != nil {
		c := *a.state.Cluster
		c.Peers = append([]string(nil), c.Peers...)
		s.Cluster = &c
	}
	return s
}

// Messages returns every control message received, in order.
func (a *Agent) Messages() []cluster.ControlMessage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]cluster.ControlMessage(nil), a.log...)
}

// Wait blocks until every pending reply to the coordinator was sent.
func (a *Agent) Wait() {
	a.replies.Wait()
}

func (a *Agent) handleControl(w http.ResponseWriter, r *http.Request) {
	var msg cluster.ControlMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := a.Apply(msg); err != nil {
		a.logger.Warn("Command rejected", zap.String("channel", msg.Channel), zap.String("payload", msg.Payload), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) handleInfo(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Node  cluster.NodeInfo `json:"node"`
		State State            `json:"state"`
	}{a.opts.Info, a.Snapshot()}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

var errUnknownCommand = errors.New("unknown command")

// Apply interprets one control message.
func (a *Agent) Apply(msg cluster.ControlMessage) error {
	line := strings.TrimSpace(msg.Payload)
	verb := cluster.Verb(line)
	args := strings.TrimSpace(strings.TrimPrefix(line, verb))

	a.mu.Lock()
	defer a.mu.Unlock()
	a.log = append(a.log, msg)
	a.state.Commands++

	switch {
	case line == cluster.CmdRoleBroker || line == cluster.CmdRoleClient:
		a.state.Role = strings.TrimPrefix(line, "ROLE ")
		a.reply(func(ctx context.Context) error {
			return a.post(ctx, "/ready", cluster.SessionRequest{ID: a.opts.Info.ID})
		})
	case line == cluster.CmdElectAggregator:
		a.state.Elections++
		if a.opts.ReportAggregator {
			report := "CLUSTER AGGREGATOR " + a.opts.Info.ID
			a.reply(func(ctx context.Context) error {
				return a.post(ctx, "/input", cluster.InputRequest{ID: a.opts.Info.ID, Line: report})
			})
		}
	case line == cluster.CmdBrokerList:
	case line == cluster.CmdClusterLeave:
		a.state.Cluster = nil
		a.state.ClusterKeyID = ""
	case verb == cluster.VerbGroupingConfig:
		var gc cluster.GroupingConfig
		if err := json.Unmarshal([]byte(args), &gc); err != nil {
			return fmt.Errorf("grouping configuration: %w", err)
		}
		a.state.Groupings[gc.Name] = gc
	case verb == cluster.VerbClientConfig:
		var cc cluster.ClientConfiguration
		if err := json.Unmarshal([]byte(args), &cc); err != nil {
			return fmt.Errorf("client configuration: %w", err)
		}
		a.state.ClientConfig = &cc
	case verb == cluster.VerbActiveGrouping:
		if args == "" {
			return errors.New("active grouping: missing name")
		}
		a.state.ActiveGrouping = args
	case verb == cluster.VerbClusterKey:
		fields := strings.Fields(args)
		if len(fields) != 3 {
			return fmt.Errorf("cluster key: want zone, key id and secret, got %q", args)
		}
		a.state.ClusterKeyID = fields[1]
	case verb == cluster.VerbClusterJoin:
		m, err := parseJoin(args)
		if err != nil {
			return err
		}
		a.state.Cluster = m
	default:
		return fmt.Errorf("%w: %q", errUnknownCommand, line)
	}
	a.logger.Debug("Command applied", zap.String("channel", msg.Channel), zap.String("verb", verb))
	return nil
}

// parseJoin reads "<zone> <top>:<agg>:<last> init=<bool> <addr>:<port> <peers...>".
func parseJoin(args string) (*ClusterMembership, error) {
	fields := strings.Fields(args)
	if len(fields) < 4 || !strings.HasPrefix(fields[2], "init=") {
		return nil, fmt.Errorf("cluster join: malformed arguments %q", args)
	}
	m := &ClusterMembership{
		ZoneID:    fields[0],
		Groupings: fields[1],
		Listen:    fields[3],
		Peers:     append([]string{}, fields[4:]...),
	}
	switch strings.TrimPrefix(fields[2], "init=") {
	case "true":
		m.Initializer = true
	case "false":
	default:
		return nil, fmt.Errorf("cluster join: bad initializer flag %q", fields[2])
	}
	return m, nil
}

// reply runs fn once the current request has been answered. Called with
// a.mu held.
func (a *Agent) reply(fn func(ctx context.Context) error) {
	a.replies.Add(1)
	go func() {
		defer a.replies.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.logger.Warn("Reply to coordinator failed", zap.Error(err))
		}
	}()
}

func (a *Agent) post(ctx context.Context, path string, body any) error {
	return cluster.PostJSON(ctx, a.opts.Coordinator+path, body, nil)
}

// Preregister announces the node. A 409 means the coordinator already knows
// the address and is not an error.
func (a *Agent) Preregister(ctx context.Context) error {
	info := map[string]any{
		"ip-address": a.opts.Info.IPAddress,
		"id":         a.opts.Info.ID,
	}
	if a.opts.Zone != "" {
		info["zone"] = a.opts.Zone
	}
	err := a.post(ctx, "/preregister", cluster.PreregisterRequest{ClientID: a.opts.Info.ID, Info: info})
	var se *cluster.StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		a.logger.Info("Node already pre-registered")
		return nil
	}
	return err
}

// Register opens the agent's session, retrying while the coordinator is
// unreachable. A refusal is final.
func (a *Agent) Register(ctx context.Context) error {
	var lastErr error
	for i := 0; i < a.opts.RegisterAttempts; i++ {
		lastErr = a.post(ctx, "/register", cluster.RegisterRequest{Node: a.opts.Info})
		if lastErr == nil {
			a.logger.Info("Registered with coordinator", zap.String("coordinator", a.opts.Coordinator))
			return nil
		}
		var se *cluster.StatusError
		if errors.As(lastErr, &se) && se.Code < http.StatusInternalServerError {
			return fmt.Errorf("registration refused: %w", lastErr)
		}
		a.logger.Warn("Registration failed, retrying", zap.Int("attempt", i+1), zap.Error(lastErr))
		select {
		case <-time.After(a.opts.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("register with %s: %w", a.opts.Coordinator, lastErr)
}

// Unregister closes the agent's session.
func (a *Agent) Unregister(ctx context.Context) error {
	return a.post(ctx, "/unregister", cluster.SessionRequest{ID: a.opts.Info.ID})
}
