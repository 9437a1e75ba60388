package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dreamware/zonekeeper/internal/cluster"
	"github.com/dreamware/zonekeeper/internal/coordinator"
	"github.com/dreamware/zonekeeper/internal/metrics"
	"github.com/dreamware/zonekeeper/internal/registry"
	"github.com/dreamware/zonekeeper/internal/zone"
)

// server is the HTTP control surface of the coordinator. It owns the live
// agent sessions and turns agent requests into registry transitions and
// coordinator events.
type server struct {
	logger   *zap.Logger
	kind     string
	registry *registry.Registry
	coord    coordinator.ServerCoordinator
	metrics  *metrics.Metrics
	monitor  *coordinator.HealthMonitor

	mu       sync.RWMutex
	sessions map[string]*cluster.HTTPSession // by session id

	ready atomic.Bool
}

func newServer(logger *zap.Logger, kind string, reg *registry.Registry, coord coordinator.ServerCoordinator, m *metrics.Metrics) *server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &server{
		logger:   logger.Named("http"),
		kind:     kind,
		registry: reg,
		coord:    coord,
		metrics:  m,
		sessions: make(map[string]*cluster.HTTPSession),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /preregister", s.handlePreregister)
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /unregister", s.handleUnregister)
	mux.HandleFunc("POST /ready", s.handleReady)
	mux.HandleFunc("POST /input", s.handleInput)
	mux.HandleFunc("POST /nodes/{address}/archive", s.handleArchive)
	mux.HandleFunc("DELETE /nodes/{address}", s.handleEvict)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("GET /zones", s.handleListZones)
	mux.HandleFunc("GET /phase", s.handlePhase)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

// onReady is the coordinator's ready callback.
func (s *server) onReady() {
	s.ready.Store(true)
	s.logger.Info("Topology ready", zap.String("coordinator", s.kind))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) session(id string) (*cluster.HTTPSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// sessionInfos lists the registered agents for the health monitor.
func (s *server) sessionInfos() []cluster.NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]cluster.NodeInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *server) handlePreregister(w http.ResponseWriter, r *http.Request) {
	var req cluster.PreregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Info == nil {
		http.Error(w, "missing info", http.StatusBadRequest)
		return
	}
	outcome, err := preregistrationOutcome(req.State)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entry, err := s.registry.AddNode(req.Info, req.ClientID)
	switch {
	case errors.Is(err, registry.ErrMissingAddress):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, registry.ErrAlreadyPreregistered):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if outcome != nil {
		if err := outcome(entry); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
	}

	s.coord.Preregister(entry)
	writeJSON(w, http.StatusCreated, entry)
}

// preregistrationOutcome maps the optional state of a pre-registration
// request to the transition that records it.
func preregistrationOutcome(state string) (func(*registry.Entry) error, error) {
	if state == "" {
		return nil, nil
	}
	st, err := registry.ParseState(state)
	if err != nil {
		return nil, err
	}
	switch st {
	case registry.StatePreregistered:
		return nil, nil
	case registry.StateIgnoreNode:
		return func(e *registry.Entry) error { return e.NodeIgnore("preregistration") }, nil
	case registry.StateNotInstalled:
		return func(e *registry.Entry) error { return e.NodeNotInstalled(nil) }, nil
	case registry.StateInstalled:
		return func(e *registry.Entry) error { return e.NodeInstallationComplete(nil) }, nil
	default:
		return nil, errors.New("pre-registration state must be IGNORE_NODE, NOT_INSTALLED or INSTALLED")
	}
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	info := req.Node
	if info.ID == "" || info.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}
	if info.IPAddress == "" {
		u, err := url.Parse(info.Addr)
		if err != nil || u.Hostname() == "" {
			http.Error(w, "missing ip_address", http.StatusBadRequest)
			return
		}
		info.IPAddress = u.Hostname()
	}

	sess := cluster.NewHTTPSession(info)
	entry, known := s.registry.GetByAddress(info.IPAddress)
	if known {
		if err := entry.NodeRegistering(map[string]any{"session": info.ID, "addr": info.Addr}); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
	}

	s.mu.Lock()
	old, replaced := s.sessions[info.ID]
	s.sessions[info.ID] = sess
	s.mu.Unlock()
	if replaced {
		s.coord.Unregister(old)
		old.Close()
	}

	err := s.coord.Register(sess)
	if errors.Is(err, coordinator.ErrNodeRefused) {
		s.dropSession(info.ID)
		sess.Close()
		if known {
			if ferr := entry.NodeRegistrationFailed(err); ferr != nil {
				s.logger.Warn("Cannot mark registration failed", zap.String("address", entry.NodeAddress()), zap.Error(ferr))
			}
		}
		s.logger.Warn("Registration refused", zap.String("session", info.ID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if err != nil {
		// the node stays registered, the failures are in its error history
		s.logger.Warn("Registration completed with errors", zap.String("session", info.ID), zap.Error(err))
	}
	if known {
		if err := entry.NodeRegistered(map[string]any{"session": info.ID}); err != nil {
			s.logger.Warn("Cannot mark node registered", zap.String("address", info.IPAddress), zap.Error(err))
		}
	}
	s.logger.Info("Agent registered", zap.String("session", info.ID), zap.String("address", info.IPAddress))
	w.WriteHeader(http.StatusNoContent)
}

// dropSession forgets a session and returns it.
func (s *server) dropSession(id string) (*cluster.HTTPSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	return sess, ok
}

// disconnect ends the session id. cause is nil for orderly departures.
func (s *server) disconnect(id string, cause error) bool {
	sess, ok := s.dropSession(id)
	if !ok {
		return false
	}
	// the agent may still be listening for CLUSTER-LEAVE
	s.coord.Unregister(sess)
	sess.Close()

	if entry, known := s.registry.GetByAddress(sess.ClientIPAddress()); known {
		var err error
		if cause != nil {
			err = entry.NodeDisconnectedWithError(cause)
		} else {
			err = entry.NodeDisconnected(map[string]any{"session": id})
		}
		if err != nil {
			s.logger.Warn("Cannot mark node disconnected", zap.String("address", sess.ClientIPAddress()), zap.Error(err))
		}
	}
	s.logger.Info("Agent disconnected", zap.String("session", id), zap.NamedError("cause", cause))
	return true
}

// onUnhealthy is the health monitor callback.
func (s *server) onUnhealthy(node cluster.NodeInfo) {
	s.disconnect(node.ID, errors.New("agent stopped answering health checks"))
}

func (s *server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req cluster.SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if !s.disconnect(req.ID, nil) {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	var req cluster.SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	sess, ok := s.session(req.ID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	s.coord.ClientReady(sess)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req cluster.InputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	sess, ok := s.session(req.ID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	consumed := s.coord.ProcessClientInput(sess, req.Line)
	writeJSON(w, http.StatusOK, struct {
		Consumed bool `json:"consumed"`
	}{consumed})
}

func (s *server) handleArchive(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.registry.GetByAddress(r.PathValue("address"))
	if !ok {
		http.Error(w, registry.ErrNotFound.Error(), http.StatusNotFound)
		return
	}
	if err := entry.NodeArchived(map[string]any{"archived-by": "api"}); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleEvict drops an archived entry for good.
func (s *server) handleEvict(w http.ResponseWriter, r *http.Request) {
	err := s.registry.Evict(r.PathValue("address"))
	switch {
	case errors.Is(err, registry.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, registry.ErrNotArchived):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Nodes []*registry.Entry `json:"nodes"`
	}{s.registry.Entries()})
}

func (s *server) handleListZones(w http.ResponseWriter, _ *http.Request) {
	zones := []zone.Info{}
	if c, ok := s.coord.(*coordinator.Clustering); ok {
		zones = c.Zones()
	}
	writeJSON(w, http.StatusOK, struct {
		Zones []zone.Info `json:"zones"`
	}{zones})
}

func (s *server) handlePhase(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Coordinator string `json:"coordinator"`
		Phase       int    `json:"phase"`
		Ready       bool   `json:"ready"`
	}{s.kind, s.coord.Phase(), s.ready.Load()})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Status string                            `json:"status"`
		Agents map[string]coordinator.NodeHealth `json:"agents,omitempty"`
	}{Status: "ok"}
	if s.monitor != nil {
		resp.Agents = s.monitor.AllNodeHealth()
	}
	writeJSON(w, http.StatusOK, resp)
}
