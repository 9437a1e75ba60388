package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/zonekeeper/internal/cluster"
)

// Health states of a monitored agent.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth tracks the health of one registered agent.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	SessionID        string    `json:"session_id"`
	Address          string    `json:"address"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor polls the /health endpoint of every registered agent. An
// agent failing maxFailures checks in a row is reported once through the
// unhealthy callback; the coordinator then unregisters its session and marks
// the node DISCONNECTED.
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, logger)
//	monitor.SetOnUnhealthy(func(n cluster.NodeInfo) { srv.disconnect(n.ID) })
//	go monitor.Start(ctx, srv.registeredNodes)
type HealthMonitor struct {
	logger      *zap.Logger
	nodes       map[string]*NodeHealth // by session id
	httpClient  *http.Client
	checkFunc   func(ctx context.Context, addr string) error
	onUnhealthy func(node cluster.NodeInfo)
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor checking every interval. Agents are
// unhealthy after 3 consecutive failures.
func NewHealthMonitor(interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		logger:      logger.Named("health"),
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		nodes:       make(map[string]*NodeHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnUnhealthy sets the callback fired when an agent turns unhealthy. It
// runs on its own goroutine.
func (h *HealthMonitor) SetOnUnhealthy(callback func(node cluster.NodeInfo)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// SetCheckFunction replaces the HTTP check, for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = checkFunc
}

// Start checks the nodes returned by nodeProvider until ctx is done or Stop
// is called. It blocks.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()
	if ctx == nil {
		ctx = h.ctx
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	h.logger.Info("Health monitor started", zap.Duration("interval", h.interval))

	h.checkAll(ctx, nodeProvider())
	for {
		select {
		case <-ticker.C:
			h.checkAll(ctx, nodeProvider())
		case <-ctx.Done():
			h.logger.Info("Health monitor stopping", zap.String("reason", "context done"))
			return
		case <-h.ctx.Done():
			h.logger.Info("Health monitor stopping", zap.String("reason", "stopped"))
			return
		}
	}
}

// Stop ends Start and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *HealthMonitor) checkAll(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.check(ctx, node)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.nodes {
		if !current[id] {
			delete(h.nodes, id)
			h.logger.Debug("Session no longer monitored", zap.String("session", id))
		}
	}
}

func (h *HealthMonitor) check(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, ok := h.nodes[node.ID]
	if !ok {
		now := time.Now()
		health = &NodeHealth{
			SessionID:   node.ID,
			Address:     node.IPAddress,
			Status:      StatusUnknown,
			LastCheck:   now,
			LastHealthy: now,
		}
		h.nodes[node.ID] = health
	}
	checkFunc := h.checkFunc
	h.mu.Unlock()

	if checkFunc == nil {
		checkFunc = h.httpCheck
	}
	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := checkFunc(checkCtx, node.Addr)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	health.LastCheck = time.Now()
	if err == nil {
		if health.Status == StatusUnhealthy {
			h.logger.Info("Agent recovered", zap.String("session", node.ID), zap.String("address", node.IPAddress))
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		return
	}

	health.ConsecutiveFails++
	h.logger.Debug("Health check failed",
		zap.String("session", node.ID),
		zap.Int("attempt", health.ConsecutiveFails), zap.Int("max", h.maxFailures), zap.Error(err))
	if health.ConsecutiveFails < h.maxFailures || health.Status == StatusUnhealthy {
		return
	}
	health.Status = StatusUnhealthy
	h.logger.Warn("Agent marked unhealthy",
		zap.String("session", node.ID), zap.String("address", node.IPAddress),
		zap.Int("failures", health.ConsecutiveFails))
	if h.onUnhealthy != nil {
		go h.onUnhealthy(node)
	}
}

// httpCheck expects 200 from the agent's /health endpoint. addr may be a
// base URL or host:port.
func (h *HealthMonitor) httpCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// NodeHealth returns a copy of the health record of a session.
func (h *HealthMonitor) NodeHealth(sessionID string) (NodeHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[sessionID]
	if !ok {
		return NodeHealth{}, false
	}
	return *health, true
}

// AllNodeHealth returns copies of every health record by session id.
func (h *HealthMonitor) AllNodeHealth() map[string]NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		out[id] = *health
	}
	return out
}

// IsHealthy reports whether the last health check of sessionID passed. Unknown
// sessions are unhealthy.
func (h *HealthMonitor) IsHealthy(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[sessionID]
	return ok && health.Status == StatusHealthy
}
