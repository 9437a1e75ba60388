package cluster

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// NodeSession is the live channel to one connected node. The coordinator only
// holds a session while the node is registered.
type NodeSession interface {
	// ID identifies the connection; a reconnecting node gets a new id.
	ID() string
	ClientIPAddress() string
	// SendCommand sends a logical command for the node's agent to execute.
	SendCommand(cmd string) error
	// SendToClient sends a configuration message to the node's agent.
	SendToClient(msg string) error
	SetActiveGrouping(grouping string) error
}

// BrokerAdvertiser is implemented by sessions whose agent runs a broker of its
// own that other nodes of its grouping connect to.
type BrokerAdvertiser interface {
	BrokerURL() string
}

// ErrSessionClosed is returned when sending on a closed session.
var ErrSessionClosed = errors.New("session closed")

// HTTPSession delivers logical commands by posting ControlMessages to the
// agent's /control endpoint.
type HTTPSession struct {
	info    NodeInfo
	timeout time.Duration

	mu             sync.RWMutex
	activeGrouping string
	closed         bool
}

// NewHTTPSession creates a session for an agent that registered with info.
func NewHTTPSession(info NodeInfo) *HTTPSession {
	info.Addr = strings.TrimRight(info.Addr, "/")
	return &HTTPSession{info: info, timeout: 5 * time.Second}
}

func (s *HTTPSession) ID() string              { return s.info.ID }
func (s *HTTPSession) ClientIPAddress() string { return s.info.IPAddress }
func (s *HTTPSession) Addr() string            { return s.info.Addr }
func (s *HTTPSession) BrokerURL() string       { return s.info.BrokerURL }
func (s *HTTPSession) Info() NodeInfo          { return s.info }

func (s *HTTPSession) SendCommand(cmd string) error {
	return s.post(ChannelCommand, cmd)
}

func (s *HTTPSession) SendToClient(msg string) error {
	return s.post(ChannelClient, msg)
}

// SetActiveGrouping tells the agent which grouping to work in and remembers it.
func (s *HTTPSession) SetActiveGrouping(grouping string) error {
	if err := s.SendToClient(ActiveGroupingCommand(grouping)); err != nil {
		return err
	}
	s.mu.Lock()
	s.activeGrouping = strings.ToUpper(strings.TrimSpace(grouping))
	s.mu.Unlock()
	return nil
}

func (s *HTTPSession) ActiveGrouping() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeGrouping
}

// Close marks the session closed; later sends fail with ErrSessionClosed.
func (s *HTTPSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *HTTPSession) post(channel, payload string) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrSessionClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return PostJSON(ctx, s.info.Addr+"/control", ControlMessage{Channel: channel, Payload: payload}, nil)
}
