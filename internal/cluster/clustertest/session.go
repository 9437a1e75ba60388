// Package clustertest provides a recording NodeSession for tests.
package clustertest

import (
	"strings"
	"sync"

	"github.com/dreamware/zonekeeper/internal/cluster"
)

// Message is one recorded send.
type Message struct {
	Channel string
	Text    string
}

// Session records everything sent to it. Setting Err makes every send fail
// without being recorded.
type Session struct {
	id string
	ip string

	mu             sync.Mutex
	messages       []Message
	activeGrouping string
	err            error
}

var _ cluster.NodeSession = (*Session)(nil)

// NewSession returns a session that records what it is sent.
func NewSession(id, ip string) *Session {
	return &Session{id: id, ip: ip}
}

func (s *Session) ID() string              { return s.id }
func (s *Session) ClientIPAddress() string { return s.ip }

// Fail makes later sends return err; nil restores delivery.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Session) SendCommand(cmd string) error {
	return s.record(cluster.ChannelCommand, cmd)
}

func (s *Session) SendToClient(msg string) error {
	return s.record(cluster.ChannelClient, msg)
}

func (s *Session) SetActiveGrouping(grouping string) error {
	if err := s.SendToClient(cluster.ActiveGroupingCommand(grouping)); err != nil {
		return err
	}
	s.mu.Lock()
	s.activeGrouping = grouping
	s.mu.Unlock()
	return nil
}

func (s *Session) ActiveGrouping() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeGrouping
}

func (s *Session) record(channel, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, Message{Channel: channel, Text: text})
	return nil
}

// Messages returns everything recorded, in order.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Commands returns the texts sent on the command channel.
func (s *Session) Commands() []string {
	var out []string
	for _, m := range s.Messages() {
		if m.Channel == cluster.ChannelCommand {
			out = append(out, m.Text)
		}
	}
	return out
}

// WithPrefix returns the texts on any channel starting with prefix.
func (s *Session) WithPrefix(prefix string) []string {
	var out []string
	for _, m := range s.Messages() {
		if strings.HasPrefix(m.Text, prefix) {
			out = append(out, m.Text)
		}
	}
	return out
}

// Reset forgets the recorded messages.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}
