// Package events publishes node lifecycle, zone membership and coordinator
// phase changes to a message bus so that other fleet components can follow the
// topology without polling the coordinator.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Kind identifies the type of an event and is the last token of its subject.
type Kind string

const (
	KindNodeTransition Kind = "node.transition"
	KindNodeEvicted    Kind = "node.evicted"
	KindZoneCreated    Kind = "zone.created"
	KindZoneMemberAdd  Kind = "zone.member_added"
	KindZoneMemberDrop Kind = "zone.member_removed"
	KindZoneRemoved    Kind = "zone.removed"
	KindZoneAggregator Kind = "zone.aggregator"
	KindPhase          Kind = "coordinator.phase"
)

// Event is one published change. Unused fields are omitted from the payload.
type Event struct {
	Kind       Kind              `json:"kind"`
	Time       time.Time         `json:"time"`
	Address    string            `json:"address,omitempty"`
	ClientID   string            `json:"client_id,omitempty"`
	ZoneID     string            `json:"zone_id,omitempty"`
	From       string            `json:"from,omitempty"`
	To         string            `json:"to,omitempty"`
	Phase      *int              `json:"phase,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Encode returns the JSON payload of the event.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// PhaseEvent builds a coordinator phase change event.
func PhaseEvent(coordinator string, phase int) Event {
	p := phase
	return Event{
		Kind:       KindPhase,
		Time:       time.Now(),
		Phase:      &p,
		Attributes: map[string]string{"coordinator": coordinator},
	}
}

// Publisher delivers events. Publishing is best effort: callers log failures
// and carry on.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// Recorder keeps published events in memory. It backs tests and the
// coordinator's in-process event log.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns the recorded events of one kind.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}
