package registry

import (
	"encoding/json"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Section names one of the four attribute maps an entry keeps, one per
// lifecycle phase. Each map is cleared or merged only by the transitions of
// its own phase, so the data of every phase stays separately auditable.
type Section int

const (
	SectionPreregistration Section = iota
	SectionInstallation
	SectionRegistration
	SectionRemoval
	numSections
)

func (s Section) String() string {
	switch s {
	case SectionPreregistration:
		return "preregistration"
	case SectionInstallation:
		return "installation"
	case SectionRegistration:
		return "registration"
	case SectionRemoval:
		return "removal"
	default:
		return "unknown"
	}
}

// ErrorRecord is one item of an entry's error history.
type ErrorRecord struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// ChangeFunc observes successful state changes. It is invoked after the entry's
// lock has been released, on the goroutine that performed the transition.
type ChangeFunc func(e *Entry, from, to State)

// Entry is the registry record of one physical or virtual node, identified by
// its IP address and client id.
//
// An entry is a small state machine: it moves through the lifecycle only via
// the named Node* transition methods, each of which validates the move,
// updates the attribute map of the matching phase and stamps the time of the
// change. Once ARCHIVED, every further transition fails with a
// *TransitionError.
//
// Thread Safety:
// All methods are safe for concurrent use. Maps returned by accessors are
// copies.
type Entry struct {
	mu sync.RWMutex

	ipAddress string
	clientID  string
	hostname  string

	state           State
	stateLastUpdate time.Time
	reference       string
	errors          []ErrorRecord
	attrs           [numSections]map[string]string

	// zoneID is the id of the cluster zone the node currently belongs to, or
	// empty when it is not a member of any zone.
	zoneID string

	onChange ChangeFunc
	now      func() time.Time
}

// NewEntry creates an entry with no state and a fresh reference. Callers move
// it into the lifecycle with NodePreregistration.
func NewEntry(ipAddress, clientID string) *Entry {
	e := &Entry{
		ipAddress: ipAddress,
		clientID:  clientID,
		reference: uuid.NewString(),
		now:       time.Now,
	}
	for i := range e.attrs {
		e.attrs[i] = make(map[string]string)
	}
	return e
}

// IPAddress is the address the entry is keyed by in the registry. It may be
// empty for entries built only from pre-registration data.
func (e *Entry) IPAddress() string { return e.ipAddress }

// ClientID identifies the party that pre-registered the node.
func (e *Entry) ClientID() string { return e.clientID }

func (e *Entry) Hostname() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hostname
}

func (e *Entry) SetHostname(hostname string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hostname = hostname
}

// State returns the current lifecycle state.
func (e *Entry) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Entry) StateLastUpdate() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stateLastUpdate
}

// Reference is an opaque random id for the entry, see RefreshReference.
func (e *Entry) Reference() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reference
}

// RefreshReference replaces the opaque reference with a new random one. This
// is the only way the reference ever changes.
func (e *Entry) RefreshReference() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reference = uuid.NewString()
	return e.reference
}

// Errors returns the entry's error history, oldest first.
func (e *Entry) Errors() []ErrorRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ErrorRecord, len(e.errors))
	copy(out, e.errors)
	return out
}

// AddError appends err to the error history. Downstream failures that are not
// worth a state change end up here for later inspection.
func (e *Entry) AddError(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = append(e.errors, ErrorRecord{Time: e.now(), Message: err.Error()})
}

// Attributes returns a copy of one of the four attribute maps.
func (e *Entry) Attributes(s Section) map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s < 0 || s >= numSections {
		return map[string]string{}
	}
	return maps.Clone(e.attrs[s])
}

func (e *Entry) Preregistration() map[string]string {
	return e.Attributes(SectionPreregistration)
}

func (e *Entry) Installation() map[string]string {
	return e.Attributes(SectionInstallation)
}

func (e *Entry) Registration() map[string]string {
	return e.Attributes(SectionRegistration)
}

func (e *Entry) Removal() map[string]string {
	return e.Attributes(SectionRemoval)
}

// ZoneID returns the id of the zone the node belongs to, if any.
func (e *Entry) ZoneID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.zoneID
}

func (e *Entry) SetZoneID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.zoneID = id
}

// NodeID is the node id given at pre-registration.
func (e *Entry) NodeID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.attrs[SectionPreregistration]["id"]
}

// NodeAddress is the entry's IP address, or the pre-registration address when
// the entry was created without one.
func (e *Entry) NodeAddress() string {
	if e.ipAddress != "" {
		return e.ipAddress
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.attrs[SectionPreregistration]["address"]
}

// NodeIDOrAddress prefers the node id and falls back to NodeAddress.
func (e *Entry) NodeIDOrAddress() string {
	if id := e.NodeID(); strings.TrimSpace(id) != "" {
		return id
	}
	return e.NodeAddress()
}

// NodeIDAndAddress is the "id @ address" label used in logs.
func (e *Entry) NodeIDAndAddress() string {
	return e.NodeID() + " @ " + e.NodeAddress()
}

func (e *Entry) IsArchived() bool {
	return e.State() == StateArchived
}

// CanRecover reports whether self-healing logic is allowed to act on the node.
// It is false before pre-registration completes, for ignored nodes and for
// every removal-phase state.
func (e *Entry) CanRecover() bool {
	return e.State().recoverable()
}

// CanChangeStateTo reports whether a transition into s would be accepted.
// Nothing leaves ARCHIVED.
func (e *Entry) CanChangeStateTo(s State) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.canChangeStateTo(s)
}

func (e *Entry) canChangeStateTo(_ State) bool {
	return e.state != StateArchived
}

func (e *Entry) setOnChange(fn ChangeFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = fn
}

// update is the single write path shared by all transitions: validate, clear
// the section if requested, merge data, stamp the state.
func (e *Entry) update(to State, s Section, reset bool, data map[string]string) error {
	e.mu.Lock()
	from := e.state
	if !e.canChangeStateTo(to) {
		e.mu.Unlock()
		return &TransitionError{From: from, To: to, ClientID: e.clientID, Address: e.ipAddress}
	}
	m := e.attrs[s]
	if reset {
		clear(m)
	}
	maps.Copy(m, data)
	e.state = to
	e.stateLastUpdate = e.now()
	cb := e.onChange
	e.mu.Unlock()

	if cb != nil {
		cb(e, from, to)
	}
	return nil
}

func (e *Entry) updateBundle(to State, s Section, reset bool, info map[string]any) error {
	return e.update(to, s, reset, Flatten(info))
}

func (e *Entry) updateValue(to State, s Section, reset bool, key string, val any, def string) error {
	v := def
	if val != nil {
		v = stringify(val)
	}
	return e.update(to, s, reset, map[string]string{key: v})
}

func errorInfo(err error) map[string]any {
	return map[string]any{"exception": err}
}

// NodePreregistration records the node info supplied at discovery time,
// replacing any earlier pre-registration data.
func (e *Entry) NodePreregistration(info map[string]any) error {
	return e.updateBundle(StatePreregistered, SectionPreregistration, true, info)
}

func (e *Entry) NodeIgnore(info any) error {
	return e.updateValue(StateIgnoreNode, SectionInstallation, true, "ignore-node", info, "")
}

func (e *Entry) NodeInstalling(task any) error {
	return e.updateValue(StateInstalling, SectionInstallation, true, "installation-task", task, "INSTALLING")
}

func (e *Entry) NodeNotInstalled(result any) error {
	return e.updateValue(StateNotInstalled, SectionInstallation, true, "installation-task-result", result, "NOT_INSTALLED")
}

func (e *Entry) NodeInstallationComplete(result any) error {
	return e.updateValue(StateInstalled, SectionInstallation, false, "installation-task-result", result, "SUCCESS")
}

func (e *Entry) NodeInstallationError(result any) error {
	return e.updateValue(StateInstallError, SectionInstallation, false, "installation-task-result", result, "ERROR")
}

func (e *Entry) NodeWaitingRegistration(info map[string]any) error {
	return e.updateBundle(StateWaitingRegistration, SectionRegistration, true, info)
}

func (e *Entry) NodeRegistering(info map[string]any) error {
	return e.updateBundle(StateRegistering, SectionRegistration, true, info)
}

func (e *Entry) NodeRegistered(info map[string]any) error {
	return e.updateBundle(StateRegistered, SectionRegistration, false, info)
}

func (e *Entry) NodeRegistrationError(info map[string]any) error {
	return e.updateBundle(StateRegistrationError, SectionRegistration, false, info)
}

func (e *Entry) NodeRegistrationFailed(err error) error {
	return e.updateBundle(StateRegistrationError, SectionRegistration, false, errorInfo(err))
}

func (e *Entry) NodeDisconnected(info map[string]any) error {
	return e.updateBundle(StateDisconnected, SectionRegistration, false, info)
}

func (e *Entry) NodeDisconnectedWithError(err error) error {
	return e.updateBundle(StateDisconnected, SectionRegistration, false, errorInfo(err))
}

func (e *Entry) NodeExiting(info map[string]any) error {
	return e.updateBundle(StateExiting, SectionRegistration, false, info)
}

func (e *Entry) NodeExited(info map[string]any) error {
	return e.updateBundle(StateExited, SectionRegistration, false, info)
}

func (e *Entry) NodeFailed(info map[string]any) error {
	return e.updateBundle(StateNodeFailed, SectionRegistration, false, info)
}

func (e *Entry) NodeRemoving(info map[string]any) error {
	return e.updateBundle(StateRemoving, SectionRemoval, false, info)
}

func (e *Entry) NodeRemoved(info map[string]any) error {
	return e.updateBundle(StateRemoved, SectionRemoval, false, info)
}

func (e *Entry) NodeRemoveError(info map[string]any) error {
	return e.updateBundle(StateRemoveError, SectionRemoval, false, info)
}

func (e *Entry) NodeArchived(info map[string]any) error {
	return e.updateBundle(StateArchived, SectionRemoval, false, info)
}

// Snapshot is the serializable form of an entry, used for persistence and the
// HTTP listing.
type Snapshot struct {
	IPAddress       string            `json:"ip_address"`
	ClientID        string            `json:"client_id"`
	Hostname        string            `json:"hostname,omitempty"`
	State           State             `json:"state"`
	StateLastUpdate time.Time         `json:"state_last_update"`
	Reference       string            `json:"reference"`
	ZoneID          string            `json:"zone_id,omitempty"`
	Errors          []ErrorRecord     `json:"errors,omitempty"`
	Preregistration map[string]string `json:"preregistration,omitempty"`
	Installation    map[string]string `json:"installation,omitempty"`
	Registration    map[string]string `json:"registration,omitempty"`
	Removal         map[string]string `json:"removal,omitempty"`
}

// Snapshot returns a consistent copy of the entry.
func (e *Entry) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	errs := make([]ErrorRecord, len(e.errors))
	copy(errs, e.errors)
	return Snapshot{
		IPAddress:       e.ipAddress,
		ClientID:        e.clientID,
		Hostname:        e.hostname,
		State:           e.state,
		StateLastUpdate: e.stateLastUpdate,
		Reference:       e.reference,
		ZoneID:          e.zoneID,
		Errors:          errs,
		Preregistration: maps.Clone(e.attrs[SectionPreregistration]),
		Installation:    maps.Clone(e.attrs[SectionInstallation]),
		Registration:    maps.Clone(e.attrs[SectionRegistration]),
		Removal:         maps.Clone(e.attrs[SectionRemoval]),
	}
}

// MarshalJSON encodes the entry as its Snapshot.
func (e *Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Snapshot())
}

// entryFromSnapshot rebuilds an entry restored from a store.
func entryFromSnapshot(s Snapshot) *Entry {
	e := NewEntry(s.IPAddress, s.ClientID)
	e.hostname = s.Hostname
	e.state = s.State
	e.stateLastUpdate = s.StateLastUpdate
	if s.Reference != "" {
		e.reference = s.Reference
	}
	e.zoneID = s.ZoneID
	e.errors = append(e.errors, s.Errors...)
	maps.Copy(e.attrs[SectionPreregistration], s.Preregistration)
	maps.Copy(e.attrs[SectionInstallation], s.Installation)
	maps.Copy(e.attrs[SectionRegistration], s.Registration)
	maps.Copy(e.attrs[SectionRemoval], s.Removal)
	return e
}
