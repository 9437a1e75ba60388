package registry

import (
	"fmt"
	"strings"
)

// State is a node's position in its lifecycle, from pre-registration through
// installation and registration to removal and archiving.
//
// The zero value means the entry has not been pre-registered yet. Values are
// serialized by name, so new states must only ever be appended.
type State int

const (
	stateUnset State = iota
	StatePreregistered
	StateIgnoreNode
	StateInstalling
	StateNotInstalled
	StateInstalled
	StateInstallError
	StateWaitingRegistration
	StateRegistering
	StateRegistered
	StateRegistrationError
	StateDisconnected
	StateExiting
	StateExited
	StateNodeFailed
	StateRemoving
	StateRemoved
	StateRemoveError
	StateArchived
)

var stateNames = map[State]string{
	stateUnset:               "",
	StatePreregistered:       "PREREGISTERED",
	StateIgnoreNode:          "IGNORE_NODE",
	StateInstalling:          "INSTALLING",
	StateNotInstalled:        "NOT_INSTALLED",
	StateInstalled:           "INSTALLED",
	StateInstallError:        "INSTALL_ERROR",
	StateWaitingRegistration: "WAITING_REGISTRATION",
	StateRegistering:         "REGISTERING",
	StateRegistered:          "REGISTERED",
	StateRegistrationError:   "REGISTRATION_ERROR",
	StateDisconnected:        "DISCONNECTED",
	StateExiting:             "EXITING",
	StateExited:              "EXITED",
	StateNodeFailed:          "NODE_FAILED",
	StateRemoving:            "REMOVING",
	StateRemoved:             "REMOVED",
	StateRemoveError:         "REMOVE_ERROR",
	StateArchived:            "ARCHIVED",
}

// AllStates returns every lifecycle state in declaration order.
func AllStates() []State {
	out := make([]State, 0, len(stateNames)-1)
	for s := StatePreregistered; s <= StateArchived; s++ {
		out = append(out, s)
	}
	return out
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState converts a state name (case-insensitive) into a State.
func ParseState(name string) (State, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return stateUnset, nil
	}
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return stateUnset, fmt.Errorf("unknown node state %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// recoverable reports whether self-healing logic may act on a node in this state.
func (s State) recoverable() bool {
	switch s {
	case stateUnset,
		StatePreregistered, StateIgnoreNode,
		StateRemoving, StateRemoved, StateRemoveError, StateArchived:
		return false
	default:
		return true
	}
}
