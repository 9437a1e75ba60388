package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalTransition is returned when an entry is asked to move into a
	// state it is not allowed to reach, most notably out of ARCHIVED.
	ErrIllegalTransition = errors.New("illegal node state transition")

	// ErrAlreadyPreregistered is returned by AddNode when an entry already exists
	// for the address and the admission policy refuses to overwrite it.
	ErrAlreadyPreregistered = errors.New("node already pre-registered")

	// ErrMissingAddress is returned by AddNode when node info carries no address.
	ErrMissingAddress = errors.New("node address missing from node info")

	// ErrNotArchived is returned by Evict for entries that are still live.
	ErrNotArchived = errors.New("node entry is not archived")

	// ErrNotFound is returned when no entry matches a lookup.
	ErrNotFound = errors.New("node entry not found")
)

// TransitionError describes a refused state change on a specific entry.
type TransitionError struct {
	From     State
	To       State
	ClientID string
	Address  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot change node state from %s to %s: client-id=%s, client-address=%s",
		e.From, e.To, e.ClientID, e.Address)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}
