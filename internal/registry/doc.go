// Package registry keeps the lifecycle record of every node in the monitored
// fleet.
//
// # Overview
//
// A node enters the registry when it is pre-registered (discovered) and leaves
// it only after it has been archived and evicted. In between, its Entry moves
// through installation, registration, disconnection and removal states:
//
//	PREREGISTERED ──► INSTALLING ──► INSTALLED ──► REGISTERING ──► REGISTERED
//	      │               │                                          │
//	      ▼               ▼                                          ▼
//	 IGNORE_NODE    NOT_INSTALLED / INSTALL_ERROR        DISCONNECTED / EXITING / NODE_FAILED
//	                                                                 │
//	                                 REMOVING ──► REMOVED / REMOVE_ERROR ──► ARCHIVED
//
// ARCHIVED is terminal: every transition on an archived entry returns a
// *TransitionError wrapping ErrIllegalTransition.
//
// # Attribute Maps
//
// Each entry keeps four string maps, one per lifecycle phase:
//   - preregistration: discovery info (id, address, original-address, ...)
//   - installation: installation task and result
//   - registration: session data, disconnect reasons
//   - removal: removal and archiving info
//
// A transition writes only to the map of its own phase. Some transitions clear
// that map first (a new pre-registration, a new installation attempt, a new
// registration attempt), the others merge into it. Nested values are flattened
// into dotted keys.
//
// # Recovery
//
// CanRecover reports whether self-healing logic may act on a node. It is false
// while the node is only pre-registered or ignored, and for every removal state.
//
// # Persistence
//
// A Registry persists the snapshot of an entry after each transition through a
// storage.Store, publishes an events.KindNodeTransition event and counts the
// transition in the metrics. Registry.Load restores non-archived entries after
// a restart.
package registry
