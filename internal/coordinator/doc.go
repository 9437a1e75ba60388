// Package coordinator implements the server coordinators that turn node
// registration events into a monitoring topology.
//
// # Overview
//
// A ServerCoordinator sits between the node lifecycle (pre-registration,
// agent sessions connecting and disconnecting, agents reporting ready) and
// the topology the agents must form. It is initialized with the groupings of
// the topology and a ready callback, then fed events:
//
//	Preregister(entry)   a node was discovered
//	Register(session)    the node's agent connected back
//	Unregister(session)  the agent's session ended
//	ClientReady(session) the agent applied the role it was given
//
// # Variants
//
//	Noop        tracks started/stopped, reports ready on Start, ignores events
//	WaitAll     waits for a fixed number of agents, elects one broker, readies
//	            the others as its clients, then reports ready
//	Test        pushes a two-tier broker configuration to every agent and
//	            switches it to the PER_INSTANCE grouping
//	Clustering  groups agents into zones and has each zone form a broker
//	            cluster following a zone.Strategy
//
// Noop carries the lifecycle guard the Test and Clustering coordinators embed:
// calls made before Start, or Initialize and Start made twice, are logged as
// warnings and ignored.
//
// # WaitAll phases
//
//	0 collecting ──(expected sessions registered)──► 1 selecting broker
//	1 ──(random session sent ROLE BROKER)──────────► 2 broker preparing
//	2 ──(broker ready)─────────────────────────────► 3 clients preparing
//	3 ──(every other session ready)────────────────► 4 topology ready
//	4 ──(ready callback scheduled)─────────────────► 5 done
//
// With a single expected session, the broker's ready signal goes straight to
// phase 5 and no ROLE CLIENT is sent.
//
// # Concurrency
//
// WaitAll applies every state change on one mailbox goroutine; sends to
// agents and the ready callback run as errgroup tasks that post back to the
// mailbox, so a transition is only applied when its phase still holds.
// Clustering runs one mailbox per zone. The membership change and the
// strategy call it triggers are one message, and pacing sleeps happen on the
// zone's mailbox without blocking other zones. Stop interrupts every pending
// sleep.
//
// # Observability
//
// Coordinators publish phase and zone events through an events.Publisher,
// update the phase, zone size and command gauges of metrics.Metrics and open
// a span for each Register, Unregister and ClientReady call.
//
// HealthMonitor polls the agents of registered sessions and reports the ones
// that stop answering, so the host can unregister them.
package coordinator
