// Package cluster defines how the coordinator talks to the monitoring agents:
// the NodeSession contract, the logical command protocol and the HTTP wire
// types shared by the coordinator and the agent binaries.
//
// # Command Protocol
//
// Commands are plain text lines interpreted by the agent:
//
//	CLUSTER-KEY <zone> <key-id> <secret>                       cluster key delivery
//	CLUSTER-JOIN <zone> <top>:<agg>:<last> init=<bool> <addr>:<port> <peers...>
//	CLUSTER-LEAVE                                              leave the zone cluster
//	CLUSTER-EXEC broker list                                   report cluster brokers
//	CLUSTER-EXEC broker elect                                  elect an aggregator
//	ROLE BROKER | ROLE CLIENT                                  bring-up roles
//	SET-GROUPING-CONFIG <json>                                 grouping configuration
//	SET-CLIENT-CONFIG <json>                                   zone client configuration
//	SET-ACTIVE-GROUPING <name>                                 switch grouping
//
// Agents report back free text lines; the only one the coordinator
// interprets is "CLUSTER AGGREGATOR <id>".
//
// # Transport
//
// HTTPSession delivers commands by posting a ControlMessage to the agent's
// /control endpoint with PostJSON. Agents register, report readiness and send
// input lines to the coordinator the same way.
//
// Package clustertest provides a recording session for tests.
package cluster
