// Package zone groups connected nodes into cluster zones and decides how each
// zone's broker cluster forms.
//
// A Detector maps a node's pre-registration info to a zone id. A Zone keeps
// the ordered member list, the cluster port of every member, the cluster key
// and the current aggregator. A Strategy reacts to members arriving and
// leaving by issuing ClusterActions:
//
//	DefaultStrategy      every node joins on arrival, leaves on departure
//	AtLeastTwoStrategy   the cluster forms at two nodes and is disbanded at one
//
// Strategies never sleep on their own timers; pacing goes through
// ClusterActions.Sleep so tests can skip it.
package zone
