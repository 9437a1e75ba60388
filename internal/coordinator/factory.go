package coordinator

import (
	"fmt"
	"strings"
)

// Coordinator kinds accepted by New.
const (
	KindNoop       = "noop"
	KindWaitAll    = "wait-all"
	KindTest       = "test"
	KindClustering = "clustering"
)

// New builds the coordinator registered under kind. cfg is only used by the
// clustering coordinator.
func New(kind string, opts Options, cfg ClusteringConfig) (ServerCoordinator, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindNoop:
		return NewNoop(opts), nil
	case KindWaitAll:
		return NewWaitAll(opts, nil), nil
	case KindTest:
		return NewTestCoordinator(opts), nil
	case KindClustering:
		return NewClustering(opts, cfg)
	default:
		return nil, fmt.Errorf("unknown coordinator %q", kind)
	}
}
