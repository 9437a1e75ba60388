// Package storage provides the key-value stores the node registry persists
// entry snapshots through.
//
// # Implementations
//
// MemoryStore: map guarded by sync.RWMutex
//   - Default backend
//   - No persistence (data lost on restart)
//   - Used by tests
//
// BadgerStore: embedded Badger database
//   - Survives coordinator restarts
//   - Keys are prefixed with "zonekeeper:" so the directory can be shared
//
// RedisStore: go-redis client
//   - Shared between processes
//   - Keys are namespaced as "<namespace>:<key>"
//
// # Usage
//
//	store, err := storage.Open(storage.Options{Backend: storage.BackendBadger, Path: "/var/lib/zonekeeper"})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
// All implementations copy values on the way in and out, so callers may reuse
// their buffers.
package storage
