package storage

import "fmt"

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Options selects and configures a Store backend.
type Options struct {
	Backend   string
	Path      string // badger directory
	RedisURL  string
	Namespace string // redis key namespace
}

// Open returns the Store described by opts. An empty backend means memory.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendBadger:
		if opts.Path == "" {
			return nil, fmt.Errorf("storage: badger backend needs a path")
		}
		return NewBadgerStore(opts.Path)
	case BackendRedis:
		if opts.RedisURL == "" {
			return nil, fmt.Errorf("storage: redis backend needs a url")
		}
		return NewRedisStore(opts.RedisURL, opts.Namespace)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", opts.Backend)
	}
}
