// Package config loads the coordinator configuration.
//
// The configuration is a YAML file read over built-in defaults, then
// overridden by a few environment variables so containers can be pointed at
// their backing services without a file:
//
//	ZONEKEEPER_LISTEN       listen address of the HTTP control surface
//	ZONEKEEPER_COORDINATOR  coordinator type
//	ZONEKEEPER_STORAGE      registry storage backend
//	ZONEKEEPER_NATS_URL     event bus URL, empty disables publishing
//	ZONEKEEPER_REDIS_URL    redis URL of the redis storage backend
//
// A minimal clustering setup:
//
//	listen: ":8080"
//	coordinator:
//	  type: clustering
//	  groupings: [GLOBAL, PER_ZONE, PER_INSTANCE]
//	zones:
//	  strategy: at-least-two
//	  rules: [zone, "@subnet"]
//	storage:
//	  backend: badger
//	  path: /var/lib/zonekeeper
//	health:
//	  enabled: true
//	  interval: 5s
package config
