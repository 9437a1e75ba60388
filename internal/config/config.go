package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the coordinator configuration file.
type Config struct {
	Listen      string            `yaml:"listen"`
	Log         LogConfig         `yaml:"log"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Zones       ZonesConfig       `yaml:"zones"`
	Pacing      PacingConfig      `yaml:"pacing"`
	Broker      BrokerConfig      `yaml:"broker"`
	Storage     StorageConfig     `yaml:"storage"`
	Events      EventsConfig      `yaml:"events"`
	Health      HealthConfig      `yaml:"health"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

// CoordinatorConfig selects the server coordinator and the topology it
// builds.
type CoordinatorConfig struct {
	Type              string   `yaml:"type"`
	ExpectedClients   int      `yaml:"expected_clients"`
	UpperwareGrouping string   `yaml:"upperware_grouping"`
	Groupings         []string `yaml:"groupings"`
}

// ZonesConfig configures the clustering coordinator.
type ZonesConfig struct {
	Strategy        string   `yaml:"strategy"`
	StartPort       int      `yaml:"start_port"`
	EndPort         int      `yaml:"end_port"`
	Rules           []string `yaml:"rules"`
	DefaultClusters []string `yaml:"default_clusters"`
	Assignment      string   `yaml:"assignment"`
}

// PacingConfig scales the pauses coordinators take between instructions. 0
// disables them, which only makes sense against simulated agents.
type PacingConfig struct {
	Scale float64 `yaml:"scale"`
}

// BrokerConfig describes the upperware broker every node connects to.
type BrokerConfig struct {
	UpperwareURL string `yaml:"upperware_url"`
	Certificate  string `yaml:"certificate"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
}

type StorageConfig struct {
	Backend   string `yaml:"backend"` // memory, badger or redis
	Path      string `yaml:"path"`
	RedisURL  string `yaml:"redis_url"`
	Namespace string `yaml:"namespace"`
}

// EventsConfig enables publishing lifecycle events to NATS. Without a URL
// events are dropped.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type HealthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Environment variables overriding the file.
const (
	EnvListen      = "ZONEKEEPER_LISTEN"
	EnvCoordinator = "ZONEKEEPER_COORDINATOR"
	EnvStorage     = "ZONEKEEPER_STORAGE"
	EnvNATSURL     = "ZONEKEEPER_NATS_URL"
	EnvRedisURL    = "ZONEKEEPER_REDIS_URL"
)

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen: ":8080",
		Log:    LogConfig{Level: "info", Format: "console"},
		Coordinator: CoordinatorConfig{
			Type:              "noop",
			UpperwareGrouping: "GLOBAL",
			Groupings:         []string{"GLOBAL", "PER_ZONE", "PER_INSTANCE"},
		},
		Zones: ZonesConfig{
			Strategy:   "default",
			StartPort:  1200,
			EndPort:    65535,
			Assignment: "RANDOM",
		},
		Pacing:  PacingConfig{Scale: 1},
		Storage: StorageConfig{Backend: "memory", Namespace: "zonekeeper"},
		Events:  EventsConfig{SubjectPrefix: "zonekeeper"},
		Health:  HealthConfig{Enabled: true, Interval: 5 * time.Second},
		Tracing: TracingConfig{ServiceName: "zonekeeper-coordinator"},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path uses the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. lookup is os.LookupEnv
// outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvListen); ok && v != "" {
		c.Listen = v
	}
	if v, ok := lookup(EnvCoordinator); ok && v != "" {
		c.Coordinator.Type = v
	}
	if v, ok := lookup(EnvStorage); ok && v != "" {
		c.Storage.Backend = v
	}
	if v, ok := lookup(EnvNATSURL); ok {
		c.Events.NATSURL = v
	}
	if v, ok := lookup(EnvRedisURL); ok && v != "" {
		c.Storage.RedisURL = v
	}
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")
