package config

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/dreamware/zonekeeper/internal/coordinator"
	"github.com/dreamware/zonekeeper/internal/storage"
	"github.com/dreamware/zonekeeper/internal/zone"
)

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors collects every invalid field of a configuration.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 1 {
		return ve[0].Error()
	}
	messages := make([]string, 0, len(ve))
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return "validation failed: " + strings.Join(messages, "; ")
}

func (ve *ValidationErrors) Add(field, format string, args ...any) {
	*ve = append(*ve, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the configuration. The returned error wraps ErrInvalid and
// a ValidationErrors listing every problem found.
func (c Config) Validate() error {
	var errs ValidationErrors

	if strings.TrimSpace(c.Listen) == "" {
		errs.Add("listen", "is required")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs.Add("log.level", "unknown level %q", c.Log.Level)
	}
	if f := c.Log.Format; f != "console" && f != "json" {
		errs.Add("log.format", "must be console or json, got %q", f)
	}

	c.validateCoordinator(&errs)

	if c.Pacing.Scale < 0 {
		errs.Add("pacing.scale", "must not be negative")
	}

	switch c.Storage.Backend {
	case storage.BackendMemory:
	case storage.BackendBadger:
		if c.Storage.Path == "" {
			errs.Add("storage.path", "is required for the badger backend")
		}
	case storage.BackendRedis:
		if c.Storage.RedisURL == "" {
			errs.Add("storage.redis_url", "is required for the redis backend")
		}
	default:
		errs.Add("storage.backend", "unknown backend %q", c.Storage.Backend)
	}

	if c.Health.Enabled && c.Health.Interval <= 0 {
		errs.Add("health.interval", "must be positive when health checks are enabled")
	}
	if c.Tracing.Enabled && c.Tracing.ServiceName == "" {
		errs.Add("tracing.service_name", "is required when tracing is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errs)
	}
	return nil
}

func (c Config) validateCoordinator(errs *ValidationErrors) {
	cc := c.Coordinator
	if cc.UpperwareGrouping == "" {
		errs.Add("coordinator.upperware_grouping", "is required")
	}

	switch strings.ToLower(strings.TrimSpace(cc.Type)) {
	case coordinator.KindNoop, coordinator.KindTest:
	case coordinator.KindWaitAll:
		if cc.ExpectedClients < 1 {
			errs.Add("coordinator.expected_clients", "must be at least 1 for the wait-all coordinator")
		}
	case coordinator.KindClustering:
		if !coordinator.ClusteringSupported(coordinator.TranslationContext{Groupings: cc.Groupings}) {
			errs.Add("coordinator.groupings", "clustering needs three groupings including GLOBAL, got %v", cc.Groupings)
		}
		c.validateZones(errs)
	default:
		errs.Add("coordinator.type", "unknown coordinator %q", cc.Type)
	}
}

func (c Config) validateZones(errs *ValidationErrors) {
	z := c.Zones
	if _, err := zone.NewStrategy(z.Strategy, nil); err != nil {
		errs.Add("zones.strategy", "%v", err)
	}
	if z.StartPort < 1 || z.EndPort > 65535 || z.StartPort >= z.EndPort {
		errs.Add("zones.start_port", "port range %d-%d is invalid", z.StartPort, z.EndPort)
	}
	_, err := zone.NewDetector(zone.DetectorConfig{
		Rules:           z.Rules,
		DefaultClusters: z.DefaultClusters,
		Assignment:      zone.Assignment(z.Assignment),
	})
	if err != nil {
		errs.Add("zones.assignment", "%v", err)
	}
}
