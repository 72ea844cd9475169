// Package config loads engine configuration and rule files.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then EVENTENGINE_* environment variables. Nested keys use a double
// underscore in the environment, e.g. EVENTENGINE_BUS__BLOCK_TIMEOUT=2s.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	engerrors "github.com/randalmurphal/eventengine/pkg/eventengine/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EVENTENGINE_"

// Config is the full engine configuration.
type Config struct {
	Workers      int           `koanf:"workers" validate:"min=1,max=1024"`
	QueueSize    int           `koanf:"queue_size" validate:"min=1"`
	DedupeWindow int           `koanf:"dedupe_window" validate:"min=0"`
	WindowTick   time.Duration `koanf:"window_tick" validate:"gte=0"`

	// PartitionAttributes route events to workers: the first attribute an
	// event carries picks its worker. Empty derives them from the correlation
	// rules and aggregation.key_attributes.
	PartitionAttributes []string `koanf:"partition_attributes"`

	// EventTypes are accepted in addition to the built-in types.
	EventTypes []string `koanf:"event_types" validate:"dive,required"`

	// RulesFile is an optional YAML file of filter and correlation rules.
	RulesFile string `koanf:"rules_file"`

	// WatchRules reloads RulesFile when it changes.
	WatchRules bool `koanf:"watch_rules"`

	Filter        FilterConfig        `koanf:"filter"`
	Aggregation   AggregationConfig   `koanf:"aggregation"`
	Correlation   CorrelationConfig   `koanf:"correlation"`
	Anomaly       AnomalyConfig       `koanf:"anomaly"`
	Bus           BusConfig           `koanf:"bus"`
	Store         StoreConfig         `koanf:"store"`
	Retry         RetryConfig         `koanf:"retry"`
	Observability ObservabilityConfig `koanf:"observability"`
}

type FilterConfig struct {
	DefaultAction string `koanf:"default_action" validate:"oneof=allow deny"`
}

type AggregationConfig struct {
	KeyAttributes  []string      `koanf:"key_attributes"`
	ValueAttribute string        `koanf:"value_attribute" validate:"required"`
	Size           time.Duration `koanf:"size" validate:"gt=0"`
	Slide          time.Duration `koanf:"slide" validate:"gte=0,ltefield=Size"`
	Grace          time.Duration `koanf:"grace" validate:"gte=0"`
	ReservoirSize  int           `koanf:"reservoir_size" validate:"min=1"`
}

type CorrelationConfig struct {
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"gt=0"`
}

type AnomalyConfig struct {
	Threshold        float64 `koanf:"threshold" validate:"gt=0"`
	MinObservations  int     `koanf:"min_observations" validate:"min=0"`
	MeasureAttribute string  `koanf:"measure_attribute" validate:"required"`
	KeyAttribute     string  `koanf:"key_attribute" validate:"required"`
}

type BusConfig struct {
	Capacity     int           `koanf:"capacity" validate:"min=1"`
	Policy       string        `koanf:"policy" validate:"oneof=block drop-oldest drop-newest"`
	BlockTimeout time.Duration `koanf:"block_timeout" validate:"gt=0"`
}

type StoreConfig struct {
	Driver string `koanf:"driver" validate:"oneof=memory sqlite"`
	Path   string `koanf:"path" validate:"required_if=Driver sqlite"`
}

type RetryConfig struct {
	MaxAttempts    int           `koanf:"max_attempts" validate:"min=1,max=20"`
	InitialBackoff time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `koanf:"max_backoff" validate:"gtefield=InitialBackoff"`
}

type ObservabilityConfig struct {
	LogLevel string `koanf:"log_level" validate:"oneof=debug info warn error"`
	Metrics  bool   `koanf:"metrics"`
	Tracing  bool   `koanf:"tracing"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Workers:      4,
		QueueSize:    1024,
		DedupeWindow: 10000,
		WindowTick:   time.Second,
		Filter: FilterConfig{
			DefaultAction: "allow",
		},
		Aggregation: AggregationConfig{
			ValueAttribute: "value",
			Size:           time.Minute,
			Grace:          5 * time.Second,
			ReservoirSize:  1024,
		},
		Correlation: CorrelationConfig{
			SweepInterval: 5 * time.Second,
		},
		Anomaly: AnomalyConfig{
			Threshold:        3,
			MinObservations:  10,
			MeasureAttribute: "value",
			KeyAttribute:     "metric_key",
		},
		Bus: BusConfig{
			Capacity:     256,
			Policy:       "block",
			BlockTimeout: 5 * time.Second,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Retry: RetryConfig{
			MaxAttempts:    4,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := Default()
	if err := k.Load(structs.Provider(&defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps EVENTENGINE_BUS__BLOCK_TIMEOUT to bus.block_timeout.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("koanf"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks every field and reports all violations as joined
// *errors.ValidationError values.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		msg := fmt.Sprintf("failed %q validation", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed %q validation (%s)", fe.Tag(), fe.Param())
		}
		errs = append(errs, &engerrors.ValidationError{Field: field, Message: msg})
	}
	return errors.Join(errs...)
}
