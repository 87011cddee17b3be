package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/JakeFAU/sourcewatch/internal/poller"
)

// SourceConfig is one source definition as written in the config file.
type SourceConfig struct {
	ID                string        `mapstructure:"id"`
	Name              string        `mapstructure:"name"`
	Description       string        `mapstructure:"description"`
	URL               string        `mapstructure:"url"`
	Mode              string        `mapstructure:"mode"`
	IntervalMs        int           `mapstructure:"interval_ms"`
	JitterMs          int           `mapstructure:"jitter_ms"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxBackoffMs      int           `mapstructure:"max_backoff_ms"`
	FailureLimit      int           `mapstructure:"failure_limit"`
	TimeoutSeconds    int           `mapstructure:"timeout_seconds"`
	Permitted         *bool         `mapstructure:"permitted"`
	Enabled           *bool         `mapstructure:"enabled"`
	Fields            []FieldConfig `mapstructure:"fields"`
}

// FieldConfig declares one output field of a source.
type FieldConfig struct {
	Name     string `mapstructure:"name"`
	Selector string `mapstructure:"selector"`
	Attr     string `mapstructure:"attr"`
	Type     string `mapstructure:"type"`
	Required bool   `mapstructure:"required"`
}

// Per-source schedule defaults, applied when the definition leaves them out.
const (
	defaultBackoffMultiplier = 2.0
	defaultMaxBackoff        = time.Hour
	defaultFailureLimit      = 5
)

// ResolveSources validates every definition and produces the immutable
// resolved set the core consumes at boot. Any invalid definition aborts
// startup.
func ResolveSources(cfg Config) ([]poller.Source, error) {
	floor := cfg.Scheduler.RateFloor()
	seen := make(map[string]struct{}, len(cfg.Sources))
	out := make([]poller.Source, 0, len(cfg.Sources))
	for i, sc := range cfg.Sources {
		src, err := resolveSource(sc, floor)
		if err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		if _, dup := seen[src.ID]; dup {
			return nil, fmt.Errorf("sources[%d]: duplicate source id %q", i, src.ID)
		}
		seen[src.ID] = struct{}{}
		out = append(out, src)
	}
	return out, nil
}

func resolveSource(sc SourceConfig, floor time.Duration) (poller.Source, error) {
	if sc.ID == "" {
		return poller.Source{}, fmt.Errorf("id is required")
	}
	if sc.URL == "" {
		return poller.Source{}, fmt.Errorf("url is required for source %q", sc.ID)
	}
	u, err := url.Parse(sc.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return poller.Source{}, fmt.Errorf("source %q has invalid url %q", sc.ID, sc.URL)
	}
	if len(sc.Fields) == 0 {
		return poller.Source{}, fmt.Errorf("source %q declares no fields", sc.ID)
	}
	if sc.IntervalMs <= 0 {
		return poller.Source{}, fmt.Errorf("source %q interval_ms must be > 0", sc.ID)
	}

	mode := poller.Mode(sc.Mode)
	switch mode {
	case "":
		mode = poller.ModeHeadless
	case poller.ModeHeadless, poller.ModeStatic:
	default:
		return poller.Source{}, fmt.Errorf("source %q has unknown mode %q", sc.ID, sc.Mode)
	}

	fields := make([]poller.FieldSpec, 0, len(sc.Fields))
	fieldNames := make(map[string]struct{}, len(sc.Fields))
	for _, fc := range sc.Fields {
		if fc.Name == "" || fc.Selector == "" {
			return poller.Source{}, fmt.Errorf("source %q has a field without name or selector", sc.ID)
		}
		if _, dup := fieldNames[fc.Name]; dup {
			return poller.Source{}, fmt.Errorf("source %q declares field %q twice", sc.ID, fc.Name)
		}
		fieldNames[fc.Name] = struct{}{}
		ft := poller.FieldType(fc.Type)
		switch ft {
		case "":
			ft = poller.FieldString
		case poller.FieldString, poller.FieldNumber:
		default:
			return poller.Source{}, fmt.Errorf("source %q field %q has unknown type %q", sc.ID, fc.Name, fc.Type)
		}
		fields = append(fields, poller.FieldSpec{
			Name:     fc.Name,
			Selector: fc.Selector,
			Attr:     fc.Attr,
			Type:     ft,
			Required: fc.Required,
		})
	}

	multiplier := sc.BackoffMultiplier
	if multiplier == 0 {
		multiplier = defaultBackoffMultiplier
	}
	if multiplier < 1 {
		return poller.Source{}, fmt.Errorf("source %q backoff_multiplier must be >= 1", sc.ID)
	}
	maxBackoff := time.Duration(sc.MaxBackoffMs) * time.Millisecond
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	failureLimit := sc.FailureLimit
	if failureLimit == 0 {
		failureLimit = defaultFailureLimit
	}
	if failureLimit < 1 {
		return poller.Source{}, fmt.Errorf("source %q failure_limit must be >= 1", sc.ID)
	}
	if sc.JitterMs < 0 {
		return poller.Source{}, fmt.Errorf("source %q jitter_ms must be >= 0", sc.ID)
	}
	jitter := time.Duration(sc.JitterMs) * time.Millisecond

	interval := time.Duration(sc.IntervalMs) * time.Millisecond
	effective := interval
	if effective < floor {
		effective = floor
	}

	name := sc.Name
	if name == "" {
		name = sc.ID
	}

	// Enabled is the AND of the permission flag and the enable flag; both
	// default to true when omitted.
	permitted := sc.Permitted == nil || *sc.Permitted
	enabled := sc.Enabled == nil || *sc.Enabled

	return poller.Source{
		ID:          sc.ID,
		Name:        name,
		Description: sc.Description,
		URL:         sc.URL,
		Mode:        mode,
		Fields:      fields,
		Timeout:     time.Duration(sc.TimeoutSeconds) * time.Second,
		Schedule: poller.Schedule{
			Interval:          interval,
			EffectiveInterval: effective,
			Jitter:            jitter,
			BackoffMultiplier: multiplier,
			MaxBackoff:        maxBackoff,
			FailureLimit:      failureLimit,
		},
		Enabled: permitted && enabled,
	}, nil
}
