// Package poller defines the domain types and collaborator contracts for the
// source polling service.
package poller

import "time"

// Mode selects how a source's page is fetched.
type Mode string

// Supported fetch modes.
const (
	ModeHeadless Mode = "headless"
	ModeStatic   Mode = "static"
)

// FieldType constrains the normalized value of an extracted field.
type FieldType string

// Supported field types.
const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
)

// FieldSpec declares one field to extract from a source page.
type FieldSpec struct {
	Name     string    `json:"name"`
	Selector string    `json:"selector"`
	// Attr names an attribute to read instead of the element text.
	Attr     string    `json:"attr,omitempty"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

// Schedule carries the resolved per-source scheduling parameters.
type Schedule struct {
	// Interval is the configured poll period before the floor is applied.
	Interval time.Duration `json:"interval"`
	// EffectiveInterval is max(global floor, Interval), fixed at resolution.
	EffectiveInterval time.Duration `json:"effective_interval"`
	Jitter            time.Duration `json:"jitter"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	MaxBackoff        time.Duration `json:"max_backoff"`
	FailureLimit      int           `json:"failure_limit"`
}

// Source is one resolved, immutable polling target. Mutable runtime state
// lives in the registry, never here.
type Source struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	URL         string        `json:"url"`
	Mode        Mode          `json:"mode"`
	Fields      []FieldSpec   `json:"fields"`
	Timeout     time.Duration `json:"timeout"`
	Schedule    Schedule      `json:"schedule"`
	// Enabled is permitted AND enabled from the definition, derived once at
	// load and never changed at runtime.
	Enabled bool `json:"enabled"`
}

// RuntimeState is the mutable per-source scheduling state owned by the
// registry and persisted through the Store so pauses survive restarts.
type RuntimeState struct {
	SourceID            string     `json:"source_id"`
	NextRunAt           time.Time  `json:"next_run_at"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	InFlight            bool       `json:"in_flight"`
	PausedUntil         *time.Time `json:"paused_until,omitempty"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	LastStatus          RunState   `json:"last_status,omitempty"`
}

// DataPoint is one successful, normalized extraction result.
type DataPoint struct {
	ID          string            `json:"id"`
	SourceID    string            `json:"source_id"`
	Raw         map[string]string `json:"raw"`
	Fields      map[string]any    `json:"fields"`
	CollectedAt time.Time         `json:"collected_at"`
	// SourceTime is the optional timestamp the page itself declared.
	SourceTime *time.Time `json:"source_time,omitempty"`
	// SnapshotURI points at the raw HTML snapshot in blob storage, when
	// snapshots are enabled.
	SnapshotURI string `json:"snapshot_uri,omitempty"`
}

// RunState labels a StatusRecord.
type RunState string

// Supported run states.
const (
	RunStateIdle    RunState = "idle"
	RunStateRunning RunState = "running"
	RunStateSuccess RunState = "success"
	RunStateError   RunState = "error"
)

// StatusRecord is one append-only history entry for a source run.
type StatusRecord struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	State     RunState  `json:"state"`
	Message   string    `json:"message,omitempty"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`
}

// ExtractResult is the raw outcome of one extractor invocation.
type ExtractResult struct {
	// Raw holds the extracted field values keyed by field name, untyped.
	Raw map[string]string
	// HTML is the rendered document, retained for blob snapshots.
	HTML []byte
	// FinalURL is the URL after redirects.
	FinalURL string
	Duration time.Duration
}
