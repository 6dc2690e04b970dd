// Package config loads and merges the SDK's configuration from a layered set
// of YAML files plus environment-variable overrides.
package config

// OverflowStrategy selects how the Queue Store behaves when active limits
// would be exceeded by an insert.
type OverflowStrategy string

const (
	DropOldest OverflowStrategy = "DROP_OLDEST"
	DropNewest OverflowStrategy = "DROP_NEWEST"
	Block      OverflowStrategy = "BLOCK"
)

// SecurityPolicy controls payload admission and at-rest encryption.
type SecurityPolicy struct {
	EncryptQueuePayloads   bool     `yaml:"encrypt_queue_payloads"`
	MaxEventPayloadBytes   int      `yaml:"max_event_payload_bytes"`
	DenylistJSONKeys       []string `yaml:"denylist_json_keys"`
	AllowRawPayloadStorage bool     `yaml:"allow_raw_payload_storage"`
}

// QueueLimits bounds the active (non-SENT) footprint of the queue store.
type QueueLimits struct {
	MaxActiveEvents  int              `yaml:"max_active_events"`
	MaxActiveBytes   int64            `yaml:"max_active_bytes"`
	OverflowStrategy OverflowStrategy `yaml:"overflow_strategy"`
}

// SyncPolicy controls whether and how the Sync Engine talks to the ingest endpoint.
type SyncPolicy struct {
	Enabled             bool   `yaml:"enabled"`
	EndpointPath        string `yaml:"endpoint_path"`
	BatchSize           int    `yaml:"batch_size"`
	MaxAttemptsPerEvent int    `yaml:"max_attempts_per_event"`
	RequireUnmeteredNet bool   `yaml:"require_unmetered_network"`
}

// RetentionPolicy controls how long terminal rows and journal files live.
type RetentionPolicy struct {
	RetainSentDays   int `yaml:"retain_sent_days"`
	RetainFailedDays int `yaml:"retain_failed_days"`
	RetainAuditDays  int `yaml:"retain_audit_days"`
	RetainLogsDays   int `yaml:"retain_logs_days"`
}

// IdempotencyConfig controls deterministic idempotency-key derivation.
type IdempotencyConfig struct {
	DeterministicEnabled bool  `yaml:"deterministic_enabled"`
	BucketMs             int64 `yaml:"bucket_ms"`
}

// Config is the fully resolved configuration for one Handle.
type Config struct {
	BaseURL             string `yaml:"base_url"`
	LocationID          string `yaml:"location_id"`
	KioskEnabled        bool   `yaml:"kiosk_enabled"`
	SyncIntervalMinutes int    `yaml:"sync_interval_minutes"`

	SecurityPolicy    SecurityPolicy    `yaml:"security_policy"`
	QueueLimits       QueueLimits       `yaml:"queue_limits"`
	SyncPolicy        SyncPolicy        `yaml:"sync_policy"`
	RetentionPolicy   RetentionPolicy   `yaml:"retention_policy"`
	IdempotencyConfig IdempotencyConfig `yaml:"idempotency_config"`
}

// DefaultDenylistKeys is the out-of-the-box denylist (§6 "see set").
var DefaultDenylistKeys = []string{"email", "phone", "ssn", "password", "pan", "dob"}

// Defaults returns the configuration with every bracketed default from spec §6 applied.
func Defaults() Config {
	return Config{
		KioskEnabled:        false,
		SyncIntervalMinutes: 5,
		SecurityPolicy: SecurityPolicy{
			EncryptQueuePayloads:   true,
			MaxEventPayloadBytes:   65536,
			DenylistJSONKeys:       append([]string(nil), DefaultDenylistKeys...),
			AllowRawPayloadStorage: false,
		},
		QueueLimits: QueueLimits{
			MaxActiveEvents:  5000,
			MaxActiveBytes:   50 * 1024 * 1024,
			OverflowStrategy: DropOldest,
		},
		SyncPolicy: SyncPolicy{
			Enabled:             false,
			EndpointPath:        "events/batch",
			BatchSize:           50,
			MaxAttemptsPerEvent: 12,
			RequireUnmeteredNet: false,
		},
		RetentionPolicy: RetentionPolicy{
			RetainSentDays:   7,
			RetainFailedDays: 14,
			RetainAuditDays:  30,
			RetainLogsDays:   7,
		},
		IdempotencyConfig: IdempotencyConfig{
			DeterministicEnabled: true,
			BucketMs:             86_400_000,
		},
	}
}

// Validate enforces the required fields and sane floors named in spec §6.
func (c Config) Validate() error {
	if c.BaseURL == "" && c.SyncPolicy.Enabled {
		return errRequired("base_url")
	}
	if c.LocationID == "" {
		return errRequired("location_id")
	}
	if c.SyncIntervalMinutes < 5 {
		return errFloor("sync_interval_minutes", 5)
	}
	return nil
}
