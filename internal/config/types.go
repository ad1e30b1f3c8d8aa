package config

// Config is the on-disk configuration.
//
// YAML and JSON are both accepted (YAML is coerced to JSON before a strict
// decode). Unknown fields are rejected so typos fail fast at startup.
type Config struct {
	// Homeserver is the base URL of the Matrix homeserver,
	// e.g. "https://matrix.example.com".
	Homeserver string `json:"homeserver"`

	// UserID is the full Matrix user id of the gateway account,
	// e.g. "@notifier:example.com".
	UserID string `json:"user_id"`

	// AccessToken authenticates directly; if empty, Password is used for a
	// first login and the resulting token is persisted in the session file.
	AccessToken string `json:"access_token,omitempty"`
	Password    string `json:"password,omitempty"`

	// DeviceName labels the device created on password login.
	DeviceName string `json:"device_name,omitempty"`

	// SessionFile is where device identity and sync cursor are persisted.
	SessionFile string `json:"session_file,omitempty"`

	// ManagementRoom receives deliveries that carry no recipient.
	// e.g. "!ops:example.com". Optional; recipient-less requests are
	// rejected when unset.
	ManagementRoom string `json:"management_room,omitempty"`

	// EncryptDMs requests encryption on private channels the gateway
	// creates. Sends into such a channel wait for the encryption state
	// event to come back through sync before the first delivery.
	EncryptDMs bool `json:"encrypt_dms,omitempty"`

	// ReadyTimeout bounds how long a send waits for a freshly created
	// channel to be confirmed by sync. Go duration string; default 30s.
	ReadyTimeout string `json:"ready_timeout,omitempty"`

	Ingest    IngestConfig     `json:"ingest"`
	Delivery  DeliveryConfig   `json:"delivery,omitempty"`
	Logging   LoggingConfig    `json:"logging,omitempty"`
	Audit     *AuditConfig     `json:"audit,omitempty"`
	Metrics   *MetricsConfig   `json:"metrics,omitempty"`
	Heartbeat *HeartbeatConfig `json:"heartbeat,omitempty"`
	Pprof     *PprofConfig     `json:"pprof,omitempty"`
}

// IngestConfig controls the HTTP ingestion endpoint.
type IngestConfig struct {
	Listen string `json:"listen"`

	// APIKey must match the Api-Key-Here request header. Empty disables auth
	// (only sensible behind a trusted reverse proxy).
	APIKey string `json:"api_key,omitempty"`

	// SyncAck makes the HTTP response wait for the delivery's terminal
	// outcome. When false, requests are acknowledged on enqueue and failures
	// are only logged.
	SyncAck *bool `json:"sync_ack,omitempty"`

	// MaxBodyBytes caps request bodies. 0 means the 10 MiB default.
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`
}

// DeliveryConfig controls the per-recipient send queues.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - max_attempts: 5
//   - backoff_base: "500ms"
//   - backoff_max: "30s"
//   - send_timeout: "15s"
//   - resolve_timeout: "30s"
//   - queue_size: 256
//   - rate_per_sec: 5
//   - drain_timeout: "10s"
type DeliveryConfig struct {
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	BackoffBase    string `json:"backoff_base,omitempty"`
	BackoffMax     string `json:"backoff_max,omitempty"`
	SendTimeout    string `json:"send_timeout,omitempty"`
	ResolveTimeout string `json:"resolve_timeout,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	DrainTimeout   string `json:"drain_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console *bool             `json:"console,omitempty"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// AuditConfig controls the optional delivery audit log.
//
// Example:
//
//	"audit": { "driver": "file", "path": "./mxgate_audit" }
type AuditConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MetricsConfig controls the optional Prometheus endpoint.
//
// Prefer binding to localhost unless the listener sits behind a trusted proxy.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen,omitempty"` // default "127.0.0.1:9102"
}

// PprofConfig controls the optional profiling endpoint.
//
// A non-loopback listen address requires a token or allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Listen        string `json:"listen,omitempty"` // default "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// HeartbeatConfig posts a periodic liveness message to the management room.
type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default "0 * * * *"
	Text     string `json:"text,omitempty"`
}
