package app

import (
	"time"

	"maunium.net/go/mautrix/id"

	"mxgate/internal/audit"
	"mxgate/internal/config"
	"mxgate/internal/delivery"
	"mxgate/internal/heartbeat"
	"mxgate/internal/ingest"
	"mxgate/internal/matrix"
	"mxgate/internal/observability/pprof"
)

// The on-disk config keeps durations as strings; these map it onto each
// component's typed config and carry the defaults in one place.

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	d := cfg.Delivery
	out := delivery.Config{
		MaxAttempts: d.MaxAttempts,
		QueueSize:   d.QueueSize,
		RatePerSec:  float64(d.RatePerSec),
	}
	if out.MaxAttempts == 0 {
		out.MaxAttempts = 5
	}
	if out.QueueSize == 0 {
		out.QueueSize = 256
	}
	if d.RatePerSec == 0 {
		out.RatePerSec = 5
	}

	var err error
	if out.BackoffBase, err = config.ParseDurationOrDefault("delivery.backoff_base", d.BackoffBase, 500*time.Millisecond); err != nil {
		return out, err
	}
	if out.BackoffMax, err = config.ParseDurationOrDefault("delivery.backoff_max", d.BackoffMax, 30*time.Second); err != nil {
		return out, err
	}
	if out.SendTimeout, err = config.ParseDurationOrDefault("delivery.send_timeout", d.SendTimeout, 15*time.Second); err != nil {
		return out, err
	}
	if out.ResolveTimeout, err = config.ParseDurationOrDefault("delivery.resolve_timeout", d.ResolveTimeout, 30*time.Second); err != nil {
		return out, err
	}
	if out.DrainTimeout, err = config.ParseDurationOrDefault("delivery.drain_timeout", d.DrainTimeout, 10*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func mapIngestConfig(cfg *config.Config) ingest.Config {
	in := cfg.Ingest
	syncAck := true
	if in.SyncAck != nil {
		syncAck = *in.SyncAck
	}
	maxBody := in.MaxBodyBytes
	if maxBody == 0 {
		maxBody = 10 << 20
	}
	return ingest.Config{
		Listen:         in.Listen,
		APIKey:         in.APIKey,
		SyncAck:        syncAck,
		MaxBodyBytes:   maxBody,
		ManagementRoom: id.RoomID(cfg.ManagementRoom),
	}
}

func mapMatrixConfig(cfg *config.Config) (matrix.Config, error) {
	deviceName := cfg.DeviceName
	if deviceName == "" {
		deviceName = "mxgate"
	}
	ready, err := config.ParseDurationOrDefault("ready_timeout", cfg.ReadyTimeout, 30*time.Second)
	if err != nil {
		return matrix.Config{}, err
	}
	return matrix.Config{
		Homeserver:   cfg.Homeserver,
		UserID:       id.UserID(cfg.UserID),
		AccessToken:  cfg.AccessToken,
		Password:     cfg.Password,
		DeviceName:   deviceName,
		EncryptDMs:   cfg.EncryptDMs,
		ReadyTimeout: ready,
	}, nil
}

func mapAuditConfig(cfg *config.Config) (audit.Config, bool, error) {
	if cfg.Audit == nil {
		return audit.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("audit.busy_timeout", cfg.Audit.BusyTimeout, 0)
	if err != nil {
		return audit.Config{}, false, err
	}
	return audit.Config{
		Driver:      cfg.Audit.Driver,
		Path:        cfg.Audit.Path,
		BusyTimeout: busy,
	}, true, nil
}

func mapHeartbeatConfig(cfg *config.Config) heartbeat.Config {
	if cfg.Heartbeat == nil {
		return heartbeat.Config{}
	}
	return heartbeat.Config{
		Enabled:  cfg.Heartbeat.Enabled,
		Schedule: cfg.Heartbeat.Schedule,
		Message:  cfg.Heartbeat.Text,
	}
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	if cfg.Pprof == nil {
		return pprof.Config{}
	}
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Listen,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
	}
}

// Console logging defaults to on; only an explicit false disables it.
func consoleEnabled(cfg *config.Config) bool {
	return cfg.Logging.Console == nil || *cfg.Logging.Console
}

func sessionFilePath(cfg *config.Config) string {
	if cfg.SessionFile != "" {
		return cfg.SessionFile
	}
	return "./mxgate_session.json"
}
