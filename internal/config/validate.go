package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	userIDPattern = regexp.MustCompile(`^@[^:]+:.+$`)
	roomIDPattern = regexp.MustCompile(`^![^:]+:.+$`)
)

// Validate checks the parts of the config that would otherwise fail at an
// awkward moment (first delivery, first reload). It never mutates cfg;
// defaults are applied by the consumers.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	hs := strings.TrimSpace(cfg.Homeserver)
	if hs == "" {
		return errors.New("homeserver is required")
	}
	u, err := url.Parse(hs)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("homeserver must be a URL like https://matrix.example.com, got %q", cfg.Homeserver)
	}

	if !userIDPattern.MatchString(strings.TrimSpace(cfg.UserID)) {
		return fmt.Errorf("user_id must look like @user:server, got %q", cfg.UserID)
	}
	if strings.TrimSpace(cfg.AccessToken) == "" && strings.TrimSpace(cfg.Password) == "" {
		return errors.New("either access_token or password is required")
	}

	if mr := strings.TrimSpace(cfg.ManagementRoom); mr != "" && !roomIDPattern.MatchString(mr) {
		return fmt.Errorf("management_room must look like !room:server, got %q", cfg.ManagementRoom)
	}
	if _, err := ParseDurationField("ready_timeout", cfg.ReadyTimeout); err != nil {
		return err
	}

	if strings.TrimSpace(cfg.Ingest.Listen) == "" {
		return errors.New("ingest.listen is required")
	}
	if cfg.Ingest.MaxBodyBytes < 0 {
		return errors.New("ingest.max_body_bytes must be >= 0")
	}

	if cfg.Delivery.MaxAttempts < 0 {
		return errors.New("delivery.max_attempts must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"delivery.backoff_base", cfg.Delivery.BackoffBase},
		{"delivery.backoff_max", cfg.Delivery.BackoffMax},
		{"delivery.send_timeout", cfg.Delivery.SendTimeout},
		{"delivery.resolve_timeout", cfg.Delivery.ResolveTimeout},
		{"delivery.drain_timeout", cfg.Delivery.DrainTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if cfg.Audit != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Audit.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("audit.driver must be one of none/file/sqlite, got %q", cfg.Audit.Driver)
		}
		if _, err := ParseDurationField("audit.busy_timeout", cfg.Audit.BusyTimeout); err != nil {
			return err
		}
	}

	if cfg.Heartbeat != nil && cfg.Heartbeat.Enabled && strings.TrimSpace(cfg.ManagementRoom) == "" {
		return errors.New("heartbeat requires management_room")
	}

	return nil
}

// IsUserID reports whether s looks like a Matrix user id (@user:server).
func IsUserID(s string) bool { return userIDPattern.MatchString(s) }

// IsRoomID reports whether s looks like a Matrix room id (!room:server).
func IsRoomID(s string) bool { return roomIDPattern.MatchString(s) }
