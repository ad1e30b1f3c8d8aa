// Package session persists the gateway's Matrix session: device identity,
// access token, sync cursor, and the map of known direct rooms.
//
// The on-disk record is a single JSON file replaced atomically
// (write-to-temp + rename), so a crash mid-save never corrupts the
// previously committed state. Save failures are surfaced but non-fatal:
// the gateway keeps running on in-memory state and simply re-authenticates
// on the next restart if the file is stale or missing.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"

	"mxgate/internal/eventbus"
	logx "mxgate/pkg/logx"
)

// ErrNotFound is returned by Load when no session has been persisted yet.
var ErrNotFound = errors.New("session: no saved state")

// State is the durable session record.
type State struct {
	UserID      id.UserID   `json:"user_id"`
	DeviceID    id.DeviceID `json:"device_id"`
	AccessToken string      `json:"access_token"`

	// NextBatch is the sync cursor; resuming from it avoids replaying
	// history after a restart.
	NextBatch string `json:"next_batch,omitempty"`
	FilterID  string `json:"filter_id,omitempty"`

	// DirectRooms maps recipient user ids to their private channel, so first
	// contact after a restart reuses the existing DM instead of creating a
	// duplicate.
	DirectRooms map[id.UserID]id.RoomID `json:"direct_rooms,omitempty"`

	SavedAt time.Time `json:"saved_at"`
}

// Store owns the session file. All mutation goes through it; the mautrix
// client uses it as its SyncStore so every sync advances the durable cursor.
type Store struct {
	path string
	log  logx.Logger
	bus  eventbus.Bus

	mu       sync.Mutex
	state    State
	loaded   bool
	saveFail int
}

func NewStore(path string, log logx.Logger, bus eventbus.Bus) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{path: path, log: log, bus: bus}
}

// Load reads the persisted state, if any. Returns ErrNotFound when the file
// does not exist; any other error means the file is present but unreadable.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("session: read %s: %w", s.path, err)
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, fmt.Errorf("session: decode %s: %w", s.path, err)
	}
	s.state = st
	s.loaded = true
	return st, nil
}

// State returns a snapshot of the in-memory state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() State {
	st := s.state
	if st.DirectRooms != nil {
		cp := make(map[id.UserID]id.RoomID, len(st.DirectRooms))
		for k, v := range st.DirectRooms {
			cp[k] = v
		}
		st.DirectRooms = cp
	}
	return st
}

// SetCredentials records the authenticated identity and persists immediately.
func (s *Store) SetCredentials(userID id.UserID, deviceID id.DeviceID, accessToken string) error {
	s.mu.Lock()
	s.state.UserID = userID
	s.state.DeviceID = deviceID
	s.state.AccessToken = accessToken
	err := s.persistLocked()
	s.mu.Unlock()
	return err
}

// PutDirectRoom memoizes a recipient's private channel.
func (s *Store) PutDirectRoom(user id.UserID, room id.RoomID) {
	s.mu.Lock()
	if s.state.DirectRooms == nil {
		s.state.DirectRooms = map[id.UserID]id.RoomID{}
	}
	s.state.DirectRooms[user] = room
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("session save failed", logx.Err(err))
	}
}

// DropDirectRoom forgets a stale channel mapping.
func (s *Store) DropDirectRoom(user id.UserID) {
	s.mu.Lock()
	delete(s.state.DirectRooms, user)
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("session save failed", logx.Err(err))
	}
}

// DirectRooms returns the memoized recipient -> channel map.
func (s *Store) DirectRooms() map[id.UserID]id.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[id.UserID]id.RoomID, len(s.state.DirectRooms))
	for k, v := range s.state.DirectRooms {
		cp[k] = v
	}
	return cp
}

// persistLocked writes the state atomically. Callers hold s.mu.
func (s *Store) persistLocked() error {
	s.state.SavedAt = time.Now()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return s.noteSaveLocked(err)
	}
	b, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return s.noteSaveLocked(err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return s.noteSaveLocked(err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return s.noteSaveLocked(err)
	}
	return s.noteSaveLocked(nil)
}

func (s *Store) noteSaveLocked(err error) error {
	if err == nil {
		s.saveFail = 0
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionSaved, Data: s.path})
		}
		return nil
	}
	s.saveFail++
	// Repeated failures mean the next restart will re-authenticate instead of
	// resuming; keep delivering in the meantime.
	if s.saveFail == 3 {
		s.log.Error("session persistence degraded; state will not survive restart",
			logx.String("path", s.path), logx.Err(err))
	}
	return fmt.Errorf("session: save %s: %w", s.path, err)
}

// ---- mautrix.SyncStore ----

// The mautrix client calls these on every sync round; persisting here is what
// makes the sync cursor crash-safe.

func (s *Store) SaveFilterID(_ context.Context, _ id.UserID, filterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.FilterID == filterID {
		return nil
	}
	s.state.FilterID = filterID
	return s.persistLocked()
}

func (s *Store) LoadFilterID(_ context.Context, _ id.UserID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.FilterID, nil
}

func (s *Store) SaveNextBatch(_ context.Context, _ id.UserID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.NextBatch == token {
		return nil
	}
	s.state.NextBatch = token
	if err := s.persistLocked(); err != nil {
		// Best-effort: sync must not stall on a full disk.
		s.log.Warn("sync cursor save failed", logx.Err(err))
	}
	return nil
}

func (s *Store) LoadNextBatch(_ context.Context, _ id.UserID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.NextBatch, nil
}
