package delivery

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"maunium.net/go/mautrix/id"

	"mxgate/internal/matrix"
)

type PayloadKind int

const (
	PayloadText PayloadKind = iota
	PayloadMedia
)

func (k PayloadKind) String() string {
	if k == PayloadMedia {
		return "media"
	}
	return "text"
}

// Payload is the decoded request body to deliver.
type Payload struct {
	Kind PayloadKind

	// Text is set for PayloadText.
	Text string

	// Bytes/ContentType/FileName are set for PayloadMedia.
	Bytes       []byte
	ContentType string
	FileName    string
}

// Target is where a job goes: a recipient identity (channel resolved via the
// cache) or a fixed channel (management room, or explicit !room addressing).
// Exactly one field is set.
type Target struct {
	User id.UserID
	Room id.RoomID
}

// queueKey keys the per-recipient queue map. Fixed-channel targets use the
// room id as their reserved identity, so the management path gets a single
// dedicated queue with ordinary queue semantics.
func (t Target) queueKey() string {
	if t.User != "" {
		return "user:" + string(t.User)
	}
	return "room:" + string(t.Room)
}

func (t Target) String() string {
	if t.User != "" {
		return string(t.User)
	}
	return string(t.Room)
}

// Job is one delivery, owned by exactly one queue from enqueue to terminal
// outcome.
type Job struct {
	ID         string
	Target     Target
	Payload    Payload
	ReceivedAt time.Time

	// attempts counts sends tried so far; memo carries the upload reference
	// across retries of a media job so the blob is uploaded at most once.
	attempts int
	memo     matrix.UploadMemo

	done chan Outcome
}

// Outcome is a job's terminal result.
type Outcome struct {
	JobID    string
	EventID  id.EventID
	Err      error
	Attempts int
	Took     time.Duration
}

// Ticket lets a synchronous submitter wait for the job's terminal outcome.
type Ticket struct {
	JobID string
	done  <-chan Outcome
}

// NewTicket wraps an outcome channel in a Ticket. Exposed so boundary
// packages can fake a Submitter in their tests.
func NewTicket(jobID string, done <-chan Outcome) *Ticket {
	return &Ticket{JobID: jobID, done: done}
}

// Wait blocks until the job reaches a terminal state or ctx expires.
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case o := <-t.done:
		return o, nil
	}
}

var (
	ErrStopped   = errors.New("delivery: dispatcher stopped")
	ErrQueueFull = errors.New("delivery: recipient queue full")
)

// ---- job ids ----

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newJobID returns a time-sortable ULID encoded as a 26-character string.
func newJobID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
