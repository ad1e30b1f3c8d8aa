// Package resolver maps recipient identities to their private channel.
//
// Lookups are memoized: one canonical channel per recipient, created lazily
// on first contact and never evicted on success. Concurrent first-time
// resolves for the same recipient collapse into a single channel-creation
// call (singleflight); later callers share its result. A delivery failure
// indicating a stale channel invalidates the entry so the next resolve
// re-creates it.
package resolver

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"

	logx "mxgate/pkg/logx"
)

// Creator is the protocol-client slice the resolver needs.
type Creator interface {
	CreateDirectChannel(ctx context.Context, user id.UserID) (id.RoomID, error)
	Encrypted(roomID id.RoomID) bool
}

// Memo persists the recipient -> channel map across restarts.
// *session.Store implements it.
type Memo interface {
	DirectRooms() map[id.UserID]id.RoomID
	PutDirectRoom(user id.UserID, room id.RoomID)
	DropDirectRoom(user id.UserID)
}

// Entry is one cached channel mapping.
type Entry struct {
	Recipient  id.UserID
	Room       id.RoomID
	Encrypted  bool
	VerifiedAt time.Time
}

type Cache struct {
	creator Creator
	memo    Memo
	log     logx.Logger

	// createTimeout bounds channel creation independently of any one
	// caller's deadline, since the result is shared across callers.
	createTimeout time.Duration

	mu      sync.Mutex
	entries map[id.UserID]Entry

	sf singleflight.Group
}

func New(creator Creator, memo Memo, createTimeout time.Duration, log logx.Logger) *Cache {
	if log.IsZero() {
		log = logx.Nop()
	}
	if createTimeout <= 0 {
		createTimeout = 30 * time.Second
	}
	c := &Cache{
		creator:       creator,
		memo:          memo,
		log:           log,
		createTimeout: createTimeout,
		entries:       map[id.UserID]Entry{},
	}
	// Seed from the persisted session so restarts reuse existing channels.
	if memo != nil {
		now := time.Now()
		for user, room := range memo.DirectRooms() {
			c.entries[user] = Entry{Recipient: user, Room: room, VerifiedAt: now}
		}
	}
	return c
}

// Resolve returns the recipient's channel, creating it on first contact.
func (c *Cache) Resolve(ctx context.Context, user id.UserID) (id.RoomID, error) {
	c.mu.Lock()
	if e, ok := c.entries[user]; ok {
		c.mu.Unlock()
		return e.Room, nil
	}
	c.mu.Unlock()

	// The actual creation runs detached from any single caller's deadline:
	// its result is shared by every waiter, so one impatient caller must not
	// abort the channel under the others.
	ch := c.sf.DoChan(string(user), func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.createTimeout)
		defer cancel()
		return c.create(cctx, user)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(id.RoomID), nil
	}
}

func (c *Cache) create(ctx context.Context, user id.UserID) (id.RoomID, error) {
	room, err := c.creator.CreateDirectChannel(ctx, user)
	if err != nil {
		return "", err
	}

	e := Entry{
		Recipient:  user,
		Room:       room,
		Encrypted:  c.creator.Encrypted(room),
		VerifiedAt: time.Now(),
	}
	c.mu.Lock()
	c.entries[user] = e
	c.mu.Unlock()
	if c.memo != nil {
		c.memo.PutDirectRoom(user, room)
	}
	c.log.Debug("channel cached",
		logx.String("recipient", user.String()),
		logx.String("room_id", room.String()),
		logx.Bool("encrypted", e.Encrypted))
	return room, nil
}

// Invalidate drops a stale mapping so the next resolve re-creates the
// channel. Called by the send queue on a channel-gone failure.
func (c *Cache) Invalidate(user id.UserID) {
	c.mu.Lock()
	_, had := c.entries[user]
	delete(c.entries, user)
	c.mu.Unlock()
	c.sf.Forget(string(user))
	if c.memo != nil {
		c.memo.DropDirectRoom(user)
	}
	if had {
		c.log.Info("channel invalidated", logx.String("recipient", user.String()))
	}
}

// Entries returns a snapshot for observability.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}
