// Package matrix owns the single authenticated connection to the homeserver.
//
// It is the only layer that talks mautrix: the sync loop, invite handling,
// channel creation, and the two-step media send all live here, as does the
// transient/fatal classification of protocol failures. Callers see a small
// surface: CreateDirectChannel, SendText, SendMedia.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"mxgate/internal/eventbus"
	"mxgate/internal/session"
	logx "mxgate/pkg/logx"
)

const (
	// Matches the original gateway's duplicate-event window.
	seenEventCap = 1000

	joinAttempts = 3
)

type Config struct {
	Homeserver  string
	UserID      id.UserID
	AccessToken string
	Password    string
	DeviceName  string

	// EncryptDMs requests encryption on created channels. The gateway itself
	// sends plaintext (E2EE is out of scope); the flag exists for rooms whose
	// other member runs an encrypting client.
	EncryptDMs bool

	// ReadyTimeout bounds the wait for a freshly created channel to show up
	// as joined in the sync stream before the first send proceeds anyway.
	ReadyTimeout time.Duration
}

type roomState struct {
	joined    bool
	encrypted bool

	// wantEncrypted is set for channels we created with encryption requested;
	// such a channel is not usable until the encryption state event arrives.
	wantEncrypted bool

	waiters []chan struct{}
}

// Client wraps one mautrix session.
type Client struct {
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	sess *session.Store
	cli  *mautrix.Client

	// sendMu serializes outbound calls: one session cannot safely issue
	// concurrent writes (transaction ids, server-side ordering).
	sendMu sync.Mutex

	roomMu sync.Mutex
	rooms  map[id.RoomID]*roomState

	seenMu    sync.Mutex
	seen      map[id.EventID]struct{}
	seenOrder []id.EventID
}

func New(cfg Config, sess *session.Store, log logx.Logger, bus eventbus.Bus) (*Client, error) {
	if cfg.Homeserver == "" {
		return nil, errors.New("matrix: homeserver is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}

	cli, err := mautrix.NewClient(cfg.Homeserver, cfg.UserID, cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: client init: %w", err)
	}
	cli.Store = sess
	cli.Log = log.Zerolog()

	c := &Client{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		sess:  sess,
		cli:   cli,
		rooms: map[id.RoomID]*roomState{},
		seen:  map[id.EventID]struct{}{},
	}

	syncer := cli.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.StateMember, c.onMember)
	syncer.OnEventType(event.StateEncryption, c.onEncryption)

	return c, nil
}

func (c *Client) UserID() id.UserID { return c.cli.UserID }

// Login establishes credentials: verifies a resumed token, or performs a
// password login and persists the resulting device identity.
func (c *Client) Login(ctx context.Context) error {
	// A persisted session wins over config so restarts resume the same
	// device instead of minting a new one.
	if st := c.sess.State(); st.AccessToken != "" && st.UserID == c.cfg.UserID {
		c.cli.AccessToken = st.AccessToken
		c.cli.DeviceID = st.DeviceID
	}

	if c.cli.AccessToken != "" {
		whoami, err := c.cli.Whoami(ctx)
		if err == nil {
			c.cli.UserID = whoami.UserID
			if whoami.DeviceID != "" {
				c.cli.DeviceID = whoami.DeviceID
			}
			c.log.Info("session resumed",
				logx.String("user_id", c.cli.UserID.String()),
				logx.String("device_id", c.cli.DeviceID.String()))
			return nil
		}
		if !errors.Is(err, mautrix.MUnknownToken) || c.cfg.Password == "" {
			return classify("whoami", err)
		}
		c.log.Warn("saved access token rejected; logging in again")
		c.cli.AccessToken = ""
	}

	if c.cfg.Password == "" {
		return errors.New("matrix: no valid access token and no password configured")
	}

	deviceName := c.cfg.DeviceName
	if deviceName == "" {
		deviceName = "mxgate"
	}
	resp, err := c.cli.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: c.cfg.UserID.String(),
		},
		Password:                 c.cfg.Password,
		DeviceID:                 c.cli.DeviceID,
		InitialDeviceDisplayName: deviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		return classify("login", err)
	}
	if err := c.sess.SetCredentials(resp.UserID, resp.DeviceID, resp.AccessToken); err != nil {
		// Best-effort: the run continues on in-memory credentials.
		c.log.Warn("credential save failed", logx.Err(err))
	}
	c.log.Info("logged in",
		logx.String("user_id", resp.UserID.String()),
		logx.String("device_id", resp.DeviceID.String()))
	return nil
}

// RunSync drives one continuous /sync pass; it blocks until ctx is done or
// the sync loop fails. Run it under a restarting supervisor.
func (c *Client) RunSync(ctx context.Context) error {
	err := c.cli.SyncWithContext(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// ---- sync callbacks ----

// shouldProcess drops sync events already handled (syncs can replay on
// cursor regressions). Bounded ring, oldest forgotten first.
func (c *Client) shouldProcess(eventID id.EventID) bool {
	if eventID == "" {
		return true
	}
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if _, dup := c.seen[eventID]; dup {
		return false
	}
	c.seen[eventID] = struct{}{}
	c.seenOrder = append(c.seenOrder, eventID)
	if len(c.seenOrder) > seenEventCap {
		drop := c.seenOrder[0]
		c.seenOrder = c.seenOrder[1:]
		delete(c.seen, drop)
	}
	return true
}

func (c *Client) onMember(ctx context.Context, evt *event.Event) {
	if !c.shouldProcess(evt.ID) {
		return
	}
	// m.room.member fires for every member; only our own state matters here.
	if evt.GetStateKey() != c.cli.UserID.String() {
		return
	}
	content := evt.Content.AsMember()
	if content == nil {
		return
	}
	switch content.Membership {
	case event.MembershipInvite:
		c.log.Info("invite received",
			logx.String("room_id", evt.RoomID.String()),
			logx.String("from", evt.Sender.String()))
		c.acceptInvite(ctx, evt.RoomID)
	case event.MembershipJoin:
		c.markJoined(evt.RoomID)
	}
}

func (c *Client) onEncryption(_ context.Context, evt *event.Event) {
	if !c.shouldProcess(evt.ID) {
		return
	}
	c.markEncrypted(evt.RoomID)
}

// acceptInvite joins the room, retrying a few times before giving up.
// Policy is to accept every invite: any room we are invited into is a valid
// delivery target once it shows up as someone's private channel.
func (c *Client) acceptInvite(ctx context.Context, roomID id.RoomID) {
	var lastErr error
	for attempt := 1; attempt <= joinAttempts; attempt++ {
		_, err := c.cli.JoinRoomByID(ctx, roomID)
		if err == nil {
			c.log.Info("invite accepted", logx.String("room_id", roomID.String()))
			c.markJoined(roomID)
			if c.bus != nil {
				c.bus.Publish(eventbus.Event{Type: eventbus.TypeInviteAccepted, Data: roomID.String()})
			}
			return
		}
		lastErr = err
		c.log.Warn("join failed",
			logx.String("room_id", roomID.String()),
			logx.Int("attempt", attempt),
			logx.Err(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
	c.log.Error("unable to join room", logx.String("room_id", roomID.String()), logx.Err(lastErr))
}

// ---- room readiness ----

func (c *Client) room(roomID id.RoomID) *roomState {
	st := c.rooms[roomID]
	if st == nil {
		st = &roomState{}
		c.rooms[roomID] = st
	}
	return st
}

func (c *Client) markJoined(roomID id.RoomID) {
	c.roomMu.Lock()
	st := c.room(roomID)
	st.joined = true
	c.notifyLocked(st)
	c.roomMu.Unlock()
}

func (c *Client) markEncrypted(roomID id.RoomID) {
	c.roomMu.Lock()
	st := c.room(roomID)
	st.encrypted = true
	c.notifyLocked(st)
	c.roomMu.Unlock()
}

func (st *roomState) usable() bool {
	if st.wantEncrypted && !st.encrypted {
		return false
	}
	return st.joined
}

func (c *Client) notifyLocked(st *roomState) {
	if !st.usable() {
		return
	}
	for _, ch := range st.waiters {
		close(ch)
	}
	st.waiters = nil
}

// waitUsable blocks until the sync stream has shown the room as joined (and
// encrypted, when requested). On timeout the caller proceeds anyway: a send
// into a not-yet-synced room merely risks the server rejecting it, which the
// queue retries.
func (c *Client) waitUsable(ctx context.Context, roomID id.RoomID) {
	c.roomMu.Lock()
	st := c.room(roomID)
	if st.usable() {
		c.roomMu.Unlock()
		return
	}
	ch := make(chan struct{})
	st.waiters = append(st.waiters, ch)
	c.roomMu.Unlock()

	t := time.NewTimer(c.cfg.ReadyTimeout)
	defer t.Stop()
	select {
	case <-ch:
	case <-ctx.Done():
	case <-t.C:
		c.log.Warn("room not confirmed by sync; proceeding",
			logx.String("room_id", roomID.String()),
			logx.Duration("waited", c.cfg.ReadyTimeout))
	}
}

// Encrypted reports whether the sync stream has seen encryption enabled in
// the room. Feeds the channel cache's encryption flag.
func (c *Client) Encrypted(roomID id.RoomID) bool {
	c.roomMu.Lock()
	defer c.roomMu.Unlock()
	st := c.rooms[roomID]
	return st != nil && st.encrypted
}

// ---- public operations ----

// CreateDirectChannel creates a private channel with the recipient and waits
// for it to become usable. Fails with ErrRecipientUnknown when the identity
// does not exist; other failures are classified transient/fatal for the
// resolver to act on.
func (c *Client) CreateDirectChannel(ctx context.Context, user id.UserID) (id.RoomID, error) {
	req := &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "trusted_private_chat",
		IsDirect:   true,
		Invite:     []id.UserID{user},
		// Both sides get full power so either can fix the room later.
		PowerLevelOverride: &event.PowerLevelsEventContent{
			Users: map[id.UserID]int{
				user:         100,
				c.cli.UserID: 100,
			},
		},
	}
	if c.cfg.EncryptDMs {
		req.InitialState = []*event.Event{{
			Type: event.StateEncryption,
			Content: event.Content{
				Parsed: &event.EncryptionEventContent{Algorithm: id.AlgorithmMegolmV1},
			},
		}}
	}

	c.sendMu.Lock()
	resp, err := c.cli.CreateRoom(ctx, req)
	c.sendMu.Unlock()
	if err != nil {
		return "", classifyCreate(err)
	}

	c.roomMu.Lock()
	st := c.room(resp.RoomID)
	st.wantEncrypted = c.cfg.EncryptDMs
	c.roomMu.Unlock()

	c.log.Info("private channel created",
		logx.String("user_id", user.String()),
		logx.String("room_id", resp.RoomID.String()))

	c.waitUsable(ctx, resp.RoomID)
	return resp.RoomID, nil
}

// SendText delivers a text payload into the channel.
func (c *Client) SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	c.sendMu.Lock()
	resp, err := c.cli.SendMessageEvent(ctx, roomID, event.EventMessage, textContent(text))
	c.sendMu.Unlock()
	if err != nil {
		return "", classifySend(err)
	}
	return resp.EventID, nil
}

// SendMedia uploads the blob (unless memo already holds a content URI from a
// previous attempt) and sends the structured message referencing it. The memo
// makes retries idempotent on the upload half.
func (c *Client) SendMedia(ctx context.Context, roomID id.RoomID, m Media, memo *UploadMemo) (id.EventID, error) {
	if memo == nil {
		memo = &UploadMemo{}
	}
	if !memo.uploaded() {
		mime := sniffContentType(m)
		c.sendMu.Lock()
		resp, err := c.cli.UploadMedia(ctx, mautrix.ReqUploadMedia{
			ContentBytes:  m.Bytes,
			ContentLength: int64(len(m.Bytes)),
			ContentType:   mime,
			FileName:      m.FileName,
		})
		c.sendMu.Unlock()
		if err != nil {
			return "", classify("upload", err)
		}
		memo.URI = resp.ContentURI.CUString()
		memo.MimeType = mime
		if messageTypeFor(m, mime) == event.MsgImage {
			memo.Width, memo.Height = probeImageSize(m.Bytes)
		}
		c.log.Debug("media uploaded",
			logx.String("file", m.FileName),
			logx.String("mime", mime),
			logx.Int("bytes", len(m.Bytes)))
	}

	c.sendMu.Lock()
	resp, err := c.cli.SendMessageEvent(ctx, roomID, event.EventMessage, mediaContent(m, memo))
	c.sendMu.Unlock()
	if err != nil {
		return "", classifySend(err)
	}
	return resp.EventID, nil
}

// classifySend folds channel-invalidating responses into ErrChannelGone so
// the queue can tell the resolver to drop its cache entry.
func classifySend(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mautrix.MForbidden) || errors.Is(err, mautrix.MNotFound) {
		return &SendError{Op: "send", Err: fmt.Errorf("%w: %w", ErrChannelGone, err)}
	}
	return classify("send", err)
}
