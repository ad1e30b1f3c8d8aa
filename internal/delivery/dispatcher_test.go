package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"

	"mxgate/internal/matrix"
)

type sentMsg struct {
	room id.RoomID
	text string
}

// fakeSender replays scripted errors per message text, then succeeds.
type fakeSender struct {
	mu       sync.Mutex
	sent     []sentMsg
	fails    map[string][]error
	memoSeen []bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{fails: map[string][]error{}}
}

func (f *fakeSender) failWith(text string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[text] = append(f.fails[text], errs...)
}

func (f *fakeSender) SendText(_ context.Context, room id.RoomID, text string) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.fails[text]; len(errs) > 0 {
		f.fails[text] = errs[1:]
		return "", errs[0]
	}
	f.sent = append(f.sent, sentMsg{room: room, text: text})
	return id.EventID("$" + text), nil
}

// SendMedia records whether the memo already carried a content URI and then
// populates it, the way the real client memoizes a completed upload.
func (f *fakeSender) SendMedia(_ context.Context, room id.RoomID, m matrix.Media, memo *matrix.UploadMemo) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := "media:" + m.FileName
	f.memoSeen = append(f.memoSeen, memo != nil && memo.URI != "")
	if memo != nil && memo.URI == "" {
		memo.URI = id.ContentURIString("mxc://local/" + m.FileName)
	}
	if errs := f.fails[key]; len(errs) > 0 {
		f.fails[key] = errs[1:]
		return "", errs[0]
	}
	f.sent = append(f.sent, sentMsg{room: room, text: key})
	return id.EventID("$media"), nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.text
	}
	return out
}

type fakeResolver struct {
	mu          sync.Mutex
	rooms       map[id.UserID]id.RoomID
	invalidated []id.UserID
	resolveErr  error
	delay       time.Duration
}

func (f *fakeResolver) Resolve(_ context.Context, user id.UserID) (id.RoomID, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	if room, ok := f.rooms[user]; ok {
		return room, nil
	}
	return id.RoomID("!dm-" + string(user)), nil
}

func (f *fakeResolver) Invalidate(user id.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, user)
}

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
		SendTimeout:  time.Second,
		QueueSize:    16,
		DrainTimeout: time.Second,
	}
}

func transientErr() error {
	return &matrix.SendError{Op: "send", Transient: true, Err: errors.New("server hiccup")}
}

func fatalErr() error {
	return &matrix.SendError{Op: "send", Transient: false, Err: errors.New("forbidden")}
}

func submitText(t *testing.T, d *Dispatcher, target Target, text string) *Ticket {
	t.Helper()
	ticket, err := d.Submit(&Job{Target: target, Payload: Payload{Kind: PayloadText, Text: text}})
	if err != nil {
		t.Fatalf("Submit(%q): %v", text, err)
	}
	return ticket
}

func waitOutcome(t *testing.T, ticket *Ticket) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o, err := ticket.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return o
}

func TestOrderingSurvivesRetries(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	sender.failWith("first", transientErr(), transientErr())
	d := New(context.Background(), sender, &fakeResolver{}, fastConfig())
	defer d.Stop()

	alice := Target{User: id.UserID("@alice:example.org")}
	t1 := submitText(t, d, alice, "first")
	t2 := submitText(t, d, alice, "second")
	t3 := submitText(t, d, alice, "third")

	o1 := waitOutcome(t, t1)
	if o1.Err != nil {
		t.Fatalf("first: unexpected error %v", o1.Err)
	}
	if o1.Attempts != 3 {
		t.Errorf("first: attempts = %d, want 3", o1.Attempts)
	}
	waitOutcome(t, t2)
	waitOutcome(t, t3)

	got := sender.texts()
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sent %v, want %v", got, want)
		}
	}
}

func TestFatalFailureNotRetried(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	sender.failWith("doomed", fatalErr(), fatalErr(), fatalErr())
	d := New(context.Background(), sender, &fakeResolver{}, fastConfig())
	defer d.Stop()

	o := waitOutcome(t, submitText(t, d, Target{User: "@bob:example.org"}, "doomed"))
	if o.Err == nil {
		t.Fatal("expected a terminal error")
	}
	if o.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on fatal)", o.Attempts)
	}
	if n := len(sender.texts()); n != 0 {
		t.Errorf("sent %d messages, want 0", n)
	}
}

func TestAttemptsExhausted(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	sender.failWith("stuck", transientErr(), transientErr(), transientErr(), transientErr())
	d := New(context.Background(), sender, &fakeResolver{}, fastConfig())
	defer d.Stop()

	o := waitOutcome(t, submitText(t, d, Target{User: "@bob:example.org"}, "stuck"))
	if o.Err == nil {
		t.Fatal("expected failure after exhausting attempts")
	}
	if o.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", o.Attempts)
	}
}

func TestQueuesAreIndependent(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.BackoffBase = 200 * time.Millisecond
	cfg.BackoffMax = time.Second

	sender := newFakeSender()
	sender.failWith("slow", transientErr(), transientErr())
	d := New(context.Background(), sender, &fakeResolver{}, cfg)
	defer d.Stop()

	slow := submitText(t, d, Target{User: "@slow:example.org"}, "slow")
	fast := submitText(t, d, Target{User: "@fast:example.org"}, "fast")

	start := time.Now()
	waitOutcome(t, fast)
	if took := time.Since(start); took > 150*time.Millisecond {
		t.Errorf("independent queue blocked for %v behind a backing-off one", took)
	}
	waitOutcome(t, slow)
}

func TestChannelGoneInvalidatesMapping(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	gone := &matrix.SendError{Op: "send", Transient: false, Err: matrix.ErrChannelGone}
	sender.failWith("msg", gone)
	res := &fakeResolver{}
	d := New(context.Background(), sender, res, fastConfig())
	defer d.Stop()

	user := id.UserID("@carol:example.org")
	o := waitOutcome(t, submitText(t, d, Target{User: user}, "msg"))
	if !errors.Is(o.Err, matrix.ErrChannelGone) {
		t.Fatalf("outcome err = %v, want ErrChannelGone", o.Err)
	}

	res.mu.Lock()
	defer res.mu.Unlock()
	if len(res.invalidated) != 1 || res.invalidated[0] != user {
		t.Errorf("invalidated = %v, want [%s]", res.invalidated, user)
	}
}

func TestFixedRoomTargetSkipsResolver(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	res := &fakeResolver{resolveErr: errors.New("resolver must not be called")}
	d := New(context.Background(), sender, res, fastConfig())
	defer d.Stop()

	room := id.RoomID("!mgmt:example.org")
	o := waitOutcome(t, submitText(t, d, Target{Room: room}, "ops note"))
	if o.Err != nil {
		t.Fatalf("unexpected error: %v", o.Err)
	}
	if got := sender.sent[0].room; got != room {
		t.Errorf("sent to %s, want %s", got, room)
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.QueueSize = 1
	cfg.BackoffBase = time.Second
	sender := newFakeSender()
	sender.failWith("blocker", transientErr(), transientErr())
	d := New(context.Background(), sender, &fakeResolver{}, cfg)
	defer d.Stop()

	// The head job occupies the backlog until it reaches a terminal state,
	// and the long backoff keeps it there for the duration of the test.
	target := Target{User: id.UserID("@dave:example.org")}
	submitText(t, d, target, "blocker")

	_, err := d.Submit(&Job{Target: target, Payload: Payload{Text: "overflow"}})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit on full queue = %v, want ErrQueueFull", err)
	}
}

func TestStopRefusesNewJobs(t *testing.T) {
	t.Parallel()

	d := New(context.Background(), newFakeSender(), &fakeResolver{}, fastConfig())
	d.Stop()

	_, err := d.Submit(&Job{Target: Target{User: "@erin:example.org"}, Payload: Payload{Text: "late"}})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Stop = %v, want ErrStopped", err)
	}
}

func TestRetryAfterOverridesBackoff(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	sender := newFakeSender()
	sender.failWith("limited", &matrix.SendError{
		Op:         "send",
		Transient:  true,
		RetryAfter: 100 * time.Millisecond,
		Err:        errors.New("rate limited"),
	})
	d := New(context.Background(), sender, &fakeResolver{}, cfg)
	defer d.Stop()

	start := time.Now()
	o := waitOutcome(t, submitText(t, d, Target{User: "@frank:example.org"}, "limited"))
	if o.Err != nil {
		t.Fatalf("unexpected error: %v", o.Err)
	}
	if took := time.Since(start); took < 100*time.Millisecond {
		t.Errorf("retried after %v, want at least the server-requested 100ms", took)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	max := time.Second
	for attempt := 1; attempt <= 8; attempt++ {
		expected := base << (attempt - 1)
		if expected > max {
			expected = max
		}
		for i := 0; i < 50; i++ {
			d := retryDelay(base, max, attempt)
			lo := time.Duration(float64(expected) * 0.7)
			hi := time.Duration(float64(expected) * 1.3)
			if d < lo || d > hi {
				t.Fatalf("retryDelay(attempt=%d) = %v, want within [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestMediaRetryReusesUpload(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	sender.failWith("media:report.pdf", transientErr())
	d := New(context.Background(), sender, &fakeResolver{}, fastConfig())
	defer d.Stop()

	job := &Job{
		Target: Target{User: "@carol:example.org"},
		Payload: Payload{
			Kind:        PayloadMedia,
			Bytes:       []byte("%PDF-1.4"),
			ContentType: "application/pdf",
			FileName:    "report.pdf",
		},
	}
	ticket, err := d.Submit(job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	o := waitOutcome(t, ticket)
	if o.Err != nil {
		t.Fatalf("unexpected error: %v", o.Err)
	}
	if o.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", o.Attempts)
	}

	sender.mu.Lock()
	seen := append([]bool(nil), sender.memoSeen...)
	sender.mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("send attempts = %d, want 2", len(seen))
	}
	if seen[0] {
		t.Error("first attempt started with a populated upload memo")
	}
	if !seen[1] {
		t.Error("retry did not carry the memo from the first attempt's upload")
	}
}

func TestMixedPayloadsStayOrdered(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	// Slow resolution for the first job; the second is already queued by the
	// time the channel exists.
	res := &fakeResolver{delay: 50 * time.Millisecond}
	d := New(context.Background(), sender, res, fastConfig())
	defer d.Stop()

	dave := Target{User: id.UserID("@dave:example.org")}
	t1 := submitText(t, d, dave, "heads up")
	ticket, err := d.Submit(&Job{
		Target: dave,
		Payload: Payload{
			Kind:        PayloadMedia,
			Bytes:       []byte{0x1f, 0x8b},
			ContentType: "application/gzip",
			FileName:    "dump.gz",
		},
	})
	if err != nil {
		t.Fatalf("Submit media: %v", err)
	}

	waitOutcome(t, t1)
	waitOutcome(t, ticket)

	got := sender.texts()
	want := []string{"heads up", "media:dump.gz"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("sent %v, want %v", got, want)
	}
}
