package resolver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"

	"mxgate/pkg/logx"
)

type fakeCreator struct {
	calls atomic.Int64
	delay time.Duration
	err   error
}

func (f *fakeCreator) CreateDirectChannel(ctx context.Context, user id.UserID) (id.RoomID, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return id.RoomID("!dm-" + string(user)), nil
}

func (f *fakeCreator) Encrypted(id.RoomID) bool { return false }

type memMemo struct {
	mu    sync.Mutex
	rooms map[id.UserID]id.RoomID
}

func newMemMemo() *memMemo { return &memMemo{rooms: map[id.UserID]id.RoomID{}} }

func (m *memMemo) DirectRooms() map[id.UserID]id.RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[id.UserID]id.RoomID, len(m.rooms))
	for k, v := range m.rooms {
		cp[k] = v
	}
	return cp
}

func (m *memMemo) PutDirectRoom(user id.UserID, room id.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[user] = room
}

func (m *memMemo) DropDirectRoom(user id.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, user)
}

func TestConcurrentResolvesCreateOnce(t *testing.T) {
	t.Parallel()

	creator := &fakeCreator{delay: 50 * time.Millisecond}
	c := New(creator, newMemMemo(), time.Second, logx.Nop())

	const n = 16
	var wg sync.WaitGroup
	rooms := make([]id.RoomID, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			rooms[i], errs[i] = c.Resolve(context.Background(), "@alice:example.org")
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Resolve #%d: %v", i, errs[i])
		}
		if rooms[i] != rooms[0] {
			t.Fatalf("caller %d got %s, caller 0 got %s", i, rooms[i], rooms[0])
		}
	}
	if got := creator.calls.Load(); got != 1 {
		t.Errorf("CreateDirectChannel called %d times, want 1", got)
	}
}

func TestCacheHitSkipsCreator(t *testing.T) {
	t.Parallel()

	creator := &fakeCreator{}
	c := New(creator, newMemMemo(), time.Second, logx.Nop())

	ctx := context.Background()
	first, err := c.Resolve(ctx, "@bob:example.org")
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Resolve(ctx, "@bob:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("second resolve changed the channel: %s vs %s", first, second)
	}
	if got := creator.calls.Load(); got != 1 {
		t.Errorf("CreateDirectChannel called %d times, want 1", got)
	}
}

func TestInvalidateForcesRecreate(t *testing.T) {
	t.Parallel()

	creator := &fakeCreator{}
	memo := newMemMemo()
	c := New(creator, memo, time.Second, logx.Nop())

	ctx := context.Background()
	if _, err := c.Resolve(ctx, "@carol:example.org"); err != nil {
		t.Fatal(err)
	}
	c.Invalidate("@carol:example.org")
	if len(memo.DirectRooms()) != 0 {
		t.Error("invalidate did not drop the persisted mapping")
	}
	if _, err := c.Resolve(ctx, "@carol:example.org"); err != nil {
		t.Fatal(err)
	}
	if got := creator.calls.Load(); got != 2 {
		t.Errorf("CreateDirectChannel called %d times, want 2 after invalidation", got)
	}
}

func TestMemoSeedsCache(t *testing.T) {
	t.Parallel()

	memo := newMemMemo()
	memo.PutDirectRoom("@dave:example.org", "!existing:example.org")
	creator := &fakeCreator{}
	c := New(creator, memo, time.Second, logx.Nop())

	room, err := c.Resolve(context.Background(), "@dave:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if room != "!existing:example.org" {
		t.Errorf("room = %s, want the persisted channel", room)
	}
	if got := creator.calls.Load(); got != 0 {
		t.Errorf("CreateDirectChannel called %d times, want 0 for a seeded entry", got)
	}
}

func TestCreateErrorPropagatesToAllWaiters(t *testing.T) {
	t.Parallel()

	boom := errors.New("no such user")
	creator := &fakeCreator{delay: 20 * time.Millisecond, err: boom}
	c := New(creator, newMemMemo(), time.Second, logx.Nop())

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Resolve(context.Background(), "@erin:example.org")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Errorf("waiter %d got %v, want the shared create error", i, err)
		}
	}
	if len(c.Entries()) != 0 {
		t.Error("failed create left a cache entry behind")
	}
}

func TestCallerCancelDoesNotAbortCreate(t *testing.T) {
	t.Parallel()

	creator := &fakeCreator{delay: 80 * time.Millisecond}
	c := New(creator, newMemMemo(), time.Second, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Resolve(ctx, "@frank:example.org"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("impatient caller got %v, want DeadlineExceeded", err)
	}

	// The creation keeps running on its own budget; a later caller gets the
	// finished channel without a second create call.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := c.Resolve(context.Background(), "@frank:example.org"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("channel never became available")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := creator.calls.Load(); got != 1 {
		t.Errorf("CreateDirectChannel called %d times, want 1", got)
	}
}
