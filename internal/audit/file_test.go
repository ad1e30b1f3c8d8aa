package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"

	"mxgate/internal/delivery"
	"mxgate/internal/eventbus"
	"mxgate/pkg/logx"
)

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	for i, outcome := range []string{"sent", "sent", "failed"} {
		e := Entry{
			At:       time.Now(),
			JobID:    "job-" + string(rune('a'+i)),
			Target:   "@alice:example.org",
			Kind:     "text",
			Outcome:  outcome,
			Attempts: i + 1,
		}
		if err := st.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := st.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d entries, want 2", len(got))
	}
	if got[1].Outcome != "failed" || got[1].JobID != "job-c" {
		t.Errorf("last entry = %+v, want the failed job-c", got[1])
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Errorf("Open(driver=%q) = (%v, %v), want (nil, nil)", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Error("Open(driver=bogus) succeeded, want error")
	}
}

func TestWriterPersistsTerminalOutcomes(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewWriter(st, logx.Nop()).Run(ctx, bus)
	}()

	// Give the writer a moment to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)

	bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryQueued, Data: delivery.Record{JobID: "j1"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeDeliverySent, Data: delivery.Record{
		JobID:    "j1",
		Target:   "@alice:example.org",
		Kind:     "text",
		EventID:  id.EventID("$ev1"),
		Attempts: 1,
		Took:     120 * time.Millisecond,
	}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryFailed, Data: delivery.Record{
		JobID: "j2",
		Err:   errors.New("forbidden"),
	}})

	deadline := time.Now().Add(2 * time.Second)
	var got []Entry
	for {
		got, err = st.Recent(context.Background(), 10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(got) >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(got) != 2 {
		t.Fatalf("persisted %d entries, want 2 (queued events must not be recorded)", len(got))
	}
	if got[0].Outcome != "sent" || got[0].EventID != "$ev1" || got[0].TookMS != 120 {
		t.Errorf("sent entry = %+v", got[0])
	}
	if got[1].Outcome != "failed" || got[1].Error != "forbidden" {
		t.Errorf("failed entry = %+v", got[1])
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer did not stop on context cancel")
	}
}
