package audit

import (
	"context"
	"time"

	"mxgate/internal/delivery"
	"mxgate/internal/eventbus"
	logx "mxgate/pkg/logx"
)

// Writer drains delivery events off the bus into the store. It only cares
// about terminal outcomes; queued/retried events pass through untouched.
type Writer struct {
	store Store
	log   logx.Logger
}

func NewWriter(store Store, log logx.Logger) *Writer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Writer{store: store, log: log}
}

// Run blocks until ctx is cancelled. Intended to run under a supervisor.
func (w *Writer) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			e, ok := entryFor(ev)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := w.store.Append(wctx, e); err != nil {
				w.log.Warn("audit append failed", logx.String("job", e.JobID), logx.Err(err))
			}
			cancel()
		}
	}
}

func entryFor(ev eventbus.Event) (Entry, bool) {
	var outcome string
	switch ev.Type {
	case eventbus.TypeDeliverySent:
		outcome = "sent"
	case eventbus.TypeDeliveryFailed:
		outcome = "failed"
	case eventbus.TypeDeliveryDropped:
		outcome = "dropped"
	default:
		return Entry{}, false
	}

	rec, ok := ev.Data.(delivery.Record)
	if !ok {
		return Entry{}, false
	}
	e := Entry{
		At:       ev.Time,
		JobID:    rec.JobID,
		Target:   rec.Target,
		Kind:     rec.Kind,
		Outcome:  outcome,
		EventID:  string(rec.EventID),
		Attempts: rec.Attempts,
		TookMS:   rec.Took.Milliseconds(),
	}
	if rec.Err != nil {
		e.Error = rec.Err.Error()
	}
	return e, true
}
