// Package delivery implements the per-recipient send queues: strictly
// ordered delivery per target, retry with exponential backoff on transient
// failures, and a global outbound rate limit shared by all queues.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"maunium.net/go/mautrix/id"

	"mxgate/internal/eventbus"
	"mxgate/internal/matrix"
	"mxgate/internal/runtime/supervisor"
	"mxgate/pkg/logx"
)

// Sender pushes a payload into a channel. Implemented by matrix.Client.
type Sender interface {
	SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error)
	SendMedia(ctx context.Context, roomID id.RoomID, m matrix.Media, memo *matrix.UploadMemo) (id.EventID, error)
}

// ChannelResolver maps a recipient identity to its direct channel.
// Implemented by resolver.Cache.
type ChannelResolver interface {
	Resolve(ctx context.Context, user id.UserID) (id.RoomID, error)
	Invalidate(user id.UserID)
}

type Config struct {
	// MaxAttempts is the total number of sends tried per job, including the
	// first one.
	MaxAttempts int

	BackoffBase time.Duration
	BackoffMax  time.Duration

	// SendTimeout bounds a single send attempt; ResolveTimeout bounds
	// channel resolution (which may create a room).
	SendTimeout    time.Duration
	ResolveTimeout time.Duration

	// QueueSize caps jobs waiting per recipient. Submit fails with
	// ErrQueueFull beyond it.
	QueueSize int

	// RatePerSec paces sends across all queues. Zero disables pacing.
	RatePerSec float64

	// DrainTimeout bounds Stop: how long to let in-flight sends finish.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option { return func(d *Dispatcher) { d.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = bus } }

func WithMetrics(m *Metrics) Option { return func(d *Dispatcher) { d.met = m } }

// Dispatcher owns all send queues. Jobs for the same target are delivered
// strictly in submission order; jobs for different targets are independent.
type Dispatcher struct {
	cfg     Config
	sender  Sender
	res     ChannelResolver
	log     logx.Logger
	bus     eventbus.Bus
	met     *Metrics
	limiter *rate.Limiter
	sup     *supervisor.Supervisor

	mu        sync.Mutex
	queues    map[string]*sendQueue
	accepting bool

	// stopping is closed on Stop: workers finish the head job they already
	// started and discard the rest of their backlog.
	stopping chan struct{}
}

func New(parent context.Context, sender Sender, res ChannelResolver, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg.withDefaults(),
		sender:    sender,
		res:       res,
		log:       logx.Nop(),
		queues:    map[string]*sendQueue{},
		accepting: true,
		stopping:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cfg.RatePerSec > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(d.cfg.RatePerSec), 1)
	}
	d.sup = supervisor.New(parent, supervisor.WithLogger(d.log))
	return d
}

// Submit enqueues a job and returns a ticket for its terminal outcome.
// The ticket's channel is buffered; callers that do not care about the
// outcome may discard it.
func (d *Dispatcher) Submit(job *Job) (*Ticket, error) {
	if job.ID == "" {
		job.ID = newJobID()
	}
	if job.ReceivedAt.IsZero() {
		job.ReceivedAt = time.Now()
	}
	job.done = make(chan Outcome, 1)

	d.mu.Lock()
	if !d.accepting {
		d.mu.Unlock()
		return nil, ErrStopped
	}
	key := job.Target.queueKey()
	q := d.queues[key]
	if q == nil {
		q = newSendQueue(key, job.Target)
		d.queues[key] = q
		d.sup.Go0("queue."+key, func(ctx context.Context) { d.runQueue(ctx, q) })
	}
	d.mu.Unlock()

	if err := q.push(job, d.cfg.QueueSize); err != nil {
		d.log.Warn("delivery: queue full, job dropped",
			logx.String("job", job.ID), logx.String("target", job.Target.String()))
		d.publish(eventbus.TypeDeliveryDropped, job, Outcome{JobID: job.ID, Err: err})
		return nil, err
	}

	d.met.jobSubmitted(job.Payload.Kind)
	d.publish(eventbus.TypeDeliveryQueued, job, Outcome{JobID: job.ID})
	d.log.Debug("delivery: job queued",
		logx.String("job", job.ID),
		logx.String("target", job.Target.String()),
		logx.String("kind", job.Payload.Kind.String()))
	return &Ticket{JobID: job.ID, done: job.done}, nil
}

// Stop refuses new jobs, lets in-flight sends finish within the drain
// timeout, and fails whatever is still queued with ErrStopped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.accepting {
		d.mu.Unlock()
		return
	}
	d.accepting = false
	d.mu.Unlock()

	close(d.stopping)

	drainCtx, cancel := context.WithTimeout(context.Background(), d.cfg.DrainTimeout)
	defer cancel()
	if err := d.sup.Wait(drainCtx); err != nil {
		d.log.Warn("delivery: drain timed out, cancelling in-flight sends", logx.Err(err))
	}
	d.sup.Cancel()
	waitCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = d.sup.Wait(waitCtx)
}

// QueueDepths reports outstanding jobs per queue key. For diagnostics.
func (d *Dispatcher) QueueDepths() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.queues))
	for key, q := range d.queues {
		if n := q.depth(); n > 0 {
			out[key] = n
		}
	}
	return out
}

func (d *Dispatcher) publish(typ string, job *Job, o Outcome) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: Record{
		JobID:    o.JobID,
		Target:   job.Target.String(),
		Kind:     job.Payload.Kind.String(),
		EventID:  o.EventID,
		Attempts: o.Attempts,
		Took:     o.Took,
		Err:      o.Err,
	}})
}

// Record is the bus payload for delivery events. The audit log persists it.
type Record struct {
	JobID    string
	Target   string
	Kind     string
	EventID  id.EventID
	Attempts int
	Took     time.Duration
	Err      error
}

// ---- per-target queue ----

type queueState int

const (
	stateIdle queueState = iota
	stateSending
	stateBackoff
)

// sendQueue is the FIFO backlog for one target plus its worker's state.
// items[0] is the head; a job retried after a transient failure stays at the
// head so nothing overtakes it.
type sendQueue struct {
	key    string
	target Target

	mu    sync.Mutex
	items []*Job
	state queueState

	// wake has capacity 1: push signals, the worker drains.
	wake chan struct{}
}

func newSendQueue(key string, target Target) *sendQueue {
	return &sendQueue{key: key, target: target, wake: make(chan struct{}, 1)}
}

func (q *sendQueue) push(job *Job, limit int) error {
	q.mu.Lock()
	if len(q.items) >= limit {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, job)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *sendQueue) head() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *sendQueue) popHead() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		q.items[0] = nil
		q.items = q.items[1:]
	}
}

func (q *sendQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *sendQueue) setState(s queueState) {
	q.mu.Lock()
	q.state = s
	q.mu.Unlock()
}

// drain empties the backlog, returning the abandoned jobs.
func (q *sendQueue) drain() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// runQueue is the worker loop for one target. It never exits while the
// dispatcher is running: an idle queue parks on its wake channel so a
// recipient's ordering guarantee holds for the process lifetime.
func (d *Dispatcher) runQueue(ctx context.Context, q *sendQueue) {
	for {
		job := q.head()
		if job == nil {
			q.setState(stateIdle)
			select {
			case <-ctx.Done():
				return
			case <-d.stopping:
				d.abandon(q)
				return
			case <-q.wake:
				continue
			}
		}

		q.setState(stateSending)
		outcome := d.deliver(ctx, job)
		q.popHead()
		q.setState(stateIdle)
		d.finish(job, outcome)

		select {
		case <-d.stopping:
			d.abandon(q)
			return
		case <-ctx.Done():
			d.abandon(q)
			return
		default:
		}
	}
}

func (d *Dispatcher) abandon(q *sendQueue) {
	for _, job := range q.drain() {
		d.finish(job, Outcome{JobID: job.ID, Err: ErrStopped, Attempts: job.attempts})
	}
}

// finish delivers the terminal outcome to the ticket, the bus and metrics.
func (d *Dispatcher) finish(job *Job, o Outcome) {
	o.Took = time.Since(job.ReceivedAt)
	job.done <- o

	switch {
	case o.Err == nil:
		d.met.jobFinished("sent", o.Took.Seconds())
		d.publish(eventbus.TypeDeliverySent, job, o)
		d.log.Info("delivery: sent",
			logx.String("job", o.JobID),
			logx.String("target", job.Target.String()),
			logx.Int("attempts", o.Attempts),
			logx.Duration("took", o.Took))
	case errors.Is(o.Err, ErrStopped):
		d.met.jobFinished("abandoned", o.Took.Seconds())
		d.publish(eventbus.TypeDeliveryDropped, job, o)
	default:
		d.met.jobFinished("failed", o.Took.Seconds())
		d.publish(eventbus.TypeDeliveryFailed, job, o)
		d.log.Error("delivery: failed",
			logx.String("job", o.JobID),
			logx.String("target", job.Target.String()),
			logx.Int("attempts", o.Attempts),
			logx.Err(o.Err))
	}
}

// deliver runs the attempt loop for one job: resolve the channel, send,
// back off and retry on transient failures, give up on fatal ones.
func (d *Dispatcher) deliver(ctx context.Context, job *Job) Outcome {
	for job.attempts < d.cfg.MaxAttempts {
		job.attempts++

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return Outcome{JobID: job.ID, Err: ErrStopped, Attempts: job.attempts}
			}
		}

		roomID, err := d.resolveTarget(ctx, job)
		if err == nil {
			var eventID id.EventID
			eventID, err = d.send(ctx, job, roomID)
			if err == nil {
				return Outcome{JobID: job.ID, EventID: eventID, Attempts: job.attempts}
			}
			if errors.Is(err, matrix.ErrChannelGone) && job.Target.User != "" {
				// The cached channel stopped working (kicked, room gone).
				// Drop the stale mapping so the next job recreates it.
				d.res.Invalidate(job.Target.User)
			}
		}

		if ctx.Err() != nil {
			return Outcome{JobID: job.ID, Err: ErrStopped, Attempts: job.attempts}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			// A resolve that timed out on its own budget, not a shutdown.
			err = &matrix.SendError{Op: "resolve", Transient: true, Err: err}
		}
		if !matrix.IsTransient(err) {
			return Outcome{JobID: job.ID, Err: err, Attempts: job.attempts}
		}
		if job.attempts >= d.cfg.MaxAttempts {
			return Outcome{JobID: job.ID, Err: err, Attempts: job.attempts}
		}

		delay := retryDelay(d.cfg.BackoffBase, d.cfg.BackoffMax, job.attempts)
		if ra := matrix.RetryAfter(err); ra > delay {
			delay = ra
		}
		d.met.retried()
		d.publish(eventbus.TypeDeliveryRetried, job, Outcome{JobID: job.ID, Err: err, Attempts: job.attempts})
		d.log.Warn("delivery: transient failure, will retry",
			logx.String("job", job.ID),
			logx.String("target", job.Target.String()),
			logx.Int("attempt", job.attempts),
			logx.Duration("backoff", delay),
			logx.Err(err))

		if !d.sleep(ctx, job, delay) {
			return Outcome{JobID: job.ID, Err: ErrStopped, Attempts: job.attempts}
		}
	}
	return Outcome{JobID: job.ID, Err: errors.New("delivery: attempts exhausted"), Attempts: job.attempts}
}

func (d *Dispatcher) resolveTarget(ctx context.Context, job *Job) (id.RoomID, error) {
	if job.Target.Room != "" {
		return job.Target.Room, nil
	}
	rctx, cancel := context.WithTimeout(ctx, d.cfg.ResolveTimeout)
	defer cancel()
	return d.res.Resolve(rctx, job.Target.User)
}

func (d *Dispatcher) send(ctx context.Context, job *Job, roomID id.RoomID) (id.EventID, error) {
	sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	if job.Payload.Kind == PayloadMedia {
		m := matrix.Media{
			Bytes:       job.Payload.Bytes,
			ContentType: job.Payload.ContentType,
			FileName:    job.Payload.FileName,
		}
		return d.sender.SendMedia(sctx, roomID, m, &job.memo)
	}
	return d.sender.SendText(sctx, roomID, job.Payload.Text)
}

// sleep waits out the backoff while staying responsive to shutdown. Returns
// false when the wait was interrupted.
func (d *Dispatcher) sleep(ctx context.Context, job *Job, delay time.Duration) bool {
	q := d.queueFor(job.Target)
	if q != nil {
		q.setState(stateBackoff)
		defer q.setState(stateSending)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-d.stopping:
		return false
	case <-timer.C:
		return true
	}
}

func (d *Dispatcher) queueFor(t Target) *sendQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queues[t.queueKey()]
}
