package heartbeat

import (
	"strings"
	"sync"
	"testing"

	"mxgate/internal/delivery"
	"mxgate/pkg/logx"
)

type captureSubmitter struct {
	mu   sync.Mutex
	jobs []*delivery.Job
}

func (c *captureSubmitter) Submit(job *delivery.Job) (*delivery.Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job)
	done := make(chan delivery.Outcome, 1)
	done <- delivery.Outcome{}
	return delivery.NewTicket("hb", done), nil
}

func TestDisabledStartIsNoop(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: false}, "", &captureSubmitter{}, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
}

func TestStartRequiresManagementRoom(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true}, "", &captureSubmitter{}, logx.Nop())
	if err := s.Start(); err == nil {
		t.Fatal("Start without a management room succeeded")
	}
}

func TestBadScheduleRejected(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Schedule: "not a cron spec"}, "!ops:example.org", &captureSubmitter{}, logx.Nop())
	if err := s.Start(); err == nil {
		s.Stop()
		t.Fatal("Start with a bad schedule succeeded")
	}
}

func TestBeatTargetsManagementRoom(t *testing.T) {
	t.Parallel()

	sub := &captureSubmitter{}
	s := New(Config{Enabled: true, Message: "alive {uptime}"}, "!ops:example.org", sub, logx.Nop())
	s.beat()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.jobs) != 1 {
		t.Fatalf("submitted %d jobs, want 1", len(sub.jobs))
	}
	job := sub.jobs[0]
	if job.Target.Room != "!ops:example.org" {
		t.Errorf("target = %+v, want the management room", job.Target)
	}
	if !strings.HasPrefix(job.Payload.Text, "alive ") {
		t.Errorf("text = %q, want the custom template", job.Payload.Text)
	}
}
