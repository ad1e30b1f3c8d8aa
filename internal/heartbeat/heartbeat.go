// Package heartbeat posts a periodic liveness note into the management room
// so operators notice a silent gateway before their alerts do.
package heartbeat

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"maunium.net/go/mautrix/id"

	"mxgate/internal/delivery"
	"mxgate/pkg/logx"
)

type Config struct {
	Enabled bool

	// Schedule is a cron spec ("55 * * * *", "@hourly", "@every 30m").
	Schedule string

	// Message overrides the default heartbeat text. The marker {uptime} is
	// replaced with the process uptime.
	Message string
}

type Submitter interface {
	Submit(job *delivery.Job) (*delivery.Ticket, error)
}

type Service struct {
	cfg     Config
	room    id.RoomID
	sub     Submitter
	log     logx.Logger
	c       *cron.Cron
	started time.Time
}

func New(cfg Config, room id.RoomID, sub Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, room: room, sub: sub, log: log}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.room == "" {
		return errors.New("heartbeat requires a management room")
	}
	spec := strings.TrimSpace(s.cfg.Schedule)
	if spec == "" {
		spec = "@hourly"
	}

	s.started = time.Now()
	s.c = cron.New()
	if _, err := s.c.AddFunc(spec, s.beat); err != nil {
		return fmt.Errorf("bad heartbeat schedule %q: %w", spec, err)
	}
	s.c.Start()
	s.log.Debug("heartbeat registered", logx.String("spec", spec), logx.String("room", string(s.room)))
	return nil
}

func (s *Service) Stop() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
}

func (s *Service) beat() {
	_, err := s.sub.Submit(&delivery.Job{
		Target:  delivery.Target{Room: s.room},
		Payload: delivery.Payload{Kind: delivery.PayloadText, Text: s.message()},
	})
	if err != nil {
		s.log.Warn("heartbeat enqueue failed", logx.Err(err))
	}
}

func (s *Service) message() string {
	uptime := time.Since(s.started).Round(time.Second)
	if msg := strings.TrimSpace(s.cfg.Message); msg != "" {
		return strings.ReplaceAll(msg, "{uptime}", uptime.String())
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("heartbeat: mxgate on %s up %s", host, uptime)
}
