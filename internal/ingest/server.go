// Package ingest is the HTTP boundary: it authenticates inbound requests,
// decodes them into delivery jobs and hands them to the dispatcher. It never
// talks to the protocol layer directly.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"

	"mxgate/internal/delivery"
	rtsup "mxgate/internal/runtime/supervisor"
	"mxgate/pkg/logx"
)

type Config struct {
	Listen string
	APIKey string

	// SyncAck makes the handler wait for the job's terminal outcome and
	// reflect it in the HTTP status. Off, requests return as soon as the
	// job is queued.
	SyncAck bool

	// AckTimeout bounds the SyncAck wait. The job keeps running if the
	// request gives up first.
	AckTimeout time.Duration

	MaxBodyBytes int64

	ManagementRoom id.RoomID
}

func (c Config) withDefaults() Config {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8321"
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 2 * time.Minute
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 25 << 20
	}
	return c
}

// Submitter accepts jobs for delivery. Implemented by delivery.Dispatcher.
type Submitter interface {
	Submit(job *delivery.Job) (*delivery.Ticket, error)
}

type Server struct {
	cfg Config
	sub Submitter
	log logx.Logger

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, sub Submitter, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg.withDefaults(), sub: sub, log: log}
}

// Start binds the listener and serves until ctx is cancelled. The bind is
// synchronous so a bad listen address fails startup instead of limping.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", s.withAuth(s.handleSubmit))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	s.mu.Unlock()

	sup.Go0("http.shutdown", func(c context.Context) {
		<-c.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	sup.Go("http.serve", func(context.Context) error {
		s.log.Info("ingest listening", logx.String("addr", ln.Addr().String()))
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	return nil
}

// Addr returns the bound listen address, for tests and logs.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	_ = srv.Shutdown(ctx)
	_ = srv.Close()
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

func (s *Server) withAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" || r.Header.Get(headerAPIKey) == s.cfg.APIKey {
			h(w, r)
			return
		}
		s.log.Warn("ingest: bad api key", logx.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, ackResponse{Error: "unauthorized"})
	}
}

type ackResponse struct {
	JobID   string `json:"job_id,omitempty"`
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, ackResponse{Error: "POST only"})
		return
	}

	target, err := parseTarget(r.Header.Get(headerSendTo), s.cfg.ManagementRoom)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ackResponse{Error: err.Error()})
		return
	}

	payload, err := parsePayload(r, s.cfg.MaxBodyBytes)
	if err != nil {
		status := http.StatusBadRequest
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, ackResponse{Error: err.Error()})
		return
	}

	ticket, err := s.sub.Submit(&delivery.Job{Target: target, Payload: payload})
	if err != nil {
		// Backpressure and shutdown look the same from outside: try later.
		writeJSON(w, http.StatusServiceUnavailable, ackResponse{Error: err.Error()})
		return
	}

	if !s.cfg.SyncAck {
		writeJSON(w, http.StatusAccepted, ackResponse{JobID: ticket.JobID})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AckTimeout)
	defer cancel()
	outcome, err := ticket.Wait(ctx)
	switch {
	case err != nil:
		// Client went away or ack window elapsed; the job stays queued.
		writeJSON(w, http.StatusAccepted, ackResponse{JobID: ticket.JobID})
	case outcome.Err != nil:
		writeJSON(w, http.StatusBadGateway, ackResponse{JobID: ticket.JobID, Error: outcome.Err.Error()})
	default:
		writeJSON(w, http.StatusOK, ackResponse{JobID: ticket.JobID, EventID: string(outcome.EventID)})
	}
}

func writeJSON(w http.ResponseWriter, status int, body ackResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
