// Package app assembles the gateway: config, logging, session, protocol
// client, resolver, send queues, ingestion and the optional side services.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mxgate/internal/audit"
	"mxgate/internal/config"
	"mxgate/internal/delivery"
	"mxgate/internal/eventbus"
	"mxgate/internal/heartbeat"
	"mxgate/internal/ingest"
	"mxgate/internal/matrix"
	"mxgate/internal/observability/pprof"
	"mxgate/internal/resolver"
	"mxgate/internal/runtime/supervisor"
	"mxgate/internal/session"
	logx "mxgate/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  audit.Store
	sess   *session.Store
	client *matrix.Client
	res    *resolver.Cache
	disp   *delivery.Dispatcher
	ing    *ingest.Server
	hb     *heartbeat.Service
	pprof  *pprof.Service

	metricsSrv *http.Server

	sup *supervisor.Supervisor
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: consoleEnabled(cfg),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	var store audit.Store
	if acfg, enabled, err := mapAuditConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := audit.Open(acfg, log.With(logx.String("comp", "audit")))
		if err != nil {
			return nil, err
		}
		store = st
		if store != nil {
			log.Info("audit enabled", logx.String("driver", acfg.Driver))
		}
	}

	sess := session.NewStore(sessionFilePath(cfg), log.With(logx.String("comp", "session")), bus)

	// Resume the previous session if one is on disk, before the client is
	// built, so a saved token takes precedence over a configured password.
	// A missing file just means first run.
	if _, err := sess.Load(); err != nil && !errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("load session: %w", err)
	}

	mcfg, err := mapMatrixConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := matrix.New(mcfg, sess, log.With(logx.String("comp", "matrix")), bus)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sess:    sess,
		client:  client,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	loginCtx, cancel := context.WithTimeout(a.sup.Context(), time.Minute)
	err := a.client.Login(loginCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}

	dcfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return err
	}

	a.res = resolver.New(a.client, a.sess, dcfg.ResolveTimeout, a.log.With(logx.String("comp", "resolver")))

	a.disp = delivery.New(a.sup.Context(), a.client, a.res, dcfg,
		delivery.WithLogger(a.log.With(logx.String("comp", "delivery"))),
		delivery.WithBus(a.bus),
		delivery.WithMetrics(delivery.NewMetrics(prometheus.DefaultRegisterer)),
	)

	// The sync loop is the one long-lived protocol task; restart it on
	// failure, with backoff, for the process lifetime.
	a.sup.GoRestart("matrix.sync", func(c context.Context) error {
		return a.client.RunSync(c)
	},
		supervisor.WithRestartBackoff(time.Second, time.Minute),
		supervisor.WithPublishFirstError(true),
	)

	if a.store != nil {
		w := audit.NewWriter(a.store, a.log.With(logx.String("comp", "audit")))
		a.sup.Go0("audit.write", func(c context.Context) {
			w.Run(c, a.bus)
		})
	}

	a.ing = ingest.New(mapIngestConfig(cfg), a.disp, a.log.With(logx.String("comp", "ingest")))
	if err := a.ing.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("ingest listen: %w", err)
	}

	a.hb = heartbeat.New(mapHeartbeatConfig(cfg), mapIngestConfig(cfg).ManagementRoom, a.disp,
		a.log.With(logx.String("comp", "heartbeat")))
	if err := a.hb.Start(); err != nil {
		return err
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		a.startMetrics(cfg.Metrics.Listen)
	}

	a.pprof = pprof.New(mapPprofConfig(cfg), a.log.With(logx.String("comp", "pprof")))
	if a.pprof.Enabled() {
		if err := a.pprof.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	// hot reload: logging applies live, everything else needs a restart
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(newCfg)
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("gateway started",
		logx.String("homeserver", cfg.Homeserver),
		logx.String("user", cfg.UserID),
		logx.String("ingest", a.ing.Addr()))
	return nil
}

func (a *App) startMetrics(listen string) {
	if listen == "" {
		listen = "127.0.0.1:9102"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	a.metricsSrv = srv

	a.sup.Go0("metrics.shutdown", func(c context.Context) {
		<-c.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	a.sup.Go("metrics.serve", func(context.Context) error {
		a.log.Info("metrics listening", logx.String("addr", listen))
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
}

func (a *App) applyReload(newCfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: consoleEnabled(newCfg),
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	// Connection, queue and listener settings are fixed at startup.
	a.log.Info("config reloaded; logging applied live, other changes need a restart")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Ordering matters: close the front door, drain the queues, then tear
	// down the protocol client and everything else.
	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		done := make(chan struct{})
		go func() {
			defer close(done)
			fn(stepCtx)
		}()
		select {
		case <-done:
			a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	if a.ing != nil {
		step("ingest", 5*time.Second, func(c context.Context) { a.ing.Stop(c) })
	}
	if a.hb != nil {
		step("heartbeat", 2*time.Second, func(context.Context) { a.hb.Stop() })
	}
	if a.disp != nil {
		step("delivery", 35*time.Second, func(context.Context) { a.disp.Stop() })
	}
	if a.pprof != nil {
		step("pprof", 2*time.Second, func(c context.Context) { a.pprof.Stop(c) })
	}

	a.sup.Cancel()
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = a.sup.Wait(waitCtx)

	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
