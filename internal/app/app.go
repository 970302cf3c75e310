// Package app wires the gateway's components together and owns their
// lifecycles.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"zapgw/internal/broadcast"
	"zapgw/internal/config"
	"zapgw/internal/connection"
	"zapgw/internal/delivery"
	"zapgw/internal/eventbus"
	"zapgw/internal/httpapi"
	"zapgw/internal/metrics"
	"zapgw/internal/pairing"
	"zapgw/internal/runtime/supervisor"
	"zapgw/internal/session"
	"zapgw/internal/storage"
	"zapgw/internal/transport"
	logx "zapgw/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	cfg    *config.Config

	logSvc *logx.Service
	log    logx.Logger

	bus eventbus.Bus
	met *metrics.Metrics
	reg *prometheus.Registry

	store    storage.Store
	sessions *session.Store
	pairings *pairing.Manager
	conn     *connection.Manager
	queue    *delivery.Queue
	jobs     *broadcast.Service

	sup     *supervisor.Supervisor
	cronner *cron.Cron
	httpSrv *http.Server
}

// New loads the config file and builds the component graph. The transport
// dialer is injected by the caller; the core never picks a concrete provider.
func New(cfgPath string, dialer transport.Dialer) (*App, error) {
	cfgMgr := config.NewManager(cfgPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgMgr.SetLogger(log)

	met, reg := metrics.New()
	bus := eventbus.New()
	sessions := session.NewStore()

	pairTTL, _ := config.ParseDurationOrDefault("pairing.ttl", cfg.Pairing.TTL, 20*time.Second)
	pairings := pairing.NewManager(sessions, pairTTL)

	a := &App{
		cfgMgr:   cfgMgr,
		cfg:      cfg,
		logSvc:   logSvc,
		log:      log,
		bus:      bus,
		met:      met,
		reg:      reg,
		sessions: sessions,
		pairings: pairings,
	}

	connCfg, err := a.connectionConfig(cfg)
	if err != nil {
		return nil, err
	}
	retryCfg, err := a.retryConfig(cfg)
	if err != nil {
		return nil, err
	}
	bcastCfg, err := a.broadcastConfig(cfg)
	if err != nil {
		return nil, err
	}

	a.sup = supervisor.New(context.Background(), supervisor.WithLogger(log))
	a.conn = connection.NewManager(connCfg, sessions, pairings, dialer, bus, met, log, a.sup)
	a.queue = delivery.NewQueue(retryCfg, a.conn, bus, met, log)
	a.jobs = broadcast.New(bcastCfg, a.queue, bus, met, log)

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Storage != nil {
		busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		store, err := storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, a.log)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store = store
	}

	runCtx := a.sup.Context()

	// History writer: bus -> sqlite.
	if a.store != nil {
		events, unsub := a.bus.Subscribe(256)
		a.sup.Go0("history.writer", func(ctx context.Context) {
			defer unsub()
			a.historyLoop(ctx, events)
		})
	}

	// Config hot reload: logging plus retry and broadcast pacing defaults
	// apply live; session timeouts require a restart.
	a.sup.GoRestart("config.watch", a.cfgMgr.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	updates := a.cfgMgr.Subscribe(1)
	a.sup.Go0("config.apply", func(ctx context.Context) {
		defer a.cfgMgr.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyReload(cfg)
			}
		}
	})

	a.jobs.Start(runCtx)

	// Periodic work. SkipIfStillRunning keeps scans from overlapping.
	a.cronner = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	scan := a.queue.Config().ScanInterval
	if _, err := a.cronner.AddFunc("@every "+scan.String(), func() { a.queue.Scan(runCtx) }); err != nil {
		return fmt.Errorf("schedule retry scan: %w", err)
	}
	if _, err := a.cronner.AddFunc("@every 5m", func() { a.queue.Prune(runCtx) }); err != nil {
		return fmt.Errorf("schedule queue prune: %w", err)
	}
	if _, err := a.cronner.AddFunc("@every 10m", func() { a.jobs.Prune(runCtx) }); err != nil {
		return fmt.Errorf("schedule job prune: %w", err)
	}
	a.cronner.Start()

	handler := httpapi.NewHandler(a.conn, a.pairings, a.queue, a.jobs, a.store, a.log)
	addr := cfg.HTTP.Addr
	if addr == "" {
		addr = ":8080"
	}
	a.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           handler.Router(a.reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.sup.Go("http", func(ctx context.Context) error {
		err := a.httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	a.log.Info("gateway started", logx.String("addr", addr))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	// Stop intake first so in-flight work can drain.
	if a.httpSrv != nil {
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_ = a.httpSrv.Shutdown(sctx)
		cancel()
	}
	if a.cronner != nil {
		<-a.cronner.Stop().Done()
	}
	a.jobs.Stop()

	err := a.sup.Stop(ctx)

	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("gateway stopped")
	_ = a.logSvc.Close()
	return err
}

func (a *App) historyLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.recordHistory(ctx, ev)
		}
	}
}

func (a *App) recordHistory(ctx context.Context, ev eventbus.Event) {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch ev.Type {
	case eventbus.TypeSessionState:
		ch, ok := ev.Data.(connection.StateChange)
		if !ok {
			return
		}
		err := a.store.AppendSessionEvent(wctx, storage.SessionEvent{
			TenantID:  ev.Tenant,
			FromState: string(ch.From),
			ToState:   string(ch.To),
			ErrKind:   string(ch.Err.Kind),
			ErrMsg:    ch.Err.Msg,
			At:        ev.Time,
		})
		if err != nil {
			a.log.Warn("session history write failed", logx.Err(err))
		}

	case eventbus.TypeDeliveryOutcome:
		out, ok := ev.Data.(delivery.Outcome)
		if !ok {
			return
		}
		err := a.store.AppendDelivery(wctx, storage.DeliveryRecord{
			MessageID: out.ID,
			TenantID:  ev.Tenant,
			Recipient: out.Recipient,
			Status:    string(out.Status),
			Attempts:  out.Attempts,
			Reason:    out.Reason,
			At:        ev.Time,
		})
		if err != nil {
			a.log.Warn("delivery history write failed", logx.Err(err))
		}
	}
}

// applyReload pushes reload-safe sections of a fresh config into the
// running components.
func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if rc, err := a.retryConfig(cfg); err != nil {
		a.log.Warn("reload: keeping previous retry pacing", logx.Err(err))
	} else {
		a.queue.ApplyDefaults(rc)
	}
	if bc, err := a.broadcastConfig(cfg); err != nil {
		a.log.Warn("reload: keeping previous broadcast pacing", logx.Err(err))
	} else {
		a.jobs.ApplyDefaults(bc)
	}
	a.cfg = cfg
	a.log.Info("reloaded runtime configuration")
}

func (a *App) connectionConfig(cfg *config.Config) (connection.Config, error) {
	qrWait, err := config.ParseDurationOrDefault("session.qr_wait", cfg.Session.QRWait, 20*time.Second)
	if err != nil {
		return connection.Config{}, err
	}
	connectTO, err := config.ParseDurationOrDefault("session.connect_timeout", cfg.Session.ConnectTimeout, 60*time.Second)
	if err != nil {
		return connection.Config{}, err
	}
	keepalive, err := config.ParseDurationOrDefault("session.keepalive", cfg.Session.Keepalive, 30*time.Second)
	if err != nil {
		return connection.Config{}, err
	}
	cooldown, err := config.ParseDurationOrDefault("session.cooldown", cfg.Session.Cooldown, 15*time.Minute)
	if err != nil {
		return connection.Config{}, err
	}
	sendTO, err := config.ParseDurationOrDefault("session.send_timeout", cfg.Session.SendTimeout, 30*time.Second)
	if err != nil {
		return connection.Config{}, err
	}
	return connection.Config{
		QRWait:               qrWait,
		ConnectTimeout:       connectTO,
		Keepalive:            keepalive,
		Cooldown:             cooldown,
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		SendTimeout:          sendTO,
	}, nil
}

func (a *App) retryConfig(cfg *config.Config) (delivery.Config, error) {
	scan, err := config.ParseDurationOrDefault("retry.scan_interval", cfg.Retry.ScanInterval, 30*time.Second)
	if err != nil {
		return delivery.Config{}, err
	}
	retry, err := config.ParseDurationOrDefault("retry.retry_interval", cfg.Retry.RetryInterval, 30*time.Second)
	if err != nil {
		return delivery.Config{}, err
	}
	expire, err := config.ParseDurationOrDefault("retry.expire_after", cfg.Retry.ExpireAfter, 5*time.Minute)
	if err != nil {
		return delivery.Config{}, err
	}
	grace, err := config.ParseDurationOrDefault("retry.terminal_grace", cfg.Retry.TerminalGrace, 10*time.Minute)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		ScanInterval:  scan,
		RetryInterval: retry,
		MaxAttempts:   cfg.Retry.MaxAttempts,
		ExpireAfter:   expire,
		TerminalGrace: grace,
	}, nil
}

func (a *App) broadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	interval, err := config.ParseDurationOrDefault("broadcast.default_interval", cfg.Broadcast.DefaultInterval, time.Second)
	if err != nil {
		return broadcast.Config{}, err
	}
	delay, err := config.ParseDurationOrDefault("broadcast.default_batch_delay", cfg.Broadcast.DefaultBatchDelay, 5*time.Second)
	if err != nil {
		return broadcast.Config{}, err
	}
	retention, err := config.ParseDurationOrDefault("broadcast.retention", cfg.Broadcast.Retention, time.Hour)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		Workers:           cfg.Broadcast.Workers,
		QueueSize:         cfg.Broadcast.QueueSize,
		RatePerSec:        cfg.Broadcast.RatePerSec,
		DefaultBatchSize:  cfg.Broadcast.DefaultBatchSize,
		DefaultInterval:   interval,
		DefaultBatchDelay: delay,
		Retention:         retention,
	}, nil
}
