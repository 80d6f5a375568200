// Package runtime assembles the kaid daemon: telemetry, the NATS bus, the
// avatar timeline, the avatar configuration store and the avatar service.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DailyDosesAI/Kai-Voice-Call/internal/avatar"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/avatar/backend"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/avatarstore"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/avatarsvc"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/bus"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/config"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/natsserver"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/protocol"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/timeline"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/workers"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	telemetryDown func(context.Context) error
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	timeline      *timeline.Store
	store         *avatarstore.Store
	worker        *backend.Worker
	announcer     *workers.Announcer
	registry      *workers.Registry
	avatars       *avatarsvc.Service

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the daemon until ctx is cancelled, then shuts everything down in
// reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		r.shutdown()
	}()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryDown = shutdownTelemetry

	if err := r.startBus(ctx); err != nil {
		return err
	}

	store, err := timeline.Open(ctx, r.cfg.Timeline, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open timeline: %w", err)
	}
	r.timeline = store
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	if r.cfg.Avatar.Enabled {
		if err := r.startAvatars(ctx); err != nil {
			return err
		}
	} else {
		r.logger.Info("avatars disabled")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/avatars", r.handleAvatars)

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, fmt.Sprint(r.cfg.HTTP.Port))
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client
	return nil
}

func (r *Runtime) startAvatars(ctx context.Context) error {
	r.store = avatarstore.Open(r.cfg.Avatar.ConfigPath, r.logger)
	if err := r.store.Load(); err != nil {
		// Voice calls still run; sessions simply get no avatar until the file is fixed.
		r.logger.Warn("avatar configuration unusable, continuing without avatars",
			slog.String("path", r.cfg.Avatar.ConfigPath), slogError(err))
	}
	if r.cfg.Avatar.Watch {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.store.Watch(ctx, nil); err != nil {
				r.logger.Warn("avatar configuration watcher stopped", slogError(err))
			}
		}()
	}

	factory, err := r.buildFactory()
	if err != nil {
		return err
	}

	registry, err := workers.NewRegistry(ctx, r.bus,
		time.Duration(r.cfg.Avatar.HeartbeatTimeoutMS)*time.Millisecond, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start worker registry: %w", err)
	}
	r.registry = registry

	if err := r.startWorker(ctx); err != nil {
		return err
	}

	r.avatars = avatarsvc.NewService(ctx, r.bus, r.store, factory, r.timeline, r.logger)
	if err := r.avatars.Start(); err != nil {
		return fmt.Errorf("failed to start avatar service: %w", err)
	}
	return nil
}

// buildFactory selects the backend every provider renders through. A local
// command routes bithuman to an in-process renderer unless a worker already
// serves it over the bus.
func (r *Runtime) buildFactory() (*avatar.Factory, error) {
	avatarCfg := r.cfg.Avatar
	var def avatar.Backend
	switch avatarCfg.Backend {
	case "mock":
		def = backend.NewMock()
	default:
		def = backend.NewBus(r.bus, time.Duration(avatarCfg.RequestTimeoutMS)*time.Millisecond, r.logger)
	}

	opts := []avatar.FactoryOption{
		avatar.WithReadyTimeout(time.Duration(avatarCfg.ReadyTimeoutMS) * time.Millisecond),
		avatar.WithFactoryLogger(r.logger),
	}
	if avatarCfg.LocalCommand != "" && avatarCfg.Worker != "exec" {
		local, err := backend.NewExec(avatarCfg.LocalCommand, r.logger)
		if err != nil {
			return nil, fmt.Errorf("avatar.local_command: %w", err)
		}
		opts = append(opts, avatar.WithBackend(avatar.ProviderBitHuman, local))
	}
	r.logger.Info("avatar backends configured",
		slog.String("backend", avatarCfg.Backend),
		slog.Bool("local_renderer", avatarCfg.LocalCommand != "" && avatarCfg.Worker != "exec"))
	return avatar.NewFactory(def, opts...), nil
}

func (r *Runtime) startWorker(ctx context.Context) error {
	var served avatar.Backend
	switch r.cfg.Avatar.Worker {
	case "":
		return nil
	case "mock":
		served = backend.NewMock()
	case "exec":
		local, err := backend.NewExec(r.cfg.Avatar.LocalCommand, r.logger)
		if err != nil {
			return fmt.Errorf("avatar.local_command: %w", err)
		}
		served = local
	default:
		return fmt.Errorf("unknown avatar worker %q", r.cfg.Avatar.Worker)
	}
	r.worker = backend.NewWorker(ctx, r.bus, served, r.logger)
	if err := r.worker.Start(); err != nil {
		return fmt.Errorf("failed to start avatar worker: %w", err)
	}

	var providers []string
	if r.cfg.Avatar.Worker == "exec" {
		providers = []string{string(avatar.ProviderBitHuman)}
	}
	r.announcer = workers.NewAnnouncer(r.bus, protocol.AvatarWorkerAnnounce{
		WorkerID:  r.cfg.RuntimeName + "-" + r.cfg.Avatar.Worker,
		Kind:      r.cfg.Avatar.Worker,
		Providers: providers,
	}, time.Duration(r.cfg.Avatar.HeartbeatIntervalMS)*time.Millisecond, r.logger)
	if err := r.announcer.Start(ctx); err != nil {
		return fmt.Errorf("failed to announce avatar worker: %w", err)
	}
	r.logger.Info("avatar worker serving on bus", slog.String("worker", r.cfg.Avatar.Worker))
	return nil
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.timeline.Prune(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("timeline prune failed", slogError(err))
			}
		}
	}
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slogError(err))
		}
	}()
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	if r.avatars != nil {
		r.avatars.Close()
	}
	if r.announcer != nil {
		r.announcer.Close()
	}
	if r.worker != nil {
		r.worker.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	r.wg.Wait()

	if r.timeline != nil {
		if err := r.timeline.Close(); err != nil {
			r.logger.Error("timeline close error", slogError(err))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.telemetryDown != nil {
		if err := r.telemetryDown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && (r.avatars == nil || r.avatars.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type avatarsResponse struct {
	Enabled  bool   `json:"enabled"`
	Default  string `json:"default,omitempty"`
	Sessions any    `json:"sessions"`
	Workers  any    `json:"workers,omitempty"`
}

func (r *Runtime) handleAvatars(w http.ResponseWriter, req *http.Request) {
	resp := avatarsResponse{Enabled: r.avatars != nil, Sessions: []any{}}
	if r.avatars != nil {
		resp.Default = r.store.Default()
		resp.Sessions = r.avatars.Status(req.URL.Query().Get("session_id"))
	}
	if r.registry != nil {
		resp.Workers = r.registry.Workers()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		r.logger.Warn("failed to encode avatar status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
