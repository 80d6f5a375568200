// Package workers tracks the avatar rendering workers reachable on the bus.
// Workers announce the providers they serve and heartbeat while alive; the
// registry marks a worker unhealthy once its heartbeats stop.
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/DailyDosesAI/Kai-Voice-Call/internal/avatar"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/bus"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type Info struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind,omitempty"`
	Providers []string  `json:"providers,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
	Healthy   bool      `json:"healthy"`
}

// Serves reports whether the worker renders provider p.
func (i Info) Serves(p avatar.ProviderType) bool {
	return len(i.Providers) == 0 || slices.Contains(i.Providers, string(p))
}

type Registry struct {
	log     *slog.Logger
	bus     *bus.Client
	timeout time.Duration

	mu      sync.RWMutex
	workers map[string]*Info
	cancel  context.CancelFunc
	subs    []*nats.Subscription
	meter   metric.Meter
}

// NewRegistry subscribes to worker announcements and heartbeats. A worker is
// unhealthy once timeout passes without hearing from it.
func NewRegistry(ctx context.Context, busClient *bus.Client, timeout time.Duration, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		log:     log.With(slog.String("component", "worker-registry")),
		bus:     busClient,
		timeout: timeout,
		workers: make(map[string]*Info),
		meter:   otel.Meter("github.com/DailyDosesAI/Kai-Voice-Call/workers"),
		cancel:  cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	go r.monitorHealth(ctx)
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectAvatarWorkerAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.AvatarWorkerHeartbeatSubject("*"), r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	if err := conn.Flush(); err != nil {
		return err
	}
	// Workers started before this registry announce again.
	return conn.Publish(protocol.SubjectAvatarWorkerDiscover, nil)
}

func (r *Registry) monitorHealth(ctx context.Context) {
	interval := min(time.Second, r.timeout/2)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.AvatarWorkerAnnounce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.WorkerID == "" {
		r.log.Warn("invalid worker announcement")
		return
	}
	r.mu.Lock()
	_, known := r.workers[announcement.WorkerID]
	r.workers[announcement.WorkerID] = &Info{
		ID:        announcement.WorkerID,
		Kind:      announcement.Kind,
		Providers: announcement.Providers,
		LastSeen:  time.Now(),
		Healthy:   true,
	}
	r.mu.Unlock()
	if !known {
		r.log.Info("avatar worker joined",
			slog.String("worker_id", announcement.WorkerID),
			slog.String("kind", announcement.Kind),
			slog.Any("providers", announcement.Providers))
	}
}

// handleHeartbeat refreshes known workers only; an unknown worker must
// announce itself first so its providers are known.
func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.AvatarWorkerHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid worker heartbeat", slog.String("error", err.Error()))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	worker, ok := r.workers[hb.WorkerID]
	if !ok {
		return
	}
	if !worker.Healthy {
		r.log.Info("avatar worker recovered", slog.String("worker_id", hb.WorkerID))
	}
	worker.LastSeen = time.Now()
	worker.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, worker := range r.workers {
		if worker.Healthy && now.Sub(worker.LastSeen) > r.timeout {
			worker.Healthy = false
			r.log.Warn("avatar worker stopped heartbeating", slog.String("worker_id", worker.ID))
		}
	}
}

// Workers returns a snapshot of every known worker ordered by ID.
func (r *Registry) Workers() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]Info, 0, len(r.workers))
	for _, worker := range r.workers {
		results = append(results, *worker)
	}
	slices.SortFunc(results, func(a, b Info) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return results
}

// Available reports whether a healthy worker serves provider p.
func (r *Registry) Available(p avatar.ProviderType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, worker := range r.workers {
		if worker.Healthy && worker.Serves(p) {
			return true
		}
	}
	return false
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	total, err := r.meter.Int64ObservableGauge("kai.avatar.workers", metric.WithDescription("Number of known avatar workers"))
	if err != nil {
		return err
	}
	healthy, err := r.meter.Int64ObservableGauge("kai.avatar.workers.healthy", metric.WithDescription("Number of avatar workers with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		all, ok := r.snapshotCounts()
		obs.ObserveInt64(total, all)
		obs.ObserveInt64(healthy, ok)
		return nil
	}, total, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all, healthy int64
	for _, worker := range r.workers {
		all++
		if worker.Healthy {
			healthy++
		}
	}
	return all, healthy
}
