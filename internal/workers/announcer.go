package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/DailyDosesAI/Kai-Voice-Call/internal/bus"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Announcer advertises one worker on the bus and heartbeats until closed.
type Announcer struct {
	log      *slog.Logger
	bus      *bus.Client
	announce protocol.AvatarWorkerAnnounce
	interval time.Duration

	sub    *nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAnnouncer(busClient *bus.Client, announce protocol.AvatarWorkerAnnounce, interval time.Duration, log *slog.Logger) *Announcer {
	return &Announcer{
		log:      log.With(slog.String("component", "worker-announcer"), slog.String("worker_id", announce.WorkerID)),
		bus:      busClient,
		announce: announce,
		interval: interval,
	}
}

// Start publishes the announcement, then heartbeats every interval. Discover
// requests trigger a fresh announcement.
func (a *Announcer) Start(ctx context.Context) error {
	sub, err := a.bus.Conn().Subscribe(protocol.SubjectAvatarWorkerDiscover, func(*nats.Msg) {
		if err := a.publishAnnounce(); err != nil {
			a.log.Warn("failed to re-announce worker", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return err
	}
	a.sub = sub
	if err := a.publishAnnounce(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(ctx)
	}()
	return nil
}

func (a *Announcer) Close() {
	if a.sub != nil {
		_ = a.sub.Unsubscribe()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *Announcer) run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.publishHeartbeat(); err != nil {
				a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Announcer) publishAnnounce() error {
	msg := a.announce
	msg.Timestamp = time.Now().UTC()
	return a.bus.PublishJSON(protocol.SubjectAvatarWorkerAnnounce, msg)
}

func (a *Announcer) publishHeartbeat() error {
	return a.bus.PublishJSON(protocol.AvatarWorkerHeartbeatSubject(a.announce.WorkerID), protocol.AvatarWorkerHeartbeat{
		WorkerID:  a.announce.WorkerID,
		Timestamp: time.Now().UTC(),
	})
}
