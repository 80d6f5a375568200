// Package backend provides the rendering backends an avatar provider drives:
// bridge workers reached over the bus, a local renderer process, and an
// in-process mock.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DailyDosesAI/Kai-Voice-Call/internal/avatar"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/bus"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/protocol"
	"github.com/nats-io/nats.go"
)

const defaultRequestTimeout = 5 * time.Second

// ErrNoWorker is returned when no bridge worker answers a request.
var ErrNoWorker = errors.New("no avatar worker available")

// RemoteError is a failure reported by the bridge worker.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("avatar worker %s: %s", e.Op, e.Message) }

// Bus reaches hosted avatar vendors through bridge workers on the bus.
type Bus struct {
	client         *bus.Client
	requestTimeout time.Duration
	logger         *slog.Logger
}

func NewBus(client *bus.Client, requestTimeout time.Duration, logger *slog.Logger) *Bus {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return &Bus{
		client:         client,
		requestTimeout: requestTimeout,
		logger:         logger.With(slog.String("component", "avatar-bus-backend")),
	}
}

func (b *Bus) Open(ctx context.Context, req avatar.SessionRequest) (avatar.Handle, error) {
	var reply protocol.AvatarOpenReply
	err := b.request(ctx, protocol.SubjectAvatarOpen, protocol.AvatarOpenRequest{
		Provider:            string(req.Provider),
		ParticipantIdentity: req.ParticipantIdentity,
		ParticipantName:     req.ParticipantName,
		Params:              req.Params,
	}, &reply)
	if err != nil {
		return nil, fmt.Errorf("open %s session: %w", req.Provider, err)
	}
	if reply.Error != "" {
		return nil, &RemoteError{Op: "open", Message: reply.Error}
	}
	if reply.SessionID == "" {
		return nil, errors.New("avatar worker returned empty session id")
	}
	b.logger.Debug("avatar session opened",
		slog.String("provider", string(req.Provider)),
		slog.String("worker_session", reply.SessionID))
	return &busHandle{backend: b, id: reply.SessionID}, nil
}

// request sends payload and decodes the reply. The configured request timeout
// applies only when ctx carries no deadline of its own.
func (b *Bus) request(ctx context.Context, subject string, payload, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.requestTimeout)
		defer cancel()
	}
	err := b.client.RequestJSON(ctx, subject, payload, out)
	if errors.Is(err, nats.ErrNoResponders) {
		return fmt.Errorf("%w on %s", ErrNoWorker, subject)
	}
	return err
}

type busHandle struct {
	backend *Bus
	id      string

	mu     sync.Mutex
	closed bool
}

func (h *busHandle) Join(ctx context.Context, room avatar.Room) (avatar.AudioSink, error) {
	var reply protocol.AvatarJoinReply
	err := h.backend.request(ctx, protocol.AvatarJoinSubject(h.id), protocol.AvatarJoinRequest{
		Room:    room.Name(),
		RoomURL: room.URL(),
	}, &reply)
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, &RemoteError{Op: "join", Message: reply.Error}
	}
	if reply.Sink == "" {
		return nil, errors.New("avatar worker returned no audio sink")
	}
	return avatar.NamedSink(reply.Sink), nil
}

func (h *busHandle) Ready(ctx context.Context) error {
	req := protocol.AvatarReadyRequest{}
	if deadline, ok := ctx.Deadline(); ok {
		req.TimeoutMS = int(time.Until(deadline).Milliseconds())
	}
	var reply protocol.AvatarReadyReply
	if err := h.backend.request(ctx, protocol.AvatarReadySubject(h.id), req, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return &RemoteError{Op: "ready", Message: reply.Error}
	}
	if !reply.Ready {
		return errors.New("avatar worker reported not ready")
	}
	return nil
}

func (h *busHandle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	client := h.backend.client
	if err := client.PublishJSON(protocol.AvatarCloseSubject(h.id), protocol.AvatarCloseNotice{SessionID: h.id}); err != nil {
		return fmt.Errorf("publish close: %w", err)
	}
	// FlushWithContext rejects contexts without a deadline.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.backend.requestTimeout)
		defer cancel()
	}
	return client.Conn().FlushWithContext(ctx)
}
