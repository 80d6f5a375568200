package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/DailyDosesAI/Kai-Voice-Call/internal/avatar"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/bus"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/protocol"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const maxReadyWait = 2 * time.Minute

// Worker serves a Backend to Bus clients: the bridge side of the bus protocol.
type Worker struct {
	bus     *bus.Client
	backend avatar.Backend
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	subs     []*nats.Subscription
	sessions map[string]avatar.Handle
}

func NewWorker(parent context.Context, busClient *bus.Client, backend avatar.Backend, logger *slog.Logger) *Worker {
	ctx, cancel := context.WithCancel(parent)
	return &Worker{
		bus:      busClient,
		backend:  backend,
		logger:   logger.With(slog.String("component", "avatar-worker")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]avatar.Handle),
	}
}

func (w *Worker) Start() error {
	conn := w.bus.Conn()
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectAvatarOpen:       w.handleOpen,
		protocol.AvatarJoinSubject("*"):  w.handleJoin,
		protocol.AvatarReadySubject("*"): w.handleReady,
		protocol.AvatarCloseSubject("*"): w.handleClose,
	}
	for subject, handler := range handlers {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			w.drain()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		w.mu.Lock()
		w.subs = append(w.subs, sub)
		w.mu.Unlock()
	}
	// Subscriptions must be registered server side before clients send requests.
	if err := conn.Flush(); err != nil {
		w.drain()
		return fmt.Errorf("flush worker subscriptions: %w", err)
	}
	return nil
}

// Sessions reports how many backend sessions are open.
func (w *Worker) Sessions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sessions)
}

func (w *Worker) Close() {
	w.cancel()
	w.drain()
	w.wg.Wait()

	w.mu.Lock()
	sessions := w.sessions
	w.sessions = make(map[string]avatar.Handle)
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for id, h := range sessions {
		if err := h.Close(ctx); err != nil {
			w.logger.Warn("failed to close avatar session", slog.String("session_id", id), slogError(err))
		}
	}
}

func (w *Worker) drain() {
	w.mu.Lock()
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

func (w *Worker) handleOpen(msg *nats.Msg) {
	var req protocol.AvatarOpenRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		w.reply(msg, protocol.AvatarOpenReply{Error: "malformed open request"})
		return
	}
	ctx, cancel := context.WithTimeout(w.ctx, defaultRequestTimeout)
	defer cancel()
	handle, err := w.backend.Open(ctx, avatar.SessionRequest{
		Provider:            avatar.ProviderType(req.Provider),
		ParticipantIdentity: req.ParticipantIdentity,
		ParticipantName:     req.ParticipantName,
		Params:              req.Params,
	})
	if err != nil {
		w.logger.Warn("backend rejected avatar session", slog.String("provider", req.Provider), slogError(err))
		w.reply(msg, protocol.AvatarOpenReply{Error: err.Error()})
		return
	}
	id := uuid.NewString()
	w.mu.Lock()
	w.sessions[id] = handle
	w.mu.Unlock()
	w.logger.Info("avatar session opened", slog.String("provider", req.Provider), slog.String("session_id", id))
	w.reply(msg, protocol.AvatarOpenReply{SessionID: id})
}

func (w *Worker) handleJoin(msg *nats.Msg) {
	handle, id, ok := w.lookup(msg)
	if !ok {
		w.reply(msg, protocol.AvatarJoinReply{Error: "unknown session " + id})
		return
	}
	var req protocol.AvatarJoinRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		w.reply(msg, protocol.AvatarJoinReply{Error: "malformed join request"})
		return
	}
	ctx, cancel := context.WithTimeout(w.ctx, defaultRequestTimeout)
	defer cancel()
	sink, err := handle.Join(ctx, workerRoom{name: req.Room, url: req.RoomURL})
	if err != nil {
		w.reply(msg, protocol.AvatarJoinReply{Error: err.Error()})
		return
	}
	if sink == nil {
		w.reply(msg, protocol.AvatarJoinReply{Error: "backend returned no audio sink"})
		return
	}
	w.reply(msg, protocol.AvatarJoinReply{Sink: sink.Name()})
}

// handleReady may block for the full ready window, so it answers off the
// subscription goroutine.
func (w *Worker) handleReady(msg *nats.Msg) {
	handle, id, ok := w.lookup(msg)
	if !ok {
		w.reply(msg, protocol.AvatarReadyReply{Error: "unknown session " + id})
		return
	}
	var req protocol.AvatarReadyRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		w.reply(msg, protocol.AvatarReadyReply{Error: "malformed ready request"})
		return
	}
	wait := time.Duration(req.TimeoutMS) * time.Millisecond
	if wait <= 0 || wait > maxReadyWait {
		wait = maxReadyWait
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(w.ctx, wait)
		defer cancel()
		if err := handle.Ready(ctx); err != nil {
			w.reply(msg, protocol.AvatarReadyReply{Error: err.Error()})
			return
		}
		w.reply(msg, protocol.AvatarReadyReply{Ready: true})
	}()
}

func (w *Worker) handleClose(msg *nats.Msg) {
	id := sessionToken(msg.Subject)
	w.mu.Lock()
	handle, ok := w.sessions[id]
	delete(w.sessions, id)
	w.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(w.ctx, defaultRequestTimeout)
	defer cancel()
	if err := handle.Close(ctx); err != nil {
		w.logger.Warn("failed to close avatar session", slog.String("session_id", id), slogError(err))
		return
	}
	w.logger.Info("avatar session closed", slog.String("session_id", id))
}

func (w *Worker) lookup(msg *nats.Msg) (avatar.Handle, string, bool) {
	id := sessionToken(msg.Subject)
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.sessions[id]
	return h, id, ok
}

func (w *Worker) reply(msg *nats.Msg, payload any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		w.logger.Warn("failed to encode worker reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		w.logger.Warn("failed to send worker reply", slog.String("subject", msg.Subject), slogError(err))
	}
}

// sessionToken extracts <id> from avatar.session.<id>.<verb>.
func sessionToken(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 {
		return ""
	}
	return parts[2]
}

type workerRoom struct {
	name string
	url  string
}

func (r workerRoom) Name() string { return r.name }
func (r workerRoom) URL() string  { return r.url }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
