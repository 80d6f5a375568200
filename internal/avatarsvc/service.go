// Package avatarsvc attaches avatars to voice sessions announced on the bus.
// Each voice session gets its own avatar.Manager; nothing that happens to an
// avatar is ever reported back to the voice session as a failure.
package avatarsvc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/DailyDosesAI/Kai-Voice-Call/internal/avatar"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/bus"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	defaultOutput = "room"
	stopTimeout   = 10 * time.Second
	queueDepth    = 8
)

// RecordSource resolves named avatar records. An empty name is the default.
type RecordSource interface {
	Get(name string) (avatar.Record, bool)
}

// Timeline stores the per-session avatar history.
type Timeline interface {
	avatar.Recorder
	AppendSession(ctx context.Context, sessionID, room, avatarName string) error
}

type Service struct {
	bus      *bus.Client
	records  RecordSource
	factory  avatar.ProviderFactory
	timeline Timeline
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closing  bool
	subs     []*nats.Subscription
	sessions map[string]*session
}

// NewService wires the service. timeline may be nil.
func NewService(parent context.Context, busClient *bus.Client, records RecordSource, factory avatar.ProviderFactory, timeline Timeline, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		records:  records,
		factory:  factory,
		timeline: timeline,
		logger:   logger.With(slog.String("component", "avatar-service")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

func (s *Service) Start() error {
	conn := s.bus.Conn()
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectVoiceSessionStarted, s.handleStarted},
		{protocol.SubjectVoiceSessionEnded, s.handleEnded},
		{protocol.SubjectAvatarSwitch, s.handleSwitch},
		{protocol.SubjectAvatarStatus, s.handleStatus},
	}
	for _, h := range handlers {
		sub, err := conn.Subscribe(h.subject, h.handler)
		if err != nil {
			s.drain()
			return err
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
	return conn.Flush()
}

// Close drains subscriptions and detaches every avatar.
func (s *Service) Close() {
	s.drain()

	s.mu.Lock()
	s.closing = true
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.end()
	}

	s.wg.Wait()
	s.cancel()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) > 0 && s.bus.Healthy()
}

// Status reports every tracked session, or only sessionID when set.
func (s *Service) Status(sessionID string) []protocol.AvatarSessionStatus {
	s.mu.Lock()
	var sessions []*session
	for id, sess := range s.sessions {
		if sessionID == "" || id == sessionID {
			sessions = append(sessions, sess)
		}
	}
	s.mu.Unlock()

	out := make([]protocol.AvatarSessionStatus, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (s *Service) drain() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

func (s *Service) handleStarted(msg *nats.Msg) {
	var evt protocol.VoiceSessionStarted
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		s.logger.Warn("avatar service failed to decode voice session", slogError(err))
		return
	}
	if evt.SessionID == "" {
		s.logger.Warn("voice session announced without id")
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	if _, exists := s.sessions[evt.SessionID]; exists {
		s.mu.Unlock()
		s.logger.Debug("voice session already tracked", slog.String("session_id", evt.SessionID))
		return
	}
	sess := s.newSession(evt)
	s.sessions[evt.SessionID] = sess
	s.mu.Unlock()

	sess.enqueue(func() { s.attach(sess, evt.Avatar) })
}

func (s *Service) handleEnded(msg *nats.Msg) {
	var evt protocol.VoiceSessionEnded
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		s.logger.Warn("avatar service failed to decode voice session end", slogError(err))
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[evt.SessionID]
	delete(s.sessions, evt.SessionID)
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.end()
}

func (s *Service) handleSwitch(msg *nats.Msg) {
	var req protocol.AvatarSwitch
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("avatar service failed to decode switch request", slogError(err))
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[req.SessionID]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("avatar switch for unknown voice session", slog.String("session_id", req.SessionID))
		return
	}
	sess.enqueue(func() {
		sess.detach()
		s.attach(sess, req.Avatar)
	})
}

func (s *Service) handleStatus(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	var req protocol.AvatarStatusRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("avatar service failed to decode status request", slogError(err))
			return
		}
	}
	data, err := json.Marshal(protocol.AvatarStatusReply{Sessions: s.Status(req.SessionID)})
	if err != nil {
		s.logger.Warn("avatar service failed to encode status", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.logger.Warn("avatar service failed to reply", slogError(err))
	}
}

// attach resolves name and starts the session's avatar. A missing record is
// logged and the voice session carries on without an avatar.
func (s *Service) attach(sess *session, name string) {
	if sess.ctx.Err() != nil {
		return
	}
	log := s.logger.With(slog.String("session_id", sess.id), slog.String("avatar", name))
	rec, ok := s.records.Get(name)
	if !ok {
		log.Warn("no avatar configured, continuing without avatar")
		return
	}
	if s.timeline != nil {
		label := name
		if label == "" {
			label = "default"
		}
		if err := s.timeline.AppendSession(sess.ctx, sess.id, sess.room.Name(), label); err != nil {
			log.Warn("failed to record avatar session", slogError(err))
		}
	}
	if err := sess.manager.Start(sess.ctx, rec, sess.voice, sess.room); err != nil {
		log.Warn("avatar start rejected", slogError(err))
	}
}

func (s *Service) newSession(evt protocol.VoiceSessionStarted) *session {
	output := evt.Output
	if output == "" {
		output = defaultOutput
	}
	ctx, cancel := context.WithCancel(s.ctx)
	opts := []avatar.ManagerOption{avatar.WithLogger(s.logger)}
	if s.timeline != nil {
		opts = append(opts, avatar.WithRecorder(s.timeline))
	}
	sess := &session{
		id:      evt.SessionID,
		room:    room{name: evt.Room, url: evt.RoomURL},
		voice:   newBusVoice(evt.SessionID, avatar.NamedSink(output), s.bus, s.logger),
		manager: avatar.NewManager(s.factory, opts...),
		ctx:     ctx,
		cancel:  cancel,
		ops:     make(chan func(), queueDepth),
		logger:  s.logger,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run()
	}()
	return sess
}

type room struct {
	name string
	url  string
}

func (r room) Name() string { return r.name }
func (r room) URL() string  { return r.url }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
