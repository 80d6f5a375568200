package avatarsvc

import (
	"context"
	"log/slog"
	"sync"

	"github.com/DailyDosesAI/Kai-Voice-Call/internal/avatar"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/bus"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/protocol"
)

// session runs every avatar operation for one voice session in arrival order.
type session struct {
	id      string
	room    room
	voice   *busVoice
	manager *avatar.Manager
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ops    chan func()
	closed bool
}

func (s *session) run() {
	for op := range s.ops {
		op()
	}
}

// enqueue schedules op behind earlier operations. Requests beyond the queue
// depth are dropped.
func (s *session) enqueue(op func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ops <- op:
	default:
		s.logger.Warn("avatar session busy, dropping request", slog.String("session_id", s.id))
	}
}

// end aborts any start in flight, then detaches the avatar once queued
// operations drain.
func (s *session) end() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	s.mu.Unlock()

	// Sent outside mu; run keeps draining so this cannot block for long.
	s.ops <- s.detach
	close(s.ops)
}

func (s *session) detach() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	s.manager.Stop(ctx)
}

func (s *session) status() protocol.AvatarSessionStatus {
	st := protocol.AvatarSessionStatus{
		SessionID: s.id,
		State:     s.manager.State().String(),
	}
	if p, ok := s.manager.ActiveType(); ok {
		st.Provider = string(p)
	}
	if f := s.manager.LastFailure(); f != nil {
		st.LastFailure = f.Error()
	}
	return st
}

// busVoice is the avatar's view of a remote voice session. Redirecting its
// audio output publishes the new sink for the voice pipeline.
type busVoice struct {
	id     string
	bus    *bus.Client
	logger *slog.Logger

	mu   sync.Mutex
	sink avatar.AudioSink
}

func newBusVoice(id string, initial avatar.AudioSink, client *bus.Client, logger *slog.Logger) *busVoice {
	return &busVoice{id: id, bus: client, logger: logger, sink: initial}
}

func (v *busVoice) ID() string { return v.id }

func (v *busVoice) AudioOutput() avatar.AudioSink {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sink
}

func (v *busVoice) SetAudioOutput(sink avatar.AudioSink) {
	v.mu.Lock()
	v.sink = sink
	v.mu.Unlock()

	name := ""
	if sink != nil {
		name = sink.Name()
	}
	changed := protocol.VoiceOutputChanged{SessionID: v.id, Sink: name}
	if err := v.bus.PublishJSON(protocol.VoiceOutputSubject(v.id), changed); err != nil {
		v.logger.Warn("failed to publish voice output change",
			slog.String("session_id", v.id), slogError(err))
	}
}
