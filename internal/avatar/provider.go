package avatar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ProviderState is the lifecycle position of a single provider instance.
type ProviderState int

const (
	StateCreated ProviderState = iota
	StateStarting
	StateActive
	StateFailed
	StateStopping
	StateStopped
)

func (s ProviderState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Provider is one activation of an avatar backend. Instances are single use:
// once Failed or Stopped a new instance must be created through the Factory.
type Provider interface {
	Type() ProviderType
	State() ProviderState
	// CreateSession opens a backend session. Backend rejections are returned
	// as *ProviderStartError.
	CreateSession(ctx context.Context) (Handle, error)
	// Start attaches the avatar to room and routes the voice session audio
	// into it. Ordinary startup failures report false with a nil error; an
	// error is returned only for invalid arguments or a reused instance.
	Start(ctx context.Context, voice VoiceSession, room Room) (bool, error)
	// Stop tears the backend session down and restores direct audio routing.
	// It is a no-op unless the provider is active.
	Stop(ctx context.Context) error
}

const closeTimeout = 5 * time.Second

// lifecycle implements the state machine shared by every backend variant.
type lifecycle struct {
	kind         ProviderType
	request      SessionRequest
	backend      Backend
	readyTimeout time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	state    ProviderState
	handle   Handle
	voice    VoiceSession
	previous AudioSink
	failure  error
}

func newLifecycle(kind ProviderType, req SessionRequest, b binding) *lifecycle {
	return &lifecycle{
		kind:         kind,
		request:      req,
		backend:      b.backend,
		readyTimeout: b.readyTimeout,
		logger:       b.logger.With(slog.String("provider", string(kind))),
		state:        StateCreated,
	}
}

func (l *lifecycle) Type() ProviderType { return l.kind }

func (l *lifecycle) State() ProviderState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Failure returns the reason the last Start reported false.
func (l *lifecycle) Failure() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failure
}

func (l *lifecycle) CreateSession(ctx context.Context) (Handle, error) {
	req := l.request
	req.Params = cloneParams(l.request.Params)
	handle, err := l.backend.Open(ctx, req)
	if err != nil {
		return nil, &ProviderStartError{Provider: l.kind, Err: err}
	}
	if handle == nil {
		return nil, &ProviderStartError{Provider: l.kind, Err: errors.New("backend returned no session")}
	}
	return handle, nil
}

func (l *lifecycle) Start(ctx context.Context, voice VoiceSession, room Room) (bool, error) {
	if voice == nil || room == nil {
		return false, fmt.Errorf("%w: voice session and room are required", ErrInvalidArgument)
	}

	l.mu.Lock()
	if l.state != StateCreated {
		state := l.state
		l.mu.Unlock()
		return false, fmt.Errorf("%w: %s provider is %s", ErrProviderReused, l.kind, state)
	}
	l.state = StateStarting
	l.mu.Unlock()

	handle, err := l.CreateSession(ctx)
	if err != nil {
		l.fail(err)
		return false, nil
	}

	// A panic past this point still releases the remote session before it
	// reaches the Manager.
	attached := false
	defer func() {
		if attached {
			return
		}
		if r := recover(); r != nil {
			l.abort(ctx, handle, &ProviderStartError{Provider: l.kind, Err: fmt.Errorf("%w: %v", ErrProviderPanic, r)})
			panic(r)
		}
	}()

	sink, err := handle.Join(ctx, room)
	if err == nil && sink == nil {
		err = errors.New("backend returned no audio sink")
	}
	if err != nil {
		l.abort(ctx, handle, &ProviderStartError{Provider: l.kind, Err: fmt.Errorf("join room %s: %w", room.Name(), err)})
		return false, nil
	}

	readyCtx, cancel := context.WithTimeout(ctx, l.readyTimeout)
	defer cancel()
	if err := handle.Ready(readyCtx); err != nil {
		l.abort(ctx, handle, &ProviderStartError{Provider: l.kind, Err: fmt.Errorf("not ready after %s: %w", l.readyTimeout, err)})
		return false, nil
	}

	// The voice session is caller code; l.mu is never held while calling it.
	previous := voice.AudioOutput()
	voice.SetAudioOutput(sink)
	attached = true

	l.mu.Lock()
	l.handle = handle
	l.voice = voice
	l.previous = previous
	l.state = StateActive
	l.mu.Unlock()

	l.logger.Info("avatar started",
		slog.String("room", room.Name()),
		slog.String("session_id", voice.ID()),
		slog.String("audio_sink", sink.Name()))
	return true, nil
}

// Stop restores the voice session's previous audio output and closes the
// backend session. The provider ends up stopped even if either step panics.
func (l *lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateActive {
		l.mu.Unlock()
		return nil
	}
	l.state = StateStopping
	handle, voice, previous := l.handle, l.voice, l.previous
	l.handle, l.voice, l.previous = nil, nil, nil
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.state = StateStopped
		l.mu.Unlock()
	}()

	if err := release(ctx, handle, voice, previous); err != nil {
		return fmt.Errorf("close %s avatar session: %w", l.kind, err)
	}
	l.logger.Info("avatar stopped", slog.String("session_id", voice.ID()))
	return nil
}

// release closes handle even when restoring the audio output panics.
func release(ctx context.Context, handle Handle, voice VoiceSession, previous AudioSink) (err error) {
	defer func() {
		err = handle.Close(ctx)
	}()
	voice.SetAudioOutput(previous)
	return nil
}

func (l *lifecycle) fail(err error) {
	l.mu.Lock()
	l.state = StateFailed
	l.failure = err
	l.mu.Unlock()
	l.logger.Warn("avatar start failed", slogError(err))
}

// abort closes a half-open handle on a context that outlives a cancelled start.
func (l *lifecycle) abort(ctx context.Context, handle Handle, err error) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if cerr := handle.Close(closeCtx); cerr != nil {
		l.logger.Warn("failed to close avatar session", slogError(cerr))
	}
	l.fail(err)
}

func cloneParams(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
