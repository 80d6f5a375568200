package avatar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/DailyDosesAI/Kai-Voice-Call/avatar"

// ManagerState is whether an avatar is attached to the voice session.
type ManagerState int

const (
	ManagerInactive ManagerState = iota
	ManagerStarting
	ManagerActive
	ManagerStopping
)

func (s ManagerState) String() string {
	switch s {
	case ManagerInactive:
		return "inactive"
	case ManagerStarting:
		return "starting"
	case ManagerActive:
		return "active"
	case ManagerStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Timeline event types emitted by the Manager.
const (
	EventSkipped     = "avatar.skipped"
	EventStarted     = "avatar.started"
	EventFailed      = "avatar.failed"
	EventStopped     = "avatar.stopped"
	EventStopFailed  = "avatar.stop_failed"
	EventDiscardFail = "avatar.discard_failed"
)

// Event is one avatar lifecycle transition for a voice session.
type Event struct {
	SessionID string
	AttemptID string
	Provider  ProviderType
	Type      string
	Detail    string
	At        time.Time
}

// Recorder persists lifecycle events. Recording failures never affect the
// avatar lifecycle.
type Recorder interface {
	Record(ctx context.Context, evt Event) error
}

// Failure is a provider failure captured at the Manager boundary.
type Failure struct {
	Op        string
	Provider  ProviderType
	AttemptID string
	Err       error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("avatar %s %s: %v", f.Provider, f.Op, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// contain runs fn and converts any returned error or panic into a Failure.
func contain(op string, p ProviderType, attemptID string, fn func() error) (failure *Failure) {
	defer func() {
		if r := recover(); r != nil {
			failure = &Failure{Op: op, Provider: p, AttemptID: attemptID, Err: fmt.Errorf("%w: %v", ErrProviderPanic, r)}
		}
	}()
	if err := fn(); err != nil {
		return &Failure{Op: op, Provider: p, AttemptID: attemptID, Err: err}
	}
	return nil
}

// Manager owns at most one active provider for a single voice session and is
// the boundary past which avatar failures never propagate. Start and Stop are
// serialised; state accessors never wait on backend I/O.
type Manager struct {
	factory  ProviderFactory
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer
	meter    metric.Meter
	newID    func() string

	attempts metric.Int64Counter
	live     metric.Int64UpDownCounter

	ops       sync.Mutex
	mu        sync.RWMutex
	state     ManagerState
	provider  Provider
	attemptID string
	sessionID string
	failure   *Failure
}

type ManagerOption func(*Manager)

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) { m.recorder = r }
}

func WithMeter(meter metric.Meter) ManagerOption {
	return func(m *Manager) { m.meter = meter }
}

func WithTracer(t trace.Tracer) ManagerOption {
	return func(m *Manager) { m.tracer = t }
}

func NewManager(factory ProviderFactory, opts ...ManagerOption) *Manager {
	m := &Manager{
		factory: factory,
		logger:  slog.Default(),
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "avatar-manager"))
	if err := m.initMetrics(); err != nil {
		m.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return m
}

func (m *Manager) initMetrics() error {
	attempts, err := m.meter.Int64Counter("kai.avatar.start.attempts",
		metric.WithDescription("Avatar start attempts by provider and result"))
	if err != nil {
		return err
	}
	live, err := m.meter.Int64UpDownCounter("kai.avatar.active",
		metric.WithDescription("Avatars currently attached to a voice session"))
	if err != nil {
		return err
	}
	m.attempts = attempts
	m.live = live
	return nil
}

// Start attaches the avatar described by rec to the voice session. Any
// provider failure is logged and leaves the Manager inactive with a nil
// return; only caller misuse (already active, nil collaborators) is returned.
func (m *Manager) Start(ctx context.Context, rec Record, voice VoiceSession, room Room) error {
	if voice == nil || room == nil {
		return fmt.Errorf("%w: voice session and room are required", ErrInvalidArgument)
	}

	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	if m.state == ManagerActive {
		active := m.provider.Type()
		m.mu.Unlock()
		return &AlreadyActiveError{Active: active}
	}
	m.state = ManagerStarting
	m.sessionID = voice.ID()
	m.mu.Unlock()

	attemptID := m.newID()
	log := m.logger.With(
		slog.String("provider", string(rec.Provider)),
		slog.String("attempt_id", attemptID),
		slog.String("session_id", voice.ID()))

	ctx, span := m.tracer.Start(ctx, "avatar.start", trace.WithAttributes(
		attribute.String("avatar.provider", string(rec.Provider)),
		attribute.String("avatar.attempt_id", attemptID),
		attribute.String("voice.session_id", voice.ID())))
	defer span.End()

	evt := Event{SessionID: voice.ID(), AttemptID: attemptID, Provider: rec.Provider}

	if !rec.Enabled {
		log.Info("avatar is disabled, skipping avatar start")
		evt.Type = EventSkipped
		m.record(ctx, evt)
		m.settle(nil)
		return nil
	}

	provider, failure := m.launch(ctx, attemptID, rec, voice, room)
	if failure != nil {
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Op)
		log.Warn("avatar unavailable, continuing without avatar",
			slog.String("op", failure.Op), slogError(failure.Err))
		m.countAttempt(ctx, rec.Provider, "failed")
		evt.Type, evt.Detail = EventFailed, failure.Error()
		m.record(ctx, evt)
		m.settle(failure)
		return nil
	}

	m.mu.Lock()
	m.state = ManagerActive
	m.provider = provider
	m.attemptID = attemptID
	m.failure = nil
	m.mu.Unlock()

	m.countAttempt(ctx, rec.Provider, "started")
	if m.live != nil {
		m.live.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", string(rec.Provider))))
	}
	evt.Type = EventStarted
	m.record(ctx, evt)
	log.Info("avatar active")
	return nil
}

func (m *Manager) launch(ctx context.Context, attemptID string, rec Record, voice VoiceSession, room Room) (Provider, *Failure) {
	var provider Provider
	if failure := contain("create", rec.Provider, attemptID, func() error {
		p, err := m.factory.Create(rec)
		if err != nil {
			return err
		}
		provider = p
		return nil
	}); failure != nil {
		return nil, failure
	}

	failure := contain("start", rec.Provider, attemptID, func() error {
		ok, err := provider.Start(ctx, voice, room)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if f, isReporter := provider.(interface{ Failure() error }); isReporter && f.Failure() != nil {
			return f.Failure()
		}
		return &ProviderStartError{Provider: rec.Provider, Err: errors.New("backend did not become ready")}
	})
	if failure != nil {
		m.discard(ctx, provider, attemptID, voice.ID())
		return nil, failure
	}
	return provider, nil
}

// discard releases a provider that never became active. Errors are logged.
func (m *Manager) discard(ctx context.Context, provider Provider, attemptID, sessionID string) {
	if failure := contain("discard", provider.Type(), attemptID, func() error {
		return provider.Stop(ctx)
	}); failure != nil {
		m.logger.Warn("failed to discard avatar provider",
			slog.String("provider", string(provider.Type())), slogError(failure.Err))
		m.record(ctx, Event{SessionID: sessionID, AttemptID: attemptID, Provider: provider.Type(), Type: EventDiscardFail, Detail: failure.Error()})
	}
}

// Stop detaches the active avatar. It is a no-op when nothing is active and
// never fails: a provider that does not tear down cleanly is logged and
// released anyway so a following Start can proceed.
func (m *Manager) Stop(ctx context.Context) {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	if m.state != ManagerActive || m.provider == nil {
		m.mu.Unlock()
		return
	}
	provider, attemptID, sessionID := m.provider, m.attemptID, m.sessionID
	m.state = ManagerStopping
	m.mu.Unlock()

	kind := provider.Type()
	evt := Event{SessionID: sessionID, AttemptID: attemptID, Provider: kind, Type: EventStopped}
	failure := contain("stop", kind, attemptID, func() error { return provider.Stop(ctx) })
	if failure != nil {
		m.logger.Warn("avatar did not stop cleanly",
			slog.String("provider", string(kind)),
			slog.String("attempt_id", attemptID),
			slogError(failure.Err))
		evt.Type, evt.Detail = EventStopFailed, failure.Error()
	} else {
		m.logger.Info("avatar stopped",
			slog.String("provider", string(kind)),
			slog.String("attempt_id", attemptID))
	}
	m.record(ctx, evt)

	m.mu.Lock()
	m.state = ManagerInactive
	m.provider = nil
	m.attemptID = ""
	if failure != nil {
		m.failure = failure
	}
	m.mu.Unlock()

	if m.live != nil {
		m.live.Add(ctx, -1, metric.WithAttributes(attribute.String("provider", string(kind))))
	}
}

// IsActive reports whether an avatar is attached right now.
func (m *Manager) IsActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == ManagerActive
}

func (m *Manager) State() ManagerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ActiveType returns the provider tag of the active avatar.
func (m *Manager) ActiveType() (ProviderType, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != ManagerActive || m.provider == nil {
		return "", false
	}
	return m.provider.Type(), true
}

// LastFailure returns the most recent contained failure, if any. A
// successful Start clears it.
func (m *Manager) LastFailure() *Failure {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failure
}

func (m *Manager) settle(failure *Failure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = ManagerInactive
	m.provider = nil
	m.attemptID = ""
	m.failure = failure
}

func (m *Manager) countAttempt(ctx context.Context, p ProviderType, result string) {
	if m.attempts == nil {
		return
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", string(p)),
		attribute.String("result", result)))
}

func (m *Manager) record(ctx context.Context, evt Event) {
	if m.recorder == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	if err := m.recorder.Record(ctx, evt); err != nil {
		m.logger.Debug("failed to record avatar event", slog.String("type", evt.Type), slogError(err))
	}
}
