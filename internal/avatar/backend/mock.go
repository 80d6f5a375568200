package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DailyDosesAI/Kai-Voice-Call/internal/avatar"
)

// ErrMockRejected is what a Mock configured to fail returns.
var ErrMockRejected = errors.New("mock backend rejected session")

// Mock is an in-process backend for development. Sessions join with a sink
// named mock:<provider>:<identity> and report ready after Delay.
type Mock struct {
	Delay time.Duration

	mu      sync.Mutex
	fail    map[avatar.ProviderType]error
	open    int
	history []avatar.SessionRequest
}

func NewMock() *Mock {
	return &Mock{Delay: 20 * time.Millisecond, fail: make(map[avatar.ProviderType]error)}
}

// FailProvider makes Open reject every session for p. A nil err clears it.
func (m *Mock) FailProvider(p avatar.ProviderType, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, p)
		return
	}
	m.fail[p] = err
}

// OpenSessions reports how many sessions are open right now.
func (m *Mock) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Requests returns every session request seen so far.
func (m *Mock) Requests() []avatar.SessionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]avatar.SessionRequest(nil), m.history...)
}

func (m *Mock) Open(ctx context.Context, req avatar.SessionRequest) (avatar.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, req)
	if err, ok := m.fail[req.Provider]; ok {
		return nil, fmt.Errorf("%w: %w", ErrMockRejected, err)
	}
	m.open++
	return &mockHandle{mock: m, req: req}, nil
}

type mockHandle struct {
	mock *Mock
	req  avatar.SessionRequest

	once sync.Once
}

func (h *mockHandle) Join(ctx context.Context, room avatar.Room) (avatar.AudioSink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return avatar.NamedSink(fmt.Sprintf("mock:%s:%s", h.req.Provider, h.req.ParticipantIdentity)), nil
}

func (h *mockHandle) Ready(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(h.mock.Delay):
		return nil
	}
}

func (h *mockHandle) Close(context.Context) error {
	h.once.Do(func() {
		h.mock.mu.Lock()
		h.mock.open--
		h.mock.mu.Unlock()
	})
	return nil
}
