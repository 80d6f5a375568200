package avatar

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/stretchr/testify/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Open(ctx context.Context, req SessionRequest) (Handle, error) {
	args := m.Called(ctx, req)
	h, _ := args.Get(0).(Handle)
	return h, args.Error(1)
}

func (m *mockBackend) lastRequest() SessionRequest {
	calls := m.Calls
	return calls[len(calls)-1].Arguments.Get(1).(SessionRequest)
}

type mockHandle struct {
	mock.Mock
}

func (m *mockHandle) Join(ctx context.Context, room Room) (AudioSink, error) {
	args := m.Called(ctx, room)
	s, _ := args.Get(0).(AudioSink)
	return s, args.Error(1)
}

func (m *mockHandle) Ready(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockHandle) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// readyHandle joins and becomes ready immediately.
func readyHandle(sink string) *mockHandle {
	h := &mockHandle{}
	h.On("Join", mock.Anything, mock.Anything).Return(NamedSink(sink), nil)
	h.On("Ready", mock.Anything).Return(nil)
	h.On("Close", mock.Anything).Return(nil)
	return h
}

// blockingHandle never reports ready until its context ends or release is closed.
type blockingHandle struct {
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	closed int
}

func newBlockingHandle() *blockingHandle {
	return &blockingHandle{entered: make(chan struct{}), release: make(chan struct{})}
}

func (h *blockingHandle) Join(context.Context, Room) (AudioSink, error) {
	return NamedSink("blocking"), nil
}

func (h *blockingHandle) Ready(ctx context.Context) error {
	close(h.entered)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.release:
		return nil
	}
}

func (h *blockingHandle) Close(context.Context) error {
	h.mu.Lock()
	h.closed++
	h.mu.Unlock()
	return nil
}

func (h *blockingHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type staticBackend struct {
	handle Handle
}

func (b staticBackend) Open(context.Context, SessionRequest) (Handle, error) {
	return b.handle, nil
}

type panicBackend struct{}

func (panicBackend) Open(context.Context, SessionRequest) (Handle, error) {
	panic("renderer crashed")
}

type fakeVoice struct {
	id string

	mu  sync.Mutex
	out AudioSink
}

func newFakeVoice(id string) *fakeVoice {
	return &fakeVoice{id: id, out: NamedSink("speaker")}
}

func (v *fakeVoice) ID() string { return v.id }

func (v *fakeVoice) AudioOutput() AudioSink {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.out
}

func (v *fakeVoice) SetAudioOutput(s AudioSink) {
	v.mu.Lock()
	v.out = s
	v.mu.Unlock()
}

func (v *fakeVoice) outputName() string {
	out := v.AudioOutput()
	if out == nil {
		return ""
	}
	return out.Name()
}

type fakeRoom struct {
	name string
}

func (r fakeRoom) Name() string { return r.name }
func (r fakeRoom) URL() string  { return "wss://rooms.test/" + r.name }

func beyRecord() Record {
	return Record{
		Provider: ProviderBeyondPresence,
		Enabled:  true,
		Params:   map[string]string{"avatar_id": "abc", "api_key": "secret"},
	}
}

func noEnv(string) (string, bool) { return "", false }

// brokenVoice panics whenever its audio output is rerouted.
type brokenVoice struct {
	*fakeVoice
}

func (brokenVoice) SetAudioOutput(AudioSink) {
	panic("audio graph torn down")
}

// joinPanicHandle opens fine and panics in Join.
func joinPanicHandle() *mockHandle {
	h := &mockHandle{}
	h.On("Join", mock.Anything, mock.Anything).Panic("sdk exploded")
	h.On("Close", mock.Anything).Return(nil)
	return h
}
