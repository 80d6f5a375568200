package avatarsvc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DailyDosesAI/Kai-Voice-Call/internal/avatar"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/avatar/backend"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/bus"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/config"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/natsserver"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticRecords struct {
	def     string
	records map[string]avatar.Record
}

func (s staticRecords) Get(name string) (avatar.Record, bool) {
	if name == "" {
		name = s.def
	}
	rec, ok := s.records[name]
	return rec.Clone(), ok
}

type memoryTimeline struct {
	mu       sync.Mutex
	sessions []string
	events   []avatar.Event
}

func (m *memoryTimeline) AppendSession(_ context.Context, sessionID, _, avatarName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, sessionID+"/"+avatarName)
	return nil
}

func (m *memoryTimeline) Record(_ context.Context, evt avatar.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *memoryTimeline) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	t        *testing.T
	client   *bus.Client
	mock     *backend.Mock
	timeline *memoryTimeline
	svc      *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	mock := backend.NewMock()
	mock.Delay = time.Millisecond
	factory := avatar.NewFactory(mock,
		avatar.WithReadyTimeout(time.Second),
		avatar.WithLookupEnv(func(string) (string, bool) { return "", false }),
		avatar.WithFactoryLogger(discardLogger()))

	records := staticRecords{
		def: "bey",
		records: map[string]avatar.Record{
			"bey": {
				Provider: avatar.ProviderBeyondPresence,
				Enabled:  true,
				Params:   map[string]string{"avatar_id": "abc", "api_key": "k"},
			},
			"anam": {
				Provider: avatar.ProviderAnam,
				Enabled:  true,
				Params:   map[string]string{"avatar_id": "anam-1", "name": "Kai", "api_key": "k"},
			},
			"off": {
				Provider: avatar.ProviderHedra,
				Params:   map[string]string{"avatar_id": "h-1", "api_key": "k"},
			},
		},
	}
	timeline := &memoryTimeline{}
	svc := NewService(context.Background(), client, records, factory, timeline, discardLogger())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)

	return &harness{t: t, client: client, mock: mock, timeline: timeline, svc: svc}
}

func (h *harness) publish(subject string, payload any) {
	h.t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(h.t, err)
	require.NoError(h.t, h.client.Conn().Publish(subject, data))
	require.NoError(h.t, h.client.Conn().Flush())
}

// outputs collects the sinks published for sessionID.
func (h *harness) outputs(sessionID string) <-chan string {
	h.t.Helper()
	ch := make(chan string, 16)
	sub, err := h.client.Conn().Subscribe(protocol.VoiceOutputSubject(sessionID), func(msg *nats.Msg) {
		var evt protocol.VoiceOutputChanged
		if json.Unmarshal(msg.Data, &evt) == nil {
			ch <- evt.Sink
		}
	})
	require.NoError(h.t, err)
	require.NoError(h.t, h.client.Conn().Flush())
	h.t.Cleanup(func() { _ = sub.Unsubscribe() })
	return ch
}

func (h *harness) start(sessionID, avatarName string) {
	h.publish(protocol.SubjectVoiceSessionStarted, protocol.VoiceSessionStarted{
		SessionID: sessionID,
		Room:      "kai-room",
		RoomURL:   "wss://rooms.test/kai-room",
		Avatar:    avatarName,
		Timestamp: time.Now().UTC(),
	})
}

func (h *harness) state(sessionID string) protocol.AvatarSessionStatus {
	statuses := h.svc.Status(sessionID)
	if len(statuses) != 1 {
		return protocol.AvatarSessionStatus{}
	}
	return statuses[0]
}

func expectSink(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(3 * time.Second):
		t.Fatalf("no output change to %q", want)
	}
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t)
	out := h.outputs("s1")

	h.start("s1", "")
	expectSink(t, out, "mock:bey:bey-avatar-agent")
	require.Eventually(t, func() bool { return h.state("s1").State == "active" }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "bey", h.state("s1").Provider)

	h.publish(protocol.SubjectVoiceSessionEnded, protocol.VoiceSessionEnded{SessionID: "s1"})
	expectSink(t, out, "room")
	require.Eventually(t, func() bool {
		return len(h.svc.Status("")) == 0 && h.mock.OpenSessions() == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return len(h.timeline.eventTypes()) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{avatar.EventStarted, avatar.EventStopped}, h.timeline.eventTypes())
	h.timeline.mu.Lock()
	require.Equal(t, []string{"s1/default"}, h.timeline.sessions)
	h.timeline.mu.Unlock()
}

func TestUnknownAvatarLeavesVoiceAlone(t *testing.T) {
	h := newHarness(t)
	out := h.outputs("s2")

	h.start("s2", "ghost")
	require.Eventually(t, func() bool { return h.state("s2").SessionID == "s2" }, 2*time.Second, 10*time.Millisecond)
	require.Never(t, func() bool { return len(out) > 0 }, 200*time.Millisecond, 20*time.Millisecond)
	require.Equal(t, "inactive", h.state("s2").State)
	require.Empty(t, h.mock.Requests())
}

func TestDisabledAvatarIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.start("s3", "off")
	require.Eventually(t, func() bool {
		types := h.timeline.eventTypes()
		return len(types) == 1 && types[0] == avatar.EventSkipped
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "inactive", h.state("s3").State)
}

func TestBackendFailureIsContained(t *testing.T) {
	h := newHarness(t)
	h.mock.FailProvider(avatar.ProviderBeyondPresence, errors.New("vendor outage"))

	h.start("s4", "bey")
	require.Eventually(t, func() bool { return h.state("s4").LastFailure != "" }, 2*time.Second, 10*time.Millisecond)
	st := h.state("s4")
	require.Equal(t, "inactive", st.State)
	require.Contains(t, st.LastFailure, "vendor outage")
}

func TestSwitchAvatar(t *testing.T) {
	h := newHarness(t)
	out := h.outputs("s5")

	h.start("s5", "bey")
	expectSink(t, out, "mock:bey:bey-avatar-agent")

	h.publish(protocol.SubjectAvatarSwitch, protocol.AvatarSwitch{SessionID: "s5", Avatar: "anam"})
	expectSink(t, out, "room")
	expectSink(t, out, "mock:anam:anam-avatar-agent")
	require.Eventually(t, func() bool { return h.state("s5").Provider == "anam" }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, h.mock.OpenSessions())
}

func TestStatusOverBus(t *testing.T) {
	h := newHarness(t)
	out := h.outputs("s6")
	h.start("s6", "")
	expectSink(t, out, "mock:bey:bey-avatar-agent")

	data, err := json.Marshal(protocol.AvatarStatusRequest{SessionID: "s6"})
	require.NoError(t, err)
	msg, err := h.client.Conn().Request(protocol.SubjectAvatarStatus, data, 2*time.Second)
	require.NoError(t, err)

	var reply protocol.AvatarStatusReply
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	require.Len(t, reply.Sessions, 1)
	require.Equal(t, "s6", reply.Sessions[0].SessionID)
	require.Equal(t, "bey", reply.Sessions[0].Provider)
}

func TestCloseDetachesEverySession(t *testing.T) {
	h := newHarness(t)
	out1, out2 := h.outputs("a"), h.outputs("b")
	h.start("a", "bey")
	h.start("b", "anam")
	expectSink(t, out1, "mock:bey:bey-avatar-agent")
	expectSink(t, out2, "mock:anam:anam-avatar-agent")

	h.svc.Close()
	require.Equal(t, 0, h.mock.OpenSessions())
	require.Empty(t, h.svc.Status(""))
}
