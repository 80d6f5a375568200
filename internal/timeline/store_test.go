package timeline

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/DailyDosesAI/Kai-Voice-Call/internal/avatar"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.TimelineConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "timeline.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open timeline: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.TimelineConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Record(ctx, avatar.Event{SessionID: "s1", Type: avatar.EventStarted}); err != nil {
		t.Fatalf("record on ephemeral store: %v", err)
	}
	events, err := s.ListSessionEvents(ctx, "s1", 10)
	if err != nil || events != nil {
		t.Fatalf("expected no events from ephemeral store, got %v %v", events, err)
	}
}

func TestRecordAndQuery(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.TimelineConfig{RetentionMode: "session"})

	if err := s.AppendSession(ctx, "session-123", "kai-room", "beyond_presence"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	for _, typ := range []string{avatar.EventStarted, avatar.EventStopped} {
		err := s.Record(ctx, avatar.Event{
			SessionID: "session-123",
			AttemptID: "attempt-1",
			Provider:  avatar.ProviderBeyondPresence,
			Type:      typ,
		})
		if err != nil {
			t.Fatalf("record %s: %v", typ, err)
		}
	}

	events, err := s.ListSessionEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != avatar.EventStarted || events[1].Type != avatar.EventStopped {
		t.Fatalf("unexpected event order: %+v", events)
	}
	if events[0].Provider != "bey" || events[0].AttemptID != "attempt-1" {
		t.Fatalf("unexpected event fields: %+v", events[0])
	}

	sessions, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Avatar != "beyond_presence" || sessions[0].Room != "kai-room" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestRecordCreatesMissingSession(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.TimelineConfig{RetentionMode: "session"})

	err := s.Record(ctx, avatar.Event{SessionID: "orphan", Type: avatar.EventFailed, Detail: "401"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	events, err := s.ListSessionEvents(ctx, "orphan", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Detail != "401" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestRecordRequiresSession(t *testing.T) {
	s := openStore(t, config.TimelineConfig{RetentionMode: "session"})
	if err := s.Record(context.Background(), avatar.Event{Type: avatar.EventStarted}); err == nil {
		t.Fatal("expected error for event without session")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.TimelineConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.AppendSession(ctx, "old-session", "room", "anam"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := s.AppendEvent(ctx, Event{SessionID: "old-session", Type: avatar.EventStarted}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.AppendSession(ctx, "new-session", "room", "anam"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := s.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "new-session" {
		t.Fatalf("expected only new session, got %+v", sessions)
	}
}
