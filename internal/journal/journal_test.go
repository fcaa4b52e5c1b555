package journal

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/sovits-gateway/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.JournalConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	if cfg.RetentionMode == "" {
		cfg.RetentionMode = "persistent"
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEphemeral(t *testing.T) {
	s, err := Open(context.Background(), config.JournalConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Append(context.Background(), Event{RequestID: "r", Type: TypeSynthesisCompleted}); err != nil {
		t.Fatalf("append: %v", err)
	}
	events, err := s.List(context.Background(), Filter{})
	if err != nil || len(events) != 0 {
		t.Fatalf("expected nothing kept, got %v %v", events, err)
	}
	if _, ok, _ := s.LastApplied(context.Background(), "gpt"); ok {
		t.Fatalf("ephemeral journal reported applied weights")
	}
}

func TestAppendAndList(t *testing.T) {
	s := openTemp(t, config.JournalConfig{})
	ctx := context.Background()

	if err := s.Append(ctx, Event{RequestID: "req-1", Type: TypeSynthesisCompleted, Payload: []byte(`{"media_type":"wav"}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(ctx, Event{RequestID: "req-2", Type: TypeSynthesisFailed}); err != nil {
		t.Fatalf("append: %v", err)
	}

	all, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].RequestID != "req-2" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	one, err := s.List(ctx, Filter{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(one) != 1 || string(one[0].Payload) != `{"media_type":"wav"}` {
		t.Fatalf("unexpected filtered events: %+v", one)
	}
}

func TestLastAppliedPicksNewest(t *testing.T) {
	s := openTemp(t, config.JournalConfig{})
	ctx := context.Background()

	for _, evt := range []Event{
		{RequestID: "a", Type: TypeWeightsApplied, Subject: "gpt", Payload: WeightsPayload("/w/one.ckpt")},
		{RequestID: "b", Type: TypeWeightsApplied, Subject: "sovits", Payload: WeightsPayload("/w/one.pth")},
		{RequestID: "c", Type: TypeWeightsApplied, Subject: "gpt", Payload: WeightsPayload("/w/two.ckpt")},
		{RequestID: "d", Type: TypeWeightsFailed, Subject: "gpt", Payload: WeightsPayload("/w/broken.ckpt")},
	} {
		if err := s.Append(ctx, evt); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	path, ok, err := s.LastApplied(ctx, "gpt")
	if err != nil || !ok || path != "/w/two.ckpt" {
		t.Fatalf("expected /w/two.ckpt, got %q %v %v", path, ok, err)
	}
	path, ok, err = s.LastApplied(ctx, "sovits")
	if err != nil || !ok || path != "/w/one.pth" {
		t.Fatalf("expected /w/one.pth, got %q %v %v", path, ok, err)
	}
}

func TestPruneKeepsLatestWeights(t *testing.T) {
	s := openTemp(t, config.JournalConfig{RetentionDays: 1, MaxEvents: 2})
	ctx := context.Background()

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.Append(ctx, Event{RequestID: "w", Type: TypeWeightsApplied, Subject: "gpt", Payload: WeightsPayload("/w/old.ckpt")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(ctx, Event{RequestID: "old", Type: TypeSynthesisCompleted}); err != nil {
		t.Fatalf("append: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"n1", "n2", "n3"} {
		if err := s.Append(ctx, Event{RequestID: id, Type: TypeSynthesisCompleted}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if old, _ := s.List(ctx, Filter{RequestID: "old"}); len(old) != 0 {
		t.Fatalf("expected old event pruned")
	}
	if n1, _ := s.List(ctx, Filter{RequestID: "n1"}); len(n1) != 0 {
		t.Fatalf("expected count retention to drop n1")
	}
	path, ok, err := s.LastApplied(ctx, "gpt")
	if err != nil || !ok || path != "/w/old.ckpt" {
		t.Fatalf("latest weights event must survive prune, got %q %v %v", path, ok, err)
	}
}
