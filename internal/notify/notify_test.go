package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

type recordingSender struct {
	titles []string
	err    error
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return "recording" }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersStatuses(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, []string{"failed"}, testLogger())
	ctx := context.Background()

	if err := n.BatchEvent(ctx, domain.BatchEvent{BatchID: 1, Status: domain.BatchStatusCompleted}); err != nil {
		t.Fatalf("completed: %v", err)
	}
	if err := n.BatchEvent(ctx, domain.BatchEvent{BatchID: 2, Status: domain.BatchStatusFailed, Message: "boom"}); err != nil {
		t.Fatalf("failed: %v", err)
	}
	if len(rec.titles) != 1 || rec.titles[0] != "Batch 2 FAILED" {
		t.Fatalf("titles = %v", rec.titles)
	}
}

func TestNotifierJoinsSenderErrors(t *testing.T) {
	good := &recordingSender{}
	bad := &recordingSender{err: errors.New("down")}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.BatchEvent(context.Background(), domain.BatchEvent{BatchID: 3, Status: domain.BatchStatusPending})
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(good.titles) != 1 {
		t.Fatal("healthy sender skipped after a failure")
	}
}

func TestDiscordSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewDiscordSender(srv.URL).Send(context.Background(), "Batch 4 FAILED", "details"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got["content"] != "**Batch 4 FAILED**\ndetails" {
		t.Fatalf("content = %q", got["content"])
	}
}

func TestTelegramSenderStatusError(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.baseURL = srv.URL
	err := s.Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status error, got %v", err)
	}
	if path != "/bottok/sendMessage" {
		t.Fatalf("path = %q", path)
	}
}

type chanBus struct{ ch chan []byte }

func (b chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b chanBus) Subscribe(context.Context, string) (<-chan []byte, error) { return b.ch, nil }

func TestWatchStopsWhenBusCloses(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, []string{"FAILED"}, testLogger())
	bus := chanBus{ch: make(chan []byte, 3)}

	ev, _ := json.Marshal(domain.BatchEvent{BatchID: 9, Status: domain.BatchStatusFailed, At: time.Now()})
	bus.ch <- []byte("not json")
	bus.ch <- ev
	close(bus.ch)

	if err := n.Watch(context.Background(), bus); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if len(rec.titles) != 1 || rec.titles[0] != "Batch 9 FAILED" {
		t.Fatalf("titles = %v", rec.titles)
	}
}
