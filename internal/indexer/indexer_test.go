package indexer_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/echopanel/internal/indexer"
	"github.com/MrWong99/echopanel/internal/indexer/mock"
)

func TestNoop(t *testing.T) {
	t.Parallel()
	id, err := indexer.Noop{}.SessionStart(context.Background(), "title", "app")
	if err != nil {
		t.Fatalf("SessionStart: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("id %q is not a uuid: %v", id, err)
	}
}

func TestGuard_AppliesInOrder(t *testing.T) {
	t.Parallel()
	rec := &mock.Indexer{}
	g := indexer.NewGuard(rec)
	ctx := context.Background()

	id, err := g.SessionStart(ctx, "standup", "zoom")
	if err != nil || id != "session-1" {
		t.Fatalf("SessionStart = (%q, %v), want (session-1, nil)", id, err)
	}
	for i := range 3 {
		_ = g.Transcript(ctx, id, indexer.Entry{Text: "line", T0: float64(i)})
	}
	_ = g.SessionEnd(ctx, id)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := g.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := rec.EntryCount(id); got != 3 {
		t.Errorf("entries = %d, want 3", got)
	}
	if got := rec.EndedSessions(); len(got) != 1 || got[0] != id {
		t.Errorf("ended = %v, want [%s]", got, id)
	}
	if g.IsDegraded() {
		t.Error("IsDegraded() = true, want false")
	}

	_ = g.Transcript(ctx, id, indexer.Entry{Text: "late"})
	if g.Dropped() != 1 {
		t.Errorf("Dropped() = %d after Close, want 1", g.Dropped())
	}
}

func TestGuard_SwallowsFailures(t *testing.T) {
	t.Parallel()
	rec := &mock.Indexer{Err: errors.New("database down")}
	g := indexer.NewGuard(rec)
	ctx := context.Background()

	id, err := g.SessionStart(ctx, "standup", "zoom")
	if err != nil {
		t.Fatalf("SessionStart error = %v, want nil", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("fallback id %q is not a uuid", id)
	}
	if err := g.Transcript(ctx, id, indexer.Entry{Text: "x"}); err != nil {
		t.Errorf("Transcript error = %v, want nil", err)
	}
	_ = g.Close(ctx)
	if !g.IsDegraded() {
		t.Error("IsDegraded() = false, want true")
	}
}

func TestGuard_QueueFullDrops(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	slow := &blockingIndexer{release: block, entered: make(chan struct{})}
	g := indexer.NewGuard(slow, indexer.WithQueueSize(1))
	ctx := context.Background()

	// The worker takes the first call and blocks; the second fills the
	// queue; the third is dropped.
	_ = g.Transcript(ctx, "s", indexer.Entry{})
	<-slow.entered
	_ = g.Transcript(ctx, "s", indexer.Entry{})
	_ = g.Transcript(ctx, "s", indexer.Entry{})
	if g.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", g.Dropped())
	}
	close(block)
	_ = g.Close(ctx)
}

type blockingIndexer struct {
	indexer.Noop
	release chan struct{}
	entered chan struct{}
	once    bool
}

func (b *blockingIndexer) Transcript(context.Context, string, indexer.Entry) error {
	if !b.once {
		b.once = true
		close(b.entered)
	}
	<-b.release
	return nil
}

func TestPostgres_RoundTrip(t *testing.T) {
	dsn := os.Getenv("ECHOPANEL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ECHOPANEL_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration test")
	}
	ctx := context.Background()
	pg, err := indexer.NewPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	t.Cleanup(pg.Close)

	id, err := pg.SessionStart(ctx, "weekly sync", "teams")
	if err != nil {
		t.Fatalf("SessionStart: %v", err)
	}
	entries := []indexer.Entry{
		{SegmentID: "seg_b", Text: "second", Source: "system", T0: 2, T1: 3, Confidence: 0.8},
		{SegmentID: "seg_a", Text: "first", Source: "mic", Speaker: "Speaker 1", T0: 0, T1: 1, Confidence: 0.9},
	}
	for _, e := range entries {
		if err := pg.Transcript(ctx, id, e); err != nil {
			t.Fatalf("Transcript: %v", err)
		}
	}
	if err := pg.SessionEnd(ctx, id); err != nil {
		t.Fatalf("SessionEnd: %v", err)
	}
	if err := pg.SessionEnd(ctx, "missing"); err == nil {
		t.Error("SessionEnd(missing) = nil, want error")
	}

	got, err := pg.Segments(ctx, id)
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(got) != 2 || got[0] != entries[1] || got[1] != entries[0] {
		t.Errorf("Segments = %+v, want ordered by t0", got)
	}
}
