// Package indexer forwards session transcripts to the Brain-Dump archive, a
// searchable store of past meetings that lives outside the live pipeline.
//
// The live session never depends on the archive: wrap any [Indexer] in a
// [Guard] so that calls are queued off the hot path and failures are logged
// rather than returned.
package indexer

import (
	"context"

	"github.com/google/uuid"
)

// Entry is one finalised transcript line.
type Entry struct {
	SegmentID  string
	Text       string
	Source     string
	Speaker    string
	T0         float64
	T1         float64
	Confidence float64
}

// Indexer receives session lifecycle and transcript events.
type Indexer interface {
	// SessionStart registers a session and returns the archive's id for it.
	SessionStart(ctx context.Context, title, sourceApp string) (string, error)

	// Transcript appends one line to the session.
	Transcript(ctx context.Context, sessionID string, e Entry) error

	// SessionEnd marks the session complete.
	SessionEnd(ctx context.Context, sessionID string) error
}

// Noop discards everything. SessionStart returns a fresh random id.
type Noop struct{}

var _ Indexer = Noop{}

// SessionStart returns a new UUID.
func (Noop) SessionStart(context.Context, string, string) (string, error) {
	return uuid.NewString(), nil
}

// Transcript does nothing.
func (Noop) Transcript(context.Context, string, Entry) error { return nil }

// SessionEnd does nothing.
func (Noop) SessionEnd(context.Context, string) error { return nil }
