// Package transcript holds the per-session transcript and the helpers that
// make its segments stable across retries.
//
// Every final segment gets a content-addressed ID derived from its source,
// interval and normalised text (see [SegmentID]), so a client that retries a
// session under a new attempt ID can deduplicate segments that came out the
// same. The [Log] accumulates segments in arrival order and hands out a
// stable, time-sorted copy at finalisation.
package transcript

import (
	"slices"
	"sync"

	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

// AliasMatcher resolves a spoken phrase to a known vocabulary term based on
// pronunciation similarity. It runs in-process with no network calls.
//
// Implementations must be safe for concurrent use.
type AliasMatcher interface {
	// Match returns the best-matching term from terms.
	//
	// When matched is false, canonical equals phrase unchanged and
	// confidence is 0.
	Match(phrase string, terms []string) (canonical string, confidence float64, matched bool)
}

// Log is the ordered transcript of one session. Segments are kept in arrival
// order; [Log.Sorted] returns them stable-sorted by start time. All methods
// are safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	segs []asr.Segment
}

// Append adds seg at the end of the log.
func (l *Log) Append(seg asr.Segment) {
	l.mu.Lock()
	l.segs = append(l.segs, seg)
	l.mu.Unlock()
}

// Len returns the number of segments.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.segs)
}

// Segments returns a copy of the log in arrival order.
func (l *Log) Segments() []asr.Segment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.segs)
}

// Sorted returns a copy of the log stable-sorted by T0.
func (l *Log) Sorted() []asr.Segment {
	return SortByStart(l.Segments())
}

// SortByStart stable-sorts segs by T0 in place and returns it.
func SortByStart(segs []asr.Segment) []asr.Segment {
	slices.SortStableFunc(segs, func(a, b asr.Segment) int {
		switch {
		case a.T0 < b.T0:
			return -1
		case a.T0 > b.T0:
			return 1
		}
		return 0
	})
	return segs
}
