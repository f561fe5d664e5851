// Package analysis provides the transcript analysis hooks the session calls
// on a cadence and at finalisation: entity extraction, action/decision/risk
// cards and a Markdown rolling summary.
//
// The default [Extractor] is purely rule-based and deterministic: running it
// twice on the same transcript yields identical output. [LLMSummariser]
// replaces the summary with one written by a language model while keeping
// repeated calls on an unchanged transcript stable.
package analysis

import (
	"context"

	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

// Entity is one extracted name with its occurrence count and the start time
// of the segment it first appeared in.
type Entity struct {
	Name    string  `json:"name"`
	Count   int     `json:"count"`
	FirstTS float64 `json:"first_ts"`
}

// Entities groups extracted names by category. Each list is ordered by count
// descending, then first appearance, then name.
type Entities struct {
	People   []Entity `json:"people"`
	Orgs     []Entity `json:"orgs"`
	Dates    []Entity `json:"dates"`
	Projects []Entity `json:"projects"`
	Topics   []Entity `json:"topics"`
}

// Card is one action item, decision or risk.
type Card struct {
	Text   string   `json:"text"`
	T0     *float64 `json:"t0,omitempty"`
	Source string   `json:"source,omitempty"`
}

// Cards groups cards by kind, each in transcript order.
type Cards struct {
	Actions   []Card `json:"actions"`
	Decisions []Card `json:"decisions"`
	Risks     []Card `json:"risks"`
}

// Window is the transcript interval an analysis pass covered.
type Window struct {
	T0 float64 `json:"t0"`
	T1 float64 `json:"t1"`
}

// Analyzer is the hook set the session invokes. Implementations must be
// deterministic for the same input and safe for concurrent use.
type Analyzer interface {
	// Entities extracts people, organisations, dates, projects and topics.
	Entities(segs []asr.Segment) Entities

	// Cards extracts action items, decisions and risks.
	Cards(segs []asr.Segment) Cards

	// Summary renders a Markdown summary of the transcript.
	Summary(ctx context.Context, segs []asr.Segment) (string, error)
}

// Recent returns the suffix of the time-sorted segs that starts within
// seconds of the last segment's end, and the window it spans. A
// non-positive seconds returns all of segs.
func Recent(segs []asr.Segment, seconds float64) ([]asr.Segment, Window) {
	if len(segs) == 0 {
		return nil, Window{}
	}
	end := 0.0
	for _, s := range segs {
		end = max(end, s.T1)
	}
	start := 0.0
	if seconds > 0 {
		start = max(end-seconds, 0)
	}
	i := 0
	for i < len(segs) && segs[i].T1 < start {
		i++
	}
	return segs[i:], Window{T0: start, T1: end}
}
