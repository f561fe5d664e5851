package protocol

import (
	"github.com/MrWong99/echopanel/internal/analysis"
	"github.com/MrWong99/echopanel/internal/diarize"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

// Status reports a lifecycle change or an error.
type Status struct {
	Type    string `json:"type"`
	State   string `json:"state"`
	Message string `json:"message,omitempty"`

	// ErrorID correlates an internal error with the server log.
	ErrorID string `json:"error_id,omitempty"`
}

// NewStatus returns a status frame.
func NewStatus(state, message string) Status {
	return Status{Type: TypeStatus, State: state, Message: message}
}

// NewError returns an error status frame.
func NewError(message string) Status {
	return NewStatus(StateError, message)
}

// NewInternalError returns an error status frame carrying an opaque id.
func NewInternalError(id string) Status {
	s := NewStatus(StateError, "internal error")
	s.ErrorID = id
	return s
}

// ASRFinal carries one final segment.
type ASRFinal struct {
	Type string `json:"type"`
	asr.Segment
}

// NewASRFinal returns an asr_final frame for seg.
func NewASRFinal(seg asr.Segment) ASRFinal {
	return ASRFinal{Type: TypeASRFinal, Segment: seg}
}

// Metrics is the periodic diagnostics frame.
type Metrics struct {
	Type              string  `json:"type"`
	QueueFillRatio    float64 `json:"queue_fill_ratio"`
	DroppedRecent     int64   `json:"dropped_recent"`
	DroppedTotal      int64   `json:"dropped_total"`
	AvgInferMs        float64 `json:"avg_infer_ms"`
	RealtimeFactor    float64 `json:"realtime_factor"`
	BackpressureLevel string  `json:"backpressure_level,omitempty"`
	Degrade           string  `json:"degrade,omitempty"`
	ChunkSeconds      int     `json:"chunk_seconds,omitempty"`
	Provider          string  `json:"provider,omitempty"`
}

// EntitiesUpdate carries the entity extraction of the analysis window.
type EntitiesUpdate struct {
	Type string `json:"type"`
	analysis.Entities
	Window analysis.Window `json:"window"`
}

// NewEntitiesUpdate returns an entities_update frame.
func NewEntitiesUpdate(e analysis.Entities, w analysis.Window) EntitiesUpdate {
	return EntitiesUpdate{Type: TypeEntitiesUpdate, Entities: e, Window: w}
}

// CardsUpdate carries the cards of the analysis window.
type CardsUpdate struct {
	Type string `json:"type"`
	analysis.Cards
	Window analysis.Window `json:"window"`
}

// NewCardsUpdate returns a cards_update frame.
func NewCardsUpdate(c analysis.Cards, w analysis.Window) CardsUpdate {
	return CardsUpdate{Type: TypeCardsUpdate, Cards: c, Window: w}
}

// SummaryJSON is the structured part of the final summary.
type SummaryJSON struct {
	SessionID   string                 `json:"session_id"`
	AttemptID   string                 `json:"attempt_id,omitempty"`
	Transcript  []asr.Segment          `json:"transcript"`
	Actions     []analysis.Card        `json:"actions"`
	Decisions   []analysis.Card        `json:"decisions"`
	Risks       []analysis.Card        `json:"risks"`
	Entities    analysis.Entities      `json:"entities"`
	Diarization []diarize.SourceResult `json:"diarization"`
}

// FinalSummary is the last frame of a session.
type FinalSummary struct {
	Type     string      `json:"type"`
	Markdown string      `json:"markdown"`
	JSON     SummaryJSON `json:"json"`
}

// NewFinalSummary returns a final_summary frame. Nil slices are replaced so
// the JSON always carries arrays.
func NewFinalSummary(markdown string, js SummaryJSON) FinalSummary {
	if js.Transcript == nil {
		js.Transcript = []asr.Segment{}
	}
	if js.Actions == nil {
		js.Actions = []analysis.Card{}
	}
	if js.Decisions == nil {
		js.Decisions = []analysis.Card{}
	}
	if js.Risks == nil {
		js.Risks = []analysis.Card{}
	}
	if js.Diarization == nil {
		js.Diarization = []diarize.SourceResult{}
	}
	return FinalSummary{Type: TypeFinalSummary, Markdown: markdown, JSON: js}
}

// Caption carries rendered cue text.
type Caption struct {
	Type   string `json:"type"`
	Format string `json:"format"`
	Data   string `json:"data"`
}

// NewCaption returns a caption frame.
func NewCaption(format, data string) Caption {
	return Caption{Type: TypeCaption, Format: format, Data: data}
}

// CaptionStatus acknowledges a caption_config message.
type CaptionStatus struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
	Format  string `json:"format,omitempty"`
}

// NewCaptionStatus returns a caption_status frame.
func NewCaptionStatus(enabled bool, format string) CaptionStatus {
	return CaptionStatus{Type: TypeCaptionStatus, Enabled: enabled, Format: format}
}
