package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/echopanel/internal/indexer"
	"github.com/MrWong99/echopanel/internal/protocol"
	"github.com/MrWong99/echopanel/internal/transcript"
	"github.com/MrWong99/echopanel/pkg/audio"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

// runSource drives one transcription stream over src's ingress queue until
// the queue is closed and drained or ctx ends.
func (s *Session) runSource(ctx context.Context, p asr.Provider, src audio.Source) {
	var gate asr.InferenceGate
	if s.deps.Limiter != nil {
		gate = s.deps.Limiter.GateFor(p.Capabilities())
	}
	// Diarization buffers follow the same timeline as the transcript: only
	// audio the ASR loop actually consumes is recorded.
	var record func([]byte)
	if s.buffers != nil {
		record = func(pcm []byte) { s.buffers.Append(src, pcm) }
	}
	events := p.TranscribeStream(ctx, s.ingress.StreamWith(ctx, src, record), asr.StreamOptions{
		SessionID:        s.sessionID,
		Source:           src,
		SampleRate:       audio.SampleRate,
		Gate:             gate,
		ChunkSecondsHint: s.ingress.ChunkSeconds,
		Config:           s.store,
	})
	for ev := range events {
		s.handleEvent(ctx, p, src, ev)
	}
}

// handleEvent processes one stream event. Failures are counted per chunk; a
// fatal error or a streak of failures ends the session.
func (s *Session) handleEvent(ctx context.Context, p asr.Provider, src audio.Source, ev asr.Event) {
	if ev.Err != nil {
		kind := "transient"
		if asr.IsFatal(ev.Err) {
			kind = "fatal"
		}
		s.deps.Metrics.RecordProviderError(ctx, p.Name(), kind)
		streak := int(s.streak.Add(1))
		slog.Warn("session: chunk failed",
			"session_id", s.sessionID,
			"source", src,
			"streak", streak,
			"err", ev.Err,
		)
		s.ladder.ReportError(ctx, ev.Err)
		switch {
		case kind == "fatal":
			s.fail(ctx, ev.Err)
		case streak >= s.cfg.ErrorStreak:
			s.fail(ctx, fmt.Errorf("transcription failed %d times in a row: %w", streak, ev.Err))
		}
		return
	}
	s.streak.Store(0)

	if rtf := ev.RTF(); rtf > 0 {
		s.deps.Metrics.RecordInference(ctx, p.Name(), ev.Inference.Seconds(), rtf)
		s.ladder.Observe(rtf)
	}

	emitted := 0
	for _, seg := range ev.Segments {
		if s.emit(ctx, src, seg) {
			emitted++
		}
	}
	if emitted > 0 {
		s.deps.Metrics.RecordSegments(ctx, string(src), emitted)
	}
}

// emit stamps seg with its source, attempt and content-addressed ID, appends
// it to the transcript and sends it to the client, the caption writer and the
// indexer. Empty segments are dropped.
func (s *Session) emit(ctx context.Context, src audio.Source, seg asr.Segment) bool {
	seg.Text = strings.TrimSpace(seg.Text)
	if seg.Text == "" {
		return false
	}
	seg.T0 = max(seg.T0, 0)
	seg.T1 = max(seg.T1, seg.T0)
	seg.Source = src
	seg.AttemptID = s.attemptID
	seg.ID = transcript.SegmentID(src, seg.T0, seg.T1, seg.Text)

	s.log.Append(seg)
	s.send(ctx, protocol.NewASRFinal(seg))
	s.caption(ctx, seg)
	_ = s.deps.Indexer.Transcript(ctx, s.archiveID, indexer.Entry{
		SegmentID:  seg.ID,
		Text:       seg.Text,
		Source:     string(seg.Source),
		Speaker:    seg.Speaker,
		T0:         seg.T0,
		T1:         seg.T1,
		Confidence: seg.Confidence,
	})
	return true
}

func (s *Session) caption(ctx context.Context, seg asr.Segment) {
	s.capMu.Lock()
	w := s.captions
	s.capMu.Unlock()
	if w == nil {
		return
	}
	cue, err := w.Cue(seg)
	if err != nil {
		slog.Warn("session: caption output failed", "session_id", s.sessionID, "err", err)
	}
	s.send(ctx, protocol.NewCaption(w.Format(), cue))
}
