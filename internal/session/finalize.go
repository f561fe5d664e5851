package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/echopanel/internal/analysis"
	"github.com/MrWong99/echopanel/internal/diarize"
	"github.com/MrWong99/echopanel/internal/observe"
	"github.com/MrWong99/echopanel/internal/protocol"
	"github.com/MrWong99/echopanel/pkg/audio"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

// Finalize ends a started session and sends the final summary. It drains the
// ASR streams for at most the flush timeout, flushes provider buffers, sorts
// the transcript, diarizes each buffered source and runs the analysis hooks
// once more. Only the first call does any work; later calls return the same
// summary without sending it again.
func (s *Session) Finalize(ctx context.Context) protocol.FinalSummary {
	if !s.started {
		return protocol.NewFinalSummary("", protocol.SummaryJSON{})
	}
	s.finalOnce.Do(func() {
		ctx, span := observe.StartSpan(ctx, "session.finalize")
		defer span.End()
		start := time.Now()

		drained := s.drain(ctx)
		s.stopBackground()
		s.flushProvider(ctx)
		s.ladder.Close()
		s.stopProvider()

		segs := s.log.Sorted()
		var diar []diarize.SourceResult
		if s.buffers != nil && s.deps.Diarizer != nil {
			diar = diarize.Run(ctx, s.deps.Diarizer, s.buffers, segs)
		}

		_, win := analysis.Recent(segs, 0)
		ents := s.analyzer.Entities(segs)
		cards := s.analyzer.Cards(segs)
		s.send(ctx, protocol.NewEntitiesUpdate(ents, win))
		s.send(ctx, protocol.NewCardsUpdate(cards, win))

		s.final = BuildSummary(ctx, s.analyzer, s.sessionID, s.attemptID, segs, diar)
		s.send(ctx, s.final)

		s.closeCaptions()
		_ = s.deps.Indexer.SessionEnd(ctx, s.archiveID)
		s.deps.Metrics.ActiveSessions.Add(ctx, -1)
		s.span.End()

		slog.Info("session: finalised",
			"session_id", s.sessionID,
			"segments", len(segs),
			"drained", drained,
			"bytes_received", s.bytesReceived.Load(),
			"duration", time.Since(start),
		)
	})
	return s.final
}

// drain closes the ingress and waits for the ASR streams to finish. When the
// flush timeout expires first, the remaining audio is discarded and the
// streams are cancelled. It reports whether the drain completed in time.
func (s *Session) drain(ctx context.Context) bool {
	s.ingress.Close()
	done := make(chan struct{})
	go func() {
		_ = s.workers.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.FlushTimeout)
	defer timer.Stop()
	select {
	case <-done:
		s.asrCancel()
		return true
	case <-timer.C:
	case <-ctx.Done():
	}

	n := s.ingress.Discard()
	slog.Warn("session: flush timeout, discarding queued audio",
		"session_id", s.sessionID,
		"timeout", s.cfg.FlushTimeout,
		"discarded_chunks", n,
	)
	s.asrCancel()
	<-done
	return false
}

// flushProvider emits segments for audio still buffered in the provider.
func (s *Session) flushProvider(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	for _, src := range audio.Sources {
		segs, err := s.provider.Flush(ctx, src)
		if err != nil {
			slog.Warn("session: provider flush failed", "session_id", s.sessionID, "source", src, "err", err)
			continue
		}
		for _, seg := range segs {
			s.emit(ctx, src, seg)
		}
	}
}

// BuildSummary assembles the final_summary frame for a sorted transcript.
// The result depends only on its inputs, so building it twice for the same
// transcript yields identical JSON. When the analyzer's summary fails the
// rule-based rendering is used.
func BuildSummary(ctx context.Context, a analysis.Analyzer, sessionID, attemptID string, segs []asr.Segment, diar []diarize.SourceResult) protocol.FinalSummary {
	ents := a.Entities(segs)
	cards := a.Cards(segs)
	md, err := a.Summary(ctx, segs)
	if err != nil {
		slog.Warn("session: summary failed, using rule-based summary", "session_id", sessionID, "err", err)
		md = analysis.RenderSummary(segs, ents, cards)
	}
	return protocol.NewFinalSummary(md, protocol.SummaryJSON{
		SessionID:   sessionID,
		AttemptID:   attemptID,
		Transcript:  segs,
		Actions:     cards.Actions,
		Decisions:   cards.Decisions,
		Risks:       cards.Risks,
		Entities:    ents,
		Diarization: diar,
	})
}
