package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/echopanel/pkg/audio"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
	"github.com/MrWong99/echopanel/pkg/provider/llm"
)

const maxSummaryCards = 10

// RenderSummary renders the deterministic Markdown digest of a transcript.
func RenderSummary(segs []asr.Segment, ents Entities, cards Cards) string {
	var b strings.Builder
	b.WriteString("# Meeting summary\n\n")
	if len(segs) == 0 {
		b.WriteString("_No speech was transcribed._\n")
		return b.String()
	}

	end := 0.0
	bySource := map[audio.Source]int{}
	words := 0
	for _, s := range segs {
		end = max(end, s.T1)
		bySource[s.Source]++
		words += s.WordCount()
	}
	fmt.Fprintf(&b, "_Duration %s, %d segments, %d words", formatDuration(end), len(segs), words)
	for _, src := range audio.Sources {
		if n := bySource[src]; n > 0 {
			fmt.Fprintf(&b, ", %s %d", src, n)
		}
	}
	b.WriteString("_\n")

	writeCards(&b, "Decisions", cards.Decisions)
	writeCards(&b, "Action items", cards.Actions)
	writeCards(&b, "Risks", cards.Risks)

	var lines []string
	for _, c := range []struct {
		label string
		list  []Entity
	}{
		{"People", ents.People},
		{"Organizations", ents.Orgs},
		{"Projects", ents.Projects},
		{"Dates", ents.Dates},
		{"Topics", ents.Topics},
	} {
		if len(c.list) == 0 {
			continue
		}
		names := make([]string, len(c.list))
		for i, e := range c.list {
			names[i] = fmt.Sprintf("%s (%d)", e.Name, e.Count)
		}
		lines = append(lines, fmt.Sprintf("- **%s:** %s", c.label, strings.Join(names, ", ")))
	}
	if len(lines) > 0 {
		b.WriteString("\n## Key entities\n\n")
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n")
	}
	return b.String()
}

func writeCards(b *strings.Builder, title string, cards []Card) {
	if len(cards) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n", title)
	for i, c := range cards {
		if i == maxSummaryCards {
			fmt.Fprintf(b, "- _and %d more_\n", len(cards)-maxSummaryCards)
			break
		}
		if c.T0 != nil {
			fmt.Fprintf(b, "- [%s] %s\n", formatDuration(*c.T0), c.Text)
		} else {
			fmt.Fprintf(b, "- %s\n", c.Text)
		}
	}
}

func formatDuration(secs float64) string {
	total := int(secs)
	if h := total / 3600; h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, total%3600/60, total%60)
	}
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// ---- LLM summariser ----

const summaryPrompt = `You write concise meeting summaries in Markdown.
Start with a "# Meeting summary" heading. Use the sections "## Decisions",
"## Action items" and "## Risks" when they apply, followed by a short
"## Overview" paragraph. Only use facts from the transcript.`

// LLMSummariser wraps an [Analyzer] and replaces its summary with one written
// by an LLM. The latest result is cached by transcript content so calling
// Summary again on an unchanged transcript returns the same Markdown. Use one
// LLMSummariser per session. When the LLM
// fails the wrapped Analyzer's summary is returned instead.
type LLMSummariser struct {
	Analyzer

	provider  llm.Provider
	maxTokens int

	mu      sync.Mutex
	lastKey string
	lastMD  string
}

// NewLLMSummariser returns an LLMSummariser over base.
func NewLLMSummariser(base Analyzer, provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{
		Analyzer:  base,
		provider:  provider,
		maxTokens: 1024,
	}
}

// Summary implements [Analyzer].
func (s *LLMSummariser) Summary(ctx context.Context, segs []asr.Segment) (string, error) {
	if len(segs) == 0 {
		return s.Analyzer.Summary(ctx, segs)
	}
	key := transcriptKey(segs)
	s.mu.Lock()
	if key == s.lastKey {
		md := s.lastMD
		s.mu.Unlock()
		return md, nil
	}
	s.mu.Unlock()

	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summaryPrompt,
		Messages:     []llm.Message{{Role: "user", Content: s.fitTranscript(segs)}},
		MaxTokens:    s.maxTokens,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		slog.Warn("analysis: llm summary failed, using rule-based summary", "err", err)
		return s.Analyzer.Summary(ctx, segs)
	}

	md := strings.TrimSpace(resp.Content) + "\n"
	s.mu.Lock()
	s.lastKey, s.lastMD = key, md
	s.mu.Unlock()
	return md, nil
}

// fitTranscript renders segs as timestamped lines, dropping the oldest lines
// until the prompt fits the model's context window.
func (s *LLMSummariser) fitTranscript(segs []asr.Segment) string {
	lines := make([]string, len(segs))
	for i, seg := range segs {
		lines[i] = fmt.Sprintf("[%s] %s: %s", formatDuration(seg.T0), speakerLabel(seg), seg.Text)
	}
	budget := s.provider.Capabilities().ContextWindow - s.maxTokens - 256
	for len(lines) > 1 && budget > 0 {
		n, err := s.provider.CountTokens([]llm.Message{{Role: "user", Content: strings.Join(lines, "\n")}})
		if err != nil || n <= budget {
			break
		}
		lines = lines[max(len(lines)/10, 1):]
	}
	return strings.Join(lines, "\n")
}

func speakerLabel(seg asr.Segment) string {
	if seg.Speaker != "" {
		return seg.Speaker
	}
	return string(seg.Source)
}

// transcriptKey hashes the content that influences the summary.
func transcriptKey(segs []asr.Segment) string {
	h := sha256.New()
	for _, s := range segs {
		fmt.Fprintf(h, "%s|%.3f|%.3f|%s|%s\n", s.Source, s.T0, s.T1, s.Speaker, s.Text)
	}
	return hex.EncodeToString(h.Sum(nil))
}
