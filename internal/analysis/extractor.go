package analysis

import (
	"cmp"
	"context"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/MrWong99/echopanel/internal/transcript"
	"github.com/MrWong99/echopanel/internal/transcript/phonetic"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

const (
	// aliasThreshold is the phonetic score above which a capitalised span is
	// attributed to a known organisation or project.
	aliasThreshold = 0.9

	minTopicLen   = 5
	minTopicCount = 2
	maxTopics     = 10
	maxNameTokens = 3
)

// DefaultOrganizations seeds organisation detection.
var DefaultOrganizations = []string{
	"OpenAI", "Anthropic", "Google", "Microsoft", "Apple", "Amazon", "AWS",
	"Meta", "GitHub", "Slack", "Zoom", "Salesforce", "Stripe", "Notion",
}

var _ Analyzer = (*Extractor)(nil)

// Option is a functional option for configuring an [Extractor].
type Option func(*Extractor)

// WithOrganizations replaces the known organisation list.
func WithOrganizations(orgs ...string) Option {
	return func(e *Extractor) { e.orgs = orgs }
}

// WithProjects sets known project names. Phrases of the form
// "project <Name>" are detected regardless.
func WithProjects(projects ...string) Option {
	return func(e *Extractor) { e.projects = projects }
}

// WithMatcher sets the phonetic matcher used to map mis-heard names onto
// known organisations and projects.
func WithMatcher(m *phonetic.Matcher) Option {
	return func(e *Extractor) { e.matcher = m }
}

// Extractor is the deterministic rule-based [Analyzer]. It is immutable after
// construction.
type Extractor struct {
	orgs     []string
	projects []string
	matcher  *phonetic.Matcher

	orgKeys     map[string]string
	projectKeys map[string]string
	orgIndex    *phonetic.Index
	projIndex   *phonetic.Index
}

// NewExtractor returns an Extractor configured with opts.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{
		orgs:    DefaultOrganizations,
		matcher: phonetic.New(),
	}
	for _, o := range opts {
		o(e)
	}
	e.orgKeys = aliasKeys(e.orgs)
	e.projectKeys = aliasKeys(e.projects)
	e.orgIndex = e.matcher.Index(e.orgs)
	e.projIndex = e.matcher.Index(e.projects)
	return e
}

// aliasKeys maps the punctuation- and case-free form of every name to the
// name itself, so "Open AI", "open-ai" and "OpenAI" resolve alike.
func aliasKeys(names []string) map[string]string {
	keys := make(map[string]string, len(names))
	for _, n := range names {
		if k := aliasKey(n); k != "" {
			keys[k] = n
		}
	}
	return keys
}

func aliasKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ---- entities ----

// tally counts entity occurrences in one category.
type tally map[string]*Entity

func (t tally) add(name string, ts float64) {
	if e, ok := t[name]; ok {
		e.Count++
		e.FirstTS = min(e.FirstTS, ts)
		return
	}
	t[name] = &Entity{Name: name, Count: 1, FirstTS: ts}
}

func (t tally) sorted(limit int) []Entity {
	out := make([]Entity, 0, len(t))
	for _, e := range t {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b Entity) int {
		return cmp.Or(
			cmp.Compare(b.Count, a.Count),
			cmp.Compare(a.FirstTS, b.FirstTS),
			cmp.Compare(a.Name, b.Name),
		)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var (
	wordRE    = regexp.MustCompile(`[\p{L}\p{N}][\p{L}\p{N}'’.-]*`)
	projectRE = regexp.MustCompile(`\b[Pp]roject\s+([A-Z][\p{L}\p{N}-]*)`)
	dateRE    = regexp.MustCompile(`(?i)\b(` +
		`\d{4}-\d{2}-\d{2}|` +
		`(?:january|february|march|april|june|july|august|september|october|november|december)(?:\s+\d{1,2}(?:st|nd|rd|th)?)?|` +
		`may\s+\d{1,2}(?:st|nd|rd|th)?|` +
		`(?:next|this|last)\s+(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday|week|month|quarter|year)|` +
		`monday|tuesday|wednesday|thursday|friday|saturday|sunday|` +
		`end\s+of\s+(?:the\s+)?(?:day|week|month|quarter|year)|` +
		`today|tomorrow|yesterday|` +
		`q[1-4](?:\s+\d{4})?` +
		`)\b`)
)

// Entities implements [Analyzer].
func (e *Extractor) Entities(segs []asr.Segment) Entities {
	people, orgs, dates, projects, topics := tally{}, tally{}, tally{}, tally{}, tally{}

	// A capitalised span only counts as a person once it has been seen
	// mid-sentence; sentence-initial hits are resolved afterwards.
	type hit struct {
		span    string
		ts      float64
		initial bool
	}
	var hits []hit
	names := make(map[string]bool)

	for _, seg := range segs {
		text := seg.Text

		for _, m := range dateRE.FindAllString(text, -1) {
			dates.add(normalizeDate(m), seg.T0)
		}
		for _, m := range projectRE.FindAllStringSubmatch(text, -1) {
			name := strings.TrimRight(m[1], ".-")
			if known, ok := e.projectKeys[aliasKey(name)]; ok {
				name = known
			}
			projects.add(name, seg.T0)
		}

		words := wordRE.FindAllString(text, -1)
		for i := 0; i < len(words); {
			// Organisation and project aliases may span up to two words.
			if n, name, kind := e.knownAt(words, i); n > 0 {
				if kind == kindOrg {
					orgs.add(name, seg.T0)
				} else if !precededByProject(words, i) {
					projects.add(name, seg.T0)
				}
				i += n
				continue
			}
			if n := capitalisedRun(words, i); n > 0 {
				span := strings.Join(trimPunct(words[i:i+n]), " ")
				switch name, kind := e.resolveAlias(span); kind {
				case kindOrg:
					orgs.add(name, seg.T0)
				case kindProject:
					if !precededByProject(words, i) {
						projects.add(name, seg.T0)
					}
				default:
					if !isCommonCapitalised(span) {
						initial := sentenceStart(words, i)
						hits = append(hits, hit{span: span, ts: seg.T0, initial: initial})
						if !initial {
							names[span] = true
						}
					}
				}
				i += n
				continue
			}
			w := strings.ToLower(strings.Trim(words[i], "'’.-"))
			if len([]rune(w)) >= minTopicLen && !isStopword(w) {
				topics.add(w, seg.T0)
			}
			i++
		}
	}

	for _, h := range hits {
		if names[h.span] {
			people.add(h.span, h.ts)
		}
	}
	for name, ent := range topics {
		if ent.Count < minTopicCount {
			delete(topics, name)
		}
	}

	return Entities{
		People:   people.sorted(0),
		Orgs:     orgs.sorted(0),
		Dates:    dates.sorted(0),
		Projects: projects.sorted(0),
		Topics:   topics.sorted(maxTopics),
	}
}

type aliasKind int

const (
	kindNone aliasKind = iota
	kindOrg
	kindProject
)

// knownAt matches a known organisation or project at words[i], trying the
// two-word form first. It returns the number of words consumed.
func (e *Extractor) knownAt(words []string, i int) (int, string, aliasKind) {
	for n := min(2, len(words)-i); n >= 1; n-- {
		key := aliasKey(strings.Join(words[i:i+n], ""))
		if name, ok := e.orgKeys[key]; ok {
			return n, name, kindOrg
		}
		if name, ok := e.projectKeys[key]; ok {
			return n, name, kindProject
		}
	}
	return 0, "", kindNone
}

// resolveAlias maps a capitalised span onto a known name by pronunciation.
func (e *Extractor) resolveAlias(span string) (string, aliasKind) {
	if name, score, ok := e.orgIndex.Lookup(span); ok && score >= aliasThreshold {
		return name, kindOrg
	}
	if name, score, ok := e.projIndex.Lookup(span); ok && score >= aliasThreshold {
		return name, kindProject
	}
	return span, kindNone
}

func precededByProject(words []string, i int) bool {
	return i > 0 && strings.EqualFold(words[i-1], "project")
}

// capitalisedRun returns the length of the run of capitalised words starting
// at i, capped at maxNameTokens. A run ends after a word carrying sentence
// punctuation.
func capitalisedRun(words []string, i int) int {
	n := 0
	for i+n < len(words) && n < maxNameTokens && isCapitalised(words[i+n]) {
		n++
		if strings.HasSuffix(words[i+n-1], ".") {
			break
		}
	}
	return n
}

func isCapitalised(w string) bool {
	for _, r := range w {
		return unicode.IsUpper(r)
	}
	return false
}

// sentenceStart reports whether words[i] begins a sentence, judged by the
// previous word ending in a period.
func sentenceStart(words []string, i int) bool {
	return i == 0 || strings.HasSuffix(words[i-1], ".")
}

func trimPunct(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = strings.TrimRight(w, ".-'’")
	}
	return out
}

var weekdays = map[string]bool{
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
}

// normalizeDate lower-cases relative expressions and title-cases weekdays and
// months so "friday" and "Friday" count as one date.
func normalizeDate(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	for i, f := range fields {
		if weekdays[f] || months[f] {
			fields[i] = strings.ToUpper(f[:1]) + f[1:]
		}
		if len(f) == 2 && f[0] == 'q' {
			fields[i] = strings.ToUpper(f)
		}
	}
	return strings.Join(fields, " ")
}

var months = map[string]bool{
	"january": true, "february": true, "march": true, "april": true, "may": true, "june": true,
	"july": true, "august": true, "september": true, "october": true, "november": true, "december": true,
}

// isCommonCapitalised filters words that are capitalised for grammar rather
// than because they name someone.
func isCommonCapitalised(span string) bool {
	lower := strings.ToLower(span)
	if weekdays[lower] || months[lower] || lower == "i" || strings.HasPrefix(lower, "i'") || strings.HasPrefix(lower, "i’") {
		return true
	}
	return isStopword(lower)
}

var stopwords = func() map[string]bool {
	m := make(map[string]bool)
	for _, w := range strings.Fields(`
		a about above after again against all also am an and any are as at
		be because been before being below between both but by can could did do
		does doing down during each few for from further had has have having he
		her here hers herself him himself his how if in into is it its itself
		just let lets me more most my myself no nor not now of off on once only
		or other our ours ourselves out over own same she should so some such
		than that the their theirs them themselves then there these they this
		those through to too under until up very was we were what when where
		which while who whom why will with would you your yours yourself okay
		yeah yes right think thing things going really about actually maybe
		because should would could there their these those where which while
		other another people something anything everything nothing someone
		today tomorrow yesterday morning afternoon evening meeting everyone
		alright great thanks thank sorry please hello again first second third
		still already always never little probably basically literally pretty
		gonna wanna kind sort lot lots point make made making need needs take
		takes taking want wants good better sure guess mean means said says
		know knows knew look looks looking start started starts work works
		working again okay well`) {
		m[w] = true
	}
	return m
}()

func isStopword(w string) bool { return stopwords[w] }

// ---- cards ----

var (
	actionRE = regexp.MustCompile(`(?i)\b(action item|to-?do|follow[- ]up|i will|i'll|we will|we'll|` +
		`we need to|we should|you need to|can you|could you|please|let's|lets|assign(?:ed)?|by (?:monday|tuesday|wednesday|thursday|friday|tomorrow|end of))\b`)
	decisionRE = regexp.MustCompile(`(?i)\b(we decided|decided to|decision|we agreed|agreed (?:to|on|that)|` +
		`we're going with|we are going with|let's go with|final answer|approved|signed off)\b`)
	riskRE = regexp.MustCompile(`(?i)\b(risk|risky|concern(?:ed)?|blocker|blocked|worried|` +
		`might (?:not|fail|slip)|may (?:not|fail|slip)|delay(?:ed)?|issue|problem|deadline)\b`)
	sentenceRE = regexp.MustCompile(`[^.!?]+[.!?]*`)
)

// Cards implements [Analyzer]. Each sentence is classified as at most one
// card kind with decisions taking precedence over risks over actions.
// Duplicate sentences (after normalisation) are reported once.
func (e *Extractor) Cards(segs []asr.Segment) Cards {
	cards := Cards{Actions: []Card{}, Decisions: []Card{}, Risks: []Card{}}
	seen := make(map[string]bool)

	for _, seg := range segs {
		for _, sentence := range sentenceRE.FindAllString(seg.Text, -1) {
			sentence = strings.TrimSpace(sentence)
			key := transcript.NormalizeText(sentence)
			if len(strings.Fields(key)) < 3 || seen[key] {
				continue
			}
			t0 := seg.T0
			card := Card{Text: sentence, T0: &t0, Source: string(seg.Source)}
			switch {
			case decisionRE.MatchString(sentence):
				cards.Decisions = append(cards.Decisions, card)
			case riskRE.MatchString(sentence):
				cards.Risks = append(cards.Risks, card)
			case actionRE.MatchString(sentence):
				cards.Actions = append(cards.Actions, card)
			default:
				continue
			}
			seen[key] = true
		}
	}
	return cards
}

// ---- summary ----

// Summary implements [Analyzer] with a deterministic Markdown digest.
func (e *Extractor) Summary(_ context.Context, segs []asr.Segment) (string, error) {
	return RenderSummary(segs, e.Entities(segs), e.Cards(segs)), nil
}
