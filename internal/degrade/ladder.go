// Package degrade implements the adaptive performance controller that keeps
// transcription close to real time.
//
// A [Ladder] observes the realtime factor of every completed chunk and steps
// through [Normal], [Warning], [Degrade] and [Emergency], applying one
// reversible action per level to the session's [asr.ConfigStore]. A streak
// of transient provider errors moves it to [Failover]. Recovery steps back
// exactly one level at a time once the 30 s average has settled below 0.7,
// reverting that level's action. Reverts undo only the ladder's own change,
// so ladders sharing a store can recover in any order. [Ladder.Close]
// reverts whatever is still applied when the session ends.
package degrade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

// Level is a degrade level. Higher is more degraded.
type Level int

const (
	Normal Level = iota
	Warning
	Degrade
	Emergency
	Failover
)

func (l Level) String() string {
	switch l {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case Degrade:
		return "degrade"
	case Emergency:
		return "emergency"
	case Failover:
		return "failover"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// Thresholds and timings.
const (
	WarningRTF   = 0.8
	DegradeRTF   = 1.0
	EmergencyRTF = 1.2
	RecoveryRTF  = 0.7

	MinDwell       = 10 * time.Second
	RecoveryWindow = 30 * time.Second
	HistoryWindow  = 60 * time.Second

	MaxChunkSeconds         = 8
	DefaultFailoverAfterErr = 3
)

// Transition records one level change.
type Transition struct {
	From   Level     `json:"from"`
	To     Level     `json:"to"`
	At     time.Time `json:"at"`
	RTF    float64   `json:"rtf"`
	AvgRTF float64   `json:"avg_rtf"`
	Action string    `json:"action"`
}

// FailoverFunc swaps the session onto a fallback provider. It is called once
// when the ladder enters [Failover]; a non-nil error keeps the current level.
type FailoverFunc func(ctx context.Context) error

// Option configures a [Ladder].
type Option func(*Ladder)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ladder) { l.now = now }
}

// WithFailover registers the failover and failback hooks. Without them the
// ladder never enters [Failover].
func WithFailover(failover, failback FailoverFunc) Option {
	return func(l *Ladder) { l.failover, l.failback = failover, failback }
}

// WithFailoverAfter sets how many consecutive transient provider errors
// trigger failover. Default: 3.
func WithFailoverAfter(n int) Option {
	return func(l *Ladder) { l.failoverAfter = max(n, 1) }
}

// WithOnTransition registers a callback invoked after every level change.
// It runs on the caller's goroutine without the ladder lock held.
func WithOnTransition(fn func(Transition)) Option {
	return func(l *Ladder) { l.onTransition = fn }
}

type sample struct {
	at  time.Time
	rtf float64
}

// applied is the undo record for one level's action.
type applied struct {
	level Level

	chunkAdded int    // Warning
	model      string // Degrade: model before the downgrade
	downgraded string // Degrade: model the ladder switched to
	vadWas     bool   // Degrade
	dropWas    bool   // Emergency
}

// Ladder is one session's degrade controller. It is safe for concurrent use.
type Ladder struct {
	store         *asr.ConfigStore
	now           func() time.Time
	failover      FailoverFunc
	failback      FailoverFunc
	failoverAfter int
	onTransition  func(Transition)

	mu            sync.Mutex
	level         Level
	levelSince    time.Time
	history       []sample
	stack         []applied
	transitions   []Transition
	lastRecovery  time.Time
	errStreak     int
	beforeFailure Level
}

// New returns a Ladder at [Normal] that mutates store.
func New(store *asr.ConfigStore, opts ...Option) *Ladder {
	l := &Ladder{
		store:         store,
		now:           time.Now,
		failoverAfter: DefaultFailoverAfterErr,
	}
	for _, o := range opts {
		o(l)
	}
	l.levelSince = l.now()
	l.lastRecovery = l.levelSince
	return l
}

// Level returns the current level.
func (l *Ladder) Level() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Observe feeds the realtime factor of a completed chunk and applies at most
// one transition. It returns the transition, if any.
func (l *Ladder) Observe(rtf float64) (Transition, bool) {
	l.mu.Lock()
	now := l.now()
	l.history = append(l.history, sample{at: now, rtf: rtf})
	l.pruneLocked(now)
	l.errStreak = 0
	avg := l.averageLocked(now)

	var (
		tr Transition
		ok bool
	)
	switch target := targetFor(rtf); {
	case l.level < Emergency && target > l.level && avg > RecoveryRTF && l.dwellDoneLocked(now):
		tr, ok = l.escalateLocked(now, rtf, avg)
	case l.level > Normal && now.Sub(l.lastRecovery) >= RecoveryWindow:
		l.lastRecovery = now
		if avg < RecoveryRTF {
			tr, ok = l.recoverLocked(now, rtf, avg)
		}
	}
	l.mu.Unlock()

	if ok {
		l.finish(tr)
	}
	return tr, ok
}

func targetFor(rtf float64) Level {
	switch {
	case rtf >= EmergencyRTF:
		return Emergency
	case rtf >= DegradeRTF:
		return Degrade
	case rtf >= WarningRTF:
		return Warning
	default:
		return Normal
	}
}

// dwellDoneLocked reports whether the current level has been held long
// enough to escalate further. Leaving Normal needs no dwell.
func (l *Ladder) dwellDoneLocked(now time.Time) bool {
	return l.level == Normal || now.Sub(l.levelSince) >= MinDwell
}

func (l *Ladder) pruneLocked(now time.Time) {
	cut := 0
	for cut < len(l.history) && now.Sub(l.history[cut].at) > HistoryWindow {
		cut++
	}
	if cut > 0 {
		l.history = append(l.history[:0], l.history[cut:]...)
	}
}

// averageLocked is the mean RTF over the last [RecoveryWindow].
func (l *Ladder) averageLocked(now time.Time) float64 {
	sum, n := 0.0, 0
	for _, s := range l.history {
		if now.Sub(s.at) < RecoveryWindow {
			sum += s.rtf
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (l *Ladder) escalateLocked(now time.Time, rtf, avg float64) (Transition, bool) {
	next := l.level + 1
	var (
		action string
		undo   applied
	)
	l.store.Update(func(c asr.Config) asr.Config {
		undo = applied{level: next}
		switch next {
		case Warning:
			was := c.ChunkSeconds
			c.ChunkSeconds = max(min(c.ChunkSeconds+1, MaxChunkSeconds), was)
			undo.chunkAdded = c.ChunkSeconds - was
			action = fmt.Sprintf("chunk_seconds %d -> %d", was, c.ChunkSeconds)
		case Degrade:
			undo.model, undo.vadWas = c.ModelName, c.VADEnabled
			c.ModelName = asr.DowngradeModel(c.ModelName)
			c.VADEnabled = false
			undo.downgraded = c.ModelName
			action = fmt.Sprintf("model %s -> %s, vad off", undo.model, c.ModelName)
		case Emergency:
			undo.dropWas = c.DropAlternate
			c.DropAlternate = true
			action = "drop alternate chunks"
		}
		return c
	})
	l.stack = append(l.stack, undo)
	return l.moveLocked(next, now, rtf, avg, action), true
}

func (l *Ladder) recoverLocked(now time.Time, rtf, avg float64) (Transition, bool) {
	if l.level == Failover {
		// Failback happens outside the lock in finish.
		return l.moveLocked(l.beforeFailure, now, rtf, avg, "failback"), true
	}
	n := len(l.stack)
	if n == 0 {
		return l.moveLocked(Normal, now, rtf, avg, "reset"), true
	}
	top := l.stack[n-1]
	l.stack = l.stack[:n-1]
	action := l.revertLocked(top)
	return l.moveLocked(top.level-1, now, rtf, avg, "revert "+action), true
}

// revertLocked undoes one applied action. Fields another writer has changed
// since are left alone.
func (l *Ladder) revertLocked(top applied) string {
	var action string
	l.store.Update(func(c asr.Config) asr.Config {
		switch top.level {
		case Warning:
			was := c.ChunkSeconds
			c.ChunkSeconds = max(c.ChunkSeconds-top.chunkAdded, 1)
			action = fmt.Sprintf("chunk_seconds %d -> %d", was, c.ChunkSeconds)
		case Degrade:
			was := c.ModelName
			if c.ModelName == top.downgraded {
				c.ModelName = top.model
			}
			if top.vadWas {
				c.VADEnabled = true
			}
			action = fmt.Sprintf("model %s -> %s, vad %v", was, c.ModelName, c.VADEnabled)
		case Emergency:
			if !top.dropWas {
				c.DropAlternate = false
			}
			action = "stop dropping chunks"
		}
		return c
	})
	return action
}

// Close reverts every action still applied, newest first, and fails back
// when the ladder is in [Failover]. The ladder ends at [Normal]. Later calls
// do nothing.
func (l *Ladder) Close() {
	l.mu.Lock()
	now := l.now()
	var trs []Transition
	if l.level == Failover {
		trs = append(trs, l.moveLocked(l.beforeFailure, now, 0, 0, "failback"))
	}
	for n := len(l.stack); n > 0; n = len(l.stack) {
		top := l.stack[n-1]
		l.stack = l.stack[:n-1]
		action := l.revertLocked(top)
		trs = append(trs, l.moveLocked(top.level-1, now, 0, 0, "revert "+action))
	}
	l.mu.Unlock()

	for _, tr := range trs {
		l.finish(tr)
	}
}

func (l *Ladder) moveLocked(to Level, now time.Time, rtf, avg float64, action string) Transition {
	tr := Transition{From: l.level, To: to, At: now, RTF: rtf, AvgRTF: avg, Action: action}
	l.level = to
	l.levelSince = now
	l.lastRecovery = now
	l.transitions = append(l.transitions, tr)
	return tr
}

func (l *Ladder) finish(tr Transition) {
	slog.Info("degrade: level changed", "from", tr.From, "to", tr.To, "rtf", tr.RTF, "avg_rtf", tr.AvgRTF, "action", tr.Action)
	if tr.From == Failover && l.failback != nil {
		if err := l.failback(context.Background()); err != nil {
			slog.Warn("degrade: failback failed", "err", err)
		}
	}
	if l.onTransition != nil {
		l.onTransition(tr)
	}
}

// ReportError records a provider error. Consecutive transient errors beyond
// the configured streak move the ladder to [Failover] when a failover hook
// is registered. It returns the transition, if any.
func (l *Ladder) ReportError(ctx context.Context, err error) (Transition, bool) {
	if err == nil || !asr.IsTransient(err) {
		return Transition{}, false
	}
	l.mu.Lock()
	l.errStreak++
	if l.failover == nil || l.level == Failover || l.errStreak < l.failoverAfter {
		l.mu.Unlock()
		return Transition{}, false
	}
	l.mu.Unlock()

	// The hook may block on provider startup; run it without the lock.
	if ferr := l.failover(ctx); ferr != nil {
		slog.Warn("degrade: failover failed", "err", ferr)
		return Transition{}, false
	}

	l.mu.Lock()
	now := l.now()
	l.beforeFailure = l.level
	l.errStreak = 0
	tr := l.moveLocked(Failover, now, 0, l.averageLocked(now), fmt.Sprintf("failover after %v", err))
	l.mu.Unlock()
	l.finish(tr)
	return tr, true
}

// State is a snapshot of the ladder for diagnostics.
type State struct {
	Level             Level        `json:"level"`
	LevelSince        time.Time    `json:"level_since"`
	AvgRTF            float64      `json:"avg_rtf"`
	Samples           int          `json:"samples"`
	ActionsApplied    []string     `json:"actions_applied"`
	Transitions       []Transition `json:"transitions"`
	LastRecoveryCheck time.Time    `json:"last_recovery_check"`
	Config            asr.Config   `json:"config"`
}

// State returns a snapshot of the ladder.
func (l *Ladder) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	actions := make([]string, len(l.stack))
	for i, a := range l.stack {
		actions[i] = a.level.String()
	}
	return State{
		Level:             l.level,
		LevelSince:        l.levelSince,
		AvgRTF:            l.averageLocked(l.now()),
		Samples:           len(l.history),
		ActionsApplied:    actions,
		Transitions:       append([]Transition(nil), l.transitions...),
		LastRecoveryCheck: l.lastRecovery,
		Config:            l.store.Load(),
	}
}
