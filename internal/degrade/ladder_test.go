package degrade_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/echopanel/internal/degrade"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newLadder(t *testing.T, opts ...degrade.Option) (*degrade.Ladder, *asr.ConfigStore, *clock) {
	t.Helper()
	clk := &clock{t: time.Unix(0, 0)}
	store := asr.NewConfigStore(asr.Config{ModelName: "small.en", ChunkSeconds: 2, VADEnabled: true})
	l := degrade.New(store, append([]degrade.Option{degrade.WithClock(clk.Now)}, opts...)...)
	return l, store, clk
}

func TestLadder_DegradeThenRecover(t *testing.T) {
	t.Parallel()

	l, store, clk := newLadder(t)
	start := clk.Now()
	seq := []float64{0.5, 0.6, 0.9, 0.9, 1.05, 1.3, 1.3, 0.9, 0.6, 0.5, 0.4}

	type step struct {
		to     degrade.Level
		at     time.Duration
		config asr.Config
	}
	var got []step
	for i := 0; i <= 200; i++ {
		rtf := seq[min(i/10, len(seq)-1)]
		if tr, ok := l.Observe(rtf); ok {
			got = append(got, step{to: tr.To, at: tr.At.Sub(start), config: store.Load()})
		}
		clk.Advance(time.Second)
	}

	want := []step{
		{degrade.Warning, 32 * time.Second, asr.Config{ModelName: "small.en", ChunkSeconds: 3, VADEnabled: true}},
		{degrade.Degrade, 42 * time.Second, asr.Config{ModelName: "base.en", ChunkSeconds: 3}},
		{degrade.Emergency, 52 * time.Second, asr.Config{ModelName: "base.en", ChunkSeconds: 3, DropAlternate: true}},
		{degrade.Degrade, 112 * time.Second, asr.Config{ModelName: "base.en", ChunkSeconds: 3}},
		{degrade.Warning, 142 * time.Second, asr.Config{ModelName: "small.en", ChunkSeconds: 3, VADEnabled: true}},
		{degrade.Normal, 172 * time.Second, asr.Config{ModelName: "small.en", ChunkSeconds: 2, VADEnabled: true}},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d transitions %+v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if st := l.State(); st.Level != degrade.Normal || len(st.ActionsApplied) != 0 || len(st.Transitions) != 6 {
		t.Errorf("final state = %+v", st)
	}
}

func TestLadder_ChunkSecondsCapped(t *testing.T) {
	t.Parallel()

	clk := &clock{t: time.Unix(0, 0)}
	store := asr.NewConfigStore(asr.Config{ModelName: "tiny.en", ChunkSeconds: 8})
	l := degrade.New(store, degrade.WithClock(clk.Now))
	if tr, ok := l.Observe(0.9); !ok || tr.To != degrade.Warning {
		t.Fatalf("Observe = %+v, %v; want Warning", tr, ok)
	}
	if got := store.Load().ChunkSeconds; got != 8 {
		t.Errorf("ChunkSeconds = %d, want 8", got)
	}
}

func TestLadder_NoEscalationWhileAverageLow(t *testing.T) {
	t.Parallel()

	l, _, clk := newLadder(t)
	for range 25 {
		l.Observe(0.1)
		clk.Advance(time.Second)
	}
	// One slow chunk does not lift the 30 s average above 0.7.
	if _, ok := l.Observe(2.0); ok {
		t.Errorf("escalated on a single spike, level %v", l.Level())
	}
}

func TestLadder_DwellBeforeFurtherEscalation(t *testing.T) {
	t.Parallel()

	l, _, clk := newLadder(t)
	if tr, ok := l.Observe(1.5); !ok || tr.To != degrade.Warning {
		t.Fatalf("first Observe = %+v, %v", tr, ok)
	}
	for range 9 {
		clk.Advance(time.Second)
		if tr, ok := l.Observe(1.5); ok {
			t.Fatalf("escalated to %v before dwell elapsed", tr.To)
		}
	}
	clk.Advance(time.Second)
	if tr, ok := l.Observe(1.5); !ok || tr.To != degrade.Degrade {
		t.Fatalf("Observe after dwell = %+v, %v; want Degrade", tr, ok)
	}
}

func TestLadder_Monotonicity(t *testing.T) {
	t.Parallel()

	l, _, clk := newLadder(t)
	rng := rand.New(rand.NewPCG(1, 2))
	var lastRecovery time.Time
	for range 2000 {
		rtf := rng.Float64() * 1.6
		before := l.State()
		tr, ok := l.Observe(rtf)
		if ok && tr.To > tr.From && tr.AvgRTF <= degrade.RecoveryRTF {
			t.Fatalf("escalated %v->%v with avg %v", tr.From, tr.To, tr.AvgRTF)
		}
		if ok && tr.To < tr.From {
			if tr.From-tr.To != 1 {
				t.Fatalf("recovered %v->%v, want one step", tr.From, tr.To)
			}
			if !lastRecovery.IsZero() && tr.At.Sub(lastRecovery) < degrade.RecoveryWindow {
				t.Fatalf("recoveries %s apart", tr.At.Sub(lastRecovery))
			}
			if tr.At.Sub(before.LastRecoveryCheck) < degrade.RecoveryWindow {
				t.Fatalf("recovery checked %s after the previous check", tr.At.Sub(before.LastRecoveryCheck))
			}
			lastRecovery = tr.At
		}
		clk.Advance(time.Duration(rng.IntN(3000)) * time.Millisecond)
	}
}

func TestLadder_FailoverAfterErrorStreak(t *testing.T) {
	t.Parallel()

	var failovers, failbacks int
	l, _, clk := newLadder(t, degrade.WithFailover(
		func(context.Context) error { failovers++; return nil },
		func(context.Context) error { failbacks++; return nil },
	), degrade.WithFailoverAfter(3))

	ctx := context.Background()
	transient := asr.Transient("mock", errors.New("pipe broken"))

	if _, ok := l.ReportError(ctx, asr.Fatal("mock", errors.New("no model"))); ok {
		t.Error("fatal error triggered failover")
	}
	for i := range 2 {
		if _, ok := l.ReportError(ctx, transient); ok {
			t.Fatalf("failover after %d errors", i+1)
		}
	}
	tr, ok := l.ReportError(ctx, transient)
	if !ok || tr.To != degrade.Failover {
		t.Fatalf("third error = %+v, %v; want Failover", tr, ok)
	}
	if _, ok := l.ReportError(ctx, transient); ok || failovers != 1 {
		t.Errorf("failover hook called %d times, want 1", failovers)
	}

	var back degrade.Transition
	for range 40 {
		clk.Advance(time.Second)
		if tr, ok := l.Observe(0.2); ok {
			back = tr
			break
		}
	}
	if back.From != degrade.Failover || back.To != degrade.Normal || failbacks != 1 {
		t.Errorf("recovery = %+v, failbacks %d", back, failbacks)
	}
}

func TestLadder_SuccessResetsErrorStreak(t *testing.T) {
	t.Parallel()

	var failovers int
	l, _, _ := newLadder(t, degrade.WithFailover(func(context.Context) error { failovers++; return nil }, nil))
	ctx := context.Background()
	transient := asr.Transient("mock", errors.New("timeout"))
	for range 5 {
		l.ReportError(ctx, transient)
		l.ReportError(ctx, transient)
		l.Observe(0.3)
	}
	if failovers != 0 {
		t.Errorf("failovers = %d, want 0", failovers)
	}
}

func TestLadder_FailoverHookErrorKeepsLevel(t *testing.T) {
	t.Parallel()

	l, _, _ := newLadder(t, degrade.WithFailover(func(context.Context) error { return errors.New("no fallback") }, nil),
		degrade.WithFailoverAfter(1))
	if _, ok := l.ReportError(context.Background(), asr.Transient("mock", errors.New("x"))); ok {
		t.Error("transitioned although the failover hook failed")
	}
	if l.Level() != degrade.Normal {
		t.Errorf("Level = %v, want normal", l.Level())
	}
}

func TestLadder_OnTransition(t *testing.T) {
	t.Parallel()

	var seen []degrade.Transition
	l, _, _ := newLadder(t, degrade.WithOnTransition(func(tr degrade.Transition) { seen = append(seen, tr) }))
	l.Observe(0.95)
	if len(seen) != 1 || seen[0].To != degrade.Warning || seen[0].Action == "" {
		t.Errorf("callbacks = %+v", seen)
	}
}

// escalate drives l up to level with slow chunks, one dwell apart.
func escalate(t *testing.T, l *degrade.Ladder, clk *clock, level degrade.Level) {
	t.Helper()
	for l.Level() < level {
		if _, ok := l.Observe(1.5); !ok {
			t.Fatalf("no escalation at %v", l.Level())
		}
		clk.Advance(degrade.MinDwell)
	}
}

// settle feeds fast chunks until one recovery step happens.
func settle(t *testing.T, l *degrade.Ladder, clk *clock) degrade.Transition {
	t.Helper()
	for range 120 {
		clk.Advance(time.Second)
		if tr, ok := l.Observe(0.1); ok {
			return tr
		}
	}
	t.Fatalf("no recovery from %v", l.Level())
	return degrade.Transition{}
}

func TestLadder_CloseRevertsEverything(t *testing.T) {
	t.Parallel()

	var failbacks int
	var seen []degrade.Transition
	l, store, clk := newLadder(t,
		degrade.WithFailover(func(context.Context) error { return nil }, func(context.Context) error { failbacks++; return nil }),
		degrade.WithFailoverAfter(1),
		degrade.WithOnTransition(func(tr degrade.Transition) { seen = append(seen, tr) }),
	)
	seed := store.Load()

	escalate(t, l, clk, degrade.Emergency)
	if got := store.Load(); !got.DropAlternate || got.ChunkSeconds != 3 || got.ModelName != "base.en" {
		t.Fatalf("config at emergency = %+v", got)
	}
	if _, ok := l.ReportError(context.Background(), asr.Transient("mock", errors.New("eof"))); !ok {
		t.Fatal("no failover")
	}
	seen = nil

	l.Close()

	if got := store.Load(); got != seed {
		t.Errorf("config after Close = %+v, want %+v", got, seed)
	}
	if l.Level() != degrade.Normal || len(l.State().ActionsApplied) != 0 {
		t.Errorf("state after Close = %+v", l.State())
	}
	if failbacks != 1 {
		t.Errorf("failbacks = %d, want 1", failbacks)
	}
	if len(seen) != 4 || seen[len(seen)-1].To != degrade.Normal {
		t.Errorf("Close transitions = %+v, want failback then three reverts", seen)
	}

	seen = nil
	l.Close()
	if len(seen) != 0 || failbacks != 1 {
		t.Errorf("second Close transitioned %+v", seen)
	}
}

func TestLadder_InterleavedRecoveryOnSharedStore(t *testing.T) {
	t.Parallel()

	clk := &clock{t: time.Unix(0, 0)}
	store := asr.NewConfigStore(asr.Config{ModelName: "small.en", ChunkSeconds: 2, VADEnabled: true})
	a := degrade.New(store, degrade.WithClock(clk.Now))
	b := degrade.New(store, degrade.WithClock(clk.Now))

	escalate(t, a, clk, degrade.Warning)
	escalate(t, b, clk, degrade.Warning)
	if got := store.Load().ChunkSeconds; got != 4 {
		t.Fatalf("ChunkSeconds after both escalated = %d, want 4", got)
	}

	// a recovers first although b escalated last.
	if tr := settle(t, a, clk); tr.To != degrade.Normal {
		t.Fatalf("a recovered to %v", tr.To)
	}
	if got := store.Load().ChunkSeconds; got != 3 {
		t.Errorf("ChunkSeconds after a recovered = %d, want 3", got)
	}
	b.Close()
	if got := store.Load(); got.ChunkSeconds != 2 || got.ModelName != "small.en" || !got.VADEnabled {
		t.Errorf("config after both recovered = %+v, want the seed", got)
	}
}
