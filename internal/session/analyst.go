package session

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/echopanel/internal/analysis"
	"github.com/MrWong99/echopanel/internal/protocol"
)

// analyst periodically runs the analysis hooks over the recent transcript
// and sends entities_update and cards_update frames. A tick that finds no new
// segments since the previous pass of the same kind sends nothing.
type analyst struct {
	s *Session

	mu        sync.Mutex
	lastEnts  int
	lastCards int

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newAnalyst(s *Session) *analyst {
	return &analyst{s: s, done: make(chan struct{})}
}

// start begins the cadence loop. It runs until stop is called or ctx is
// cancelled.
func (a *analyst) start(ctx context.Context) {
	a.wg.Add(1)
	go a.loop(ctx)
}

// stop halts the loop and waits for an in-flight pass. Safe to call multiple
// times.
func (a *analyst) stop() {
	a.stopOnce.Do(func() { close(a.done) })
	a.wg.Wait()
}

func (a *analyst) loop(ctx context.Context) {
	defer a.wg.Done()
	defer a.s.recoverWorker(ctx, "analysis")
	ents := time.NewTicker(a.s.cfg.EntityInterval)
	defer ents.Stop()
	cards := time.NewTicker(a.s.cfg.CardInterval)
	defer cards.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case <-ents.C:
			a.entities(ctx)
		case <-cards.C:
			a.cards(ctx)
		}
	}
}

func (a *analyst) entities(ctx context.Context) {
	segs := a.s.log.Sorted()
	a.mu.Lock()
	if len(segs) == a.lastEnts {
		a.mu.Unlock()
		return
	}
	a.lastEnts = len(segs)
	a.mu.Unlock()

	recent, win := analysis.Recent(segs, a.s.cfg.AnalysisWindow)
	a.s.send(ctx, protocol.NewEntitiesUpdate(a.s.analyzer.Entities(recent), win))
}

func (a *analyst) cards(ctx context.Context) {
	segs := a.s.log.Sorted()
	a.mu.Lock()
	if len(segs) == a.lastCards {
		a.mu.Unlock()
		return
	}
	a.lastCards = len(segs)
	a.mu.Unlock()

	recent, win := analysis.Recent(segs, a.s.cfg.AnalysisWindow)
	a.s.send(ctx, protocol.NewCardsUpdate(a.s.analyzer.Cards(recent), win))
}
