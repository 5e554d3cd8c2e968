// Package reveal animates assistant turns one character at a time.
package reveal

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"jubee/internal/clock"
)

type Config struct {
	// Interval is the delay per revealed character. Zero or less reveals instantly.
	Interval time.Duration
	Clock    clock.Clock
	// Locker guards the state the callbacks touch. Callers of Start, Revealed,
	// Done and CancelAll must hold it; tick callbacks acquire it themselves.
	Locker sync.Locker
	Logger zerolog.Logger
	// OnDone runs with Locker held once a turn is fully revealed.
	OnDone func(turnID int64)
}

type progress struct {
	total int
	shown int
	timer clock.Timer
}

// Revealer keeps one ticking timer and one revealed-character counter per turn.
type Revealer struct {
	cfg      Config
	epoch    uint64
	progress map[int64]*progress
	latest   int64
}

func New(cfg Config) *Revealer {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Locker == nil {
		cfg.Locker = &sync.Mutex{}
	}
	return &Revealer{cfg: cfg, progress: map[int64]*progress{}}
}

// Start begins revealing text for turnID. The most recently started turn is
// the active one for chip gating.
func (r *Revealer) Start(turnID int64, text string) {
	total := utf8.RuneCountInString(text)
	p := &progress{total: total}
	if old, ok := r.progress[turnID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	r.progress[turnID] = p
	r.latest = turnID
	if r.cfg.Interval <= 0 || total == 0 {
		p.shown = total
		r.finish(turnID)
		return
	}
	r.schedule(turnID, p, r.epoch)
}

func (r *Revealer) schedule(turnID int64, p *progress, epoch uint64) {
	p.timer = r.cfg.Clock.AfterFunc(r.cfg.Interval, func() { r.tick(turnID, epoch) })
}

func (r *Revealer) tick(turnID int64, epoch uint64) {
	r.cfg.Locker.Lock()
	defer r.cfg.Locker.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			r.cfg.Logger.Error().Interface("panic", rec).Int64("turn_id", turnID).Msg("reveal tick panicked")
		}
	}()
	if epoch != r.epoch {
		return
	}
	p, ok := r.progress[turnID]
	if !ok || p.shown >= p.total {
		return
	}
	p.shown++
	if p.shown >= p.total {
		p.timer = nil
		r.finish(turnID)
		return
	}
	r.schedule(turnID, p, epoch)
}

func (r *Revealer) finish(turnID int64) {
	if r.cfg.OnDone != nil {
		r.cfg.OnDone(turnID)
	}
}

// Revealed returns how many characters of the turn are visible. Turns the
// revealer never saw are reported as fully visible (ok=false).
func (r *Revealer) Revealed(turnID int64) (shown int, ok bool) {
	p, ok := r.progress[turnID]
	if !ok {
		return 0, false
	}
	return p.shown, true
}

// Prefix returns the visible part of text for the turn.
func (r *Revealer) Prefix(turnID int64, text string) string {
	shown, ok := r.Revealed(turnID)
	if !ok {
		return text
	}
	i := 0
	for pos := range text {
		if i == shown {
			return text[:pos]
		}
		i++
	}
	return text
}

// Done reports whether the turn is fully revealed.
func (r *Revealer) Done(turnID int64) bool {
	p, ok := r.progress[turnID]
	return !ok || p.shown >= p.total
}

// Latest returns the turn most recently started.
func (r *Revealer) Latest() int64 { return r.latest }

// Active returns the number of reveals still ticking.
func (r *Revealer) Active() int {
	n := 0
	for _, p := range r.progress {
		if p.shown < p.total {
			n++
		}
	}
	return n
}

// Complete reveals the turn at once, stopping its timer.
func (r *Revealer) Complete(turnID int64) {
	p, ok := r.progress[turnID]
	if !ok || p.shown >= p.total {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.shown = p.total
	r.finish(turnID)
}

// CancelAll stops every pending timer and clears all counters. Callbacks
// already in flight observe the new epoch and do nothing.
func (r *Revealer) CancelAll() {
	r.epoch++
	for _, p := range r.progress {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	r.progress = map[int64]*progress{}
	r.latest = 0
}
