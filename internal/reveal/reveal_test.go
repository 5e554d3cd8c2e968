package reveal_test

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jubee/internal/clock"
	"jubee/internal/reveal"
)

const tau = 20 * time.Millisecond

func newRevealer(t *testing.T, interval time.Duration) (*reveal.Revealer, *clock.Manual, *[]int64) {
	t.Helper()
	clk := clock.NewManual(time.Unix(0, 0))
	var done []int64
	r := reveal.New(reveal.Config{
		Interval: interval,
		Clock:    clk,
		Locker:   &sync.Mutex{},
		Logger:   zerolog.Nop(),
		OnDone:   func(id int64) { done = append(done, id) },
	})
	return r, clk, &done
}

func TestRevealIsMonotonicAndExact(t *testing.T) {
	r, clk, done := newRevealer(t, tau)
	text := "Which court?"
	r.Start(1, text)

	for k := 1; k < len(text); k++ {
		clk.Advance(tau)
		shown, ok := r.Revealed(1)
		require.True(t, ok)
		assert.Equal(t, k, shown)
		assert.Equal(t, text[:k], r.Prefix(1, text))
		assert.False(t, r.Done(1))
	}
	clk.Advance(tau)
	assert.True(t, r.Done(1))
	assert.Equal(t, text, r.Prefix(1, text))
	assert.Equal(t, []int64{1}, *done)
	assert.Equal(t, 0, clk.Pending())
}

func TestRevealCountsRunes(t *testing.T) {
	r, clk, _ := newRevealer(t, tau)
	text := "नमस्ते"
	r.Start(7, text)
	clk.Advance(2 * tau)
	shown, _ := r.Revealed(7)
	assert.Equal(t, 2, shown)
	assert.Equal(t, string([]rune(text)[:2]), r.Prefix(7, text))
}

func TestConcurrentRevealsKeepSeparateCounters(t *testing.T) {
	r, clk, _ := newRevealer(t, tau)
	r.Start(1, "abcdef")
	clk.Advance(2 * tau)
	r.Start(2, "xyz")
	clk.Advance(tau)

	one, _ := r.Revealed(1)
	two, _ := r.Revealed(2)
	assert.Equal(t, 3, one)
	assert.Equal(t, 1, two)
	assert.Equal(t, int64(2), r.Latest())
	assert.Equal(t, 2, r.Active())
}

func TestCancelAllStopsTimers(t *testing.T) {
	r, clk, done := newRevealer(t, tau)
	r.Start(1, "long enough text")
	clk.Advance(tau)
	r.CancelAll()
	assert.Equal(t, 0, clk.Pending())
	clk.Advance(time.Second)
	_, ok := r.Revealed(1)
	assert.False(t, ok)
	assert.Empty(t, *done)
}

func TestZeroIntervalRevealsInstantly(t *testing.T) {
	r, clk, done := newRevealer(t, 0)
	r.Start(3, "instant")
	assert.True(t, r.Done(3))
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, []int64{3}, *done)
}

func TestCompleteSkipsAhead(t *testing.T) {
	r, clk, done := newRevealer(t, tau)
	r.Start(4, "skip me")
	r.Complete(4)
	assert.True(t, r.Done(4))
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, []int64{4}, *done)
}
