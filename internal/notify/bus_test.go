package notify

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jubee/internal/domain"
	"jubee/internal/intake"
)

func receive(t *testing.T, ch <-chan intake.Notification) intake.Notification {
	t.Helper()
	select {
	case n, ok := <-ch:
		require.True(t, ok, "channel closed")
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	return intake.Notification{}
}

func TestSubscribeFiltersBySession(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	t.Cleanup(func() { bus.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mine, err := bus.Subscribe(ctx, "s1")
	require.NoError(t, err)
	all, err := bus.Subscribe(ctx, "")
	require.NoError(t, err)

	bus.Notify(intake.Notification{SessionID: "s2", Kind: intake.NotifyUpdate, Status: domain.StatusCollecting})
	assert.Equal(t, "s2", receive(t, all).SessionID)

	bus.Notify(intake.Notification{SessionID: "s1", Kind: intake.NotifyToast, Level: intake.LevelWarn, Message: "Upload failed"})
	got := receive(t, mine)
	assert.Equal(t, intake.NotifyToast, got.Kind)
	assert.Equal(t, "Upload failed", got.Message)
	assert.Equal(t, "s1", receive(t, all).SessionID)
}

func TestSubscribeClosesWithContext(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	t.Cleanup(func() { bus.Close() })
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(ctx, "s1")
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotifyWithoutSubscribersDoesNotBlock(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Notify(intake.Notification{SessionID: "s1", Kind: intake.NotifyUpdate})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notify blocked")
	}
	require.NoError(t, bus.Close())
}
