package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckpoint_RunningReturnsImmediately(t *testing.T) {
	s := NewSignal()
	assert.NoError(t, s.Checkpoint(context.Background()))
	assert.False(t, s.Paused())
}

func TestCheckpoint_StopConsumedOnce(t *testing.T) {
	s := NewSignal()
	s.Stop()
	assert.True(t, s.Pending())
	assert.ErrorIs(t, s.Checkpoint(context.Background()), ErrStopped)
	assert.NoError(t, s.Checkpoint(context.Background()))
}

func TestCheckpoint_HaltWinsOverStop(t *testing.T) {
	s := NewSignal()
	s.Stop()
	s.Halt()
	assert.ErrorIs(t, s.Checkpoint(context.Background()), ErrHalted)
	assert.False(t, s.Pending())
}

func TestCheckpoint_BlocksUntilResume(t *testing.T) {
	s := NewSignal()
	s.Pause()

	done := make(chan error, 1)
	go func() { done <- s.Checkpoint(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("checkpoint returned while paused: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	s.Resume()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("checkpoint did not return after resume")
	}
}

func TestCheckpoint_StopReleasesPause(t *testing.T) {
	s := NewSignal()
	s.Pause()

	done := make(chan error, 1)
	go func() { done <- s.Checkpoint(context.Background()) }()
	s.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("got %v, want ErrStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("checkpoint did not return after stop")
	}
}

func TestCheckpoint_ContextCancelWhilePaused(t *testing.T) {
	s := NewSignal()
	s.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Checkpoint(ctx), context.DeadlineExceeded)
	assert.True(t, s.Paused())
}

func TestResume_ClearsPendingRequests(t *testing.T) {
	s := NewSignal()
	s.Halt()
	s.Resume()
	assert.NoError(t, s.Checkpoint(context.Background()))

	// Pause twice, resume once.
	s.Pause()
	s.Pause()
	s.Resume()
	assert.False(t, s.Paused())
}
