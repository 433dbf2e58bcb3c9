package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRaceReturnsResult(t *testing.T) {
	got, err := race(context.Background(), func() (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("race returned error: %v", err)
	}
	if got != 42 {
		t.Errorf("race = %d, want 42", got)
	}
}

func TestRaceReturnsOpError(t *testing.T) {
	opErr := errors.New("boom")
	_, err := race(context.Background(), func() (int, error) {
		return 0, opErr
	})
	if !errors.Is(err, opErr) {
		t.Errorf("race error = %v, want %v", err, opErr)
	}
}

func TestRaceCancelCarriesCause(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	block := make(chan struct{})
	defer close(block)

	done := make(chan error, 1)
	go func() {
		_, err := race(ctx, func() (int, error) {
			<-block
			return 0, nil
		})
		done <- err
	}()

	cancel(ErrDisconnectRequested)

	select {
	case err := <-done:
		if !errors.Is(err, ErrDisconnectRequested) {
			t.Errorf("race error = %v, want cause %v", err, ErrDisconnectRequested)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("race did not return after cancellation")
	}
}

func TestRaceTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	block := make(chan struct{})
	defer close(block)

	_, err := race(ctx, func() (int, error) {
		<-block
		return 0, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("race error = %v, want deadline exceeded", err)
	}
}

func TestRaceDiscardsLateResult(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	release := make(chan struct{})

	opDone := make(chan struct{})
	go func() {
		_, _ = race(ctx, func() (int, error) {
			<-release
			close(opDone)
			return 7, nil
		})
	}()

	cancel(errors.New("too slow"))
	close(release)

	// The operation must still run to completion and its send must not
	// block even though nobody receives the result.
	select {
	case <-opDone:
	case <-time.After(2 * time.Second):
		t.Fatal("operation never completed after cancellation")
	}
}
