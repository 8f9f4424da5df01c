package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/thurmanlabs/settlement_backend/config"
)

func TestWithProcessingLock_RunsWithoutRedis(t *testing.T) {
	// REDIS_ADDRESS is unset in unit test runs, so the lock client is nil and
	// the wrapped function must run directly.
	ran := false
	err := WithProcessingLock(context.Background(), config.GetLogger(), "lock:settle:1", func() error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("wrapped function did not run without redis")
	}
}

func TestWithProcessingLock_PropagatesError(t *testing.T) {
	wantErr := errors.New("settlement failed")
	err := WithProcessingLock(context.Background(), config.GetLogger(), "lock:settle:1", func() error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped error to propagate, got %v", err)
	}
}
