package lockx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bsm/redislock"
)

func TestObtainErrorMapsBusyKey(t *testing.T) {
	err := obtainError(redislock.ErrNotObtained, "inspectline:tasks")
	if !errors.Is(err, ErrNotObtained) {
		t.Fatalf("expected ErrNotObtained, got %v", err)
	}
	if errors.Is(err, redislock.ErrNotObtained) {
		t.Fatalf("redislock error should not leak: %v", err)
	}
}

func TestObtainErrorKeepsTransportFailures(t *testing.T) {
	dial := errors.New("dial tcp: connection refused")
	err := obtainError(dial, "inspectline:tasks")
	if errors.Is(err, ErrNotObtained) {
		t.Fatalf("transport failure reported as busy lock: %v", err)
	}
	if !errors.Is(err, dial) {
		t.Fatalf("expected wrapped dial error, got %v", err)
	}
}

func TestReleaseErrorIgnoresExpiredLock(t *testing.T) {
	if err := releaseError(redislock.ErrLockNotHeld); err != nil {
		t.Fatalf("expired lock should release cleanly, got %v", err)
	}
	boom := errors.New("boom")
	if err := releaseError(boom); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestNoopGrantsEveryLock(t *testing.T) {
	release, err := Noop{}.Obtain(context.Background(), "tasks", time.Second)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	if err := release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestNewRedisDefaultsPrefix(t *testing.T) {
	r := NewRedis(RedisOptions{Addr: "127.0.0.1:0"})
	defer r.Close()
	if r.prefix != "inspectline" {
		t.Fatalf("expected default prefix, got %q", r.prefix)
	}
}
