package redis

import (
	"context"
	"testing"
	"time"
)

func TestAcquireRejectsShortTTL(t *testing.T) {
	lm := &LockManager{}

	for _, ttl := range []time.Duration{0, time.Millisecond, time.Second - 1} {
		unlock, err := lm.Acquire(context.Background(), "trader:acct-1", ttl)
		if err == nil {
			unlock()
			t.Fatalf("ttl %v: expected error", ttl)
		}
	}
}
