package ratelimit

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiterSpendsTokensPerClient(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	limiter := New(client, 2, 1)

	for i := 0; i < 2; i++ {
		allowed, _, err := limiter.Allow(ctx, "10.0.0.1")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	allowed, remaining, err := limiter.Allow(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Error("request over capacity should be rejected")
	}
	if remaining >= 1 {
		t.Errorf("remaining = %v, want < 1", remaining)
	}

	// Other clients have their own bucket.
	if allowed, _, _ := limiter.Allow(ctx, "10.0.0.2"); !allowed {
		t.Error("separate client should have a fresh bucket")
	}

	// Refill cannot be tested against miniredis: the script takes its clock
	// from the caller, and FastForward only moves the Redis clock.
}
