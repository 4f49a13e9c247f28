package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newTestLimiter connects to a local Redis instance. Tests that call this
// helper require a running Redis; they are skipped otherwise.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client)
}

func TestAllowWithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	id := "test_" + uuid.New().String()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 10 * time.Second}

	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, id, rule) {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}
	if l.Allow(ctx, id, rule) {
		t.Error("request 4 allowed, want denied")
	}
}

func TestWindowExpires(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	id := "test_" + uuid.New().String()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Second}

	if !l.Allow(ctx, id, rule) {
		t.Fatal("first request denied")
	}
	if l.Allow(ctx, id, rule) {
		t.Fatal("second request allowed within window")
	}

	time.Sleep(1100 * time.Millisecond)

	if !l.Allow(ctx, id, rule) {
		t.Error("request denied after window expiry")
	}
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *Limiter
	if !l.Allow(context.Background(), "anything", RuleMessage) {
		t.Error("nil limiter denied a request")
	}
}
