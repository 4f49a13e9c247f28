// Package ratelimit provides Redis-backed rate limiting using the INCR +
// EXPIRE fixed-window algorithm. The relay uses it to throttle chat messages
// per session token and connection attempts per client IP. On Redis errors
// the limiter fails open so a Redis outage never blocks legitimate traffic.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number
// of requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g. "rl:msg:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMessage allows 10 chat messages per 10 seconds per session token.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 10, Window: 10 * time.Second}

	// RuleConnect allows 5 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 5, Window: 1 * time.Minute}

	// RuleLogin allows 10 login attempts per minute per IP.
	RuleLogin = Rule{Key: "rl:login:", Limit: 10, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis. A nil *Limiter allows
// everything, so callers can treat rate limiting as optional wiring.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the identifier is within the limit defined by rule.
// It increments the window counter and sets the expiry on first access.
// Returns true if the request is allowed.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) bool {
	if l == nil {
		return true
	}

	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v", key, err)
		}
	}

	return count <= int64(rule.Limit)
}
