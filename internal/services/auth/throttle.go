// -----------------------------------------------------------------------
// Login Throttle - Redis-backed failed-attempt counting and lockout
// -----------------------------------------------------------------------

package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/toolbox/internal/storage"
)

// ThrottleConfig bounds failed local logins. Throttling is disabled when
// any field is zero.
type ThrottleConfig struct {
	MaxAttempts    int `json:"max_attempts"`
	WindowSeconds  int `json:"window_seconds"`
	LockoutSeconds int `json:"lockout_seconds"`
}

// DefaultThrottleConfig is applied when a local provider omits throttle
// settings entirely.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{MaxAttempts: 5, WindowSeconds: 300, LockoutSeconds: 600}
}

// Enabled reports whether all three knobs are positive.
func (c ThrottleConfig) Enabled() bool {
	return c.MaxAttempts > 0 && c.WindowSeconds > 0 && c.LockoutSeconds > 0
}

// Throttle counts failed login attempts per subject in Redis and converts
// a burst of failures into a timed lockout. Subjects are lowercased
// usernames so "Admin" and "admin" share a counter.
type Throttle struct {
	kv     *storage.KV
	config ThrottleConfig
}

// NewThrottle wires a throttle onto the shared Redis connection.
func NewThrottle(kv *storage.KV, config ThrottleConfig) *Throttle {
	return &Throttle{kv: kv, config: config}
}

func normalizeSubject(subject string) string {
	return strings.ToLower(strings.TrimSpace(subject))
}

func (t *Throttle) attemptsKey(subject string) string {
	return t.kv.Key("auth", "local", "attempts", subject)
}

func (t *Throttle) lockoutKey(subject string) string {
	return t.kv.Key("auth", "local", "lockout", subject)
}

// Enabled reports whether this throttle does anything at all.
func (t *Throttle) Enabled() bool {
	return t.config.Enabled()
}

// CheckLockout returns the remaining lockout duration for a subject, or
// zero when the subject may attempt a login.
func (t *Throttle) CheckLockout(ctx context.Context, subject string) (time.Duration, error) {
	if !t.Enabled() {
		return 0, nil
	}
	ttl, err := t.kv.Client().TTL(ctx, t.lockoutKey(normalizeSubject(subject))).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to check lockout: %w", err)
	}
	if ttl > 0 {
		return ttl, nil
	}
	return 0, nil
}

// RecordFailure counts one failed attempt. When the counter reaches the
// configured maximum the attempts key is dropped and a lockout key is set;
// the return values are (locked, remaining lockout) in that case and
// (false, 0) otherwise.
func (t *Throttle) RecordFailure(ctx context.Context, subject string) (bool, time.Duration, error) {
	if !t.Enabled() {
		return false, 0, nil
	}
	normalized := normalizeSubject(subject)
	key := t.attemptsKey(normalized)

	attempts, err := t.kv.Client().Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to count login failure: %w", err)
	}
	if err := t.kv.Client().Expire(ctx, key, time.Duration(t.config.WindowSeconds)*time.Second).Err(); err != nil {
		return false, 0, fmt.Errorf("failed to expire attempt counter: %w", err)
	}

	if attempts < int64(t.config.MaxAttempts) {
		return false, 0, nil
	}

	lockout := time.Duration(t.config.LockoutSeconds) * time.Second
	pipe := t.kv.Client().Pipeline()
	pipe.Del(ctx, key)
	pipe.Set(ctx, t.lockoutKey(normalized), "1", lockout)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("failed to set lockout: %w", err)
	}
	return true, lockout, nil
}

// Reset clears the failed-attempt counter after a successful login. An
// active lockout is left in place until it expires on its own.
func (t *Throttle) Reset(ctx context.Context, subject string) error {
	if !t.Enabled() {
		return nil
	}
	if err := t.kv.Client().Del(ctx, t.attemptsKey(normalizeSubject(subject))).Err(); err != nil {
		return fmt.Errorf("failed to reset attempt counter: %w", err)
	}
	return nil
}

// LockoutError carries the remaining lockout so the HTTP layer can set a
// Retry-After header. It travels wrapped inside a KindThrottled app error.
type LockoutError struct {
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("locked out for %s", e.RetryAfter.Round(time.Second))
}
