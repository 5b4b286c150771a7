package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aussiebroadwan/console/pkg/slogx"
)

// RateLimitConfig defines the rate limiting parameters.
type RateLimitConfig struct {
	// RequestsPerWindow is the number of requests allowed in the time window
	RequestsPerWindow int
	// Window is the time window for rate limiting
	Window time.Duration
	// Burst allows for temporary bursts above the rate limit
	Burst int
}

// Enabled reports whether the config describes a usable limit.
func (c RateLimitConfig) Enabled() bool {
	return c.RequestsPerWindow > 0 && c.Window > 0
}

// DefaultLimit keeps a single client well under the admin API's own
// per-user limits. Allows 300 requests per minute with bursts of 30.
// Override with: RATELIMIT_CONSOLE_REQUESTS, RATELIMIT_CONSOLE_WINDOW_SEC, RATELIMIT_CONSOLE_BURST
var DefaultLimit = RateLimitConfig{
	RequestsPerWindow: 300,
	Window:            time.Minute,
	Burst:             30,
}

// maxCooldown caps how long a server's Retry-After can stall a key.
const maxCooldown = 2 * time.Minute

// ParseRateLimitFromEnv reads rate limit configuration from environment variables.
// Environment variables follow the pattern: RATELIMIT_{prefix}_{field}
// For example: RATELIMIT_CONSOLE_REQUESTS, RATELIMIT_CONSOLE_WINDOW_SEC, RATELIMIT_CONSOLE_BURST
func ParseRateLimitFromEnv(prefix string, defaultConfig RateLimitConfig) RateLimitConfig {
	config := defaultConfig

	if val := os.Getenv("RATELIMIT_" + prefix + "_REQUESTS"); val != "" {
		if requests, err := strconv.Atoi(val); err == nil && requests > 0 {
			config.RequestsPerWindow = requests
		}
	}

	if val := os.Getenv("RATELIMIT_" + prefix + "_WINDOW_SEC"); val != "" {
		if windowSec, err := strconv.Atoi(val); err == nil && windowSec > 0 {
			config.Window = time.Duration(windowSec) * time.Second
		}
	}

	if val := os.Getenv("RATELIMIT_" + prefix + "_BURST"); val != "" {
		if burst, err := strconv.Atoi(val); err == nil && burst > 0 {
			config.Burst = burst
		}
	}

	return config
}

// KeyExtractor groups outgoing requests for rate limiting purposes.
type KeyExtractor func(*http.Request) string

// HostKeyExtractor limits per destination host.
func HostKeyExtractor(r *http.Request) string {
	return r.URL.Host
}

// MethodKeyExtractor limits per HTTP method.
func MethodKeyExtractor(r *http.Request) string {
	return r.Method
}

// CompositeKeyExtractor combines multiple key extractors with a separator.
// Example: CompositeKeyExtractor(":", HostKeyExtractor, MethodKeyExtractor)
// would produce keys like "admin.example.com:POST"
func CompositeKeyExtractor(sep string, extractors ...KeyExtractor) KeyExtractor {
	return func(r *http.Request) string {
		var parts []string
		for _, extractor := range extractors {
			if key := extractor(r); key != "" {
				parts = append(parts, key)
			}
		}
		return strings.Join(parts, sep)
	}
}

// rateLimiter manages rate limiters for different keys
type rateLimiter struct {
	limiters  sync.Map // map[string]*rate.Limiter
	cooldowns sync.Map // map[string]time.Time
	rate      rate.Limit
	burst     int
	mu        sync.Mutex
	// Cleanup old limiters periodically
	lastCleanup time.Time
}

func newRateLimiter(config RateLimitConfig) *rateLimiter {
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		rate:        rate.Limit(float64(config.RequestsPerWindow) / config.Window.Seconds()),
		burst:       burst,
		lastCleanup: time.Now(),
	}
}

// getLimiter retrieves or creates a rate limiter for the given key
func (rl *rateLimiter) getLimiter(key string) *rate.Limiter {
	if limiter, ok := rl.limiters.Load(key); ok {
		return limiter.(*rate.Limiter)
	}

	limiter := rate.NewLimiter(rl.rate, rl.burst)
	actual, _ := rl.limiters.LoadOrStore(key, limiter)

	rl.maybeCleanup()

	return actual.(*rate.Limiter)
}

// maybeCleanup drops limiters with a full bucket and expired cooldowns.
func (rl *rateLimiter) maybeCleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastCleanup) < 5*time.Minute {
		return
	}
	rl.lastCleanup = time.Now()

	rl.limiters.Range(func(key, value any) bool {
		if value.(*rate.Limiter).Tokens() >= float64(rl.burst) {
			rl.limiters.Delete(key)
		}
		return true
	})
	rl.cooldowns.Range(func(key, value any) bool {
		if time.Now().After(value.(time.Time)) {
			rl.cooldowns.Delete(key)
		}
		return true
	})
}

// coolDown stalls key until the given time.
func (rl *rateLimiter) coolDown(key string, until time.Time) {
	rl.cooldowns.Store(key, until)
}

// wait blocks until key may send or ctx is done.
func (rl *rateLimiter) wait(ctx context.Context, key string) error {
	if v, ok := rl.cooldowns.Load(key); ok {
		if d := time.Until(v.(time.Time)); d > 0 {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return rl.getLimiter(key).Wait(ctx)
}

// RateLimitTransport delays outgoing requests so that each key stays within
// config. A 429 answer with a Retry-After header stalls the key for that long.
// Waiting respects the request context; a request that cannot be sent before
// its deadline fails without reaching the server.
func RateLimitTransport(config RateLimitConfig, keyExtractor KeyExtractor) Middleware {
	rl := newRateLimiter(config)

	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			ctx := r.Context()
			log := slogx.FromContext(ctx)

			key := keyExtractor(r)
			if key == "" {
				log.Warn("rate limit: unable to extract key, allowing request")
				return next.RoundTrip(r)
			}

			if err := rl.wait(ctx, key); err != nil {
				return nil, fmt.Errorf("rate limit %s: %w", key, err)
			}

			resp, err := next.RoundTrip(r)
			if err != nil {
				return nil, err
			}

			if resp.StatusCode == http.StatusTooManyRequests {
				if delay, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
					delay = min(delay, maxCooldown)
					rl.coolDown(key, time.Now().Add(delay))
					log.Warn("rate limited by server",
						slog.String("key", key),
						slog.String("path", r.URL.Path),
						slog.Duration("retry_after", delay),
					)
				}
			}
			return resp, nil
		})
	}
}

// RateLimitByHost creates a rate limiter that limits per destination host.
func RateLimitByHost(config RateLimitConfig) Middleware {
	return RateLimitTransport(config, HostKeyExtractor)
}

// parseRetryAfter reads a Retry-After value in either delta-seconds or
// HTTP-date form.
func parseRetryAfter(val string, now time.Time) (time.Duration, bool) {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(val); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(val); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}
