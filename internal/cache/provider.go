// Package cache holds short-lived health API state: rendered summaries and
// mined patterns, plus the markers that rate limit manual collections.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Provider is the key/value store behind the cache. RedisProvider and
// MemoryProvider implement it; NoopProvider disables caching.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// AllServices is the scope of entries that cover every registered service.
const AllServices = "*"

const (
	summaryPrefix  = "health:summary:"
	patternPrefix  = "health:patterns:"
	cooldownPrefix = "health:collect:cooldown:"
)

// Scope trims a service filter; an empty filter means AllServices.
func Scope(service string) string {
	service = strings.TrimSpace(service)
	if service == "" {
		return AllServices
	}
	return service
}

// SummaryKey addresses the cached health summary for service.
func SummaryKey(service string) string {
	return summaryPrefix + Scope(service)
}

// StaleSummaryKeys lists the summaries a new result for service invalidates:
// its own and the all-services one.
func StaleSummaryKeys(service string) []string {
	return []string{SummaryKey(service), SummaryKey(AllServices)}
}

// PatternKey addresses mined anomaly patterns for a scope, which may carry a
// time range suffix.
func PatternKey(scope string) string {
	return patternPrefix + scope
}

// CooldownKey addresses the manual trigger marker for service.
func CooldownKey(service string) string {
	return cooldownPrefix + service
}

// ClaimCooldown reports whether service may be collected manually now and,
// if so, blocks further claims for ttl. Against NoopProvider every claim
// succeeds, so running without a cache means running without a cooldown.
func ClaimCooldown(ctx context.Context, p Provider, service string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return true, nil
	}
	return p.SetNX(ctx, CooldownKey(service), []byte("1"), ttl)
}

// NoopProvider stores nothing: reads miss and SetNX always claims.
type NoopProvider struct{}

// Get always returns ErrCacheMiss.
func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

// Set discards the value.
func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// SetNX reports true without storing anything, which turns ClaimCooldown
// into a pass-through.
func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

// Del does nothing.
func (NoopProvider) Del(context.Context, string) error { return nil }

// Close does nothing.
func (NoopProvider) Close() error { return nil }
