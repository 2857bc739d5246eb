// Package datastore abstracts the shared state the gateway needs across
// requests: quota counters, secure-communication replay tracking and
// cluster stats exchange. A single-node deployment uses the in-memory
// store; multi-node deployments point every node at the same Redis.
package datastore

import (
	"context"
	"time"
)

// QuotaState is the result of counting one call against an API key.
// Counters reflect the state after the increment.
type QuotaState struct {
	WithinSecond int64
	WithinDay    int64
	WithinMonth  int64
}

// StatsView is the per-node traffic summary exchanged between cluster
// members. Rates are events per second, durations in milliseconds.
type StatsView struct {
	NodeID                    string  `json:"nodeId"`
	Rate                      float64 `json:"rate"`
	Duration                  float64 `json:"duration"`
	Overhead                  float64 `json:"overhead"`
	DataInRate                float64 `json:"dataInRate"`
	DataOutRate               float64 `json:"dataOutRate"`
	ConcurrentHandledRequests int64   `json:"concurrentHandledRequests"`
}

// Store is the shared-state backend.
type Store interface {
	// IncrQuotas counts one call for the key and returns the updated
	// window counters. Window boundaries are computed in UTC.
	IncrQuotas(ctx context.Context, clientID string, now time.Time) (QuotaState, error)

	// CheckAndStoreNonce records a token id for ttl and reports whether
	// it was fresh. A false return means the id was already seen.
	CheckAndStoreNonce(ctx context.Context, jti string, ttl time.Duration) (bool, error)

	// PublishStats stores this node's stats view for peers to read.
	PublishStats(ctx context.Context, view StatsView, ttl time.Duration) error

	// ListStats returns the stats views of every live node.
	ListStats(ctx context.Context) ([]StatsView, error)

	Close() error
}

// Window key layout shared by implementations.
func secWindow(now time.Time) string   { return now.UTC().Format("20060102150405") }
func dayWindow(now time.Time) string   { return now.UTC().Format("20060102") }
func monthWindow(now time.Time) string { return now.UTC().Format("200601") }

// endOfDay returns the next UTC midnight after now.
func endOfDay(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// endOfMonth returns the first instant of the next UTC month.
func endOfMonth(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
