// Package quota counts API key usage against its three limits.
package quota

import (
	"context"
	"time"

	"github.com/oto-proxy/oto/internal/config"
	"github.com/oto-proxy/oto/internal/datastore"
	perrors "github.com/oto-proxy/oto/internal/errors"
)

// Remaining reports how much headroom a key has left after a call.
// Negative values never appear; exhausted dimensions read zero.
type Remaining struct {
	ThrottlingCallsPerSec  int64 `json:"throttlingCallsPerSec"`
	RemainingCallsPerDay   int64 `json:"remainingCallsPerDay"`
	RemainingCallsPerMonth int64 `json:"remainingCallsPerMonth"`
}

// Checker applies quota accounting on top of the shared store.
type Checker struct {
	store datastore.Store
}

// NewChecker creates a quota checker over the given store.
func NewChecker(store datastore.Store) *Checker {
	return &Checker{store: store}
}

// Consume counts one call for the key and verifies every limit. The
// increment happens before the check so concurrent callers settle on a
// single linear order; a limit of zero or below means unlimited.
func (c *Checker) Consume(ctx context.Context, key *config.ApiKey) (Remaining, *perrors.ProxyError) {
	state, err := c.store.IncrQuotas(ctx, key.ClientID, time.Now())
	if err != nil {
		return Remaining{}, perrors.Wrap(err, perrors.ErrInternal.ErrorID, perrors.ErrInternal.Code)
	}

	if key.ThrottlingQuota > 0 && state.WithinSecond > key.ThrottlingQuota {
		return Remaining{}, perrors.ErrQuotaExceeded.WithQuota("throttling")
	}
	if key.DailyQuota > 0 && state.WithinDay > key.DailyQuota {
		return Remaining{}, perrors.ErrQuotaExceeded.WithQuota("daily")
	}
	if key.MonthlyQuota > 0 && state.WithinMonth > key.MonthlyQuota {
		return Remaining{}, perrors.ErrQuotaExceeded.WithQuota("monthly")
	}

	return Remaining{
		ThrottlingCallsPerSec:  headroom(key.ThrottlingQuota, state.WithinSecond),
		RemainingCallsPerDay:   headroom(key.DailyQuota, state.WithinDay),
		RemainingCallsPerMonth: headroom(key.MonthlyQuota, state.WithinMonth),
	}, nil
}

func headroom(limit, used int64) int64 {
	if limit <= 0 {
		return -1 // unlimited
	}
	if used >= limit {
		return 0
	}
	return limit - used
}
