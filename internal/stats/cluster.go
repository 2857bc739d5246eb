package stats

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/oto-proxy/oto/internal/datastore"
	"github.com/oto-proxy/oto/internal/logging"
)

// statsTTLFactor keeps published views alive for a few missed publishes
// before peers consider the node gone.
const statsTTLFactor = 3

// Publisher periodically shares this node's stats view with peers.
type Publisher struct {
	store    datastore.Store
	live     *LiveStats
	nodeID   string
	interval time.Duration
	logger   *zap.Logger
}

// NewPublisher creates a stats publisher for this node.
func NewPublisher(store datastore.Store, live *LiveStats, nodeID string, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Publisher{
		store:    store,
		live:     live,
		nodeID:   nodeID,
		interval: interval,
		logger:   logging.Named("cluster"),
	}
}

// Run publishes until the context is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			view := p.live.LocalStatsView(p.nodeID)
			if err := p.store.PublishStats(ctx, view, p.interval*statsTTLFactor); err != nil {
				p.logger.Warn("Stats publish failed", zap.Error(err))
			}
		}
	}
}

// Aggregate folds peer views into the cluster-wide stats: rates and
// in-flight counts sum, durations and overheads average.
func Aggregate(local datastore.StatsView, peers []datastore.StatsView) datastore.StatsView {
	out := datastore.StatsView{
		NodeID:                    "cluster",
		Rate:                      local.Rate,
		DataInRate:                local.DataInRate,
		DataOutRate:               local.DataOutRate,
		ConcurrentHandledRequests: local.ConcurrentHandledRequests,
	}

	durations := []float64{local.Duration}
	overheads := []float64{local.Overhead}
	for _, p := range peers {
		if p.NodeID == local.NodeID {
			continue
		}
		out.Rate += p.Rate
		out.DataInRate += p.DataInRate
		out.DataOutRate += p.DataOutRate
		out.ConcurrentHandledRequests += p.ConcurrentHandledRequests
		durations = append(durations, p.Duration)
		overheads = append(overheads, p.Overhead)
	}

	out.Duration = mean(durations)
	out.Overhead = mean(overheads)
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
