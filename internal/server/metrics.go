package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/oto-proxy/oto/internal/config"
	"github.com/oto-proxy/oto/internal/datastore"
	"github.com/oto-proxy/oto/internal/logging"
	"github.com/oto-proxy/oto/internal/stats"
)

// MetricsHandler serves the reserved metrics endpoint with content
// negotiation over json, old_json and prometheus formats.
type MetricsHandler struct {
	view   *config.View
	live   *stats.LiveStats
	store  datastore.Store
	nodeID string
	leader bool
	prom   http.Handler
	logger *zap.Logger
}

// NewMetricsHandler builds the handler. leader enables cluster-wide
// aggregation of peer stats views.
func NewMetricsHandler(view *config.View, live *stats.LiveStats, store datastore.Store, nodeID string, leader bool) *MetricsHandler {
	return &MetricsHandler{
		view:   view,
		live:   live,
		store:  store,
		nodeID: nodeID,
		leader: leader,
		prom:   promhttp.HandlerFor(live.Registry(), promhttp.HandlerOpts{}),
		logger: logging.Named("metrics"),
	}
}

type metricsDocument struct {
	GlobalLiveStats any                   `json:"globalLiveStats"`
	Services        map[string]stats.View `json:"services"`
}

type clusterLiveStats struct {
	stats.View
	ClusterRate                      float64 `json:"clusterRate"`
	ClusterDuration                  float64 `json:"clusterDuration"`
	ClusterOverhead                  float64 `json:"clusterOverhead"`
	ClusterDataInRate                float64 `json:"clusterDataInRate"`
	ClusterDataOutRate               float64 `json:"clusterDataOutRate"`
	ClusterConcurrentHandledRequests int64   `json:"clusterConcurrentHandledRequests"`
}

// Handle serves GET /.well-known/otoroshi/metrics.
func (m *MetricsHandler) Handle(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	global := m.view.Get().Global
	if !global.MetricsEnabled {
		http.NotFound(w, r)
		return
	}
	if global.MetricsAccessKey != "" && r.URL.Query().Get("access_key") != global.MetricsAccessKey {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	switch m.format(r) {
	case "prometheus":
		m.prom.ServeHTTP(w, r)
	case "old_json":
		// Legacy shape: flat per-service map without the global block.
		m.writeJSON(w, m.live.ServiceViews())
	default:
		m.writeJSON(w, metricsDocument{
			GlobalLiveStats: m.globalStats(r.Context()),
			Services:        m.live.ServiceViews(),
		})
	}
}

func (m *MetricsHandler) format(r *http.Request) string {
	if f := r.URL.Query().Get("format"); f != "" {
		return f
	}
	accept := r.Header.Get("Accept")
	switch {
	case strings.Contains(accept, "application/prometheus"):
		return "prometheus"
	case strings.Contains(accept, "application/json"):
		return "json"
	}
	return "json"
}

// globalStats folds peer views in when this node leads the cluster.
func (m *MetricsHandler) globalStats(ctx context.Context) any {
	local := m.live.GlobalView()
	if !m.leader {
		return local
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	peers, err := m.store.ListStats(ctx)
	if err != nil {
		m.logger.Warn("Peer stats unavailable", zap.Error(err))
		return local
	}

	agg := stats.Aggregate(m.live.LocalStatsView(m.nodeID), peers)
	return clusterLiveStats{
		View:                             local,
		ClusterRate:                      agg.Rate,
		ClusterDuration:                  agg.Duration,
		ClusterOverhead:                  agg.Overhead,
		ClusterDataInRate:                agg.DataInRate,
		ClusterDataOutRate:               agg.DataOutRate,
		ClusterConcurrentHandledRequests: agg.ConcurrentHandledRequests,
	}
}

func (m *MetricsHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Warn("Metrics encode failed", zap.Error(err))
	}
}
