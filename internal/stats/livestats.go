// Package stats keeps live per-service and global traffic counters
// with sliding-window rate estimators.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oto-proxy/oto/internal/datastore"
)

// windowSize is the number of one-second buckets in the rate window.
const windowSize = 60

type bucket struct {
	sec     int64
	calls   int64
	dataIn  int64
	dataOut int64
}

// window is a ring of per-second buckets. Stale slots are cleared
// lazily when written or summed.
type window struct {
	mu      sync.Mutex
	buckets [windowSize]bucket
}

func (w *window) add(now time.Time, calls, dataIn, dataOut int64) {
	sec := now.Unix()
	idx := sec % windowSize
	w.mu.Lock()
	b := &w.buckets[idx]
	if b.sec != sec {
		*b = bucket{sec: sec}
	}
	b.calls += calls
	b.dataIn += dataIn
	b.dataOut += dataOut
	w.mu.Unlock()
}

// rates sums the window and divides by its span in seconds.
func (w *window) rates(now time.Time) (callsPerSec, dataInRate, dataOutRate float64) {
	oldest := now.Unix() - windowSize
	var calls, dataIn, dataOut int64
	w.mu.Lock()
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.sec > oldest {
			calls += b.calls
			dataIn += b.dataIn
			dataOut += b.dataOut
		}
	}
	w.mu.Unlock()
	span := float64(windowSize)
	return float64(calls) / span, float64(dataIn) / span, float64(dataOut) / span
}

// ServiceStats is the live counter set for one service.
type ServiceStats struct {
	Calls      atomic.Int64
	DataIn     atomic.Int64
	DataOut    atomic.Int64
	DurationNs atomic.Int64
	OverheadNs atomic.Int64
	InFlight   atomic.Int64

	win window
}

// View is a point-in-time read of one counter set.
type View struct {
	Calls                     int64   `json:"calls"`
	DataIn                    int64   `json:"dataIn"`
	DataOut                   int64   `json:"dataOut"`
	CallsPerSec               float64 `json:"callsPerSec"`
	DataInRate                float64 `json:"dataInRate"`
	DataOutRate               float64 `json:"dataOutRate"`
	AvgDuration               float64 `json:"avgDuration"` // milliseconds
	AvgOverhead               float64 `json:"avgOverhead"` // milliseconds
	ConcurrentHandledRequests int64   `json:"concurrentHandledRequests"`
}

func (s *ServiceStats) view(now time.Time) View {
	calls := s.Calls.Load()
	v := View{
		Calls:                     calls,
		DataIn:                    s.DataIn.Load(),
		DataOut:                   s.DataOut.Load(),
		ConcurrentHandledRequests: s.InFlight.Load(),
	}
	v.CallsPerSec, v.DataInRate, v.DataOutRate = s.win.rates(now)
	if calls > 0 {
		v.AvgDuration = float64(s.DurationNs.Load()) / float64(calls) / 1e6
		v.AvgOverhead = float64(s.OverheadNs.Load()) / float64(calls) / 1e6
	}
	return v
}

// LiveStats tracks every service plus a global aggregate, and mirrors
// the counters into Prometheus collectors.
type LiveStats struct {
	mu       sync.RWMutex
	services map[string]*ServiceStats
	global   ServiceStats

	promCalls    *prometheus.CounterVec
	promDataIn   *prometheus.CounterVec
	promDataOut  *prometheus.CounterVec
	promDuration *prometheus.HistogramVec
	promInFlight *prometheus.GaugeVec
	registry     *prometheus.Registry
}

// NewLiveStats creates the tracker and its Prometheus registry.
func NewLiveStats() *LiveStats {
	l := &LiveStats{
		services: make(map[string]*ServiceStats),
		registry: prometheus.NewRegistry(),
		promCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otoroshi_service_calls_total",
			Help: "Total proxied calls per service.",
		}, []string{"service"}),
		promDataIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otoroshi_service_data_in_bytes_total",
			Help: "Bytes received from clients per service.",
		}, []string{"service"}),
		promDataOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otoroshi_service_data_out_bytes_total",
			Help: "Bytes sent to clients per service.",
		}, []string{"service"}),
		promDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "otoroshi_service_call_duration_seconds",
			Help:    "Call duration per service.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		promInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "otoroshi_service_in_flight_requests",
			Help: "Requests currently being proxied per service.",
		}, []string{"service"}),
	}
	l.registry.MustRegister(l.promCalls, l.promDataIn, l.promDataOut, l.promDuration, l.promInFlight)
	return l
}

// Registry exposes the Prometheus registry for the metrics endpoint.
func (l *LiveStats) Registry() *prometheus.Registry {
	return l.registry
}

func (l *LiveStats) service(id string) *ServiceStats {
	l.mu.RLock()
	s, ok := l.services[id]
	l.mu.RUnlock()
	if ok {
		return s
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok = l.services[id]; ok {
		return s
	}
	s = &ServiceStats{}
	l.services[id] = s
	return s
}

// Begin marks a request in flight. The returned func ends it.
func (l *LiveStats) Begin(serviceID string) func() {
	s := l.service(serviceID)
	s.InFlight.Add(1)
	l.global.InFlight.Add(1)
	l.promInFlight.WithLabelValues(serviceID).Inc()
	return func() {
		s.InFlight.Add(-1)
		l.global.InFlight.Add(-1)
		l.promInFlight.WithLabelValues(serviceID).Dec()
	}
}

// Record counts one finished call.
func (l *LiveStats) Record(serviceID string, duration, overhead time.Duration, dataIn, dataOut int64) {
	now := time.Now()
	for _, s := range []*ServiceStats{l.service(serviceID), &l.global} {
		s.Calls.Add(1)
		s.DataIn.Add(dataIn)
		s.DataOut.Add(dataOut)
		s.DurationNs.Add(int64(duration))
		s.OverheadNs.Add(int64(overhead))
		s.win.add(now, 1, dataIn, dataOut)
	}
	l.promCalls.WithLabelValues(serviceID).Inc()
	l.promDataIn.WithLabelValues(serviceID).Add(float64(dataIn))
	l.promDataOut.WithLabelValues(serviceID).Add(float64(dataOut))
	l.promDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

// GlobalView reads the process-wide aggregate.
func (l *LiveStats) GlobalView() View {
	return l.global.view(time.Now())
}

// ServiceView reads one service's counters.
func (l *LiveStats) ServiceView(serviceID string) View {
	return l.service(serviceID).view(time.Now())
}

// ServiceViews reads every tracked service.
func (l *LiveStats) ServiceViews() map[string]View {
	now := time.Now()
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]View, len(l.services))
	for id, s := range l.services {
		out[id] = s.view(now)
	}
	return out
}

// LocalStatsView shapes the global aggregate for cluster publication.
func (l *LiveStats) LocalStatsView(nodeID string) datastore.StatsView {
	v := l.GlobalView()
	return datastore.StatsView{
		NodeID:                    nodeID,
		Rate:                      v.CallsPerSec,
		Duration:                  v.AvgDuration,
		Overhead:                  v.AvgOverhead,
		DataInRate:                v.DataInRate,
		DataOutRate:               v.DataOutRate,
		ConcurrentHandledRequests: v.ConcurrentHandledRequests,
	}
}
