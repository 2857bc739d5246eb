package stats

import (
	"testing"
	"time"

	"github.com/oto-proxy/oto/internal/datastore"
)

func TestRecordAndViews(t *testing.T) {
	l := NewLiveStats()

	l.Record("svc-a", 100*time.Millisecond, 10*time.Millisecond, 1000, 5000)
	l.Record("svc-a", 300*time.Millisecond, 30*time.Millisecond, 3000, 7000)
	l.Record("svc-b", 50*time.Millisecond, 5*time.Millisecond, 100, 200)

	a := l.ServiceView("svc-a")
	if a.Calls != 2 || a.DataIn != 4000 || a.DataOut != 12000 {
		t.Errorf("svc-a view = %+v", a)
	}
	if a.AvgDuration != 200 {
		t.Errorf("svc-a avg duration = %v ms, want 200", a.AvgDuration)
	}
	if a.AvgOverhead != 20 {
		t.Errorf("svc-a avg overhead = %v ms, want 20", a.AvgOverhead)
	}

	g := l.GlobalView()
	if g.Calls != 3 || g.DataIn != 4100 {
		t.Errorf("global view = %+v", g)
	}

	// The rate window sees all three calls.
	if g.CallsPerSec <= 0 {
		t.Errorf("global rate = %v, want > 0", g.CallsPerSec)
	}
}

func TestInFlightTracking(t *testing.T) {
	l := NewLiveStats()

	done1 := l.Begin("svc")
	done2 := l.Begin("svc")
	if got := l.ServiceView("svc").ConcurrentHandledRequests; got != 2 {
		t.Errorf("in flight = %d, want 2", got)
	}
	if got := l.GlobalView().ConcurrentHandledRequests; got != 2 {
		t.Errorf("global in flight = %d, want 2", got)
	}
	done1()
	done2()
	if got := l.ServiceView("svc").ConcurrentHandledRequests; got != 0 {
		t.Errorf("in flight after completion = %d, want 0", got)
	}
}

func TestAggregateSumsAndAverages(t *testing.T) {
	local := datastore.StatsView{
		NodeID: "n1", Rate: 10, Duration: 100, Overhead: 10,
		DataInRate: 1000, DataOutRate: 2000, ConcurrentHandledRequests: 3,
	}
	peers := []datastore.StatsView{
		{NodeID: "n2", Rate: 20, Duration: 200, Overhead: 20, DataInRate: 500, DataOutRate: 700, ConcurrentHandledRequests: 5},
		{NodeID: "n3", Rate: 30, Duration: 300, Overhead: 30, DataInRate: 100, DataOutRate: 300, ConcurrentHandledRequests: 2},
		// The local node's own published view must not be counted twice.
		{NodeID: "n1", Rate: 10, Duration: 100, Overhead: 10},
	}

	agg := Aggregate(local, peers)
	if agg.Rate != 60 {
		t.Errorf("rate = %v, want 60 (sum)", agg.Rate)
	}
	if agg.DataInRate != 1600 || agg.DataOutRate != 3000 {
		t.Errorf("data rates = %v/%v", agg.DataInRate, agg.DataOutRate)
	}
	if agg.ConcurrentHandledRequests != 10 {
		t.Errorf("in flight = %d, want 10", agg.ConcurrentHandledRequests)
	}
	if agg.Duration != 200 {
		t.Errorf("duration = %v, want 200 (average)", agg.Duration)
	}
	if agg.Overhead != 20 {
		t.Errorf("overhead = %v, want 20 (average)", agg.Overhead)
	}
}

func TestLocalStatsView(t *testing.T) {
	l := NewLiveStats()
	l.Record("svc", 100*time.Millisecond, 10*time.Millisecond, 10, 20)
	done := l.Begin("svc")
	defer done()

	v := l.LocalStatsView("node-1")
	if v.NodeID != "node-1" {
		t.Errorf("node id = %s", v.NodeID)
	}
	if v.ConcurrentHandledRequests != 1 {
		t.Errorf("in flight = %d", v.ConcurrentHandledRequests)
	}
	if v.Duration != 100 {
		t.Errorf("duration = %v ms, want 100", v.Duration)
	}
}
