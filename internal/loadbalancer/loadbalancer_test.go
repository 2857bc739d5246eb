package loadbalancer

import (
	"fmt"
	"testing"
	"time"

	"github.com/oto-proxy/oto/internal/config"
)

func targetsOf(weights ...int) []config.Target {
	out := make([]config.Target, len(weights))
	for i, w := range weights {
		out[i] = config.Target{Host: fmt.Sprintf("t%d:900%d", i, i), Weight: w}
	}
	return out
}

func lbService(lbType config.LoadBalancingType, targets []config.Target) *config.ServiceDescriptor {
	return &config.ServiceDescriptor{
		ID:                   "svc",
		Targets:              targets,
		TargetsLoadBalancing: config.LoadBalancing{Type: lbType, Ratio: 0.5},
	}
}

func TestRoundRobinWeighted(t *testing.T) {
	svc := lbService(config.RoundRobin, targetsOf(3, 2, 1))
	sel := NewSelector("", "")

	counts := map[string]int{}
	for i := 0; i < 6; i++ {
		target, err := sel.Select(svc, "", "", nil)
		if err != nil {
			t.Fatal(err)
		}
		counts[target.Host]++
	}

	// Six picks with weights 3:2:1 hit each target exactly its weight.
	if counts["t0:9000"] != 3 || counts["t1:9001"] != 2 || counts["t2:9002"] != 1 {
		t.Errorf("distribution = %v, want 3/2/1", counts)
	}
}

func TestRoundRobinCyclesDeterministically(t *testing.T) {
	svc := lbService(config.RoundRobin, targetsOf(1, 1))
	sel := NewSelector("", "")

	var hosts []string
	for i := 0; i < 4; i++ {
		target, _ := sel.Select(svc, "", "", nil)
		hosts = append(hosts, target.Host)
	}
	if hosts[0] != hosts[2] || hosts[1] != hosts[3] || hosts[0] == hosts[1] {
		t.Errorf("rotation = %v", hosts)
	}
}

func TestStickyDeterminism(t *testing.T) {
	svc := lbService(config.Sticky, targetsOf(1, 1, 1))
	sel := NewSelector("", "")

	first, err := sel.Select(svc, "session-abc", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		target, _ := sel.Select(svc, "session-abc", "", nil)
		if target.Host != first.Host {
			t.Fatalf("pick %d moved from %s to %s", i, first.Host, target.Host)
		}
	}

	// A fresh selector agrees: the mapping depends only on the id and
	// the target count.
	other, _ := NewSelector("", "").Select(svc, "session-abc", "", nil)
	if other.Host != first.Host {
		t.Errorf("new selector picked %s, want %s", other.Host, first.Host)
	}
}

func TestStickySpreadsSessions(t *testing.T) {
	svc := lbService(config.Sticky, targetsOf(1, 1, 1))
	sel := NewSelector("", "")

	counts := map[string]int{}
	for i := 0; i < 300; i++ {
		target, _ := sel.Select(svc, fmt.Sprintf("session-%d", i), "", nil)
		counts[target.Host]++
	}
	for host, n := range counts {
		if n < 50 {
			t.Errorf("target %s only got %d of 300 sessions", host, n)
		}
	}
}

func TestIPAddressHashStability(t *testing.T) {
	svc := lbService(config.IPAddressHash, targetsOf(1, 1, 1, 1))
	sel := NewSelector("", "")

	first, _ := sel.Select(svc, "", "203.0.113.77", nil)
	for i := 0; i < 20; i++ {
		target, _ := sel.Select(svc, "", "203.0.113.77", nil)
		if target.Host != first.Host {
			t.Fatalf("same ip moved targets")
		}
	}
}

func TestBestResponseTime(t *testing.T) {
	targets := targetsOf(1, 1, 1)
	svc := lbService(config.BestResponseTime, targets)
	sel := NewSelector("", "")

	// Unsampled targets count as fastest, so early picks rotate over
	// all of them.
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		target, _ := sel.Select(svc, "", "", nil)
		seen[target.Host] = true
	}
	if len(seen) != 3 {
		t.Errorf("first 3 picks covered %d targets, want 3", len(seen))
	}

	sel.ObserveResponseTime("svc", targets[0], 500*time.Millisecond)
	sel.ObserveResponseTime("svc", targets[1], 10*time.Millisecond)
	sel.ObserveResponseTime("svc", targets[2], 300*time.Millisecond)

	for i := 0; i < 10; i++ {
		target, _ := sel.Select(svc, "", "", nil)
		if target.Host != targets[1].Host {
			t.Fatalf("pick %d = %s, want fastest %s", i, target.Host, targets[1].Host)
		}
	}
}

func TestWeightedBestResponseTimeMixes(t *testing.T) {
	targets := targetsOf(1, 1)
	svc := lbService(config.WeightedBestResponseTime, targets)
	sel := NewSelector("", "")
	sel.ObserveResponseTime("svc", targets[0], 10*time.Millisecond)
	sel.ObserveResponseTime("svc", targets[1], 500*time.Millisecond)

	counts := map[string]int{}
	for i := 0; i < 500; i++ {
		target, _ := sel.Select(svc, "", "", nil)
		counts[target.Host]++
	}
	// Ratio 0.5: both targets must see a meaningful share.
	if counts[targets[0].Host] < 100 || counts[targets[1].Host] < 100 {
		t.Errorf("distribution = %v", counts)
	}
}

func TestPredicateFilterWithFallback(t *testing.T) {
	targets := []config.Target{
		{Host: "eu:9000", Predicate: config.TargetPredicate{Type: "RegionMatch", Region: "eu-west-1"}},
		{Host: "us:9000", Predicate: config.TargetPredicate{Type: "RegionMatch", Region: "us-east-1"}},
	}
	svc := lbService(config.RoundRobin, targets)

	sel := NewSelector("eu-west-1", "a")
	for i := 0; i < 4; i++ {
		target, _ := sel.Select(svc, "", "", nil)
		if target.Host != "eu:9000" {
			t.Fatalf("got %s, want region-local target", target.Host)
		}
	}

	// No predicate matches: the full list serves as fallback.
	sel = NewSelector("ap-south-1", "a")
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		target, _ := sel.Select(svc, "", "", nil)
		seen[target.Host] = true
	}
	if len(seen) != 2 {
		t.Errorf("fallback should rotate over all targets, saw %v", seen)
	}
}

func TestSelectExcludesTriedTargets(t *testing.T) {
	svc := lbService(config.RoundRobin, targetsOf(1, 1))
	sel := NewSelector("", "")

	first, _ := sel.Select(svc, "", "", nil)
	second, err := sel.Select(svc, "", "", map[string]bool{first.URL(): true})
	if err != nil {
		t.Fatal(err)
	}
	if second.Host == first.Host {
		t.Error("retry reused the failed target")
	}

	_, err = sel.Select(svc, "", "", map[string]bool{
		first.URL(): true, second.URL(): true,
	})
	if err == nil {
		t.Error("exhausted target set should error")
	}
}

func TestJumpHashDistribution(t *testing.T) {
	// Buckets shift minimally when the bucket count grows.
	moved := 0
	for key := uint64(0); key < 1000; key++ {
		if jumpHash(key, 10) != jumpHash(key, 11) {
			moved++
		}
	}
	// Ideal movement is 1000/11 ≈ 91 keys.
	if moved > 200 {
		t.Errorf("%d of 1000 keys moved between 10 and 11 buckets", moved)
	}
	for key := uint64(0); key < 100; key++ {
		b := jumpHash(key, 5)
		if b < 0 || b >= 5 {
			t.Fatalf("bucket %d out of range", b)
		}
	}
}
