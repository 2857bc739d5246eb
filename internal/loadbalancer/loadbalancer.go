// Package loadbalancer picks an upstream target for each call.
package loadbalancer

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/oto-proxy/oto/internal/config"
)

// ewmaDecay controls how fast response time averages forget history.
const ewmaDecay = 0.3

type targetTimes struct {
	mu sync.Mutex
	// avg in milliseconds; sampled reports whether any call landed yet.
	avg     float64
	sampled bool
}

func (t *targetTimes) observe(d time.Duration) {
	ms := float64(d.Milliseconds())
	t.mu.Lock()
	if !t.sampled {
		t.avg = ms
		t.sampled = true
	} else {
		t.avg = ewmaDecay*ms + (1-ewmaDecay)*t.avg
	}
	t.mu.Unlock()
}

func (t *targetTimes) average() (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.avg, t.sampled
}

type serviceState struct {
	mu    sync.Mutex
	rr    uint64
	times map[string]*targetTimes // keyed by target URL
}

func (s *serviceState) next() uint64 {
	s.mu.Lock()
	n := s.rr
	s.rr++
	s.mu.Unlock()
	return n
}

func (s *serviceState) timesFor(key string) *targetTimes {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.times[key]
	if !ok {
		t = &targetTimes{}
		s.times[key] = t
	}
	return t
}

// Selector applies a service's load balancing policy. It keeps
// per-service rotation counters and response time averages.
type Selector struct {
	mu     sync.Mutex
	states map[string]*serviceState

	region string
	zone   string
}

// NewSelector creates a selector for an instance located in the given
// region and zone. Both may be empty.
func NewSelector(region, zone string) *Selector {
	return &Selector{
		states: make(map[string]*serviceState),
		region: region,
		zone:   zone,
	}
}

func (s *Selector) state(serviceID string) *serviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[serviceID]
	if !ok {
		st = &serviceState{times: make(map[string]*targetTimes)}
		s.states[serviceID] = st
	}
	return st
}

// ObserveResponseTime feeds a completed call back into the averages
// used by the BestResponseTime policies.
func (s *Selector) ObserveResponseTime(serviceID string, target config.Target, d time.Duration) {
	s.state(serviceID).timesFor(target.URL()).observe(d)
}

// Select picks a target for one attempt. The exclude set holds target
// URLs already tried in this request so retries never reuse a target.
func (s *Selector) Select(svc *config.ServiceDescriptor, sessionID, clientIP string, exclude map[string]bool) (config.Target, error) {
	targets := s.eligible(svc, exclude)
	if len(targets) == 0 {
		return config.Target{}, fmt.Errorf("service %s: no target left to try", svc.ID)
	}
	if len(targets) == 1 {
		return targets[0], nil
	}

	st := s.state(svc.ID)
	lb := svc.TargetsLoadBalancing

	switch lb.Type {
	case config.Random:
		weighted := expandWeights(targets)
		return weighted[rand.Intn(len(weighted))], nil

	case config.Sticky:
		return pickByHash(sessionID, targets), nil

	case config.IPAddressHash:
		return pickByHash(clientIP, targets), nil

	case config.BestResponseTime:
		return s.pickBest(st, targets), nil

	case config.WeightedBestResponseTime:
		best := s.pickBest(st, targets)
		if rand.Float64() < lb.Ratio {
			return best, nil
		}
		others := make([]config.Target, 0, len(targets)-1)
		for _, t := range targets {
			if t.URL() != best.URL() {
				others = append(others, t)
			}
		}
		if len(others) == 0 {
			return best, nil
		}
		return others[rand.Intn(len(others))], nil

	default: // RoundRobin
		weighted := expandWeights(targets)
		return weighted[st.next()%uint64(len(weighted))], nil
	}
}

// eligible filters by predicate against the instance location, falling
// back to the full list so a misconfigured predicate never stops
// traffic, then removes already-tried targets.
func (s *Selector) eligible(svc *config.ServiceDescriptor, exclude map[string]bool) []config.Target {
	matched := make([]config.Target, 0, len(svc.Targets))
	for _, t := range svc.Targets {
		if t.Predicate.Matches(s.region, s.zone) {
			matched = append(matched, t)
		}
	}
	if len(matched) == 0 {
		matched = svc.Targets
	}
	if len(exclude) == 0 {
		return matched
	}
	remaining := make([]config.Target, 0, len(matched))
	for _, t := range matched {
		if !exclude[t.URL()] {
			remaining = append(remaining, t)
		}
	}
	return remaining
}

// expandWeights repeats each target according to its weight, so a
// weight-3 target takes three slots in the rotation.
func expandWeights(targets []config.Target) []config.Target {
	expanded := make([]config.Target, 0, len(targets))
	for _, t := range targets {
		w := t.Weight
		if w < 1 {
			w = 1
		}
		for i := 0; i < w; i++ {
			expanded = append(expanded, t)
		}
	}
	return expanded
}

// pickByHash maps an identifier onto the target list with a jump
// consistent hash, so the same id lands on the same target as long as
// the target count is unchanged.
func pickByHash(id string, targets []config.Target) config.Target {
	return targets[jumpHash(xxhash.Sum64String(id), len(targets))]
}

// jumpHash is Lamping and Veach's jump consistent hash.
func jumpHash(key uint64, buckets int) int {
	var b, j int64 = -1, 0
	for j < int64(buckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}

// pickBest returns the target with the lowest average response time.
// Unsampled targets count as zero so every target is tried early on.
// Ties rotate round-robin.
func (s *Selector) pickBest(st *serviceState, targets []config.Target) config.Target {
	bestAvg := -1.0
	var ties []config.Target
	for _, t := range targets {
		avg, sampled := st.timesFor(t.URL()).average()
		if !sampled {
			avg = 0
		}
		switch {
		case bestAvg < 0 || avg < bestAvg:
			bestAvg = avg
			ties = ties[:0]
			ties = append(ties, t)
		case avg == bestAvg:
			ties = append(ties, t)
		}
	}
	if len(ties) == 1 {
		return ties[0]
	}
	return ties[st.next()%uint64(len(ties))]
}
