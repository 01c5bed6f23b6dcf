package balancer

import (
	"fmt"
	mrand "math/rand/v2"
)

// Strategy names accepted by configuration.
const (
	StrategyRoundRobin       = "round_robin"
	StrategyLeastConnections = "least_connections"
	StrategyWeighted         = "weighted"
	StrategyHealthBased      = "health_based"
)

// Strategy picks one backend from a non-empty eligible set. Pick is
// always called under the balancer lock, so strategies may read live
// backend fields without further synchronization.
type Strategy interface {
	Name() string
	Pick(eligible []*Backend) *Backend
}

// NewStrategy returns the strategy registered under name. The empty
// string selects the default (health_based).
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case StrategyRoundRobin:
		return &roundRobin{}, nil
	case StrategyLeastConnections:
		return &leastConnections{}, nil
	case StrategyWeighted:
		return &weighted{rand: mrand.Float64}, nil
	case StrategyHealthBased, "":
		return &healthBased{}, nil
	default:
		return nil, fmt.Errorf("balancer: unknown strategy %q", name)
	}
}

// roundRobin cycles an index over the eligible set.
type roundRobin struct {
	next int
}

func (s *roundRobin) Name() string { return StrategyRoundRobin }

func (s *roundRobin) Pick(eligible []*Backend) *Backend {
	picked := eligible[s.next%len(eligible)]
	s.next++

	return picked
}

// leastConnections picks the eligible backend with the smallest current
// load.
type leastConnections struct{}

func (s *leastConnections) Name() string { return StrategyLeastConnections }

func (s *leastConnections) Pick(eligible []*Backend) *Backend {
	picked := eligible[0]

	for _, b := range eligible[1:] {
		if b.CurrentLoad < picked.CurrentLoad {
			picked = b
		}
	}

	return picked
}

// weighted draws a weighted-random choice where weight is the product of
// spare-capacity ratio and inverse recent response time. When the total
// weight is zero it deliberately falls back to the first eligible
// backend rather than a uniform random pick.
type weighted struct {
	rand func() float64
}

func (s *weighted) Name() string { return StrategyWeighted }

// minResponseSeconds floors the response time used for inverse weighting
// so a backend that has never been measured does not get infinite weight.
const minResponseSeconds = 0.001

func (s *weighted) Pick(eligible []*Backend) *Backend {
	weights := make([]float64, len(eligible))
	total := 0.0

	for i, b := range eligible {
		seconds := b.ResponseTime.Seconds()
		if seconds < minResponseSeconds {
			seconds = minResponseSeconds
		}

		weights[i] = b.spareCapacity() * (1.0 / seconds)
		total += weights[i]
	}

	if total <= 0 {
		return eligible[0]
	}

	target := s.rand() * total

	for i, w := range weights {
		target -= w
		if target < 0 {
			return eligible[i]
		}
	}

	return eligible[len(eligible)-1]
}

// healthBased scores each eligible backend on a blend of health, spare
// capacity, success history and responsiveness, picking the maximum.
type healthBased struct{}

func (s *healthBased) Name() string { return StrategyHealthBased }

const (
	healthWeight         = 0.4
	spareCapacityWeight  = 0.3
	successRatioWeight   = 0.2
	responsivenessWeight = 0.1
)

func score(b *Backend) float64 {
	health := 0.0
	if b.Healthy {
		health = 1.0
	}

	return healthWeight*health +
		spareCapacityWeight*b.spareCapacity() +
		successRatioWeight*b.successRatio() +
		responsivenessWeight*b.responsiveness()
}

func (s *healthBased) Pick(eligible []*Backend) *Backend {
	picked := eligible[0]
	best := score(picked)

	for _, b := range eligible[1:] {
		if current := score(b); current > best {
			picked = b
			best = current
		}
	}

	return picked
}
