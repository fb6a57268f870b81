package connection

import (
	"math/rand"
	"sort"
	"sync"
)

// Strategy selects which available target handles the next request
type Strategy string

const (
	// StrategyRoundRobin rotates through available targets
	StrategyRoundRobin Strategy = "ROUND_ROBIN"
	// StrategyLeastRequests picks the target with the fewest total requests
	StrategyLeastRequests Strategy = "LEAST_REQUESTS"
	// StrategyWeightedRandom picks randomly proportional to target weight
	StrategyWeightedRandom Strategy = "WEIGHTED_RANDOM"
	// StrategyBestResponseTime picks the target with the lowest latency EMA
	StrategyBestResponseTime Strategy = "BEST_RESPONSE_TIME"
	// StrategyHealthAware picks the target with the highest composite score
	StrategyHealthAware Strategy = "HEALTH_AWARE"
	// StrategyPriority deterministically picks the highest-priority
	// (lowest Priority value) available target
	StrategyPriority Strategy = "PRIORITY"
)

// IsValid returns true if the strategy is a known value
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyRoundRobin, StrategyLeastRequests, StrategyWeightedRandom,
		StrategyBestResponseTime, StrategyHealthAware, StrategyPriority:
		return true
	default:
		return false
	}
}

// Selector picks targets according to a strategy. A Selector keeps the
// rotating state needed by round-robin and is safe for concurrent use.
type Selector struct {
	strategy Strategy

	mu      sync.Mutex
	rrIndex int
	rng     *rand.Rand
}

// NewSelector creates a selector for the given strategy
func NewSelector(strategy Strategy, seed int64) *Selector {
	if !strategy.IsValid() {
		strategy = StrategyRoundRobin
	}
	return &Selector{
		strategy: strategy,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Strategy returns the configured strategy
func (s *Selector) Strategy() Strategy {
	return s.strategy
}

// Select picks one target from the candidates, skipping unavailable ones
// and any id in exclude. Returns nil when no candidate is available.
func (s *Selector) Select(candidates []*Target, exclude map[string]bool) *Target {
	available := make([]*Target, 0, len(candidates))
	for _, t := range candidates {
		if t == nil || !t.Available() {
			continue
		}
		if exclude != nil && exclude[t.ID] {
			continue
		}
		available = append(available, t)
	}
	if len(available) == 0 {
		return nil
	}

	switch s.strategy {
	case StrategyLeastRequests:
		return minBy(available, func(t *Target) float64 { return float64(t.TotalRequests()) })
	case StrategyWeightedRandom:
		return s.weightedRandom(available)
	case StrategyBestResponseTime:
		return minBy(available, func(t *Target) float64 { return t.AvgLatency().Seconds() })
	case StrategyHealthAware:
		return maxBy(available, func(t *Target) float64 { return t.CompositeScore() })
	case StrategyPriority:
		sort.SliceStable(available, func(i, j int) bool {
			return available[i].Priority < available[j].Priority
		})
		return available[0]
	default: // round robin
		s.mu.Lock()
		defer s.mu.Unlock()
		t := available[s.rrIndex%len(available)]
		s.rrIndex++
		return t
	}
}

func (s *Selector) weightedRandom(targets []*Target) *Target {
	total := 0
	for _, t := range targets {
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	s.mu.Lock()
	n := s.rng.Intn(total)
	s.mu.Unlock()
	for _, t := range targets {
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		n -= w
		if n < 0 {
			return t
		}
	}
	return targets[len(targets)-1]
}

func minBy(targets []*Target, score func(*Target) float64) *Target {
	best := targets[0]
	bestScore := score(best)
	for _, t := range targets[1:] {
		if s := score(t); s < bestScore {
			best, bestScore = t, s
		}
	}
	return best
}

func maxBy(targets []*Target, score func(*Target) float64) *Target {
	best := targets[0]
	bestScore := score(best)
	for _, t := range targets[1:] {
		if s := score(t); s > bestScore {
			best, bestScore = t, s
		}
	}
	return best
}
