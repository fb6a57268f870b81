package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func targetWithPriority(id string, priority int) *Target {
	t := NewTarget(id, "https://"+id+".example.com")
	t.Priority = priority
	return t
}

func TestSelectorSkipsUnavailableAndExcluded(t *testing.T) {
	a := NewTarget("a", "https://a.example.com")
	b := NewTarget("b", "https://b.example.com")
	c := NewTarget("c", "https://c.example.com")
	b.SetEnabled(false)

	s := NewSelector(StrategyRoundRobin, 1)
	seen := map[string]int{}
	for i := 0; i < 10; i++ {
		picked := s.Select([]*Target{a, b, c}, map[string]bool{"c": true})
		require.NotNil(t, picked)
		seen[picked.ID]++
	}
	assert.Equal(t, 10, seen["a"])
	assert.Zero(t, seen["b"])
	assert.Zero(t, seen["c"])
}

func TestSelectorReturnsNilWhenNothingAvailable(t *testing.T) {
	a := NewTarget("a", "https://a.example.com")
	a.SetStatus(StatusUnhealthy)

	s := NewSelector(StrategyPriority, 1)
	assert.Nil(t, s.Select([]*Target{a, nil}, nil))
	assert.Nil(t, s.Select(nil, nil))
}

func TestSelectorRoundRobinRotates(t *testing.T) {
	a := NewTarget("a", "https://a.example.com")
	b := NewTarget("b", "https://b.example.com")

	s := NewSelector(StrategyRoundRobin, 1)
	first := s.Select([]*Target{a, b}, nil)
	second := s.Select([]*Target{a, b}, nil)
	third := s.Select([]*Target{a, b}, nil)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.ID, third.ID)
}

func TestSelectorLeastRequests(t *testing.T) {
	a := NewTarget("a", "https://a.example.com")
	b := NewTarget("b", "https://b.example.com")
	a.RecordResult(time.Millisecond, true)
	a.RecordResult(time.Millisecond, true)
	b.RecordResult(time.Millisecond, true)

	s := NewSelector(StrategyLeastRequests, 1)
	assert.Equal(t, "b", s.Select([]*Target{a, b}, nil).ID)
}

func TestSelectorBestResponseTime(t *testing.T) {
	slow := NewTarget("slow", "https://slow.example.com")
	fast := NewTarget("fast", "https://fast.example.com")
	slow.RecordResult(500*time.Millisecond, true)
	fast.RecordResult(20*time.Millisecond, true)

	s := NewSelector(StrategyBestResponseTime, 1)
	assert.Equal(t, "fast", s.Select([]*Target{slow, fast}, nil).ID)
}

func TestSelectorHealthAwarePrefersBetterScore(t *testing.T) {
	good := NewTarget("good", "https://good.example.com")
	bad := NewTarget("bad", "https://bad.example.com")
	good.RecordResult(10*time.Millisecond, true)
	bad.RecordResult(10*time.Millisecond, false)
	bad.RecordResult(10*time.Millisecond, false)

	s := NewSelector(StrategyHealthAware, 1)
	assert.Equal(t, "good", s.Select([]*Target{bad, good}, nil).ID)
}

func TestSelectorPriorityIsDeterministic(t *testing.T) {
	primary := targetWithPriority("primary", 0)
	secondary := targetWithPriority("secondary", 1)
	tertiary := targetWithPriority("tertiary", 2)

	s := NewSelector(StrategyPriority, 1)
	for i := 0; i < 5; i++ {
		assert.Equal(t, "primary", s.Select([]*Target{tertiary, primary, secondary}, nil).ID)
	}

	primary.SetEnabled(false)
	for i := 0; i < 5; i++ {
		assert.Equal(t, "secondary", s.Select([]*Target{tertiary, primary, secondary}, nil).ID)
	}
}

func TestSelectorWeightedRandomHonorsWeights(t *testing.T) {
	heavy := NewTarget("heavy", "https://heavy.example.com")
	light := NewTarget("light", "https://light.example.com")
	heavy.Weight = 9
	light.Weight = 1

	s := NewSelector(StrategyWeightedRandom, 42)
	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		counts[s.Select([]*Target{heavy, light}, nil).ID]++
	}
	assert.Greater(t, counts["heavy"], counts["light"]*3)
	assert.Greater(t, counts["light"], 0)
}

func TestSelectorUnknownStrategyFallsBackToRoundRobin(t *testing.T) {
	s := NewSelector(Strategy("BOGUS"), 1)
	assert.Equal(t, StrategyRoundRobin, s.Strategy())
}
