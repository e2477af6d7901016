package routing

import (
	"errors"
	"fmt"
	"sort"

	"jan-server/services/model-gateway/internal/domain/catalog"
	"jan-server/services/model-gateway/internal/domain/health"
)

var ErrNoRoutableBindings = errors.New("no routable provider bindings")

// HealthView is the read side of the health tracker the selector consumes.
type HealthView interface {
	IsAvailable(model, provider string) bool
	SuccessRate(model, provider string) float64
	AvgLatency(model, provider string) (float64, bool)
	State(model, provider string) health.CircuitState
}

// Selector builds ordered, health-filtered failover chains.
type Selector struct {
	health  HealthView
	locks   LockTable
	weights BalancedWeights
}

func NewSelector(healthView HealthView, locks LockTable, weights BalancedWeights) *Selector {
	return &Selector{health: healthView, locks: locks, weights: weights}
}

// BuildChain filters and orders a canonical model's bindings:
// enabled+features, then route locks, then circuit health (with a
// non-empty fallback inside the locked set only), then strategy ordering,
// then truncation to maxProviders.
func (s *Selector) BuildChain(model *catalog.CanonicalModel, strategy Strategy, requiredFeatures []catalog.Feature, maxProviders int) (*FailoverChain, error) {
	if model == nil {
		return nil, ErrNoRoutableBindings
	}
	if !model.Active {
		return nil, fmt.Errorf("%w: model %s is disabled", ErrNoRoutableBindings, model.ID)
	}

	candidates := make([]catalog.ProviderBinding, 0, len(model.Bindings))
	for _, b := range model.Bindings {
		if !b.Enabled {
			continue
		}
		if !b.HasCapabilities(requiredFeatures) {
			continue
		}
		candidates = append(candidates, b)
	}

	lock, locked := s.locks.Match(model.ID)
	if locked {
		kept := candidates[:0]
		for _, b := range candidates {
			if lock.allows(b.Provider) {
				kept = append(kept, b)
			}
		}
		candidates = kept
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: model %s", ErrNoRoutableBindings, model.ID)
	}

	// Drop circuit-OPEN candidates, unless that would empty the chain: a
	// total outage still attempts something rather than failing closed. The
	// fallback only widens within the locked set, never beyond it.
	available := make([]catalog.ProviderBinding, 0, len(candidates))
	for _, b := range candidates {
		if s.health.IsAvailable(model.ID, b.Provider) {
			available = append(available, b)
		}
	}
	if len(available) > 0 {
		candidates = available
	}

	s.order(model.ID, candidates, strategy)

	if maxProviders > 0 && len(candidates) > maxProviders {
		candidates = candidates[:maxProviders]
	}

	return &FailoverChain{
		ModelID:    model.ID,
		Candidates: candidates,
		Lock:       lock,
		Strategy:   strategy,
	}, nil
}

func (s *Selector) order(modelID string, candidates []catalog.ProviderBinding, strategy Strategy) {
	switch strategy {
	case StrategyCost:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].TotalCostPerToken().LessThan(candidates[j].TotalCostPerToken())
		})
	case StrategyLatency:
		sort.SliceStable(candidates, func(i, j int) bool {
			li, iok := s.health.AvgLatency(modelID, candidates[i].Provider)
			lj, jok := s.health.AvgLatency(modelID, candidates[j].Provider)
			// unmeasured candidates sort after any measured one
			if iok != jok {
				return iok
			}
			if !iok {
				return false
			}
			return li < lj
		})
	case StrategyBalanced:
		scores := s.balancedScores(modelID, candidates)
		sort.SliceStable(candidates, func(i, j int) bool {
			return scores[candidates[i].PublicID] < scores[candidates[j].PublicID]
		})
	default: // StrategyPriority
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Priority < candidates[j].Priority
		})
	}
}

// balancedScores computes a lower-is-better weighted score per candidate.
// Cost and latency are normalized against the max across candidates;
// reliability contributes its failure rate.
func (s *Selector) balancedScores(modelID string, candidates []catalog.ProviderBinding) map[string]float64 {
	maxCost := 0.0
	maxLatency := 0.0
	for _, b := range candidates {
		if c, _ := b.TotalCostPerToken().Float64(); c > maxCost {
			maxCost = c
		}
		if l, ok := s.health.AvgLatency(modelID, b.Provider); ok && l > maxLatency {
			maxLatency = l
		}
	}

	scores := make(map[string]float64, len(candidates))
	for _, b := range candidates {
		costScore := 0.0
		if maxCost > 0 {
			c, _ := b.TotalCostPerToken().Float64()
			costScore = c / maxCost
		}
		latencyScore := 1.0 // unmeasured candidates assume the worst
		if l, ok := s.health.AvgLatency(modelID, b.Provider); ok {
			if maxLatency > 0 {
				latencyScore = l / maxLatency
			} else {
				latencyScore = 0
			}
		}
		failureRate := 1.0 - s.health.SuccessRate(modelID, b.Provider)
		scores[b.PublicID] = s.weights.Cost*costScore +
			s.weights.Latency*latencyScore +
			s.weights.Reliability*failureRate
	}
	return scores
}
