package routing

import (
	"fmt"

	"jan-server/services/model-gateway/internal/domain/catalog"
)

// Strategy orders the health-filtered candidates of a failover chain.
type Strategy string

const (
	StrategyPriority Strategy = "priority" // binding priority ascending
	StrategyCost     Strategy = "cost"     // total per-token cost ascending
	StrategyLatency  Strategy = "latency"  // rolling avg latency ascending
	StrategyBalanced Strategy = "balanced" // fixed weighted combination
)

// ParseStrategy validates a user or config supplied strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyPriority, StrategyCost, StrategyLatency, StrategyBalanced:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unsupported routing strategy %q", s)
}

// BalancedWeights is the fixed configuration for the balanced strategy.
// Not user-tunable per request.
type BalancedWeights struct {
	Cost        float64
	Latency     float64
	Reliability float64
}

func DefaultBalancedWeights() BalancedWeights {
	return BalancedWeights{Cost: 0.4, Latency: 0.4, Reliability: 0.2}
}

// FailoverChain is the ordered, request-scoped list of provider candidates
// the executor will walk for one request. Never persisted.
type FailoverChain struct {
	ModelID    string
	Candidates []catalog.ProviderBinding
	Lock       *RouteLock // the routing-lock rule that produced it, if any
	Strategy   Strategy
}
