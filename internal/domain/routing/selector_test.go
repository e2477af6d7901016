package routing

import (
	"errors"
	"testing"

	decimal "github.com/shopspring/decimal"

	"jan-server/services/model-gateway/internal/domain/catalog"
	"jan-server/services/model-gateway/internal/domain/health"
)

// fakeHealth is a hand-written HealthView for selector tests.
type fakeHealth struct {
	open        map[string]bool    // provider -> circuit open
	latencies   map[string]float64 // provider -> avg latency ms
	successRate map[string]float64 // provider -> success rate
}

func (f *fakeHealth) IsAvailable(model, provider string) bool {
	return !f.open[provider]
}

func (f *fakeHealth) State(model, provider string) health.CircuitState {
	if f.open[provider] {
		return health.StateOpen
	}
	return health.StateClosed
}

func (f *fakeHealth) SuccessRate(model, provider string) float64 {
	if rate, ok := f.successRate[provider]; ok {
		return rate
	}
	return 1.0
}

func (f *fakeHealth) AvgLatency(model, provider string) (float64, bool) {
	l, ok := f.latencies[provider]
	return l, ok
}

func binding(provider string, priority int, cost string, features ...catalog.Feature) catalog.ProviderBinding {
	c := decimal.RequireFromString(cost)
	return catalog.ProviderBinding{
		PublicID:           "bnd_" + provider,
		Provider:           provider,
		ProviderModelID:    "native-" + provider,
		Priority:           priority,
		InputCostPerToken:  c,
		OutputCostPerToken: c,
		Capabilities:       features,
		Enabled:            true,
	}
}

func testModel(bindings ...catalog.ProviderBinding) *catalog.CanonicalModel {
	return &catalog.CanonicalModel{
		ID:          "test-model",
		DisplayName: "Test Model",
		Active:      true,
		Bindings:    bindings,
	}
}

func providerOrder(chain *FailoverChain) []string {
	out := make([]string, len(chain.Candidates))
	for i, c := range chain.Candidates {
		out[i] = c.Provider
	}
	return out
}

func TestBuildChainSkipsOpenCircuits(t *testing.T) {
	h := &fakeHealth{open: map[string]bool{"prov-b": true}}
	sel := NewSelector(h, nil, DefaultBalancedWeights())

	m := testModel(
		binding("prov-a", 1, "0.001"),
		binding("prov-b", 2, "0.001"),
		binding("prov-c", 3, "0.001"),
	)

	chain, err := sel.BuildChain(m, StrategyPriority, nil, 0)
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	for _, provider := range providerOrder(chain) {
		if provider == "prov-b" {
			t.Fatal("open circuit must be excluded while healthy candidates exist")
		}
	}
	if len(chain.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(chain.Candidates))
	}
}

func TestBuildChainFallsBackWhenAllOpen(t *testing.T) {
	h := &fakeHealth{open: map[string]bool{"prov-a": true, "prov-b": true}}
	sel := NewSelector(h, nil, DefaultBalancedWeights())

	m := testModel(binding("prov-a", 1, "0.001"), binding("prov-b", 2, "0.001"))

	chain, err := sel.BuildChain(m, StrategyPriority, nil, 0)
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	if len(chain.Candidates) != 2 {
		t.Fatalf("total outage should still attempt something, got %d candidates", len(chain.Candidates))
	}
}

func TestBuildChainFeatureFilter(t *testing.T) {
	h := &fakeHealth{}
	sel := NewSelector(h, nil, DefaultBalancedWeights())

	m := testModel(
		binding("prov-a", 1, "0.001", catalog.FeatureStreaming),
		binding("prov-b", 2, "0.001", catalog.FeatureStreaming, catalog.FeatureVision),
	)

	chain, err := sel.BuildChain(m, StrategyPriority, []catalog.Feature{catalog.FeatureVision}, 0)
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	if got := providerOrder(chain); len(got) != 1 || got[0] != "prov-b" {
		t.Fatalf("expected only prov-b, got %v", got)
	}
}

func TestBuildChainDisabledAndUnroutable(t *testing.T) {
	h := &fakeHealth{}
	sel := NewSelector(h, nil, DefaultBalancedWeights())

	disabled := binding("prov-a", 1, "0.001")
	disabled.Enabled = false
	m := testModel(disabled)

	if _, err := sel.BuildChain(m, StrategyPriority, nil, 0); !errors.Is(err, ErrNoRoutableBindings) {
		t.Fatalf("expected ErrNoRoutableBindings, got %v", err)
	}

	inactive := testModel(binding("prov-a", 1, "0.001"))
	inactive.Active = false
	if _, err := sel.BuildChain(inactive, StrategyPriority, nil, 0); !errors.Is(err, ErrNoRoutableBindings) {
		t.Fatalf("expected ErrNoRoutableBindings for inactive model, got %v", err)
	}
}

func TestBuildChainRouteLock(t *testing.T) {
	h := &fakeHealth{}
	locks, err := ParseLockTable(`[{"pattern":"^test-","providers":["prov-b"]}]`)
	if err != nil {
		t.Fatalf("parse locks: %v", err)
	}
	sel := NewSelector(h, locks, DefaultBalancedWeights())

	m := testModel(binding("prov-a", 1, "0.001"), binding("prov-b", 2, "0.001"))

	chain, err := sel.BuildChain(m, StrategyPriority, nil, 0)
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	if got := providerOrder(chain); len(got) != 1 || got[0] != "prov-b" {
		t.Fatalf("lock should restrict to prov-b, got %v", got)
	}
	if chain.Lock == nil {
		t.Fatal("chain should carry the lock that produced it")
	}
}

func TestBuildChainLockedAndOpenStaysInsideLock(t *testing.T) {
	// The empty-chain fallback widens within the locked set only, never to
	// unrelated providers.
	h := &fakeHealth{open: map[string]bool{"prov-only": true}}
	locks, err := ParseLockTable(`[{"pattern":"^test-model$","providers":["prov-only"]}]`)
	if err != nil {
		t.Fatalf("parse locks: %v", err)
	}
	sel := NewSelector(h, locks, DefaultBalancedWeights())

	m := testModel(binding("prov-only", 1, "0.001"), binding("prov-other", 2, "0.001"))

	chain, err := sel.BuildChain(m, StrategyPriority, nil, 0)
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	if got := providerOrder(chain); len(got) != 1 || got[0] != "prov-only" {
		t.Fatalf("expected only the locked provider despite open circuit, got %v", got)
	}
}

func TestBuildChainPriorityOrder(t *testing.T) {
	h := &fakeHealth{}
	sel := NewSelector(h, nil, DefaultBalancedWeights())

	m := testModel(
		binding("prov-c", 3, "0.001"),
		binding("prov-a", 1, "0.001"),
		binding("prov-b", 2, "0.001"),
	)

	chain, err := sel.BuildChain(m, StrategyPriority, nil, 0)
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	want := []string{"prov-a", "prov-b", "prov-c"}
	got := providerOrder(chain)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("priority order: expected %v, got %v", want, got)
		}
	}
}

func TestBuildChainCostOrder(t *testing.T) {
	h := &fakeHealth{}
	sel := NewSelector(h, nil, DefaultBalancedWeights())

	m := testModel(
		binding("prov-a", 1, "0.003"),
		binding("prov-b", 2, "0.001"),
		binding("prov-c", 3, "0.002"),
	)

	chain, err := sel.BuildChain(m, StrategyCost, nil, 0)
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	want := []string{"prov-b", "prov-c", "prov-a"}
	got := providerOrder(chain)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cost order: expected %v, got %v", want, got)
		}
	}
}

func TestBuildChainLatencyOrderUnknownLast(t *testing.T) {
	h := &fakeHealth{latencies: map[string]float64{"prov-a": 900, "prov-c": 120}}
	sel := NewSelector(h, nil, DefaultBalancedWeights())

	m := testModel(
		binding("prov-a", 1, "0.001"),
		binding("prov-b", 2, "0.001"), // no samples yet
		binding("prov-c", 3, "0.001"),
	)

	chain, err := sel.BuildChain(m, StrategyLatency, nil, 0)
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	want := []string{"prov-c", "prov-a", "prov-b"}
	got := providerOrder(chain)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("latency order: expected %v, got %v", want, got)
		}
	}
}

func TestBuildChainBalancedOrder(t *testing.T) {
	// prov-a: cheap, slow, flaky. prov-b: expensive, fast, reliable.
	h := &fakeHealth{
		latencies:   map[string]float64{"prov-a": 2000, "prov-b": 200},
		successRate: map[string]float64{"prov-a": 0.5, "prov-b": 1.0},
	}
	sel := NewSelector(h, nil, DefaultBalancedWeights())

	m := testModel(binding("prov-a", 1, "0.001"), binding("prov-b", 2, "0.002"))

	chain, err := sel.BuildChain(m, StrategyBalanced, nil, 0)
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	// prov-a: 0.4*0.5 + 0.4*1.0 + 0.2*0.5 = 0.70
	// prov-b: 0.4*1.0 + 0.4*0.1 + 0.2*0.0 = 0.44
	if got := providerOrder(chain); got[0] != "prov-b" {
		t.Fatalf("balanced order: expected prov-b first, got %v", got)
	}
}

func TestBuildChainTruncatesToMaxProviders(t *testing.T) {
	h := &fakeHealth{}
	sel := NewSelector(h, nil, DefaultBalancedWeights())

	m := testModel(
		binding("prov-a", 1, "0.001"),
		binding("prov-b", 2, "0.001"),
		binding("prov-c", 3, "0.001"),
	)

	chain, err := sel.BuildChain(m, StrategyPriority, nil, 2)
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	if len(chain.Candidates) != 2 {
		t.Fatalf("expected truncation to 2, got %d", len(chain.Candidates))
	}
}

func TestParseLockTableRejectsBadInput(t *testing.T) {
	if _, err := ParseLockTable(`[{"pattern":"(","providers":["x"]}]`); err == nil {
		t.Fatal("expected error for invalid regexp")
	}
	if _, err := ParseLockTable(`[{"pattern":"^x$","providers":[]}]`); err == nil {
		t.Fatal("expected error for empty provider list")
	}
	if table, err := ParseLockTable(""); err != nil || table != nil {
		t.Fatalf("empty config should yield empty table, got %v / %v", table, err)
	}
}
