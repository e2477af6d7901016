package monitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"jan-server/services/model-gateway/internal/domain/catalog"
	"jan-server/services/model-gateway/internal/domain/health"
	"jan-server/services/model-gateway/internal/domain/inference"
	"jan-server/services/model-gateway/internal/infrastructure/metrics"
)

// SnapshotCacheKey is where the latest health snapshot is published for the
// admin surface and sibling gateway instances.
const SnapshotCacheKey = "health:snapshot"

// Tier buckets a model/provider pair by observed request volume. Higher
// tiers are probed more aggressively; on-demand pairs are never probed.
type Tier string

const (
	TierCritical Tier = "critical"
	TierPopular  Tier = "popular"
	TierStandard Tier = "standard"
	TierOnDemand Tier = "on_demand"
)

// Config tunes probe cadence and batching.
type Config struct {
	CriticalInterval time.Duration
	PopularInterval  time.Duration
	StandardInterval time.Duration
	ProbeTimeout     time.Duration
	BatchSize        int
	BatchDelay       time.Duration
	CriticalVolume   int64
	PopularVolume    int64
	SnapshotInterval time.Duration
}

// CatalogSource is the catalog read surface the monitor needs.
type CatalogSource interface {
	List(ctx context.Context) ([]*catalog.CanonicalModel, error)
}

// ClientSource resolves the probe client for a provider public id.
type ClientSource interface {
	ClientFor(ctx context.Context, provider string) (inference.Client, error)
}

// SnapshotSink receives the serialized health snapshot.
type SnapshotSink interface {
	Set(ctx context.Context, key string, value []byte, ttl, staleTTL time.Duration) error
}

// target is one model/provider pair eligible for probing.
type target struct {
	model    string
	provider string
}

// Monitor probes provider health in the background so circuit state recovers
// without waiting for live traffic, and publishes periodic snapshots.
type Monitor struct {
	cfg     Config
	catalog CatalogSource
	clients ClientSource
	tracker *health.Tracker
	sink    SnapshotSink
	log     zerolog.Logger
}

func New(cfg Config, catalogSource CatalogSource, clients ClientSource, tracker *health.Tracker, sink SnapshotSink, log zerolog.Logger) *Monitor {
	return &Monitor{
		cfg:     cfg,
		catalog: catalogSource,
		clients: clients,
		tracker: tracker,
		sink:    sink,
		log:     log,
	}
}

// Run drives the per-tier probe loops and snapshot publishing. Blocks until
// ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	critical := time.NewTicker(m.cfg.CriticalInterval)
	popular := time.NewTicker(m.cfg.PopularInterval)
	standard := time.NewTicker(m.cfg.StandardInterval)
	snapshot := time.NewTicker(m.cfg.SnapshotInterval)
	defer critical.Stop()
	defer popular.Stop()
	defer standard.Stop()
	defer snapshot.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-critical.C:
			m.probeTier(ctx, TierCritical)
		case <-popular.C:
			m.probeTier(ctx, TierPopular)
		case <-standard.C:
			m.probeTier(ctx, TierStandard)
		case <-snapshot.C:
			m.publishSnapshot(ctx)
		}
	}
}

// tierFor buckets a pair by its total observed volume. Pairs with no traffic
// yet stay on-demand and are checked only by live requests.
func (m *Monitor) tierFor(view health.RecordView) Tier {
	total := view.TotalRequests()
	switch {
	case total >= m.cfg.CriticalVolume:
		return TierCritical
	case total >= m.cfg.PopularVolume:
		return TierPopular
	case total > 0:
		return TierStandard
	default:
		return TierOnDemand
	}
}

// probeTier probes every enabled binding pair in the given tier, batched so
// a large catalog never bursts the upstreams.
func (m *Monitor) probeTier(ctx context.Context, tier Tier) {
	targets := m.targetsInTier(ctx, tier)
	if len(targets) == 0 {
		return
	}

	batchSize := m.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	for start := 0; start < len(targets); start += batchSize {
		if ctx.Err() != nil {
			return
		}
		end := start + batchSize
		if end > len(targets) {
			end = len(targets)
		}
		for _, tgt := range targets[start:end] {
			m.probe(ctx, tgt)
		}
		if end < len(targets) && m.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.BatchDelay):
			}
		}
	}
}

// targetsInTier collects enabled binding pairs whose observed volume puts
// them in the requested tier.
func (m *Monitor) targetsInTier(ctx context.Context, tier Tier) []target {
	models, err := m.catalog.List(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("load catalog for health probing")
		return nil
	}

	volumes := make(map[string]health.RecordView)
	for _, view := range m.tracker.Snapshot() {
		volumes[view.Model+"|"+view.Provider] = view
	}

	var targets []target
	for _, model := range models {
		if !model.Active {
			continue
		}
		for _, binding := range model.EnabledBindings() {
			view := volumes[model.ID+"|"+binding.Provider]
			view.Model = model.ID
			view.Provider = binding.Provider
			if m.tierFor(view) != tier {
				continue
			}
			targets = append(targets, target{model: model.ID, provider: binding.Provider})
		}
	}
	return targets
}

// probe runs one liveness check and feeds the result into the tracker, so a
// recovering provider's circuit closes without live traffic paying for the
// trial.
func (m *Monitor) probe(ctx context.Context, tgt target) {
	client, err := m.clients.ClientFor(ctx, tgt.provider)
	if err != nil {
		m.log.Warn().Err(err).Str("provider", tgt.provider).Msg("resolve client for health probe")
		m.tracker.Record(tgt.model, tgt.provider, false, 0)
		metrics.RecordProbe(tgt.provider, false)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	start := time.Now()
	err = client.Probe(probeCtx)
	latency := time.Since(start)
	cancel()

	success := err == nil
	m.tracker.Record(tgt.model, tgt.provider, success, latency)
	metrics.RecordProbe(tgt.provider, success)

	if !success {
		m.log.Debug().
			Err(err).
			Str("model", tgt.model).
			Str("provider", tgt.provider).
			Dur("latency", latency).
			Msg("health probe failed")
	}
}

// healthSnapshot is the published snapshot payload.
type healthSnapshot struct {
	GeneratedAt time.Time           `json:"generated_at"`
	Records     []health.RecordView `json:"records"`
}

func (m *Monitor) publishSnapshot(ctx context.Context) {
	payload, err := json.Marshal(healthSnapshot{
		GeneratedAt: time.Now().UTC(),
		Records:     m.tracker.Snapshot(),
	})
	if err != nil {
		m.log.Error().Err(err).Msg("encode health snapshot")
		return
	}

	ttl := 2 * m.cfg.SnapshotInterval
	if err := m.sink.Set(ctx, SnapshotCacheKey, payload, ttl, 2*ttl); err != nil {
		m.log.Warn().Err(err).Msg("publish health snapshot")
	}
}
