package crontab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mileusna/crontab"

	"jan-server/services/model-gateway/internal/config"
	"jan-server/services/model-gateway/internal/domain/catalog"
	"jan-server/services/model-gateway/internal/infrastructure/logger"
	"jan-server/services/model-gateway/internal/infrastructure/providers"
)

const (
	DefaultModelSyncInterval = 1                // in minutes
	CronJobTimeout           = 10 * time.Minute // Timeout for each cron job execution
	maxConcurrentSyncs       = 10
)

// Crontab runs the periodic catalog sync: each active provider's /models
// listing is merged into the canonical catalog, then the catalog cache is
// invalidated once.
type Crontab struct {
	ctab     *crontab.Crontab
	cfg      *config.Config
	registry *catalog.Registry
	repo     catalog.Repository
	cache    catalog.SnapshotCache
	clients  *providers.ClientRegistry
}

func NewCrontab(
	cfg *config.Config,
	registry *catalog.Registry,
	repo catalog.Repository,
	cache catalog.SnapshotCache,
	clients *providers.ClientRegistry,
) *Crontab {
	return &Crontab{
		ctab:     crontab.New(),
		cfg:      cfg,
		registry: registry,
		repo:     repo,
		cache:    cache,
		clients:  clients,
	}
}

func (c *Crontab) Run(ctx context.Context) error {
	log := logger.GetLogger()
	// execute once on server start
	c.syncAllProviderModels(ctx)

	if c.cfg.ModelSyncEnabled {
		syncInterval := c.cfg.ModelSyncIntervalMinutes
		if syncInterval <= 0 {
			syncInterval = DefaultModelSyncInterval
		}

		cronExpr := fmt.Sprintf("*/%d * * * *", syncInterval)
		if err := c.ctab.AddJob(cronExpr, func() {
			jobCtx, cancel := context.WithTimeout(context.Background(), CronJobTimeout)
			defer cancel()
			c.syncAllProviderModels(jobCtx)
		}); err != nil {
			return fmt.Errorf("add model sync job: %w", err)
		}
		log.Info().Msgf("Model sync scheduled: every %d minute(s)", syncInterval)
	}

	// Schedule environment reload job. Sync sweeps read the refreshed
	// global config, so toggles take effect without a restart.
	if err := c.ctab.AddJob("* * * * *", func() {
		if _, err := config.Load(); err != nil {
			log.Error().Err(err).Msg("Failed to reload environment")
		}
	}); err != nil {
		return fmt.Errorf("add env reload job: %w", err)
	}

	<-ctx.Done()
	c.ctab.Shutdown()
	return ctx.Err()
}

// currentConfig prefers the most recent env reload over the config the
// crontab was constructed with.
func (c *Crontab) currentConfig() *config.Config {
	if cfg := config.GetGlobal(); cfg != nil {
		return cfg
	}
	return c.cfg
}

func (c *Crontab) syncAllProviderModels(ctx context.Context) {
	log := logger.GetLogger()
	cfg := c.currentConfig()

	records, err := c.registry.ListProviders(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list providers for sync")
		return
	}

	active := make([]*catalog.Provider, 0, len(records))
	for _, p := range records {
		if p.Active {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return
	}

	sem := make(chan struct{}, maxConcurrentSyncs)
	var wg sync.WaitGroup

	for _, provider := range active {
		wg.Add(1)
		go func(p *catalog.Provider) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			c.syncProviderModels(ctx, p, cfg.AutoEnableSyncedModels)
		}(provider)
	}
	wg.Wait()

	// One invalidate+reload for the whole sweep, not per provider.
	if err := c.cache.Invalidate(ctx, catalog.CatalogCacheKey); err != nil {
		log.Error().Err(err).Msg("Failed to invalidate catalog cache after sync")
		return
	}
	if err := c.registry.Load(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to reload catalog after sync")
	}
}

func (c *Crontab) syncProviderModels(ctx context.Context, provider *catalog.Provider, autoEnable bool) {
	log := logger.GetLogger()

	client, err := c.clients.Build(provider)
	if err != nil {
		log.Error().Err(err).Str("provider", provider.PublicID).Msg("Failed to build client for sync")
		return
	}

	listing, err := client.ListModels(ctx)
	if err != nil {
		log.Error().Err(err).Str("provider", provider.PublicID).Msg("Failed to fetch models from provider")
		return
	}
	if len(listing.Data) == 0 {
		return
	}

	synced := 0
	for _, upstream := range listing.Data {
		if upstream.ID == "" {
			continue
		}
		if err := c.mergeModel(ctx, provider, upstream.ID, autoEnable); err != nil {
			log.Warn().Err(err).
				Str("provider", provider.PublicID).
				Str("model", upstream.ID).
				Msg("Failed to merge synced model")
			continue
		}
		synced++
	}

	log.Info().Str("provider", provider.PublicID).Msgf("Synced %d models", synced)
}

// mergeModel creates missing canonical models and bindings discovered from a
// provider listing. Existing bindings are left untouched so admin enablement
// decisions survive the sync.
func (c *Crontab) mergeModel(ctx context.Context, provider *catalog.Provider, upstreamID string, autoEnable bool) error {
	existing, err := c.registry.Resolve(ctx, upstreamID)
	switch {
	case errors.Is(err, catalog.ErrModelNotFound):
		model := &catalog.CanonicalModel{
			ID:          upstreamID,
			DisplayName: upstreamID,
			Active:      true,
		}
		if err := c.repo.UpsertModel(ctx, model); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		for _, b := range existing.Bindings {
			if b.Provider == provider.PublicID && b.ProviderModelID == upstreamID {
				return nil
			}
		}
	}

	binding := &catalog.ProviderBinding{
		ModelID:         upstreamID,
		Provider:        provider.PublicID,
		ProviderModelID: upstreamID,
		Capabilities:    []catalog.Feature{catalog.FeatureStreaming},
		Priority:        100,
		Enabled:         autoEnable,
	}
	return c.repo.UpsertBinding(ctx, upstreamID, binding)
}
