package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const CatalogCacheKey = "catalog:full"

var (
	ErrModelNotFound    = errors.New("model not found")
	ErrProviderNotFound = errors.New("provider not found")
	ErrAliasConflict    = errors.New("alias already mapped to another model")
)

// SnapshotCache is the cache-tier surface the registry depends on.
// Implemented by the tiered cache in infrastructure.
type SnapshotCache interface {
	GetOrRebuild(ctx context.Context, key string, rebuild func(ctx context.Context) ([]byte, error), ttl, staleTTL time.Duration) ([]byte, error)
	Invalidate(ctx context.Context, key string) error
}

// catalogPayload is the cached representation of the full catalog.
type catalogPayload struct {
	Models    []*CanonicalModel `json:"models"`
	Providers []*Provider       `json:"providers"`
}

// snapshot is an immutable, fully-built view of the catalog. Published via
// atomic pointer swap so concurrent readers never observe a partial catalog.
type snapshot struct {
	models    map[string]*CanonicalModel // by canonical id
	aliases   map[string]string          // alias -> canonical id
	providers map[string]*Provider       // by public id
	list      []*CanonicalModel
}

// Registry maps user-supplied model identifiers to canonical models and
// their provider bindings. Reads are lock-free against an atomic snapshot;
// mutations write through the repository and rebuild the snapshot via the
// cache tier.
type Registry struct {
	repo     Repository
	cache    SnapshotCache
	ttl      time.Duration
	staleTTL time.Duration

	current atomic.Pointer[snapshot]
	loadMu  sync.Mutex
}

func NewRegistry(repo Repository, cache SnapshotCache, ttl, staleTTL time.Duration) *Registry {
	return &Registry{
		repo:     repo,
		cache:    cache,
		ttl:      ttl,
		staleTTL: staleTTL,
	}
}

// Load rebuilds the in-memory snapshot through the cache tier. Safe to call
// concurrently; only one rebuild runs at a time.
func (r *Registry) Load(ctx context.Context) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	raw, err := r.cache.GetOrRebuild(ctx, CatalogCacheKey, r.loadFromRepository, r.ttl, r.staleTTL)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	var payload catalogPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode catalog payload: %w", err)
	}

	r.publish(&payload)
	return nil
}

// RebuildCatalog recomputes the cached catalog payload from the repository.
// Registered as the hot-key rebuild so the cache refresher can keep the
// catalog warm without going through Load.
func (r *Registry) RebuildCatalog(ctx context.Context) ([]byte, error) {
	return r.loadFromRepository(ctx)
}

func (r *Registry) loadFromRepository(ctx context.Context) ([]byte, error) {
	models, err := r.repo.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	providers, err := r.repo.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(catalogPayload{Models: models, Providers: providers})
}

func (r *Registry) publish(payload *catalogPayload) {
	snap := &snapshot{
		models:    make(map[string]*CanonicalModel, len(payload.Models)),
		aliases:   make(map[string]string),
		providers: make(map[string]*Provider, len(payload.Providers)),
		list:      payload.Models,
	}
	for _, m := range payload.Models {
		snap.models[m.ID] = m
		for _, alias := range m.Aliases {
			snap.aliases[alias] = m.ID
		}
	}
	for _, p := range payload.Providers {
		snap.providers[p.PublicID] = p
	}
	r.current.Store(snap)
}

func (r *Registry) ensureLoaded(ctx context.Context) (*snapshot, error) {
	if snap := r.current.Load(); snap != nil {
		return snap, nil
	}
	if err := r.Load(ctx); err != nil {
		return nil, err
	}
	return r.current.Load(), nil
}

// Resolve maps an id or alias to its canonical model. Case-sensitive exact
// match against canonical ids first, then aliases. No fuzzy matching.
func (r *Registry) Resolve(ctx context.Context, idOrAlias string) (*CanonicalModel, error) {
	snap, err := r.ensureLoaded(ctx)
	if err != nil {
		return nil, err
	}
	if m, ok := snap.models[idOrAlias]; ok {
		return m, nil
	}
	if canonical, ok := snap.aliases[idOrAlias]; ok {
		if m, ok := snap.models[canonical]; ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrModelNotFound, idOrAlias)
}

// List returns every canonical model in the current snapshot.
func (r *Registry) List(ctx context.Context) ([]*CanonicalModel, error) {
	snap, err := r.ensureLoaded(ctx)
	if err != nil {
		return nil, err
	}
	return snap.list, nil
}

// ProviderByID returns the provider record for a binding's provider name.
func (r *Registry) ProviderByID(ctx context.Context, publicID string) (*Provider, error) {
	snap, err := r.ensureLoaded(ctx)
	if err != nil {
		return nil, err
	}
	if p, ok := snap.providers[publicID]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, publicID)
}

// ListProviders returns every provider in the current snapshot.
func (r *Registry) ListProviders(ctx context.Context) ([]*Provider, error) {
	snap, err := r.ensureLoaded(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Provider, 0, len(snap.providers))
	for _, p := range snap.providers {
		out = append(out, p)
	}
	return out, nil
}

// RegisterModel writes a canonical model through the repository and reloads.
func (r *Registry) RegisterModel(ctx context.Context, model *CanonicalModel) error {
	if err := r.repo.UpsertModel(ctx, model); err != nil {
		return err
	}
	return r.refresh(ctx)
}

// RegisterBinding attaches a provider binding to a canonical model. The
// target may be given as an alias; the row is always keyed by the resolved
// canonical id.
func (r *Registry) RegisterBinding(ctx context.Context, canonicalID string, binding *ProviderBinding) error {
	model, err := r.Resolve(ctx, canonicalID)
	if err != nil {
		return err
	}
	binding.ModelID = model.ID
	if err := r.repo.UpsertBinding(ctx, model.ID, binding); err != nil {
		return err
	}
	return r.refresh(ctx)
}

// AddAlias maps an alias to a canonical model. Every alias maps to exactly
// one canonical id; remapping an existing alias is rejected.
func (r *Registry) AddAlias(ctx context.Context, alias, canonicalID string) error {
	snap, err := r.ensureLoaded(ctx)
	if err != nil {
		return err
	}
	model, err := r.Resolve(ctx, canonicalID)
	if err != nil {
		return err
	}
	if existing, ok := snap.aliases[alias]; ok && existing != model.ID {
		return fmt.Errorf("%w: %s -> %s", ErrAliasConflict, alias, existing)
	}
	if _, ok := snap.models[alias]; ok {
		return fmt.Errorf("%w: %s is a canonical id", ErrAliasConflict, alias)
	}
	if err := r.repo.AddAlias(ctx, alias, model.ID); err != nil {
		return err
	}
	return r.refresh(ctx)
}

// SetBindingEnabled soft-enables or soft-disables a binding.
func (r *Registry) SetBindingEnabled(ctx context.Context, bindingPublicID string, enabled bool) error {
	if err := r.repo.SetBindingEnabled(ctx, bindingPublicID, enabled); err != nil {
		return err
	}
	return r.refresh(ctx)
}

// RegisterProvider writes a provider record through the repository and reloads.
func (r *Registry) RegisterProvider(ctx context.Context, provider *Provider) error {
	if err := r.repo.UpsertProvider(ctx, provider); err != nil {
		return err
	}
	return r.refresh(ctx)
}

// refresh invalidates the cached catalog across all tiers, then reloads.
func (r *Registry) refresh(ctx context.Context) error {
	if err := r.cache.Invalidate(ctx, CatalogCacheKey); err != nil {
		log.Error().Err(err).Msg("invalidate catalog cache")
		return err
	}
	return r.Load(ctx)
}
