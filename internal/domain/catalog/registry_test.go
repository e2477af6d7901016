package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeRepo struct {
	mu        sync.Mutex
	models    map[string]*CanonicalModel
	providers map[string]*Provider
	aliases   map[string]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		models:    map[string]*CanonicalModel{},
		providers: map[string]*Provider{},
		aliases:   map[string]string{},
	}
}

func (r *fakeRepo) ListModels(ctx context.Context) ([]*CanonicalModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*CanonicalModel, 0, len(r.models))
	for _, m := range r.models {
		copied := *m
		copied.Aliases = nil
		for alias, id := range r.aliases {
			if id == m.ID {
				copied.Aliases = append(copied.Aliases, alias)
			}
		}
		out = append(out, &copied)
	}
	return out, nil
}

func (r *fakeRepo) UpsertModel(ctx context.Context, m *CanonicalModel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.models[m.ID]
	if ok {
		m.Bindings = existing.Bindings
	}
	r.models[m.ID] = m
	return nil
}

func (r *fakeRepo) UpsertBinding(ctx context.Context, modelID string, b *ProviderBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[modelID]
	if !ok {
		return ErrModelNotFound
	}
	m.Bindings = append(m.Bindings, *b)
	return nil
}

func (r *fakeRepo) SetBindingEnabled(ctx context.Context, bindingPublicID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.models {
		for i := range m.Bindings {
			if m.Bindings[i].PublicID == bindingPublicID {
				m.Bindings[i].Enabled = enabled
				return nil
			}
		}
	}
	return errors.New("binding not found")
}

func (r *fakeRepo) AddAlias(ctx context.Context, alias, modelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = modelID
	return nil
}

func (r *fakeRepo) ListProviders(ctx context.Context) ([]*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out, nil
}

func (r *fakeRepo) UpsertProvider(ctx context.Context, p *Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.PublicID] = p
	return nil
}

// passthroughCache always executes the rebuild function and records invalidations.
type passthroughCache struct {
	mu           sync.Mutex
	invalidated  []string
	rebuildCalls int
}

func (c *passthroughCache) GetOrRebuild(ctx context.Context, key string, rebuild func(ctx context.Context) ([]byte, error), ttl, staleTTL time.Duration) ([]byte, error) {
	c.mu.Lock()
	c.rebuildCalls++
	c.mu.Unlock()
	return rebuild(ctx)
}

func (c *passthroughCache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, key)
	return nil
}

func seedRegistry(t *testing.T) (*Registry, *fakeRepo, *passthroughCache) {
	t.Helper()
	repo := newFakeRepo()
	repo.models["gpt-4o"] = &CanonicalModel{
		ID:          "gpt-4o",
		DisplayName: "GPT-4o",
		Active:      true,
		Bindings: []ProviderBinding{
			{PublicID: "bnd_a", ModelID: "gpt-4o", Provider: "openai", ProviderModelID: "gpt-4o", Priority: 1, Enabled: true},
		},
	}
	repo.aliases["gpt4o"] = "gpt-4o"
	cache := &passthroughCache{}
	reg := NewRegistry(repo, cache, time.Minute, 10*time.Minute)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return reg, repo, cache
}

func TestRegistryResolveExactMatch(t *testing.T) {
	reg, _, _ := seedRegistry(t)
	ctx := context.Background()

	m, err := reg.Resolve(ctx, "gpt-4o")
	if err != nil {
		t.Fatalf("resolve by id: %v", err)
	}
	if m.ID != "gpt-4o" {
		t.Fatalf("expected gpt-4o, got %s", m.ID)
	}

	m, err = reg.Resolve(ctx, "gpt4o")
	if err != nil {
		t.Fatalf("resolve by alias: %v", err)
	}
	if m.ID != "gpt-4o" {
		t.Fatalf("expected alias to map to gpt-4o, got %s", m.ID)
	}
}

func TestRegistryResolveCaseSensitive(t *testing.T) {
	reg, _, _ := seedRegistry(t)

	if _, err := reg.Resolve(context.Background(), "GPT-4O"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound for wrong case, got %v", err)
	}
}

func TestRegistryResolveNotFound(t *testing.T) {
	reg, _, _ := seedRegistry(t)

	if _, err := reg.Resolve(context.Background(), "no-such-model"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
}

func TestRegistryAliasConflict(t *testing.T) {
	reg, repo, _ := seedRegistry(t)
	ctx := context.Background()

	repo.models["claude-sonnet"] = &CanonicalModel{ID: "claude-sonnet", Active: true}
	if err := reg.refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if err := reg.AddAlias(ctx, "gpt4o", "claude-sonnet"); !errors.Is(err, ErrAliasConflict) {
		t.Fatalf("expected ErrAliasConflict, got %v", err)
	}

	// An alias shadowing a canonical id is rejected too.
	if err := reg.AddAlias(ctx, "gpt-4o", "claude-sonnet"); !errors.Is(err, ErrAliasConflict) {
		t.Fatalf("expected ErrAliasConflict for canonical id, got %v", err)
	}

	// Re-adding the same mapping is idempotent.
	if err := reg.AddAlias(ctx, "gpt4o", "gpt-4o"); err != nil {
		t.Fatalf("idempotent alias add: %v", err)
	}
}

func TestRegistryMutationInvalidatesCache(t *testing.T) {
	reg, _, cache := seedRegistry(t)
	ctx := context.Background()

	err := reg.RegisterBinding(ctx, "gpt-4o", &ProviderBinding{
		PublicID: "bnd_b", Provider: "groq", ProviderModelID: "gpt-4o-groq", Priority: 2, Enabled: true,
	})
	if err != nil {
		t.Fatalf("register binding: %v", err)
	}

	if len(cache.invalidated) == 0 || cache.invalidated[0] != CatalogCacheKey {
		t.Fatalf("expected %s invalidation, got %v", CatalogCacheKey, cache.invalidated)
	}

	m, err := reg.Resolve(ctx, "gpt-4o")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(m.Bindings) != 2 {
		t.Fatalf("expected 2 bindings after reload, got %d", len(m.Bindings))
	}
}

func TestRegistryBindingViaAliasLandsOnCanonicalID(t *testing.T) {
	reg, repo, _ := seedRegistry(t)
	ctx := context.Background()

	binding := &ProviderBinding{
		PublicID: "bnd_c", Provider: "groq", ProviderModelID: "gpt-4o-groq", Priority: 3, Enabled: true,
	}
	if err := reg.RegisterBinding(ctx, "gpt4o", binding); err != nil {
		t.Fatalf("register binding via alias: %v", err)
	}
	if binding.ModelID != "gpt-4o" {
		t.Fatalf("binding must be keyed by the canonical id, got %q", binding.ModelID)
	}

	repo.mu.Lock()
	bindings := repo.models["gpt-4o"].Bindings
	repo.mu.Unlock()
	found := false
	for _, b := range bindings {
		if b.PublicID == "bnd_c" {
			found = true
		}
	}
	if !found {
		t.Fatal("binding registered via alias must attach to the canonical model")
	}
}

func TestRegistryAliasViaAliasMapsToCanonicalID(t *testing.T) {
	reg, repo, _ := seedRegistry(t)
	ctx := context.Background()

	if err := reg.AddAlias(ctx, "4o", "gpt4o"); err != nil {
		t.Fatalf("add alias via alias target: %v", err)
	}

	repo.mu.Lock()
	target := repo.aliases["4o"]
	repo.mu.Unlock()
	if target != "gpt-4o" {
		t.Fatalf("alias must persist against the canonical id, got %q", target)
	}

	m, err := reg.Resolve(ctx, "4o")
	if err != nil {
		t.Fatalf("resolve new alias: %v", err)
	}
	if m.ID != "gpt-4o" {
		t.Fatalf("expected gpt-4o, got %s", m.ID)
	}
}

func TestRegistryUnroutableModel(t *testing.T) {
	reg, _, _ := seedRegistry(t)
	ctx := context.Background()

	if err := reg.SetBindingEnabled(ctx, "bnd_a", false); err != nil {
		t.Fatalf("disable binding: %v", err)
	}

	m, err := reg.Resolve(ctx, "gpt-4o")
	if err != nil {
		t.Fatalf("disabled models still resolve: %v", err)
	}
	if m.Routable() {
		t.Fatal("model with zero enabled bindings must not be routable")
	}
	if len(m.EnabledBindings()) != 0 {
		t.Fatalf("expected no enabled bindings, got %d", len(m.EnabledBindings()))
	}
}

func TestRegistrySnapshotConcurrentReads(t *testing.T) {
	reg, _, _ := seedRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				m, err := reg.Resolve(ctx, "gpt-4o")
				if err != nil {
					t.Errorf("resolve: %v", err)
					return
				}
				// A published model is always fully built.
				if m.ID == "" || m.DisplayName == "" {
					t.Error("observed partially constructed model")
					return
				}
			}
		}()
	}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := reg.Load(ctx); err != nil {
					t.Errorf("load: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
