package providers

import (
	"context"
	"fmt"
	"sync"

	"jan-server/services/model-gateway/internal/domain/catalog"
	"jan-server/services/model-gateway/internal/domain/inference"
	"jan-server/services/model-gateway/internal/utils/crypto"
)

// ProviderSource resolves provider records; satisfied by the catalog registry.
type ProviderSource interface {
	ProviderByID(ctx context.Context, publicID string) (*catalog.Provider, error)
}

// ClientRegistry builds and caches one Client per provider. Keys are
// decrypted in memory at construction time only. Reset drops the cache after
// provider mutations so the next request picks up new credentials.
type ClientRegistry struct {
	source ProviderSource
	secret string

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewClientRegistry(source ProviderSource, secret string) *ClientRegistry {
	return &ClientRegistry{
		source:  source,
		secret:  secret,
		clients: make(map[string]*Client),
	}
}

// ClientFor returns the cached client for a provider public id, building it
// on first use.
func (r *ClientRegistry) ClientFor(ctx context.Context, provider string) (inference.Client, error) {
	r.mu.RLock()
	client, ok := r.clients[provider]
	r.mu.RUnlock()
	if ok {
		return client, nil
	}

	record, err := r.source.ProviderByID(ctx, provider)
	if err != nil {
		return nil, err
	}
	if !record.Active {
		return nil, fmt.Errorf("provider %s is inactive", provider)
	}

	client, err = r.Build(record)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.clients[provider]; ok {
		client = existing
	} else {
		r.clients[provider] = client
	}
	r.mu.Unlock()
	return client, nil
}

// Build constructs an uncached client for a provider record. Used by the
// health monitor and the catalog sync job, which iterate fresh provider
// lists rather than routing by public id.
func (r *ClientRegistry) Build(record *catalog.Provider) (*Client, error) {
	apiKey := ""
	if record.EncryptedAPIKey != "" {
		decrypted, err := crypto.DecryptString(r.secret, record.EncryptedAPIKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt api key for provider %s: %w", record.PublicID, err)
		}
		apiKey = decrypted
	}
	return NewClient(record, apiKey), nil
}

// Reset drops every cached client. Call after any provider mutation.
func (r *ClientRegistry) Reset() {
	r.mu.Lock()
	r.clients = make(map[string]*Client)
	r.mu.Unlock()
}
