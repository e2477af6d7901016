package catalog

import (
	"context"
	"time"

	decimal "github.com/shopspring/decimal"
)

// Feature is a capability flag carried by a provider binding.
type Feature string

const (
	FeatureStreaming       Feature = "streaming"
	FeatureVision          Feature = "vision"
	FeatureFunctionCalling Feature = "function_calling"
	FeatureEmbeddings      Feature = "embeddings"
	FeatureReasoning       Feature = "reasoning"
	FeatureAudio           Feature = "audio"
)

type ProviderKind string

const (
	ProviderJan         ProviderKind = "jan"
	ProviderOpenAI      ProviderKind = "openai"
	ProviderOpenRouter  ProviderKind = "openrouter"
	ProviderAnthropic   ProviderKind = "anthropic"
	ProviderGoogle      ProviderKind = "google"
	ProviderMistral     ProviderKind = "mistral"
	ProviderGroq        ProviderKind = "groq"
	ProviderCohere      ProviderKind = "cohere"
	ProviderOllama      ProviderKind = "ollama"
	ProviderAzureOpenAI ProviderKind = "azure_openai"
	ProviderTogetherAI  ProviderKind = "togetherai"
	ProviderDeepInfra   ProviderKind = "deepinfra"
	ProviderCustom      ProviderKind = "custom" // for any customer-provided API
)

// Provider is an upstream inference API the gateway can route to.
type Provider struct {
	ID              uint         `json:"id"`
	PublicID        string       `json:"public_id"`
	DisplayName     string       `json:"display_name"`
	Kind            ProviderKind `json:"kind"`
	BaseURL         string       `json:"base_url"` // e.g., https://api.openai.com/v1
	EncryptedAPIKey string       `json:"-"`        // encrypted at rest, decrypted in memory when needed
	Active          bool         `json:"active"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// ProviderBinding is one provider's implementation of a canonical model.
// A binding is owned exclusively by its CanonicalModel.
type ProviderBinding struct {
	ID                 uint            `json:"id"`
	PublicID           string          `json:"public_id"`
	ModelID            string          `json:"model_id"` // canonical model id
	Provider           string          `json:"provider"` // provider public id
	ProviderModelID    string          `json:"provider_model_id"`
	Capabilities       []Feature       `json:"capabilities"`
	Priority           int             `json:"priority"` // lower = preferred
	InputCostPerToken  decimal.Decimal `json:"input_cost_per_token"`
	OutputCostPerToken decimal.Decimal `json:"output_cost_per_token"`
	Enabled            bool            `json:"enabled"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// HasCapabilities reports whether the binding carries every required feature.
func (b *ProviderBinding) HasCapabilities(required []Feature) bool {
	for _, want := range required {
		found := false
		for _, have := range b.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// TotalCostPerToken is the combined input+output per-token cost used by the
// cost selection strategy.
func (b *ProviderBinding) TotalCostPerToken() decimal.Decimal {
	return b.InputCostPerToken.Add(b.OutputCostPerToken)
}

// CanonicalModel is a provider-agnostic model identity with its provider bindings.
type CanonicalModel struct {
	ID          string            `json:"id"` // stable public id, e.g. "gpt-4o"
	DisplayName string            `json:"display_name"`
	Description string            `json:"description,omitempty"`
	Aliases     []string          `json:"aliases,omitempty"`
	Bindings    []ProviderBinding `json:"bindings"`
	Active      bool              `json:"active"` // soft-disable, never hard delete
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// EnabledBindings returns the bindings currently eligible for routing.
func (m *CanonicalModel) EnabledBindings() []ProviderBinding {
	out := make([]ProviderBinding, 0, len(m.Bindings))
	for _, b := range m.Bindings {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out
}

// Routable reports whether the model has at least one enabled binding.
// A model with zero enabled bindings resolves but must never enter chain building.
func (m *CanonicalModel) Routable() bool {
	if !m.Active {
		return false
	}
	for _, b := range m.Bindings {
		if b.Enabled {
			return true
		}
	}
	return false
}

// Repository abstracts persistence for the canonical catalog.
type Repository interface {
	ListModels(ctx context.Context) ([]*CanonicalModel, error)
	UpsertModel(ctx context.Context, model *CanonicalModel) error
	UpsertBinding(ctx context.Context, modelID string, binding *ProviderBinding) error
	SetBindingEnabled(ctx context.Context, bindingPublicID string, enabled bool) error
	AddAlias(ctx context.Context, alias, modelID string) error
	ListProviders(ctx context.Context) ([]*Provider, error)
	UpsertProvider(ctx context.Context, provider *Provider) error
}
