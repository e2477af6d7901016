package requests

import "github.com/shopspring/decimal"

// RegisterModelRequest creates or updates a canonical model.
type RegisterModelRequest struct {
	ID          string `json:"id" binding:"required"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Active      *bool  `json:"active"`
}

// RegisterBindingRequest attaches a provider binding to a canonical model.
type RegisterBindingRequest struct {
	Provider           string          `json:"provider" binding:"required"`
	ProviderModelID    string          `json:"provider_model_id" binding:"required"`
	Capabilities       []string        `json:"capabilities"`
	Priority           int             `json:"priority"`
	InputCostPerToken  decimal.Decimal `json:"input_cost_per_token"`
	OutputCostPerToken decimal.Decimal `json:"output_cost_per_token"`
	Enabled            bool            `json:"enabled"`
}

// SetBindingEnabledRequest soft-enables or soft-disables a binding.
type SetBindingEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// AddAliasRequest maps an alias to the canonical model in the URL.
type AddAliasRequest struct {
	Alias string `json:"alias" binding:"required"`
}

// RegisterProviderRequest creates or updates an upstream provider. The API
// key arrives in plaintext and is encrypted before persistence.
type RegisterProviderRequest struct {
	PublicID    string `json:"public_id"`
	DisplayName string `json:"display_name" binding:"required"`
	Kind        string `json:"kind" binding:"required"`
	BaseURL     string `json:"base_url" binding:"required"`
	APIKey      string `json:"api_key"`
	Active      *bool  `json:"active"`
}

// InvalidateCacheRequest clears one cache key across all tiers.
type InvalidateCacheRequest struct {
	Key string `json:"key" binding:"required"`
}
