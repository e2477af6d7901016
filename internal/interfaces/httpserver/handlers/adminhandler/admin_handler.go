package adminhandler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"jan-server/services/model-gateway/internal/domain/catalog"
	"jan-server/services/model-gateway/internal/domain/health"
	"jan-server/services/model-gateway/internal/infrastructure/providers"
	"jan-server/services/model-gateway/internal/interfaces/httpserver/requests"
	"jan-server/services/model-gateway/internal/interfaces/httpserver/responses"
	"jan-server/services/model-gateway/internal/utils/crypto"
	"jan-server/services/model-gateway/internal/utils/idgen"
)

// AdminHandler exposes catalog and provider mutations plus the operational
// surface (cache invalidation, health snapshot).
type AdminHandler struct {
	registry       *catalog.Registry
	cache          catalog.SnapshotCache
	tracker        *health.Tracker
	clients        *providers.ClientRegistry
	providerSecret string
	log            zerolog.Logger
}

func NewAdminHandler(
	registry *catalog.Registry,
	cache catalog.SnapshotCache,
	tracker *health.Tracker,
	clients *providers.ClientRegistry,
	providerSecret string,
	log zerolog.Logger,
) *AdminHandler {
	return &AdminHandler{
		registry:       registry,
		cache:          cache,
		tracker:        tracker,
		clients:        clients,
		providerSecret: providerSecret,
		log:            log,
	}
}

// RegisterModel handles POST /admin/models.
func (h *AdminHandler) RegisterModel(c *gin.Context) {
	var req requests.RegisterModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.HandleBadRequest(c, err.Error())
		return
	}

	model := &catalog.CanonicalModel{
		ID:          req.ID,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Active:      true,
	}
	if model.DisplayName == "" {
		model.DisplayName = req.ID
	}
	if req.Active != nil {
		model.Active = *req.Active
	}

	if err := h.registry.RegisterModel(c.Request.Context(), model); err != nil {
		responses.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": model.ID})
}

// RegisterBinding handles POST /admin/models/:id/bindings.
func (h *AdminHandler) RegisterBinding(c *gin.Context) {
	var req requests.RegisterBindingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.HandleBadRequest(c, err.Error())
		return
	}

	capabilities := make([]catalog.Feature, 0, len(req.Capabilities))
	for _, cap := range req.Capabilities {
		capabilities = append(capabilities, catalog.Feature(cap))
	}

	binding := &catalog.ProviderBinding{
		Provider:           req.Provider,
		ProviderModelID:    req.ProviderModelID,
		Capabilities:       capabilities,
		Priority:           req.Priority,
		InputCostPerToken:  req.InputCostPerToken,
		OutputCostPerToken: req.OutputCostPerToken,
		Enabled:            req.Enabled,
	}

	if err := h.registry.RegisterBinding(c.Request.Context(), c.Param("id"), binding); err != nil {
		responses.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"public_id": binding.PublicID})
}

// SetBindingEnabled handles PATCH /admin/bindings/:public_id.
func (h *AdminHandler) SetBindingEnabled(c *gin.Context) {
	publicID := c.Param("public_id")
	if !idgen.ValidateIDFormat(publicID, "bind") {
		responses.HandleBadRequest(c, "invalid binding id format")
		return
	}

	var req requests.SetBindingEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.HandleBadRequest(c, err.Error())
		return
	}

	if err := h.registry.SetBindingEnabled(c.Request.Context(), publicID, *req.Enabled); err != nil {
		responses.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_id": publicID, "enabled": *req.Enabled})
}

// AddAlias handles POST /admin/models/:id/aliases.
func (h *AdminHandler) AddAlias(c *gin.Context) {
	var req requests.AddAliasRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.HandleBadRequest(c, err.Error())
		return
	}

	if err := h.registry.AddAlias(c.Request.Context(), req.Alias, c.Param("id")); err != nil {
		responses.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"alias": req.Alias, "model": c.Param("id")})
}

// RegisterProvider handles POST /admin/providers. The API key is encrypted
// at rest; the client cache is reset so new credentials take effect.
func (h *AdminHandler) RegisterProvider(c *gin.Context) {
	var req requests.RegisterProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.HandleBadRequest(c, err.Error())
		return
	}

	provider := &catalog.Provider{
		PublicID:    req.PublicID,
		DisplayName: req.DisplayName,
		Kind:        catalog.ProviderKind(req.Kind),
		BaseURL:     req.BaseURL,
		Active:      true,
	}
	if req.Active != nil {
		provider.Active = *req.Active
	}
	if req.APIKey != "" {
		encrypted, err := crypto.EncryptString(h.providerSecret, req.APIKey)
		if err != nil {
			h.log.Error().Err(err).Msg("encrypt provider api key")
			responses.HandleError(c, err)
			return
		}
		provider.EncryptedAPIKey = encrypted
	}

	if err := h.registry.RegisterProvider(c.Request.Context(), provider); err != nil {
		responses.HandleError(c, err)
		return
	}
	h.clients.Reset()
	c.JSON(http.StatusCreated, gin.H{"public_id": provider.PublicID})
}

// ListProviders handles GET /admin/providers. Keys never serialize.
func (h *AdminHandler) ListProviders(c *gin.Context) {
	records, err := h.registry.ListProviders(c.Request.Context())
	if err != nil {
		responses.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": records})
}

// InvalidateCache handles POST /admin/cache/invalidate.
func (h *AdminHandler) InvalidateCache(c *gin.Context) {
	var req requests.InvalidateCacheRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.HandleBadRequest(c, err.Error())
		return
	}

	if err := h.cache.Invalidate(c.Request.Context(), req.Key); err != nil {
		responses.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": req.Key})
}

// HealthSnapshot handles GET /admin/health with the live tracker state.
func (h *AdminHandler) HealthSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"records": h.tracker.Snapshot()})
}
