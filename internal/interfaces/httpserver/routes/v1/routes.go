package v1

import (
	"github.com/gin-gonic/gin"

	"jan-server/services/model-gateway/internal/config"
	"jan-server/services/model-gateway/internal/interfaces/httpserver/handlers"
	"jan-server/services/model-gateway/internal/interfaces/httpserver/middlewares"
)

// Routes encapsulates versioned route registration.
type Routes struct {
	handlers *handlers.Provider
	cfg      *config.Config
}

func NewRoutes(provider *handlers.Provider, cfg *config.Config) *Routes {
	return &Routes{handlers: provider, cfg: cfg}
}

// Register attaches the public v1 surface and the key-guarded admin surface.
func (r *Routes) Register(router gin.IRouter) {
	group := router.Group("/v1")
	group.POST("/chat/completions", r.handlers.Chat.CreateChatCompletion)
	group.GET("/models", r.handlers.Model.ListModels)
	group.GET("/models/:id", r.handlers.Model.GetModel)

	admin := router.Group("/admin", middlewares.RequireAdminKey(r.cfg.AdminAPIKey))
	admin.POST("/models", r.handlers.Admin.RegisterModel)
	admin.POST("/models/:id/bindings", r.handlers.Admin.RegisterBinding)
	admin.POST("/models/:id/aliases", r.handlers.Admin.AddAlias)
	admin.PATCH("/bindings/:public_id", r.handlers.Admin.SetBindingEnabled)
	admin.POST("/providers", r.handlers.Admin.RegisterProvider)
	admin.GET("/providers", r.handlers.Admin.ListProviders)
	admin.POST("/cache/invalidate", r.handlers.Admin.InvalidateCache)
	admin.GET("/health", r.handlers.Admin.HealthSnapshot)
}
