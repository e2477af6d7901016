package handlers

import (
	"github.com/rs/zerolog"

	"jan-server/services/model-gateway/internal/config"
	"jan-server/services/model-gateway/internal/domain/catalog"
	"jan-server/services/model-gateway/internal/domain/health"
	"jan-server/services/model-gateway/internal/domain/routing"
	"jan-server/services/model-gateway/internal/infrastructure/providers"
	"jan-server/services/model-gateway/internal/interfaces/httpserver/handlers/adminhandler"
	"jan-server/services/model-gateway/internal/interfaces/httpserver/handlers/chathandler"
	"jan-server/services/model-gateway/internal/interfaces/httpserver/handlers/modelhandler"
)

// Provider wires HTTP handlers.
type Provider struct {
	Chat  *chathandler.ChatHandler
	Model *modelhandler.ModelHandler
	Admin *adminhandler.AdminHandler
}

func NewProvider(
	cfg *config.Config,
	registry *catalog.Registry,
	selector *routing.Selector,
	executor *routing.Executor,
	cache catalog.SnapshotCache,
	tracker *health.Tracker,
	clients *providers.ClientRegistry,
	log zerolog.Logger,
) *Provider {
	return &Provider{
		Chat: chathandler.NewChatHandler(
			registry,
			selector,
			executor,
			routing.Strategy(cfg.DefaultStrategy),
			cfg.MaxProviders,
			log,
		),
		Model: modelhandler.NewModelHandler(registry),
		Admin: adminhandler.NewAdminHandler(registry, cache, tracker, clients, cfg.ProviderSecret, log),
	}
}
