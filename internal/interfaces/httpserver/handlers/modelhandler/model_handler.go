package modelhandler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"jan-server/services/model-gateway/internal/domain/catalog"
	"jan-server/services/model-gateway/internal/interfaces/httpserver/responses"
)

// ModelHandler serves the public OpenAI-compatible model listing.
type ModelHandler struct {
	registry *catalog.Registry
}

func NewModelHandler(registry *catalog.Registry) *ModelHandler {
	return &ModelHandler{registry: registry}
}

// modelItem is the OpenAI /models entry enriched with catalog fields.
type modelItem struct {
	ID          string   `json:"id"`
	Object      string   `json:"object"`
	Created     int64    `json:"created"`
	OwnedBy     string   `json:"owned_by"`
	DisplayName string   `json:"display_name,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
	Routable    bool     `json:"routable"`
}

type modelList struct {
	Object string      `json:"object"`
	Data   []modelItem `json:"data"`
}

// ListModels handles GET /v1/models.
func (h *ModelHandler) ListModels(c *gin.Context) {
	models, err := h.registry.List(c.Request.Context())
	if err != nil {
		responses.HandleError(c, err)
		return
	}

	items := make([]modelItem, 0, len(models))
	for _, m := range models {
		if !m.Active {
			continue
		}
		items = append(items, toItem(m))
	}
	c.JSON(http.StatusOK, modelList{Object: "list", Data: items})
}

// GetModel handles GET /v1/models/:id, resolving aliases as well.
func (h *ModelHandler) GetModel(c *gin.Context) {
	model, err := h.registry.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		responses.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, toItem(model))
}

func toItem(m *catalog.CanonicalModel) modelItem {
	return modelItem{
		ID:          m.ID,
		Object:      "model",
		Created:     m.CreatedAt.Unix(),
		OwnedBy:     "system",
		DisplayName: m.DisplayName,
		Aliases:     m.Aliases,
		Routable:    m.Routable(),
	}
}
