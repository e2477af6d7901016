package responses

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"jan-server/services/model-gateway/internal/domain/catalog"
	"jan-server/services/model-gateway/internal/domain/inference"
	"jan-server/services/model-gateway/internal/domain/routing"
	"jan-server/services/model-gateway/internal/interfaces/httpserver/middlewares"
)

// ErrorDetail follows the OpenAI error envelope so SDK clients parse it.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// AttemptDetail is the per-provider failure carried on exhausted chains.
type AttemptDetail struct {
	Provider string `json:"provider"`
	Class    string `json:"class"`
	Message  string `json:"message"`
}

// ErrorResponse is the error body for every endpoint.
type ErrorResponse struct {
	Error     ErrorDetail     `json:"error"`
	Attempts  []AttemptDetail `json:"attempts,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// HandleError maps domain errors onto HTTP statuses:
// unknown model 404, no routable bindings 503, caller errors surface the
// upstream status, exhausted chains 502 with per-provider detail.
func HandleError(c *gin.Context, err error) {
	requestID := middlewares.RequestIDFromContext(c)

	var exhausted *routing.ChainExhaustedError
	if errors.As(err, &exhausted) {
		attempts := make([]AttemptDetail, 0, len(exhausted.Attempts))
		for _, a := range exhausted.Attempts {
			attempts = append(attempts, AttemptDetail{
				Provider: a.Provider,
				Class:    string(a.Class),
				Message:  a.Message,
			})
		}
		c.AbortWithStatusJSON(http.StatusBadGateway, ErrorResponse{
			Error: ErrorDetail{
				Message: "all providers failed for model " + exhausted.ModelID,
				Type:    "upstream_error",
				Code:    "chain_exhausted",
			},
			Attempts:  attempts,
			RequestID: requestID,
		})
		return
	}

	var classified *inference.ClassifiedError
	if errors.As(err, &classified) && classified.Class == inference.ErrClassClient {
		// The request itself is at fault; surface the provider's verdict
		// unchanged.
		status := classified.StatusCode
		if status < 400 || status > 499 {
			status = http.StatusBadRequest
		}
		c.AbortWithStatusJSON(status, ErrorResponse{
			Error: ErrorDetail{
				Message: classified.Message,
				Type:    "invalid_request_error",
			},
			RequestID: requestID,
		})
		return
	}

	switch {
	case errors.Is(err, catalog.ErrModelNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Message: err.Error(),
				Type:    "invalid_request_error",
				Code:    "model_not_found",
			},
			RequestID: requestID,
		})
	case errors.Is(err, catalog.ErrProviderNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Message: err.Error(),
				Type:    "invalid_request_error",
				Code:    "provider_not_found",
			},
			RequestID: requestID,
		})
	case errors.Is(err, catalog.ErrAliasConflict):
		c.AbortWithStatusJSON(http.StatusConflict, ErrorResponse{
			Error: ErrorDetail{
				Message: err.Error(),
				Type:    "invalid_request_error",
				Code:    "alias_conflict",
			},
			RequestID: requestID,
		})
	case errors.Is(err, routing.ErrNoRoutableBindings):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: ErrorDetail{
				Message: err.Error(),
				Type:    "upstream_error",
				Code:    "no_routable_providers",
			},
			RequestID: requestID,
		})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Message: "internal server error",
				Type:    "internal_error",
			},
			RequestID: requestID,
		})
	}
}

// HandleBadRequest rejects a malformed request before routing.
func HandleBadRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{
			Message: message,
			Type:    "invalid_request_error",
		},
		RequestID: middlewares.RequestIDFromContext(c),
	})
}
