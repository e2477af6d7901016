package chathandler

import (
	"bufio"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"jan-server/services/model-gateway/internal/domain/catalog"
	"jan-server/services/model-gateway/internal/domain/inference"
	"jan-server/services/model-gateway/internal/domain/routing"
	"jan-server/services/model-gateway/internal/infrastructure/metrics"
	"jan-server/services/model-gateway/internal/interfaces/httpserver/responses"
)

const (
	strategyHeader       = "X-Routing-Strategy"
	scannerInitialBuffer = 12 * 1024        // 12KB
	scannerMaxBuffer     = 10 * 1024 * 1024 // 10MB
)

// ChatHandler is the inference entrypoint: resolve the model, build a
// failover chain, execute it, relay the result.
type ChatHandler struct {
	registry        *catalog.Registry
	selector        *routing.Selector
	executor        *routing.Executor
	defaultStrategy routing.Strategy
	maxProviders    int
	log             zerolog.Logger
}

func NewChatHandler(
	registry *catalog.Registry,
	selector *routing.Selector,
	executor *routing.Executor,
	defaultStrategy routing.Strategy,
	maxProviders int,
	log zerolog.Logger,
) *ChatHandler {
	return &ChatHandler{
		registry:        registry,
		selector:        selector,
		executor:        executor,
		defaultStrategy: defaultStrategy,
		maxProviders:    maxProviders,
		log:             log,
	}
}

// CreateChatCompletion handles POST /v1/chat/completions for both streaming
// and non-streaming requests.
func (h *ChatHandler) CreateChatCompletion(c *gin.Context) {
	var req inference.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.HandleBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		responses.HandleBadRequest(c, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		responses.HandleBadRequest(c, "messages must not be empty")
		return
	}

	// For the metrics middleware.
	c.Set("model", req.Model)
	c.Set("stream", req.Stream)

	ctx := c.Request.Context()

	model, err := h.registry.Resolve(ctx, req.Model)
	if err != nil {
		responses.HandleError(c, err)
		return
	}
	c.Set("model", model.ID)

	strategy := h.defaultStrategy
	if raw := c.GetHeader(strategyHeader); raw != "" {
		parsed, err := routing.ParseStrategy(raw)
		if err != nil {
			responses.HandleBadRequest(c, err.Error())
			return
		}
		strategy = parsed
	}

	chain, err := h.selector.BuildChain(model, strategy, requiredFeatures(&req), h.maxProviders)
	if err != nil {
		responses.HandleError(c, err)
		return
	}

	if req.Stream {
		h.streamCompletion(c, chain, req)
		return
	}

	resp, err := h.executor.Execute(ctx, chain, req)
	if err != nil {
		h.handleExecutionError(c, model.ID, err)
		return
	}

	// The caller asked for the canonical id; don't leak the provider-native
	// one back.
	resp.Model = model.ID
	c.JSON(http.StatusOK, resp)
}

func (h *ChatHandler) streamCompletion(c *gin.Context, chain *routing.FailoverChain, req inference.ChatRequest) {
	stream, err := h.executor.ExecuteStream(c.Request.Context(), chain, req)
	if err != nil {
		h.handleExecutionError(c, chain.ModelID, err)
		return
	}
	defer func() {
		if closeErr := stream.Close(); closeErr != nil {
			h.log.Warn().Err(closeErr).Msg("close upstream stream body")
		}
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeaderNow()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, scannerInitialBuffer), scannerMaxBuffer)

	for scanner.Scan() {
		select {
		case <-c.Request.Context().Done():
			return
		default:
		}
		if _, err := c.Writer.Write(append(scanner.Bytes(), '\n')); err != nil {
			h.log.Debug().Err(err).Msg("client disconnected mid-stream")
			return
		}
		c.Writer.Flush()
	}

	if err := scanner.Err(); err != nil {
		// The stream was already acquired; failover is no longer possible.
		h.log.Warn().Err(err).Str("model", chain.ModelID).Msg("upstream stream interrupted")
	}
}

func (h *ChatHandler) handleExecutionError(c *gin.Context, modelID string, err error) {
	var exhausted *routing.ChainExhaustedError
	if errors.As(err, &exhausted) {
		metrics.RecordChainExhausted(modelID)
	}
	responses.HandleError(c, err)
}

// requiredFeatures infers the capabilities a request demands from its shape.
func requiredFeatures(req *inference.ChatRequest) []catalog.Feature {
	var features []catalog.Feature
	if req.Stream {
		features = append(features, catalog.FeatureStreaming)
	}
	if len(req.Tools) > 0 || len(req.Functions) > 0 {
		features = append(features, catalog.FeatureFunctionCalling)
	}
	for _, msg := range req.Messages {
		if hasImagePart(msg) {
			features = append(features, catalog.FeatureVision)
			break
		}
	}
	return features
}

func hasImagePart(msg openai.ChatCompletionMessage) bool {
	for _, part := range msg.MultiContent {
		if part.Type == openai.ChatMessagePartTypeImageURL {
			return true
		}
	}
	return false
}
