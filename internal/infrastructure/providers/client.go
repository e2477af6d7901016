package providers

import (
	"context"
	"io"
	"strings"

	"resty.dev/v3"

	"jan-server/services/model-gateway/internal/domain/catalog"
	"jan-server/services/model-gateway/internal/domain/inference"
	"jan-server/services/model-gateway/internal/utils/httpclients"
)

const anthropicVersion = "2023-06-01"

// ModelsResponse is the OpenAI-compatible /models listing shape.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
	Created int64  `json:"created"`
}

// Client talks to one OpenAI-compatible upstream. Auth header placement
// varies by provider kind; everything else is the common wire shape.
type Client struct {
	http    *resty.Client
	name    string
	kind    catalog.ProviderKind
	baseURL string
	apiKey  string
}

var _ inference.Client = (*Client)(nil)

func NewClient(provider *catalog.Provider, apiKey string) *Client {
	return &Client{
		http:    httpclients.NewClient(provider.PublicID),
		name:    provider.PublicID,
		kind:    provider.Kind,
		baseURL: normalizeBaseURL(provider.BaseURL),
		apiKey:  apiKey,
	}
}

func (c *Client) Name() string {
	return c.name
}

// Send performs a non-streaming completion with the provider-native model id.
func (c *Client) Send(ctx context.Context, providerModelID string, req inference.ChatRequest) (*inference.ChatResponse, error) {
	req.Model = providerModelID
	req.Stream = false

	var respBody inference.ChatResponse
	resp, err := c.prepareRequest(ctx).
		SetBody(req).
		SetResult(&respBody).
		Post(c.endpoint("/chat/completions"))
	if err != nil {
		return nil, classifyTransport(c.name, err)
	}
	if resp.IsError() {
		return nil, c.errorFromResponse(resp)
	}
	return &respBody, nil
}

// SendStream returns the upstream SSE body. An error status is still fully
// classified here; once the body is handed back, failures are terminal.
func (c *Client) SendStream(ctx context.Context, providerModelID string, req inference.ChatRequest) (io.ReadCloser, error) {
	req.Model = providerModelID
	req.Stream = true

	r := c.prepareRequest(ctx).
		SetBody(req).
		SetDoNotParseResponse(true)
	if r.Header.Get("Accept-Encoding") == "" {
		r.SetHeader("Accept-Encoding", "identity")
	}

	resp, err := r.Post(c.endpoint("/chat/completions"))
	if err != nil {
		return nil, classifyTransport(c.name, err)
	}
	if resp.IsError() {
		return nil, c.errorFromResponse(resp)
	}
	if resp.RawResponse == nil || resp.RawResponse.Body == nil {
		return nil, &inference.ClassifiedError{
			Class:    inference.ErrClassTransient,
			Provider: c.name,
			Message:  "empty streaming response body",
		}
	}
	return resp.RawResponse.Body, nil
}

// Probe is the cheap liveness round trip used by the health monitor.
func (c *Client) Probe(ctx context.Context) error {
	resp, err := c.prepareRequest(ctx).Get(c.endpoint("/models"))
	if err != nil {
		return classifyTransport(c.name, err)
	}
	if resp.IsError() {
		return c.errorFromResponse(resp)
	}
	return nil
}

// ListModels fetches the provider's model listing for catalog sync.
func (c *Client) ListModels(ctx context.Context) (*ModelsResponse, error) {
	var respBody ModelsResponse
	resp, err := c.prepareRequest(ctx).
		SetResult(&respBody).
		Get(c.endpoint("/models"))
	if err != nil {
		return nil, classifyTransport(c.name, err)
	}
	if resp.IsError() {
		return nil, c.errorFromResponse(resp)
	}
	return &respBody, nil
}

func (c *Client) prepareRequest(ctx context.Context) *resty.Request {
	req := c.http.R().SetContext(ctx)
	req.SetHeader("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) == "" {
		return req
	}
	switch c.kind {
	case catalog.ProviderAzureOpenAI:
		req.SetHeader("api-key", c.apiKey)
	case catalog.ProviderAnthropic:
		req.SetHeader("x-api-key", c.apiKey)
		req.SetHeader("anthropic-version", anthropicVersion)
	default:
		req.SetHeader("Authorization", "Bearer "+c.apiKey)
	}
	return req
}

func (c *Client) endpoint(path string) string {
	if path == "" {
		return c.baseURL
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if c.baseURL == "" {
		return path
	}
	if strings.HasPrefix(path, "/") {
		return c.baseURL + path
	}
	return c.baseURL + "/" + path
}

func (c *Client) errorFromResponse(resp *resty.Response) error {
	status := resp.StatusCode()
	if resp.RawResponse == nil || resp.RawResponse.Body == nil {
		return classifyResponse(c.name, status, nil)
	}
	defer resp.RawResponse.Body.Close()
	body, err := io.ReadAll(resp.RawResponse.Body)
	if err != nil {
		return classifyResponse(c.name, status, nil)
	}
	return classifyResponse(c.name, status, body)
}

func normalizeBaseURL(base string) string {
	trimmed := strings.TrimSpace(base)
	return strings.TrimRight(trimmed, "/")
}
