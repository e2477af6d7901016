package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"jan-server/services/model-gateway/internal/domain/inference"
)

// classFromStatus maps an upstream HTTP status to the shared error taxonomy.
func classFromStatus(status int) inference.ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return inference.ErrClassProviderAuth
	case status == http.StatusPaymentRequired:
		return inference.ErrClassPaymentRequired
	case status == http.StatusNotFound:
		return inference.ErrClassModelNotFound
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return inference.ErrClassTransient
	case status >= 500:
		return inference.ErrClassTransient
	case status >= 400:
		// 400, 413, 422 and the remaining 4xx family: the request itself is
		// at fault and no other provider will accept it either.
		return inference.ErrClassClient
	default:
		return inference.ErrClassTransient
	}
}

// errorEnvelope is the OpenAI-compatible error body shape.
type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// classifyResponse builds a ClassifiedError from an upstream error status and
// body. The body's error message is extracted when it follows the OpenAI
// envelope; otherwise the raw body is carried verbatim.
func classifyResponse(provider string, status int, body []byte) *inference.ClassifiedError {
	message := strings.TrimSpace(string(body))
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}
	return &inference.ClassifiedError{
		Class:      classFromStatus(status),
		Provider:   provider,
		StatusCode: status,
		Message:    message,
	}
}

// classifyTransport wraps connection-level failures. Timeouts and network
// errors are transient; caller cancellation passes through unclassified so
// it stays terminal.
func classifyTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	return &inference.ClassifiedError{
		Class:    inference.ErrClassTransient,
		Provider: provider,
		Err:      err,
	}
}
