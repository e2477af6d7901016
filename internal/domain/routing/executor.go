package routing

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"jan-server/services/model-gateway/internal/domain/health"
	"jan-server/services/model-gateway/internal/domain/inference"
)

// HealthRecorder is the write side of the health tracker the executor feeds.
type HealthRecorder interface {
	Record(model, provider string, success bool, latency time.Duration)
	State(model, provider string) health.CircuitState
	AcquireTrial(model, provider string) bool
}

// ClientResolver hands out the provider client for a binding's provider.
type ClientResolver interface {
	ClientFor(ctx context.Context, provider string) (inference.Client, error)
}

// Attempt is one failed candidate in an exhausted chain.
type Attempt struct {
	Provider string               `json:"provider"`
	Class    inference.ErrorClass `json:"class"`
	Err      error                `json:"-"`
	Message  string               `json:"message"`
}

// ChainExhaustedError reports that every candidate failed, carrying the
// ordered per-provider detail.
type ChainExhaustedError struct {
	ModelID  string
	Attempts []Attempt
}

func (e *ChainExhaustedError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "all providers failed for model %s", e.ModelID)
	for _, a := range e.Attempts {
		fmt.Fprintf(&sb, "; %s: %s (%s)", a.Provider, a.Message, a.Class)
	}
	return sb.String()
}

// Executor walks a failover chain sequentially, classifying errors and
// recording every outcome into the health tracker. Candidates are never
// tried in parallel: a provider may have partially processed a request, and
// duplicate side effects cost real money.
type Executor struct {
	clients        ClientResolver
	health         HealthRecorder
	attemptTimeout time.Duration
	log            zerolog.Logger

	// onOutcome is invoked per attempt for metrics; optional.
	onOutcome func(provider string, success bool, class inference.ErrorClass, latency time.Duration)
}

func NewExecutor(clients ClientResolver, healthRecorder HealthRecorder, attemptTimeout time.Duration, log zerolog.Logger) *Executor {
	return &Executor{
		clients:        clients,
		health:         healthRecorder,
		attemptTimeout: attemptTimeout,
		log:            log,
	}
}

// OnOutcome registers a per-attempt metrics hook. Must be set before the
// executor is shared across goroutines.
func (e *Executor) OnOutcome(fn func(provider string, success bool, class inference.ErrorClass, latency time.Duration)) {
	e.onOutcome = fn
}

// Execute tries each candidate in order until one succeeds. ClientError
// aborts the chain and surfaces unchanged; every other class records a
// failure and continues. Exhaustion yields ChainExhaustedError.
func (e *Executor) Execute(ctx context.Context, chain *FailoverChain, req inference.ChatRequest) (*inference.ChatResponse, error) {
	var resp *inference.ChatResponse
	cancel, err := e.run(ctx, chain, func(ctx context.Context, client inference.Client, providerModelID string) error {
		var sendErr error
		resp, sendErr = client.Send(ctx, providerModelID, req)
		return sendErr
	})
	if err != nil {
		return nil, err
	}
	cancel()
	return resp, nil
}

// ExecuteStream is Execute for streaming requests. Failover is only
// possible until a stream body is acquired. The attempt timeout bounds
// acquiring the stream, not reading it: the returned body stays bound to
// the winning attempt's context until the caller closes it.
func (e *Executor) ExecuteStream(ctx context.Context, chain *FailoverChain, req inference.ChatRequest) (io.ReadCloser, error) {
	var stream io.ReadCloser
	cancel, err := e.run(ctx, chain, func(ctx context.Context, client inference.Client, providerModelID string) error {
		var sendErr error
		stream, sendErr = client.SendStream(ctx, providerModelID, req)
		return sendErr
	})
	if err != nil {
		return nil, err
	}
	return &boundStream{ReadCloser: stream, cancel: cancel}, nil
}

// boundStream ties a stream body to its attempt context so the upstream
// connection is released when the caller finishes reading.
type boundStream struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (s *boundStream) Close() error {
	err := s.ReadCloser.Close()
	s.cancel()
	return err
}

// run returns the cancel func of the successful attempt's context. Execute
// cancels it immediately; ExecuteStream defers that to the body's Close so
// the handed-over stream is not killed mid-read.
func (e *Executor) run(ctx context.Context, chain *FailoverChain, attempt func(ctx context.Context, client inference.Client, providerModelID string) error) (context.CancelFunc, error) {
	if chain == nil || len(chain.Candidates) == 0 {
		return nil, &ChainExhaustedError{ModelID: modelID(chain)}
	}

	attempts := make([]Attempt, 0, len(chain.Candidates))

	for _, candidate := range chain.Candidates {
		if err := ctx.Err(); err != nil {
			// Cancellation is a terminal caller-initiated event, never a
			// reason to try the next candidate.
			return nil, err
		}

		// A HALF_OPEN candidate is a single-shot trial; skip it if another
		// request already holds the slot.
		if e.health.State(chain.ModelID, candidate.Provider) == health.StateHalfOpen {
			if !e.health.AcquireTrial(chain.ModelID, candidate.Provider) {
				e.log.Debug().
					Str("model", chain.ModelID).
					Str("provider", candidate.Provider).
					Msg("half-open trial already in flight, skipping candidate")
				continue
			}
		}

		client, err := e.clients.ClientFor(ctx, candidate.Provider)
		if err != nil {
			e.record(chain.ModelID, candidate.Provider, false, 0, inference.ErrClassTransient)
			attempts = append(attempts, Attempt{
				Provider: candidate.Provider,
				Class:    inference.ErrClassTransient,
				Err:      err,
				Message:  err.Error(),
			})
			continue
		}

		// The attempt timeout is enforced with a timer rather than a context
		// deadline so a streaming body handed to the caller is not expired
		// out from under it.
		attemptCtx, cancel := context.WithCancel(ctx)
		timer := time.AfterFunc(e.attemptTimeout, cancel)
		start := time.Now()
		attemptErr := attempt(attemptCtx, client, candidate.ProviderModelID)
		latency := time.Since(start)
		timer.Stop()

		if attemptErr == nil {
			e.record(chain.ModelID, candidate.Provider, true, latency, "")
			return cancel, nil
		}
		cancel()

		class := inference.ClassOf(attemptErr)
		if ctx.Err() == nil && attemptCtx.Err() != nil {
			// The attempt timer fired. A timed-out provider is a transient
			// failure, not a caller cancellation.
			class = inference.ErrClassTransient
		}
		e.record(chain.ModelID, candidate.Provider, false, latency, class)

		if ctx.Err() != nil {
			// The in-flight call was cancelled by the caller; its failure is
			// recorded above so breaker accounting stays consistent.
			return nil, ctx.Err()
		}

		if !class.Retryable() {
			// Caller error: abort the chain and surface the provider's
			// response unchanged.
			return nil, attemptErr
		}

		logEvent := e.log.Warn()
		if class == inference.ErrClassProviderAuth {
			// Auth failures indicate misconfiguration, not load.
			logEvent = e.log.Error()
		}
		logEvent.
			Err(attemptErr).
			Str("model", chain.ModelID).
			Str("provider", candidate.Provider).
			Str("class", string(class)).
			Dur("latency", latency).
			Msg("provider attempt failed, trying next candidate")

		attempts = append(attempts, Attempt{
			Provider: candidate.Provider,
			Class:    class,
			Err:      attemptErr,
			Message:  attemptErr.Error(),
		})
	}

	return nil, &ChainExhaustedError{ModelID: chain.ModelID, Attempts: attempts}
}

func (e *Executor) record(model, provider string, success bool, latency time.Duration, class inference.ErrorClass) {
	e.health.Record(model, provider, success, latency)
	if e.onOutcome != nil {
		e.onOutcome(provider, success, class, latency)
	}
}

func modelID(chain *FailoverChain) string {
	if chain == nil {
		return ""
	}
	return chain.ModelID
}
