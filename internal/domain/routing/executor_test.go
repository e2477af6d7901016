package routing

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"jan-server/services/model-gateway/internal/domain/catalog"
	"jan-server/services/model-gateway/internal/domain/health"
	"jan-server/services/model-gateway/internal/domain/inference"
)

type recordedOutcome struct {
	provider string
	success  bool
}

// fakeRecorder captures Record calls and simulates circuit state per provider.
type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []recordedOutcome
	states   map[string]health.CircuitState
	trials   map[string]bool
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		states: map[string]health.CircuitState{},
		trials: map[string]bool{},
	}
}

func (r *fakeRecorder) Record(model, provider string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, recordedOutcome{provider: provider, success: success})
	r.trials[provider] = false
}

func (r *fakeRecorder) State(model, provider string) health.CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[provider]; ok {
		return s
	}
	return health.StateClosed
}

func (r *fakeRecorder) AcquireTrial(model, provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trials[provider] {
		return false
	}
	r.trials[provider] = true
	return true
}

// scriptedClient returns a canned response or error per call.
type scriptedClient struct {
	name       string
	err        error
	delay      time.Duration
	calls      int
	bindStream bool
}

func (c *scriptedClient) Name() string { return c.name }

func (c *scriptedClient) Send(ctx context.Context, providerModelID string, req inference.ChatRequest) (*inference.ChatResponse, error) {
	c.calls++
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, &inference.ClassifiedError{Class: inference.ErrClassTransient, Provider: c.name, Message: "timeout", Err: ctx.Err()}
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return &inference.ChatResponse{Model: providerModelID}, nil
}

func (c *scriptedClient) SendStream(ctx context.Context, providerModelID string, req inference.ChatRequest) (io.ReadCloser, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	if c.bindStream {
		return &ctxBoundStream{ctx: ctx, data: strings.NewReader("data: {}\n\ndata: [DONE]\n\n")}, nil
	}
	return io.NopCloser(strings.NewReader("data: {}\n\ndata: [DONE]\n\n")), nil
}

// ctxBoundStream fails reads once its originating context is done, the way
// an HTTP response body tied to the request context behaves.
type ctxBoundStream struct {
	ctx  context.Context
	data *strings.Reader
}

func (s *ctxBoundStream) Read(p []byte) (int, error) {
	if err := s.ctx.Err(); err != nil {
		return 0, err
	}
	return s.data.Read(p)
}

func (s *ctxBoundStream) Close() error { return nil }

func (c *scriptedClient) Probe(ctx context.Context) error { return c.err }

type fakeResolver struct {
	clients map[string]*scriptedClient
}

func (f *fakeResolver) ClientFor(ctx context.Context, provider string) (inference.Client, error) {
	c, ok := f.clients[provider]
	if !ok {
		return nil, errors.New("unknown provider " + provider)
	}
	return c, nil
}

func chainOf(providers ...string) *FailoverChain {
	chain := &FailoverChain{ModelID: "test-model", Strategy: StrategyPriority}
	for i, p := range providers {
		chain.Candidates = append(chain.Candidates, catalog.ProviderBinding{
			PublicID:        "bnd_" + p,
			Provider:        p,
			ProviderModelID: "native-" + p,
			Priority:        i + 1,
			Enabled:         true,
		})
	}
	return chain
}

func newTestExecutor(resolver *fakeResolver, recorder *fakeRecorder) *Executor {
	return NewExecutor(resolver, recorder, time.Second, zerolog.Nop())
}

func TestExecuteFailsOverOnTransientError(t *testing.T) {
	resolver := &fakeResolver{clients: map[string]*scriptedClient{
		"prov-a": {name: "prov-a", err: &inference.ClassifiedError{Class: inference.ErrClassTransient, Provider: "prov-a", StatusCode: 503, Message: "upstream unavailable"}},
		"prov-b": {name: "prov-b"},
	}}
	recorder := newFakeRecorder()
	exec := newTestExecutor(resolver, recorder)

	resp, err := exec.Execute(context.Background(), chainOf("prov-a", "prov-b"), inference.ChatRequest{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Model != "native-prov-b" {
		t.Fatalf("expected response from prov-b, got %s", resp.Model)
	}
	if resolver.clients["prov-a"].calls != 1 || resolver.clients["prov-b"].calls != 1 {
		t.Fatalf("expected exactly one attempt each, got %d/%d",
			resolver.clients["prov-a"].calls, resolver.clients["prov-b"].calls)
	}

	want := []recordedOutcome{{"prov-a", false}, {"prov-b", true}}
	if len(recorder.outcomes) != len(want) {
		t.Fatalf("expected %d recorded outcomes, got %v", len(want), recorder.outcomes)
	}
	for i := range want {
		if recorder.outcomes[i] != want[i] {
			t.Fatalf("outcome %d: expected %v, got %v", i, want[i], recorder.outcomes[i])
		}
	}
}

func TestExecuteClientErrorAbortsChain(t *testing.T) {
	clientErr := &inference.ClassifiedError{Class: inference.ErrClassClient, Provider: "prov-a", StatusCode: 400, Message: "invalid request"}
	resolver := &fakeResolver{clients: map[string]*scriptedClient{
		"prov-a": {name: "prov-a", err: clientErr},
		"prov-b": {name: "prov-b"},
	}}
	recorder := newFakeRecorder()
	exec := newTestExecutor(resolver, recorder)

	_, err := exec.Execute(context.Background(), chainOf("prov-a", "prov-b"), inference.ChatRequest{})
	if !errors.Is(err, clientErr) {
		t.Fatalf("expected the client error surfaced unchanged, got %v", err)
	}
	if resolver.clients["prov-b"].calls != 0 {
		t.Fatal("second candidate must not be attempted after a client error")
	}
	// The failure is still recorded for breaker accounting.
	if len(recorder.outcomes) != 1 || recorder.outcomes[0].success {
		t.Fatalf("expected one recorded failure, got %v", recorder.outcomes)
	}
}

func TestExecuteChainExhausted(t *testing.T) {
	resolver := &fakeResolver{clients: map[string]*scriptedClient{
		"prov-a": {name: "prov-a", err: &inference.ClassifiedError{Class: inference.ErrClassTransient, Provider: "prov-a", StatusCode: 503, Message: "down"}},
		"prov-b": {name: "prov-b", err: &inference.ClassifiedError{Class: inference.ErrClassPaymentRequired, Provider: "prov-b", StatusCode: 402, Message: "credits exhausted"}},
	}}
	recorder := newFakeRecorder()
	exec := newTestExecutor(resolver, recorder)

	_, err := exec.Execute(context.Background(), chainOf("prov-a", "prov-b"), inference.ChatRequest{})
	var exhausted *ChainExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ChainExhaustedError, got %v", err)
	}
	if len(exhausted.Attempts) != 2 {
		t.Fatalf("expected 2 attempts in error detail, got %d", len(exhausted.Attempts))
	}
	if exhausted.Attempts[0].Provider != "prov-a" || exhausted.Attempts[0].Class != inference.ErrClassTransient {
		t.Fatalf("unexpected first attempt: %+v", exhausted.Attempts[0])
	}
	if exhausted.Attempts[1].Provider != "prov-b" || exhausted.Attempts[1].Class != inference.ErrClassPaymentRequired {
		t.Fatalf("unexpected second attempt: %+v", exhausted.Attempts[1])
	}
}

func TestExecuteCancellationAbortsMidChain(t *testing.T) {
	resolver := &fakeResolver{clients: map[string]*scriptedClient{
		"prov-a": {name: "prov-a", delay: 5 * time.Second},
		"prov-b": {name: "prov-b"},
	}}
	recorder := newFakeRecorder()
	exec := newTestExecutor(resolver, recorder)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := exec.Execute(ctx, chainOf("prov-a", "prov-b"), inference.ChatRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if resolver.clients["prov-b"].calls != 0 {
		t.Fatal("cancellation must not advance to the next candidate")
	}
	// The cancelled in-flight call is recorded as a failure.
	if len(recorder.outcomes) != 1 || recorder.outcomes[0].success {
		t.Fatalf("expected one recorded failure for the cancelled attempt, got %v", recorder.outcomes)
	}
}

func TestExecuteHalfOpenSingleTrial(t *testing.T) {
	resolver := &fakeResolver{clients: map[string]*scriptedClient{
		"prov-a": {name: "prov-a"},
		"prov-b": {name: "prov-b"},
	}}
	recorder := newFakeRecorder()
	recorder.states["prov-a"] = health.StateHalfOpen
	recorder.trials["prov-a"] = true // another request already holds the trial
	exec := newTestExecutor(resolver, recorder)

	resp, err := exec.Execute(context.Background(), chainOf("prov-a", "prov-b"), inference.ChatRequest{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Model != "native-prov-b" {
		t.Fatalf("expected prov-b to serve while prov-a trial is held, got %s", resp.Model)
	}
	if resolver.clients["prov-a"].calls != 0 {
		t.Fatal("held half-open trial must not be attempted")
	}
}

func TestExecuteStreamFailsOverBeforeStreamAcquired(t *testing.T) {
	resolver := &fakeResolver{clients: map[string]*scriptedClient{
		"prov-a": {name: "prov-a", err: &inference.ClassifiedError{Class: inference.ErrClassModelNotFound, Provider: "prov-a", StatusCode: 404, Message: "no such model"}},
		"prov-b": {name: "prov-b"},
	}}
	recorder := newFakeRecorder()
	exec := newTestExecutor(resolver, recorder)

	stream, err := exec.ExecuteStream(context.Background(), chainOf("prov-a", "prov-b"), inference.ChatRequest{})
	if err != nil {
		t.Fatalf("execute stream: %v", err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.Contains(string(data), "[DONE]") {
		t.Fatalf("expected stream body from prov-b, got %q", data)
	}
}

func TestExecuteStreamBodyOutlivesAttempt(t *testing.T) {
	resolver := &fakeResolver{clients: map[string]*scriptedClient{
		"prov-a": {name: "prov-a", bindStream: true},
	}}
	recorder := newFakeRecorder()
	exec := NewExecutor(resolver, recorder, 30*time.Millisecond, zerolog.Nop())

	stream, err := exec.ExecuteStream(context.Background(), chainOf("prov-a"), inference.ChatRequest{})
	if err != nil {
		t.Fatalf("execute stream: %v", err)
	}

	// Read well after ExecuteStream returned and the attempt timeout
	// elapsed. A body whose context was cancelled or deadlined at handover
	// fails here instead of draining.
	time.Sleep(60 * time.Millisecond)
	buf := make([]byte, 8)
	var got []byte
	for {
		n, readErr := stream.Read(buf)
		got = append(got, buf[:n]...)
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			t.Fatalf("read stream after handover: %v", readErr)
		}
	}
	if !strings.Contains(string(got), "[DONE]") {
		t.Fatalf("incomplete stream body: %q", got)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("close stream: %v", err)
	}
}

func TestExecuteEmptyChain(t *testing.T) {
	resolver := &fakeResolver{clients: map[string]*scriptedClient{}}
	exec := newTestExecutor(resolver, newFakeRecorder())

	_, err := exec.Execute(context.Background(), &FailoverChain{ModelID: "m"}, inference.ChatRequest{})
	var exhausted *ChainExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ChainExhaustedError for empty chain, got %v", err)
	}
}
