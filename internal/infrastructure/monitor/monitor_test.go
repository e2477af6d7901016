package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"jan-server/services/model-gateway/internal/domain/catalog"
	"jan-server/services/model-gateway/internal/domain/health"
	"jan-server/services/model-gateway/internal/domain/inference"
)

type fakeCatalog struct {
	models []*catalog.CanonicalModel
}

func (f *fakeCatalog) List(ctx context.Context) ([]*catalog.CanonicalModel, error) {
	return f.models, nil
}

type fakeProbeClient struct {
	name string
	err  error

	mu     sync.Mutex
	probes int
}

func (c *fakeProbeClient) Name() string { return c.name }

func (c *fakeProbeClient) Send(ctx context.Context, providerModelID string, req inference.ChatRequest) (*inference.ChatResponse, error) {
	return nil, errors.New("not used")
}

func (c *fakeProbeClient) SendStream(ctx context.Context, providerModelID string, req inference.ChatRequest) (io.ReadCloser, error) {
	return nil, errors.New("not used")
}

func (c *fakeProbeClient) Probe(ctx context.Context) error {
	c.mu.Lock()
	c.probes++
	c.mu.Unlock()
	return c.err
}

func (c *fakeProbeClient) probeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probes
}

type fakeClients struct {
	clients map[string]*fakeProbeClient
}

func (f *fakeClients) ClientFor(ctx context.Context, provider string) (inference.Client, error) {
	client, ok := f.clients[provider]
	if !ok {
		return nil, errors.New("unknown provider")
	}
	return client, nil
}

type fakeSink struct {
	mu      sync.Mutex
	payload []byte
}

func (f *fakeSink) Set(ctx context.Context, key string, value []byte, ttl, staleTTL time.Duration) error {
	f.mu.Lock()
	f.payload = value
	f.mu.Unlock()
	return nil
}

func testConfig() Config {
	return Config{
		CriticalInterval: 30 * time.Second,
		PopularInterval:  2 * time.Minute,
		StandardInterval: 10 * time.Minute,
		ProbeTimeout:     time.Second,
		BatchSize:        2,
		BatchDelay:       time.Millisecond,
		CriticalVolume:   1000,
		PopularVolume:    100,
		SnapshotInterval: 30 * time.Second,
	}
}

func modelWith(id string, providers ...string) *catalog.CanonicalModel {
	m := &catalog.CanonicalModel{ID: id, Active: true}
	for _, p := range providers {
		m.Bindings = append(m.Bindings, catalog.ProviderBinding{
			Provider:        p,
			ProviderModelID: id,
			Enabled:         true,
		})
	}
	return m
}

func TestTierClassificationByVolume(t *testing.T) {
	tracker := health.NewTracker(health.DefaultConfig())
	m := New(testConfig(), &fakeCatalog{}, &fakeClients{}, tracker, &fakeSink{}, zerolog.Nop())

	cases := []struct {
		successes int
		failures  int
		want      Tier
	}{
		{0, 0, TierOnDemand},
		{1, 0, TierStandard},
		{50, 49, TierStandard},
		{100, 0, TierPopular},
		{900, 100, TierCritical},
	}
	for _, tc := range cases {
		view := health.RecordView{
			TotalSuccesses: int64(tc.successes),
			TotalFailures:  int64(tc.failures),
		}
		if got := m.tierFor(view); got != tc.want {
			t.Errorf("%d successes / %d failures: got %s, want %s", tc.successes, tc.failures, got, tc.want)
		}
	}
}

func TestProbeTierRecordsOutcomes(t *testing.T) {
	tracker := health.NewTracker(health.DefaultConfig())

	// prov-up has standard-tier traffic, prov-down likewise.
	for i := 0; i < 10; i++ {
		tracker.Record("gpt-4o", "prov-up", true, 50*time.Millisecond)
		tracker.Record("gpt-4o", "prov-down", true, 50*time.Millisecond)
	}

	clients := &fakeClients{clients: map[string]*fakeProbeClient{
		"prov-up":   {name: "prov-up"},
		"prov-down": {name: "prov-down", err: errors.New("connection refused")},
	}}
	catalogSource := &fakeCatalog{models: []*catalog.CanonicalModel{
		modelWith("gpt-4o", "prov-up", "prov-down"),
	}}

	m := New(testConfig(), catalogSource, clients, tracker, &fakeSink{}, zerolog.Nop())
	m.probeTier(context.Background(), TierStandard)

	if clients.clients["prov-up"].probeCount() != 1 {
		t.Fatalf("prov-up probed %d times", clients.clients["prov-up"].probeCount())
	}
	if clients.clients["prov-down"].probeCount() != 1 {
		t.Fatalf("prov-down probed %d times", clients.clients["prov-down"].probeCount())
	}

	if rate := tracker.SuccessRate("gpt-4o", "prov-down"); rate >= 1.0 {
		t.Fatalf("failed probe should lower success rate, got %f", rate)
	}
	if rate := tracker.SuccessRate("gpt-4o", "prov-up"); rate != 1.0 {
		t.Fatalf("successful probes should keep rate at 1.0, got %f", rate)
	}
}

func TestProbeTierSkipsOtherTiersAndDisabledBindings(t *testing.T) {
	tracker := health.NewTracker(health.DefaultConfig())

	// prov-hot is critical tier, prov-cold has never served traffic.
	for i := 0; i < 1000; i++ {
		tracker.Record("gpt-4o", "prov-hot", true, 10*time.Millisecond)
	}

	disabled := modelWith("gpt-4o", "prov-hot", "prov-cold")
	disabled.Bindings = append(disabled.Bindings, catalog.ProviderBinding{
		Provider: "prov-off", Enabled: false,
	})

	clients := &fakeClients{clients: map[string]*fakeProbeClient{
		"prov-hot":  {name: "prov-hot"},
		"prov-cold": {name: "prov-cold"},
		"prov-off":  {name: "prov-off"},
	}}
	m := New(testConfig(), &fakeCatalog{models: []*catalog.CanonicalModel{disabled}}, clients, tracker, &fakeSink{}, zerolog.Nop())

	m.probeTier(context.Background(), TierCritical)

	if clients.clients["prov-hot"].probeCount() != 1 {
		t.Fatalf("critical pair should be probed, got %d", clients.clients["prov-hot"].probeCount())
	}
	if clients.clients["prov-cold"].probeCount() != 0 {
		t.Fatal("on-demand pair must never be probed")
	}
	if clients.clients["prov-off"].probeCount() != 0 {
		t.Fatal("disabled binding must never be probed")
	}
}

func TestPublishSnapshot(t *testing.T) {
	tracker := health.NewTracker(health.DefaultConfig())
	tracker.Record("gpt-4o", "prov-a", true, 100*time.Millisecond)

	sink := &fakeSink{}
	m := New(testConfig(), &fakeCatalog{}, &fakeClients{}, tracker, sink, zerolog.Nop())
	m.publishSnapshot(context.Background())

	sink.mu.Lock()
	payload := sink.payload
	sink.mu.Unlock()
	if payload == nil {
		t.Fatal("snapshot not published")
	}

	var snap healthSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(snap.Records))
	}
	if snap.Records[0].Provider != "prov-a" || snap.Records[0].State != health.StateClosed {
		t.Fatalf("unexpected record %+v", snap.Records[0])
	}
}
