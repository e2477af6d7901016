package health

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// CircuitState is the per-(model,provider) circuit breaker state.
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half_open"
)

const shardCount = 64

// Config controls circuit breaker thresholds and latency smoothing.
type Config struct {
	FailureThreshold int           // consecutive failures before CLOSED -> OPEN
	Cooldown         time.Duration // OPEN -> HALF_OPEN after this elapses
	LatencyAlpha     float64       // EWMA smoothing factor for rolling latency
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         5 * time.Minute,
		LatencyAlpha:     0.2,
	}
}

// record holds mutable health statistics for one (model, provider) pair.
// Guarded by its shard's mutex.
type record struct {
	consecutiveFailures int
	totalSuccesses      int64
	totalFailures       int64
	avgLatencyMs        float64
	latencySamples      int64
	state               CircuitState
	lastStateChangeAt   time.Time
	lastCheckedAt       time.Time
	trialInProgress     bool
}

// RecordView is an immutable copy of a record for snapshots and dashboards.
type RecordView struct {
	Model               string       `json:"model"`
	Provider            string       `json:"provider"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	TotalSuccesses      int64        `json:"total_successes"`
	TotalFailures       int64        `json:"total_failures"`
	AvgLatencyMs        float64      `json:"avg_latency_ms"`
	State               CircuitState `json:"circuit_state"`
	LastStateChangeAt   time.Time    `json:"last_state_change_at"`
	LastCheckedAt       time.Time    `json:"last_checked_at"`
}

// TotalRequests is the recorded request volume for monitor tiering.
func (v RecordView) TotalRequests() int64 {
	return v.TotalSuccesses + v.TotalFailures
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

// Tracker keeps per-(model, provider) success/failure statistics and a
// circuit breaker state machine. Records are sharded across 64 mutexes so
// independent keys never contend on a single lock.
type Tracker struct {
	cfg          Config
	shards       [shardCount]shard
	now          func() time.Time
	onTransition func(model, provider string, state CircuitState)
}

func NewTracker(cfg Config) *Tracker {
	t := &Tracker{cfg: cfg, now: time.Now}
	for i := range t.shards {
		t.shards[i].records = make(map[string]*record)
	}
	return t
}

// OnTransition registers a callback invoked after every circuit state change.
// Used to keep the prometheus circuit gauge current. Must be set before the
// tracker is shared across goroutines.
func (t *Tracker) OnTransition(fn func(model, provider string, state CircuitState)) {
	t.onTransition = fn
}

func key(model, provider string) string {
	return model + "|" + provider
}

func (t *Tracker) shardFor(k string) *shard {
	h := fnv.New32a()
	h.Write([]byte(k))
	return &t.shards[h.Sum32()%shardCount]
}

func (t *Tracker) getOrCreate(s *shard, k string) *record {
	rec, ok := s.records[k]
	if !ok {
		rec = &record{state: StateClosed}
		s.records[k] = rec
	}
	return rec
}

// maybeHalfOpen lazily evaluates the OPEN -> HALF_OPEN transition.
// Caller must hold the shard lock.
func (t *Tracker) maybeHalfOpen(rec *record, model, provider string) {
	if rec.state == StateOpen && t.now().Sub(rec.lastStateChangeAt) >= t.cfg.Cooldown {
		t.transition(rec, model, provider, StateHalfOpen)
		rec.trialInProgress = false
	}
}

// transition changes state and stamps the change time. Caller holds the lock.
func (t *Tracker) transition(rec *record, model, provider string, to CircuitState) {
	if rec.state == to {
		return
	}
	rec.state = to
	rec.lastStateChangeAt = t.now()
	if t.onTransition != nil {
		t.onTransition(model, provider, to)
	}
}

// Record updates counters, rolling latency, and circuit state for one
// request or probe outcome. Safe under concurrent invocation for the same key.
func (t *Tracker) Record(model, provider string, success bool, latency time.Duration) {
	k := key(model, provider)
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := t.getOrCreate(s, k)
	rec.lastCheckedAt = t.now()
	rec.trialInProgress = false

	if success {
		rec.totalSuccesses++
		rec.consecutiveFailures = 0
		ms := float64(latency) / float64(time.Millisecond)
		if rec.latencySamples == 0 {
			rec.avgLatencyMs = ms
		} else {
			rec.avgLatencyMs = t.cfg.LatencyAlpha*ms + (1-t.cfg.LatencyAlpha)*rec.avgLatencyMs
		}
		rec.latencySamples++
		// A success in HALF_OPEN closes the circuit. A success while still
		// OPEN (possible when an empty chain forced the candidate through)
		// closes it too: the provider has proven itself.
		if rec.state != StateClosed {
			t.transition(rec, model, provider, StateClosed)
		}
		return
	}

	rec.totalFailures++
	rec.consecutiveFailures++

	switch rec.state {
	case StateHalfOpen:
		// failed trial: reopen and restart the cooldown timer
		t.transition(rec, model, provider, StateOpen)
	case StateClosed:
		if rec.consecutiveFailures >= t.cfg.FailureThreshold {
			t.transition(rec, model, provider, StateOpen)
		}
	}
}

// IsAvailable reports whether the pair may receive traffic. Returns false
// only when the circuit is OPEN; HALF_OPEN returns true but callers must
// gate the single trial through AcquireTrial.
func (t *Tracker) IsAvailable(model, provider string) bool {
	k := key(model, provider)
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[k]
	if !ok {
		return true
	}
	t.maybeHalfOpen(rec, model, provider)
	return rec.state != StateOpen
}

// State returns the current circuit state, applying the lazy
// OPEN -> HALF_OPEN evaluation.
func (t *Tracker) State(model, provider string) CircuitState {
	k := key(model, provider)
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[k]
	if !ok {
		return StateClosed
	}
	t.maybeHalfOpen(rec, model, provider)
	return rec.state
}

// AcquireTrial claims the single HALF_OPEN trial slot for a pair. Returns
// true for at most one caller until the trial's outcome is recorded.
func (t *Tracker) AcquireTrial(model, provider string) bool {
	k := key(model, provider)
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[k]
	if !ok {
		return false
	}
	t.maybeHalfOpen(rec, model, provider)
	if rec.state != StateHalfOpen || rec.trialInProgress {
		return false
	}
	rec.trialInProgress = true
	return true
}

// SuccessRate returns the lifetime success ratio, 1.0 when nothing recorded.
func (t *Tracker) SuccessRate(model, provider string) float64 {
	k := key(model, provider)
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[k]
	if !ok {
		return 1.0
	}
	total := rec.totalSuccesses + rec.totalFailures
	if total == 0 {
		return 1.0
	}
	return float64(rec.totalSuccesses) / float64(total)
}

// AvgLatency returns the rolling average latency in milliseconds. ok is
// false until at least one success has been recorded.
func (t *Tracker) AvgLatency(model, provider string) (float64, bool) {
	k := key(model, provider)
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[k]
	if !ok || rec.latencySamples == 0 {
		return 0, false
	}
	return rec.avgLatencyMs, true
}

// Snapshot copies every record, sorted by (model, provider) for stable output.
func (t *Tracker) Snapshot() []RecordView {
	var out []RecordView
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for k, rec := range s.records {
			model, provider := splitKey(k)
			out = append(out, RecordView{
				Model:               model,
				Provider:            provider,
				ConsecutiveFailures: rec.consecutiveFailures,
				TotalSuccesses:      rec.totalSuccesses,
				TotalFailures:       rec.totalFailures,
				AvgLatencyMs:        rec.avgLatencyMs,
				State:               rec.state,
				LastStateChangeAt:   rec.lastStateChangeAt,
				LastCheckedAt:       rec.lastCheckedAt,
			})
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Model != out[j].Model {
			return out[i].Model < out[j].Model
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

func splitKey(k string) (model, provider string) {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == '|' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}
