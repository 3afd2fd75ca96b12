package mockllm

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Failure modes a scenario can inject.
const (
	FailureTimeout      = "timeout"
	FailureServerError  = "500"
	FailureRateLimited  = "429"
	FailureUnauthorized = "401"
	FailureDisconnect   = "disconnect"
)

// Scenario defines a mock LLM response configuration.
// The scenario ID is matched against the model name in requests.
type Scenario struct {
	// ID is matched against the requested model.
	ID string `json:"id"`

	// Provider determines the response format: "openai", "anthropic" or
	// "google-ai". Defaults to the format of the endpoint that was hit.
	Provider string `json:"provider,omitempty"`

	// Content is the LLM output returned to the client.
	Content string `json:"content"`

	// ContentPerRequest overrides Content for the Nth request. Requests past
	// the end reuse the last entry.
	ContentPerRequest []string `json:"content_per_request,omitempty"`

	// ChunkSize is the number of characters per SSE chunk (0 = one chunk).
	ChunkSize int `json:"chunk_size"`

	// InitialDelayMs is the delay before the first byte of the response.
	InitialDelayMs int `json:"initial_delay_ms"`

	// InitialDelayMsPerRequest overrides InitialDelayMs for the Nth request.
	// Requests past the end reuse the last entry.
	InitialDelayMsPerRequest []int `json:"initial_delay_ms_per_request,omitempty"`

	ChunkDelayMs  int `json:"chunk_delay_ms"`
	ChunkJitterMs int `json:"chunk_jitter_ms"`

	// FailRequests makes the first N requests fail with FailureMode before
	// any content is sent.
	FailRequests int `json:"fail_requests,omitempty"`

	// FailAfter makes streaming responses fail after N chunks.
	FailAfter int `json:"fail_after,omitempty"`

	FailureMode string `json:"failure_mode,omitempty"`
}

// Attempt describes how a single request to a scenario should be served.
type Attempt struct {
	Index        int
	Content      string
	InitialDelay time.Duration
	// Fail is set when the request must fail before any content.
	Fail bool
}

// CapturedRequest stores the raw request received for a scenario.
type CapturedRequest struct {
	Path   string            `json:"path"`
	Header map[string]string `json:"header"`
	Body   []byte            `json:"body"`
}

// ScenarioStore provides thread-safe storage for test scenarios.
type ScenarioStore struct {
	mu            sync.RWMutex
	scenarios     map[string]*Scenario
	requestCounts map[string]int
	lastRequests  map[string]*CapturedRequest
}

func NewScenarioStore() *ScenarioStore {
	return &ScenarioStore{
		scenarios:     make(map[string]*Scenario),
		requestCounts: make(map[string]int),
		lastRequests:  make(map[string]*CapturedRequest),
	}
}

// Register adds or replaces a scenario and resets its request count.
func (s *ScenarioStore) Register(scenario *Scenario) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarios[scenario.ID] = scenario
	delete(s.requestCounts, scenario.ID)
}

func (s *ScenarioStore) Get(id string) (*Scenario, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scenario, ok := s.scenarios[id]
	return scenario, ok
}

// Next resolves the attempt for the next request to id and advances the
// scenario's request counter.
func (s *ScenarioStore) Next(id string) (*Scenario, Attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scenario, ok := s.scenarios[id]
	if !ok {
		return nil, Attempt{}, false
	}

	n := s.requestCounts[id]
	s.requestCounts[id] = n + 1

	attempt := Attempt{
		Index:   n,
		Content: pick(scenario.ContentPerRequest, n, scenario.Content),
		InitialDelay: time.Duration(
			pick(scenario.InitialDelayMsPerRequest, n, scenario.InitialDelayMs),
		) * time.Millisecond,
		Fail: n < scenario.FailRequests,
	}
	return scenario, attempt, true
}

func pick[T any](values []T, n int, fallback T) T {
	if len(values) == 0 {
		return fallback
	}
	return values[min(n, len(values)-1)]
}

// RequestCount returns how many requests hit the scenario.
func (s *ScenarioStore) RequestCount(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requestCounts[id]
}

func (s *ScenarioStore) CaptureRequest(id string, req *CapturedRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRequests[id] = req
}

func (s *ScenarioStore) GetLastRequest(id string) (*CapturedRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.lastRequests[id]
	return req, ok
}

// Delete removes a scenario by ID.
func (s *ScenarioStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.scenarios[id]
	delete(s.scenarios, id)
	delete(s.requestCounts, id)
	delete(s.lastRequests, id)
	return existed
}

func (s *ScenarioStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarios = make(map[string]*Scenario)
	s.requestCounts = make(map[string]int)
	s.lastRequests = make(map[string]*CapturedRequest)
}

// List returns all registered scenarios ordered by ID.
func (s *ScenarioStore) List() []*Scenario {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Scenario, 0, len(s.scenarios))
	for _, scenario := range s.scenarios {
		result = append(result, scenario)
	}
	slices.SortFunc(result, func(a, b *Scenario) int {
		return strings.Compare(a.ID, b.ID)
	})
	return result
}
