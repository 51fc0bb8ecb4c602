package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxSamples = 1000

type Metrics struct {
	mutex           sync.RWMutex
	calls           map[string]int64
	outcomes        map[string]map[string]int64
	fallbacks       map[string]int64
	responseTimes   map[string][]time.Duration
	statusCodes     map[string]map[int]int64
	breakerState    map[string]string
	connectionState string
	transitions     int64
	startTime       time.Time
}

type Snapshot struct {
	TotalCalls      int64                      `json:"total_calls"`
	Uptime          time.Duration              `json:"uptime"`
	ConnectionState string                     `json:"connection_state,omitempty"`
	Transitions     int64                      `json:"transitions"`
	Resources       map[string]ResourceMetrics `json:"resources"`
}

type ResourceMetrics struct {
	Calls        int64            `json:"calls"`
	Outcomes     map[string]int64 `json:"outcomes,omitempty"`
	Fallbacks    int64            `json:"fallbacks"`
	BreakerState string           `json:"breaker_state,omitempty"`
	AvgResponse  time.Duration    `json:"avg_response"`
	P50Response  time.Duration    `json:"p50_response"`
	P95Response  time.Duration    `json:"p95_response"`
	P99Response  time.Duration    `json:"p99_response"`
	StatusCodes  map[int]int64    `json:"status_codes,omitempty"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		calls:         make(map[string]int64),
		outcomes:      make(map[string]map[string]int64),
		fallbacks:     make(map[string]int64),
		responseTimes: make(map[string][]time.Duration),
		statusCodes:   make(map[string]map[int]int64),
		breakerState:  make(map[string]string),
		startTime:     time.Now(),
	}
}

func (m *Metrics) IncrementCalls(resource string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.calls[resource]++
}

// RecordOutcome counts the outcome and, when the call reached the network,
// its latency and status code.
func (m *Metrics) RecordOutcome(resource, outcome string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.outcomes[resource] == nil {
		m.outcomes[resource] = make(map[string]int64)
	}
	m.outcomes[resource][outcome]++

	if duration > 0 {
		m.responseTimes[resource] = append(m.responseTimes[resource], duration)
		if len(m.responseTimes[resource]) > maxSamples {
			m.responseTimes[resource] = m.responseTimes[resource][1:]
		}
	}

	if statusCode > 0 {
		if m.statusCodes[resource] == nil {
			m.statusCodes[resource] = make(map[int]int64)
		}
		m.statusCodes[resource][statusCode]++
	}
}

func (m *Metrics) RecordFallback(resource string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.fallbacks[resource]++
}

func (m *Metrics) UpdateBreakerState(resource, state string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.breakerState[resource] = state
}

func (m *Metrics) UpdateConnectionState(state string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.connectionState = state
	m.transitions++
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:          time.Since(m.startTime),
		ConnectionState: m.connectionState,
		Transitions:     m.transitions,
		Resources:       make(map[string]ResourceMetrics),
	}

	// Collect all resources seen by any event
	all := make(map[string]bool)
	for r := range m.calls {
		all[r] = true
	}
	for r := range m.outcomes {
		all[r] = true
	}
	for r := range m.fallbacks {
		all[r] = true
	}
	for r := range m.breakerState {
		all[r] = true
	}

	for resource := range all {
		snap.TotalCalls += m.calls[resource]

		rm := ResourceMetrics{
			Calls:        m.calls[resource],
			Outcomes:     copyCounts(m.outcomes[resource]),
			Fallbacks:    m.fallbacks[resource],
			BreakerState: m.breakerState[resource],
			StatusCodes:  copyCounts(m.statusCodes[resource]),
		}

		durations := m.responseTimes[resource]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			rm.AvgResponse = average(sorted)
			rm.P50Response = percentile(sorted, 0.50)
			rm.P95Response = percentile(sorted, 0.95)
			rm.P99Response = percentile(sorted, 0.99)
		}

		snap.Resources[resource] = rm
	}

	return snap
}

func copyCounts[K comparable](in map[K]int64) map[K]int64 {
	if in == nil {
		return nil
	}
	out := make(map[K]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
