package memory

import (
	"sync"
	"time"
)

// MetricsSnapshot holds the raw counters and the rates derived from them.
type MetricsSnapshot struct {
	CommitmentsMade       int     `json:"commitments_made"`
	CommitmentsFulfilled  int     `json:"commitments_fulfilled"`
	CommitmentsExpired    int     `json:"commitments_expired"`
	LoopsOpened           int     `json:"loops_opened"`
	LoopsClosed           int     `json:"loops_closed"`
	Contradictions        int     `json:"contradictions"`
	TurnsProcessed        int     `json:"turns_processed"`
	TurnTokens            int     `json:"turn_tokens"`
	TotalRecalls          int     `json:"total_recalls"`
	UsefulRecalls         int     `json:"useful_recalls"`
	RetrievalSamples      int     `json:"retrieval_samples"`
	RetrievalTokens       int     `json:"retrieval_tokens"`
	CommitmentResolution  float64 `json:"commitment_resolution_rate"`
	ThreadClosureLatency  float64 `json:"thread_closure_latency_seconds"`
	SelfConsistencyPer100 float64 `json:"self_consistency_per_100_turns"`
	RecallUtility         float64 `json:"recall_utility"`
	AvgTokensPerTurn      float64 `json:"avg_tokens_per_turn"`
	AvgBundleTokens       float64 `json:"avg_bundle_tokens"`
}

// MetricsCollector keeps monotonically increasing counters; rates are
// derived on read.
type MetricsCollector struct {
	mu sync.Mutex

	made, fulfilled, expired int
	loopsOpened, loopsClosed int
	latencyTotal             time.Duration
	contradictions           int
	turns, turnTokens        int
	recalls, usefulRecalls   int
	tokenSamples, tokenTotal int
}

func NewMetricsCollector() *MetricsCollector { return &MetricsCollector{} }

func (m *MetricsCollector) CommitmentMade() {
	m.mu.Lock()
	m.made++
	m.mu.Unlock()
}

func (m *MetricsCollector) CommitmentFulfilled() {
	m.mu.Lock()
	m.fulfilled++
	m.mu.Unlock()
}

func (m *MetricsCollector) CommitmentExpired() {
	m.mu.Lock()
	m.expired++
	m.mu.Unlock()
}

func (m *MetricsCollector) LoopOpened() {
	m.mu.Lock()
	m.loopsOpened++
	m.mu.Unlock()
}

// LoopClosed records one open loop closure latency. Negative latencies count as zero.
func (m *MetricsCollector) LoopClosed(latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	m.mu.Lock()
	m.loopsClosed++
	m.latencyTotal += latency
	m.mu.Unlock()
}

func (m *MetricsCollector) Contradiction() {
	m.mu.Lock()
	m.contradictions++
	m.mu.Unlock()
}

// TurnProcessed records one ingested exchange and its estimated size.
func (m *MetricsCollector) TurnProcessed(tokens int) {
	if tokens < 0 {
		tokens = 0
	}
	m.mu.Lock()
	m.turns++
	m.turnTokens += tokens
	m.mu.Unlock()
}

// Recall records one recall; useful recalls also count toward the total.
func (m *MetricsCollector) Recall(useful bool) {
	m.mu.Lock()
	m.recalls++
	if useful {
		m.usefulRecalls++
	}
	m.mu.Unlock()
}

// BundleServed records the size of one retrieved context bundle.
func (m *MetricsCollector) BundleServed(tokens int) {
	if tokens < 0 {
		tokens = 0
	}
	m.mu.Lock()
	m.tokenSamples++
	m.tokenTotal += tokens
	m.mu.Unlock()
}

func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		CommitmentsMade:       m.made,
		CommitmentsFulfilled:  m.fulfilled,
		CommitmentsExpired:    m.expired,
		LoopsOpened:           m.loopsOpened,
		LoopsClosed:           m.loopsClosed,
		Contradictions:        m.contradictions,
		TurnsProcessed:        m.turns,
		TurnTokens:            m.turnTokens,
		TotalRecalls:          m.recalls,
		UsefulRecalls:         m.usefulRecalls,
		RetrievalSamples:      m.tokenSamples,
		RetrievalTokens:       m.tokenTotal,
		CommitmentResolution:  ratio(float64(m.fulfilled), float64(m.made)),
		ThreadClosureLatency:  ratio(m.latencyTotal.Seconds(), float64(m.loopsClosed)),
		SelfConsistencyPer100: ratio(float64(m.contradictions)*100, float64(m.turns)),
		RecallUtility:         ratio(float64(m.usefulRecalls), float64(m.recalls)),
		AvgTokensPerTurn:      ratio(float64(m.turnTokens), float64(m.turns)),
		AvgBundleTokens:       ratio(float64(m.tokenTotal), float64(m.tokenSamples)),
	}
}

// ratio is num/den with 0/0 defined as 0.
func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
