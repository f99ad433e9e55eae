package rotation

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"smsblast/internal/health"
)

// Strategy selects which pooled server handles the next send.
type Strategy string

const (
	RoundRobin      Strategy = "round_robin"
	Random          Strategy = "random"
	LeastUsed       Strategy = "least_used"
	BestPerformance Strategy = "best_performance"
	SmartAdaptive   Strategy = "smart_adaptive"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case RoundRobin, Random, LeastUsed, BestPerformance, SmartAdaptive:
		return true
	}
	return false
}

// Weights are the smart_adaptive score components. They need not sum to 1.
type Weights struct {
	SuccessRate  float64 `yaml:"success_rate"`
	LowRisk      float64 `yaml:"low_risk"`
	ResponseTime float64 `yaml:"response_time"`
}

// DefaultWeights weighs all components equally.
func DefaultWeights() Weights {
	return Weights{SuccessRate: 1, LowRisk: 1, ResponseTime: 1}
}

// Manager chooses transport servers per message, backed by the shared
// health store. Safe for concurrent use by many campaigns.
type Manager struct {
	store   *health.Store
	weights Weights

	mu     sync.Mutex
	cursor map[string]*cursor // per pool+strategy round-robin position
}

type cursor struct {
	index       int
	fingerprint string // pool membership; a change resets the cycle
}

// NewManager creates a rotation manager over the given health store.
func NewManager(store *health.Store, w Weights) *Manager {
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	return &Manager{
		store:   store,
		weights: w,
		cursor:  make(map[string]*cursor),
	}
}

// Select chooses one healthy server from the pool of the given type. When
// no healthy member exists it returns the least-risky unhealthy member so
// the campaign can still attempt delivery and let the server recover; it
// only errors on an empty pool or an unknown strategy.
func (m *Manager) Select(typ health.ServerType, strategy Strategy) (health.Snapshot, error) {
	if !strategy.Valid() {
		return health.Snapshot{}, fmt.Errorf("unknown rotation strategy %q", strategy)
	}

	pool := m.store.Pool(typ)
	if len(pool) == 0 {
		return health.Snapshot{}, fmt.Errorf("no %s servers configured", typ)
	}

	healthy := make([]health.Snapshot, 0, len(pool))
	for _, s := range pool {
		if s.Healthy {
			healthy = append(healthy, s)
		}
	}
	if len(healthy) == 0 {
		return leastRisky(pool), nil
	}

	switch strategy {
	case RoundRobin:
		return m.roundRobin(string(typ), healthy), nil
	case Random:
		return healthy[rand.Intn(len(healthy))], nil
	case LeastUsed:
		return leastUsed(healthy), nil
	case BestPerformance:
		return m.bestPerformance(string(typ), healthy), nil
	case SmartAdaptive:
		return m.smartAdaptive(string(typ), healthy), nil
	}
	return health.Snapshot{}, fmt.Errorf("unknown rotation strategy %q", strategy)
}

// roundRobin cycles over the healthy members in id order; the cycle resets
// to the start when pool membership changes.
func (m *Manager) roundRobin(key string, pool []health.Snapshot) health.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	fp := fingerprint(pool)
	c, ok := m.cursor[key]
	if !ok || c.fingerprint != fp {
		c = &cursor{fingerprint: fp}
		m.cursor[key] = c
	}

	s := pool[c.index%len(pool)]
	c.index = (c.index + 1) % len(pool)
	return s
}

// leastUsed picks the member with minimum total requests; pool is already
// ordered by id, so the first minimum wins ties.
func leastUsed(pool []health.Snapshot) health.Snapshot {
	best := pool[0]
	for _, s := range pool[1:] {
		if s.TotalRequests < best.TotalRequests {
			best = s
		}
	}
	return best
}

// bestPerformance picks the member with maximum performance score, breaking
// ties by round-robin among the tied members.
func (m *Manager) bestPerformance(key string, pool []health.Snapshot) health.Snapshot {
	best := pool[0].Score
	for _, s := range pool[1:] {
		if s.Score > best {
			best = s.Score
		}
	}

	tied := make([]health.Snapshot, 0, len(pool))
	for _, s := range pool {
		if s.Score == best {
			tied = append(tied, s)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	return m.roundRobin(key+"/best", tied)
}

// smartAdaptive scores members by weighted success rate, inverse failure
// risk and inverse normalized response time. Members without history fall
// back to round-robin (cold start).
func (m *Manager) smartAdaptive(key string, pool []health.Snapshot) health.Snapshot {
	cold := make([]health.Snapshot, 0, len(pool))
	for _, s := range pool {
		if !s.HasHistory {
			cold = append(cold, s)
		}
	}
	if len(cold) > 0 {
		return m.roundRobin(key+"/cold", cold)
	}

	var maxRTT time.Duration
	for _, s := range pool {
		if s.AvgRTT > maxRTT {
			maxRTT = s.AvgRTT
		}
	}

	best := pool[0]
	bestScore := math.Inf(-1)
	for _, s := range pool {
		score := m.weights.SuccessRate*s.SuccessRate + m.weights.LowRisk*(1-s.FailureRisk)
		if maxRTT > 0 && s.AvgRTT > 0 {
			score += m.weights.ResponseTime * float64(maxRTT) / float64(maxRTT+s.AvgRTT)
		}
		if score > bestScore {
			bestScore = score
			best = s
		}
	}
	return best
}

func leastRisky(pool []health.Snapshot) health.Snapshot {
	best := pool[0]
	for _, s := range pool[1:] {
		if s.FailureRisk < best.FailureRisk {
			best = s
		}
	}
	return best
}

func fingerprint(pool []health.Snapshot) string {
	ids := make([]string, len(pool))
	for i, s := range pool {
		ids[i] = s.ID
	}
	return strings.Join(ids, ",")
}
