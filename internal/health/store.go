package health

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ServerType distinguishes the two transport pools.
type ServerType string

const (
	TypeGateway ServerType = "gateway"
	TypeRelay   ServerType = "relay"
)

// Config holds the health tracking thresholds. Zero values are replaced by
// defaults in NewStore.
type Config struct {
	Alpha             float64       `yaml:"alpha"`              // EMA smoothing factor
	SuccessFloor      float64       `yaml:"success_floor"`      // below this success rate a server is unhealthy
	FailureThreshold  int           `yaml:"failure_threshold"`  // consecutive failures before flipping unhealthy
	RecoveryThreshold int           `yaml:"recovery_threshold"` // consecutive successes before flipping back
	MinSamples        int           `yaml:"min_samples"`        // samples before the floor applies
	BaselineRTT       time.Duration `yaml:"baseline_rtt"`       // response time considered "fast" when scoring
}

// DefaultConfig returns the default health thresholds.
func DefaultConfig() Config {
	return Config{
		Alpha:             0.2,
		SuccessFloor:      0.5,
		FailureThreshold:  5,
		RecoveryThreshold: 3,
		MinSamples:        5,
		BaselineRTT:       500 * time.Millisecond,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = d.Alpha
	}
	if c.SuccessFloor <= 0 {
		c.SuccessFloor = d.SuccessFloor
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = d.RecoveryThreshold
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.BaselineRTT <= 0 {
		c.BaselineRTT = d.BaselineRTT
	}
}

// Snapshot is a copy of one server's health/usage statistics.
type Snapshot struct {
	ID            string        `json:"id"`
	Type          ServerType    `json:"type"`
	Healthy       bool          `json:"healthy"`
	SuccessRate   float64       `json:"success_rate"`
	AvgRTT        time.Duration `json:"avg_response_time"`
	TotalRequests int64         `json:"total_requests"`
	ErrorCount    int64         `json:"error_count"`
	Score         float64       `json:"performance_score"`
	FailureRisk   float64       `json:"predicted_failure_risk"`
	LastUsed      time.Time     `json:"last_used,omitempty"`
	HasHistory    bool          `json:"has_history"`
}

// entry is the mutable state for one server. Each entry owns its mutex so
// concurrent campaigns recording results for different servers never
// contend with each other.
type entry struct {
	mu sync.Mutex

	id   string
	typ  ServerType
	snap Snapshot

	consecFailures  int
	consecSuccesses int
	manualOverride  bool // health set by operator; automatic flips suspended
}

// FlipFunc is invoked after a server's healthy flag changes.
type FlipFunc func(snap Snapshot)

// Store is the shared registry of transport-server statistics. Pool
// membership is fixed at configuration time; per-server state is updated
// after every delivery attempt.
type Store struct {
	cfg Config

	mu      sync.RWMutex // guards the maps, not the entries
	entries map[string]*entry
	pools   map[ServerType][]string // ordered ids per pool

	flipMu sync.Mutex
	onFlip FlipFunc
}

// NewStore creates a store with the given thresholds.
func NewStore(cfg Config) *Store {
	cfg.setDefaults()
	return &Store{
		cfg:     cfg,
		entries: make(map[string]*entry),
		pools:   make(map[ServerType][]string),
	}
}

// OnFlip registers a callback for health flips. The callback runs outside
// the entry lock.
func (s *Store) OnFlip(fn FlipFunc) {
	s.flipMu.Lock()
	defer s.flipMu.Unlock()
	s.onFlip = fn
}

// Register adds a server to its pool. Servers start healthy with no history.
func (s *Store) Register(id string, typ ServerType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return fmt.Errorf("server %q already registered", id)
	}

	s.entries[id] = &entry{
		id:  id,
		typ: typ,
		snap: Snapshot{
			ID:          id,
			Type:        typ,
			Healthy:     true,
			SuccessRate: 1.0,
		},
	}
	s.pools[typ] = append(s.pools[typ], id)
	sort.Strings(s.pools[typ])
	return nil
}

// Record applies one delivery attempt result to the server's statistics
// and flips the healthy flag when a threshold is crossed.
func (s *Store) Record(id string, success bool, rtt time.Duration) error {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("server %q not registered", id)
	}

	e.mu.Lock()
	snap := &e.snap

	snap.TotalRequests++
	snap.LastUsed = time.Now()

	sample := 0.0
	if success {
		sample = 1.0
		e.consecSuccesses++
		e.consecFailures = 0
	} else {
		snap.ErrorCount++
		e.consecFailures++
		e.consecSuccesses = 0
	}

	alpha := s.cfg.Alpha
	if !snap.HasHistory {
		// Seed the averages with the first sample instead of decaying
		// from the optimistic defaults.
		snap.SuccessRate = sample
		snap.AvgRTT = rtt
		snap.HasHistory = true
	} else {
		snap.SuccessRate = alpha*sample + (1-alpha)*snap.SuccessRate
		snap.AvgRTT = time.Duration(alpha*float64(rtt) + (1-alpha)*float64(snap.AvgRTT))
	}

	snap.Score = score(snap.SuccessRate, snap.AvgRTT, s.cfg.BaselineRTT)
	snap.FailureRisk = risk(snap.SuccessRate, e.consecFailures, s.cfg.FailureThreshold)

	flipped := false
	if !e.manualOverride {
		if snap.Healthy {
			floorHit := snap.TotalRequests >= int64(s.cfg.MinSamples) && snap.SuccessRate < s.cfg.SuccessFloor
			if floorHit || e.consecFailures >= s.cfg.FailureThreshold {
				snap.Healthy = false
				flipped = true
			}
		} else if e.consecSuccesses >= s.cfg.RecoveryThreshold {
			snap.Healthy = true
			flipped = true
		}
	}

	out := *snap
	e.mu.Unlock()

	if flipped {
		s.notifyFlip(out)
	}
	return nil
}

// SetHealthy is the manual operator override. It pins the healthy flag
// until ClearOverride is called; automatic flips are suspended meanwhile.
func (s *Store) SetHealthy(id string, healthy bool) error {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("server %q not registered", id)
	}

	e.mu.Lock()
	e.manualOverride = true
	changed := e.snap.Healthy != healthy
	e.snap.Healthy = healthy
	e.consecFailures = 0
	e.consecSuccesses = 0
	out := e.snap
	e.mu.Unlock()

	if changed {
		s.notifyFlip(out)
	}
	return nil
}

// ClearOverride resumes automatic health tracking for the server.
func (s *Store) ClearOverride(id string) error {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("server %q not registered", id)
	}

	e.mu.Lock()
	e.manualOverride = false
	e.mu.Unlock()
	return nil
}

// Get returns a copy of one server's statistics.
func (s *Store) Get(id string) (Snapshot, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("server %q not registered", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap, nil
}

// Pool returns copies of all servers of the given type, ordered by id.
func (s *Store) Pool(typ ServerType) []Snapshot {
	s.mu.RLock()
	ids := s.pools[typ]
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		e := s.entries[id]
		e.mu.Lock()
		out = append(out, e.snap)
		e.mu.Unlock()
	}
	s.mu.RUnlock()
	return out
}

// All returns copies of every registered server.
func (s *Store) All() []Snapshot {
	out := s.Pool(TypeGateway)
	return append(out, s.Pool(TypeRelay)...)
}

func (s *Store) notifyFlip(snap Snapshot) {
	s.flipMu.Lock()
	fn := s.onFlip
	s.flipMu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// score is monotonically increasing in success rate and in the inverse of
// the average response time.
func score(successRate float64, rtt, baseline time.Duration) float64 {
	if rtt <= 0 {
		return successRate
	}
	speed := float64(baseline) / float64(baseline+rtt)
	return 0.7*successRate + 0.3*speed
}

// risk estimates the probability the next attempt fails.
func risk(successRate float64, consecFailures, failureThreshold int) float64 {
	r := 1 - successRate
	if failureThreshold > 0 && consecFailures > 0 {
		streak := float64(consecFailures) / float64(failureThreshold)
		if streak > 1 {
			streak = 1
		}
		// Weight the failure streak on top of the base rate.
		r = r + (1-r)*0.5*streak
	}
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	return r
}
