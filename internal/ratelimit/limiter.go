package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/time/rate"
)

var bucketCarrierWindows = []byte("carrier_windows")

// CarrierLimit contains the send budget for one carrier.
type CarrierLimit struct {
	MaxPerWindow int           `yaml:"max_per_window" json:"max_per_window"`
	Window       time.Duration `yaml:"window" json:"window"`
	DelayMin     time.Duration `yaml:"delay_min" json:"delay_min"`
	DelayMax     time.Duration `yaml:"delay_max" json:"delay_max"`
}

// Config contains rate limit configuration.
type Config struct {
	// Default is applied to carriers without a specific entry.
	Default CarrierLimit `yaml:"default"`

	// Carriers maps carrier name to its budget.
	Carriers map[string]CarrierLimit `yaml:"carriers,omitempty"`

	// GlobalPerSecond caps sends per second across all carriers (0 = off).
	GlobalPerSecond float64 `yaml:"global_per_second,omitempty"`

	// FlushInterval controls how often window counters are persisted.
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// DefaultCarrierLimit is the conservative fallback for unknown carriers.
func DefaultCarrierLimit() CarrierLimit {
	return CarrierLimit{
		MaxPerWindow: 10,
		Window:       time.Minute,
		DelayMin:     4 * time.Second,
		DelayMax:     8 * time.Second,
	}
}

func (l *CarrierLimit) setDefaults() {
	d := DefaultCarrierLimit()
	if l.MaxPerWindow <= 0 {
		l.MaxPerWindow = d.MaxPerWindow
	}
	if l.Window <= 0 {
		l.Window = d.Window
	}
	if l.DelayMin <= 0 {
		l.DelayMin = d.DelayMin
	}
	if l.DelayMax < l.DelayMin {
		l.DelayMax = l.DelayMin
	}
}

// window is the persisted rolling-window state for one carrier.
type window struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
	NextSendAt  time.Time `json:"next_send_at"`
}

// carrierState serializes same-carrier sends. Waiters are granted in
// arrival order through an explicit queue; sends for other carriers never
// touch this state.
type carrierState struct {
	mu    sync.Mutex
	queue []chan struct{}
	win   window
}

// acquire joins the carrier's FIFO queue and blocks until it is this
// caller's turn or the context is cancelled.
func (c *carrierState) acquire(ctx context.Context) error {
	c.mu.Lock()
	ch := make(chan struct{})
	c.queue = append(c.queue, ch)
	if len(c.queue) == 1 {
		close(ch)
	}
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		select {
		case <-ch:
			// Granted between the cancel and taking the lock; pass the
			// turn on before reporting the cancellation.
			c.popLocked()
			c.mu.Unlock()
			return ctx.Err()
		default:
		}
		for i, w := range c.queue {
			if w == ch {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		return ctx.Err()
	}
}

func (c *carrierState) release() {
	c.mu.Lock()
	c.popLocked()
	c.mu.Unlock()
}

func (c *carrierState) popLocked() {
	c.queue = c.queue[1:]
	if len(c.queue) > 0 {
		close(c.queue[0])
	}
}

// Limiter is the per-carrier send-cadence governor shared by all running
// campaigns.
type Limiter struct {
	db     *bolt.DB
	global *rate.Limiter
	logger *slog.Logger

	mu       sync.RWMutex // guards limits and the carriers map
	limits   map[string]CarrierLimit
	fallback CarrierLimit
	carriers map[string]*carrierState

	flushInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// NewLimiter creates a limiter backed by the given bbolt database. Window
// counters persisted by a previous run are restored so restarts do not
// reset carrier budgets. db may be nil for a purely in-memory limiter.
func NewLimiter(db *bolt.DB, cfg *Config, logger *slog.Logger) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	fallback := cfg.Default
	fallback.setDefaults()

	l := &Limiter{
		db:            db,
		logger:        logger,
		fallback:      fallback,
		limits:        make(map[string]CarrierLimit, len(cfg.Carriers)),
		carriers:      make(map[string]*carrierState),
		flushInterval: cfg.FlushInterval,
		stopCh:        make(chan struct{}),
	}
	for name, cl := range cfg.Carriers {
		cl.setDefaults()
		l.limits[name] = cl
	}
	if cfg.GlobalPerSecond > 0 {
		l.global = rate.NewLimiter(rate.Limit(cfg.GlobalPerSecond), 1)
	}

	if db != nil {
		err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketCarrierWindows)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create carrier windows bucket: %w", err)
		}
		if err := l.loadWindows(); err != nil {
			return nil, fmt.Errorf("failed to load carrier windows: %w", err)
		}
		go l.persistLoop()
	}

	return l, nil
}

// Wait blocks until the carrier's budget permits the next send: it takes
// the carrier's FIFO turn, waits out the rolling window when the budget is
// exhausted, then waits out the jittered inter-send delay. On return the
// send is counted against the window.
func (l *Limiter) Wait(ctx context.Context, carrier string) error {
	c := l.state(carrier)
	limit := l.limitFor(carrier)

	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	for {
		c.mu.Lock()
		now := time.Now()
		if c.win.WindowStart.IsZero() || now.Sub(c.win.WindowStart) >= limit.Window {
			c.win.WindowStart = now
			c.win.Count = 0
		}

		if c.win.Count >= limit.MaxPerWindow {
			wait := c.win.WindowStart.Add(limit.Window).Sub(now)
			c.mu.Unlock()
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if now.Before(c.win.NextSendAt) {
			wait := c.win.NextSendAt.Sub(now)
			c.mu.Unlock()
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		c.win.Count++
		c.win.NextSendAt = now.Add(jitter(limit.DelayMin, limit.DelayMax))
		c.mu.Unlock()
		break
	}

	if l.global != nil {
		return l.global.Wait(ctx)
	}
	return nil
}

// SetLimits replaces the carrier table. Existing window counters are kept;
// only budgets change. Used by config hot-reload.
func (l *Limiter) SetLimits(carriers map[string]CarrierLimit, fallback CarrierLimit) {
	fallback.setDefaults()
	limits := make(map[string]CarrierLimit, len(carriers))
	for name, cl := range carriers {
		cl.setDefaults()
		limits[name] = cl
	}

	l.mu.Lock()
	l.limits = limits
	l.fallback = fallback
	l.mu.Unlock()
}

// Stats reports the current window state for a carrier.
func (l *Limiter) Stats(carrier string) (count int, windowStart time.Time) {
	c := l.state(carrier)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.win.Count, c.win.WindowStart
}

// Stop persists counters and stops the flush loop.
func (l *Limiter) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	if l.db == nil {
		return nil
	}
	return l.persistWindows()
}

func (l *Limiter) state(carrier string) *carrierState {
	l.mu.RLock()
	c, ok := l.carriers[carrier]
	l.mu.RUnlock()
	if ok {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok = l.carriers[carrier]; ok {
		return c
	}
	c = &carrierState{}
	l.carriers[carrier] = c
	return c
}

func (l *Limiter) limitFor(carrier string) CarrierLimit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if cl, ok := l.limits[carrier]; ok {
		return cl
	}
	return l.fallback
}

func (l *Limiter) loadWindows() error {
	return l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCarrierWindows)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var win window
			if err := json.Unmarshal(v, &win); err != nil {
				return nil // skip invalid entries
			}
			l.carriers[string(k)] = &carrierState{win: win}
			return nil
		})
	})
}

func (l *Limiter) persistWindows() error {
	l.mu.RLock()
	snapshot := make(map[string]window, len(l.carriers))
	for name, c := range l.carriers {
		c.mu.Lock()
		snapshot[name] = c.win
		c.mu.Unlock()
	}
	l.mu.RUnlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCarrierWindows)
		if bucket == nil {
			return nil
		}
		for name, win := range snapshot {
			data, err := json.Marshal(win)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(name), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			if err := l.persistWindows(); err != nil {
				l.logger.Error("failed to persist rate-limit windows", "error", err)
			}
		}
	}
}

func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
