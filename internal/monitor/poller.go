package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"smsblast/internal/models"
)

// StatusFunc fetches the authoritative statistics for a campaign.
type StatusFunc func(ctx context.Context, campaignID string) (models.TaskStatistics, error)

// FallbackPoller is the client-side recovery path for a dead push channel.
// The push consumer calls Beat on every event or heartbeat; when no beat
// arrives within the heartbeat timeout, the poller starts pulling the
// status endpoint on the poll interval until the push channel resumes.
type FallbackPoller struct {
	campaignID       string
	status           StatusFunc
	onStats          func(models.TaskStatistics)
	heartbeatTimeout time.Duration
	pollInterval     time.Duration
	logger           *slog.Logger

	mu       sync.Mutex
	lastBeat time.Time
	polling  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewFallbackPoller creates a poller for one campaign's status.
func NewFallbackPoller(campaignID string, status StatusFunc, onStats func(models.TaskStatistics),
	heartbeatTimeout, pollInterval time.Duration, logger *slog.Logger) *FallbackPoller {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 30 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &FallbackPoller{
		campaignID:       campaignID,
		status:           status,
		onStats:          onStats,
		heartbeatTimeout: heartbeatTimeout,
		pollInterval:     pollInterval,
		logger:           logger,
	}
}

// Beat records push-channel liveness.
func (p *FallbackPoller) Beat() {
	p.mu.Lock()
	p.lastBeat = time.Now()
	if p.polling {
		p.polling = false
		p.logger.Info("push channel resumed, stopping fallback polling", "campaign_id", p.campaignID)
	}
	p.mu.Unlock()
}

// Start runs the watchdog until Stop or ctx cancellation.
func (p *FallbackPoller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.mu.Lock()
	p.lastBeat = time.Now()
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop terminates the watchdog.
func (p *FallbackPoller) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *FallbackPoller) run(ctx context.Context) {
	defer close(p.done)

	// Check at a fraction of the timeout so a dead channel is noticed
	// well within one heartbeat period.
	check := p.heartbeatTimeout / 4
	if check < 100*time.Millisecond {
		check = 100 * time.Millisecond
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	var pollTicker *time.Ticker

	for {
		select {
		case <-ctx.Done():
			if pollTicker != nil {
				pollTicker.Stop()
			}
			return

		case <-ticker.C:
			p.mu.Lock()
			stale := time.Since(p.lastBeat) >= p.heartbeatTimeout
			wasPolling := p.polling
			if stale && !wasPolling {
				p.polling = true
			}
			polling := p.polling
			p.mu.Unlock()

			if polling && !wasPolling {
				p.logger.Warn("push channel stale, starting fallback polling",
					"campaign_id", p.campaignID, "heartbeat_timeout", p.heartbeatTimeout)
				p.poll(ctx)
				pollTicker = time.NewTicker(p.pollInterval)
			} else if !polling && pollTicker != nil {
				pollTicker.Stop()
				pollTicker = nil
			}

		case <-tickC(pollTicker):
			p.mu.Lock()
			polling := p.polling
			p.mu.Unlock()
			if polling {
				p.poll(ctx)
			}
		}
	}
}

func (p *FallbackPoller) poll(ctx context.Context) {
	stats, err := p.status(ctx, p.campaignID)
	if err != nil {
		p.logger.Debug("fallback poll failed", "campaign_id", p.campaignID, "error", err)
		return
	}
	if p.onStats != nil {
		p.onStats(stats)
	}
}

// tickC returns a nil channel (blocks forever) for a nil ticker.
func tickC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
