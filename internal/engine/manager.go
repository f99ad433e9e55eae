package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"smsblast/internal/classify"
	"smsblast/internal/health"
	"smsblast/internal/metrics"
	"smsblast/internal/models"
	"smsblast/internal/monitor"
	"smsblast/internal/ratelimit"
	"smsblast/internal/rotation"
	"smsblast/internal/store"
	"smsblast/internal/template"
	"smsblast/internal/transport"
)

var (
	// ErrAlreadyRunning is returned when start is issued for a campaign
	// that is already being processed.
	ErrAlreadyRunning = errors.New("campaign is already sending")

	// ErrNotFound is returned for an unknown campaign id.
	ErrNotFound = errors.New("campaign not found")

	// ErrNoRecipients aborts a start before any sending begins.
	ErrNoRecipients = errors.New("campaign has no recipients")

	// ErrTerminal is returned when starting a completed/failed/cancelled
	// campaign.
	ErrTerminal = errors.New("campaign is in a terminal state")
)

// RecipientSource supplies a campaign's recipient set. The campaign record
// and its list live outside the engine.
type RecipientSource interface {
	Recipients(ctx context.Context, campaignID string) ([]models.Recipient, error)
}

// Config holds engine defaults; campaigns may override batch size, retries
// and strategies individually.
type Config struct {
	BatchSize       int               `yaml:"batch_size"`
	MaxRetries      int               `yaml:"max_retries"`
	FailureRatio    float64           `yaml:"failure_ratio"` // failed/total at or above this marks the campaign failed
	SendTimeout     time.Duration     `yaml:"send_timeout"`
	Concurrency     int               `yaml:"concurrency"` // in-flight sends per campaign
	RetryBaseDelay  time.Duration     `yaml:"retry_base_delay"`
	IdleInterval    time.Duration     `yaml:"idle_interval"` // wait between sweeps when only retries remain
	GatewayStrategy rotation.Strategy `yaml:"gateway_strategy"`
	RelayStrategy   rotation.Strategy `yaml:"relay_strategy"`
}

// DefaultConfig returns engine defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:       10,
		MaxRetries:      3,
		FailureRatio:    0.5,
		SendTimeout:     30 * time.Second,
		Concurrency:     5,
		RetryBaseDelay:  30 * time.Second,
		IdleInterval:    5 * time.Second,
		GatewayStrategy: rotation.SmartAdaptive,
		RelayStrategy:   rotation.RoundRobin,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.FailureRatio <= 0 {
		c.FailureRatio = d.FailureRatio
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = d.IdleInterval
	}
	if !c.GatewayStrategy.Valid() {
		c.GatewayStrategy = d.GatewayStrategy
	}
	if !c.RelayStrategy.Valid() {
		c.RelayStrategy = d.RelayStrategy
	}
}

// Manager owns campaign lifecycles. Exactly one runner processes a given
// campaign id at a time; rate-limit and server-health state are shared
// across all running campaigns.
type Manager struct {
	cfg Config

	campaigns  *store.CampaignRepository
	messages   *store.MessageRepository
	recipients RecipientSource
	renderer   template.Renderer
	limiter    *ratelimit.Limiter
	rotation   *rotation.Manager
	health     *health.Store
	gateways   transport.Sender
	relays     transport.Sender
	classifier *classify.Classifier
	events     *monitor.Broadcaster
	logger     *slog.Logger

	mu      sync.Mutex
	running map[string]*runner

	cron *cron.Cron
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// Options bundles the manager's collaborators.
type Options struct {
	Config     Config
	Campaigns  *store.CampaignRepository
	Messages   *store.MessageRepository
	Recipients RecipientSource
	Renderer   template.Renderer
	Limiter    *ratelimit.Limiter
	Rotation   *rotation.Manager
	Health     *health.Store
	Gateways   transport.Sender
	Relays     transport.Sender
	Classifier *classify.Classifier
	Events     *monitor.Broadcaster
	Logger     *slog.Logger
}

// NewManager assembles the campaign engine.
func NewManager(opts Options) *Manager {
	opts.Config.setDefaults()
	if opts.Renderer == nil {
		opts.Renderer = template.VarRenderer{}
	}

	return &Manager{
		cfg:        opts.Config,
		campaigns:  opts.Campaigns,
		messages:   opts.Messages,
		recipients: opts.Recipients,
		renderer:   opts.Renderer,
		limiter:    opts.Limiter,
		rotation:   opts.Rotation,
		health:     opts.Health,
		gateways:   opts.Gateways,
		relays:     opts.Relays,
		classifier: opts.Classifier,
		events:     opts.Events,
		logger:     opts.Logger.With("component", "engine"),
		running:    make(map[string]*runner),
	}
}

// Run starts the scheduled-campaign sweep and blocks until ctx is done,
// then waits for all runners to wind down.
func (m *Manager) Run(ctx context.Context) error {
	m.ctx, m.stop = context.WithCancel(ctx)

	m.cron = cron.New()
	if _, err := m.cron.AddFunc("@every 1m", m.startScheduledDue); err != nil {
		return fmt.Errorf("failed to schedule campaign sweep: %w", err)
	}
	m.cron.Start()
	m.logger.Info("engine started")

	<-m.ctx.Done()

	cronCtx := m.cron.Stop()
	<-cronCtx.Done()
	m.wg.Wait()
	m.logger.Info("engine stopped")
	return nil
}

// Shutdown requests a stop. Running campaigns pause at the next message
// boundary and can be resumed on restart.
func (m *Manager) Shutdown() {
	if m.stop != nil {
		m.stop()
	}
}

// Start claims exclusive ownership of the campaign and begins processing
// in the background. Fatal conditions (lock held, empty recipient set,
// unrenderable template) are surfaced synchronously before any sending.
func (m *Manager) Start(ctx context.Context, campaignID string) error {
	campaign, err := m.campaigns.GetByID(campaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign == nil {
		return ErrNotFound
	}
	if campaign.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, campaign.Status)
	}

	m.mu.Lock()
	if _, held := m.running[campaignID]; held {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	r := newRunner(m, campaign)
	m.running[campaignID] = r
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.running, campaignID)
		m.mu.Unlock()
	}

	if err := m.prepare(ctx, campaign); err != nil {
		release()
		return err
	}

	if err := m.campaigns.UpdateStatus(campaignID, models.CampaignSending); err != nil {
		release()
		return err
	}
	campaign.Status = models.CampaignSending
	if campaign.StartedAt == nil {
		now := time.Now()
		campaign.StartedAt = &now
	}

	metrics.SetCampaignsRunning(1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer metrics.SetCampaignsRunning(-1)
		defer release()
		defer r.stop()
		r.run(r.ctx)
	}()

	m.logger.Info("campaign started", "campaign_id", campaignID, "name", campaign.Name)
	return nil
}

// Pause requests a pause at the next message boundary. A no-op when the
// campaign is not currently sending.
func (m *Manager) Pause(campaignID string) error {
	m.mu.Lock()
	r, ok := m.running[campaignID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	r.pause()
	m.logger.Info("campaign pause requested", "campaign_id", campaignID)
	return nil
}

// Cancel transitions any non-terminal campaign to cancelled. Idempotent.
// A running campaign stops after completing its current message; remaining
// messages stay pending.
func (m *Manager) Cancel(campaignID string) error {
	m.mu.Lock()
	r, ok := m.running[campaignID]
	m.mu.Unlock()
	if ok {
		r.cancel()
		m.logger.Info("campaign cancel requested", "campaign_id", campaignID)
		return nil
	}

	campaign, err := m.campaigns.GetByID(campaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign == nil {
		return ErrNotFound
	}
	if campaign.Status.Terminal() {
		return nil
	}
	return m.campaigns.UpdateStatus(campaignID, models.CampaignCancelled)
}

// Retry requeues retryably-failed messages for another pass. A terminal
// campaign is moved back to paused so a subsequent start can resume it.
func (m *Manager) Retry(ctx context.Context, campaignID string) (int, error) {
	campaign, err := m.campaigns.GetByID(campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign == nil {
		return 0, ErrNotFound
	}

	m.mu.Lock()
	_, active := m.running[campaignID]
	m.mu.Unlock()
	if active {
		return 0, ErrAlreadyRunning
	}

	n, err := m.messages.RequeueFailed(campaignID)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	counters, err := m.messages.Counters(campaignID)
	if err != nil {
		return n, err
	}
	if err := m.campaigns.UpdateCounters(campaignID, counters); err != nil {
		return n, err
	}
	if err := m.campaigns.UpdateStatus(campaignID, models.CampaignPaused); err != nil {
		return n, err
	}

	m.logger.Info("campaign messages requeued", "campaign_id", campaignID, "requeued", n)
	return n, nil
}

// Status returns the authoritative statistics for a campaign.
func (m *Manager) Status(ctx context.Context, campaignID string) (models.TaskStatistics, error) {
	campaign, err := m.campaigns.GetByID(campaignID)
	if err != nil {
		return models.TaskStatistics{}, fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign == nil {
		return models.TaskStatistics{}, ErrNotFound
	}
	return statistics(campaign), nil
}

// prepare expands the recipient set into message rows (first start only)
// and verifies the template renders, so a doomed campaign never reaches
// the sending loop.
func (m *Manager) prepare(ctx context.Context, campaign *models.Campaign) error {
	counters, err := m.messages.Counters(campaign.ID)
	if err != nil {
		return fmt.Errorf("failed to count messages: %w", err)
	}

	if counters.Total == 0 {
		recipients, err := m.recipients.Recipients(ctx, campaign.ID)
		if err != nil {
			return fmt.Errorf("failed to load recipients: %w", err)
		}
		if len(recipients) == 0 {
			return ErrNoRecipients
		}

		// Render once against the first recipient before expanding: an
		// unrenderable template aborts the start synchronously.
		vars := template.MergeVariables(campaign.Variables, recipients[0].Variables)
		if _, err := m.renderer.Render(campaign.Template, vars); err != nil {
			return fmt.Errorf("template does not render: %w", err)
		}

		created, err := m.messages.ExpandRecipients(campaign.ID, recipients)
		if err != nil {
			return fmt.Errorf("failed to expand recipients: %w", err)
		}
		m.logger.Info("recipients expanded", "campaign_id", campaign.ID, "messages", created)

		counters, err = m.messages.Counters(campaign.ID)
		if err != nil {
			return err
		}
	} else if counters.Pending == 0 {
		return fmt.Errorf("campaign has no pending messages")
	}

	return m.campaigns.UpdateCounters(campaign.ID, counters)
}

// startScheduledDue starts scheduled campaigns whose delivery time has
// come. Runs on the cron sweep.
func (m *Manager) startScheduledDue() {
	due, err := m.campaigns.GetScheduledDue()
	if err != nil {
		m.logger.Error("failed to query scheduled campaigns", "error", err)
		return
	}

	for _, c := range due {
		if err := m.Start(m.ctx, c.ID); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				continue
			}
			m.logger.Error("failed to start scheduled campaign", "campaign_id", c.ID, "error", err)
		}
	}
}

func statistics(c *models.Campaign) models.TaskStatistics {
	stats := models.TaskStatistics{
		CampaignID: c.ID,
		Status:     c.Status,
		Total:      c.Counters.Total,
		Processed:  c.Counters.Sent + c.Counters.Failed,
		Success:    c.Counters.Sent,
		Delivered:  c.Counters.Delivered,
		Failed:     c.Counters.Failed,
		UpdatedAt:  c.UpdatedAt,
	}
	if c.Status == models.CampaignCancelled {
		stats.Skipped = c.Counters.Pending
	}
	if c.StartedAt != nil {
		end := time.Now()
		if c.CompletedAt != nil {
			end = *c.CompletedAt
		}
		stats.Duration = end.Sub(*c.StartedAt)
	}
	if c.Status == models.CampaignSending && stats.Processed > 0 && c.StartedAt != nil {
		perMessage := time.Since(*c.StartedAt) / time.Duration(stats.Processed)
		eta := time.Now().Add(perMessage * time.Duration(c.Counters.Pending))
		stats.EstimatedBy = &eta
	}
	return stats
}
