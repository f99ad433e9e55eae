package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"smsblast/internal/health"
	"smsblast/internal/metrics"
	"smsblast/internal/models"
	"smsblast/internal/monitor"
	"smsblast/internal/rotation"
	"smsblast/internal/template"
	"smsblast/internal/transport"
)

// runner processes one campaign. Pause and cancel are cooperative flags
// checked between messages; a message already handed to a transport is
// always finished.
type runner struct {
	m        *Manager
	campaign *models.Campaign
	logger   *slog.Logger

	batchSize  int
	maxRetries int
	gwStrategy rotation.Strategy
	rlStrategy rotation.Strategy

	// ctx is cancelled by pause/cancel/shutdown so a message waiting on
	// rate-limit clearance is interrupted promptly instead of at the next
	// message boundary.
	ctx  context.Context
	stop context.CancelFunc

	pauseReq  atomic.Bool
	cancelReq atomic.Bool
}

func newRunner(m *Manager, campaign *models.Campaign) *runner {
	base := m.ctx
	if base == nil {
		base = context.Background()
	}
	ctx, stop := context.WithCancel(base)

	r := &runner{
		m:          m,
		campaign:   campaign,
		logger:     m.logger.With("campaign_id", campaign.ID),
		batchSize:  m.cfg.BatchSize,
		maxRetries: m.cfg.MaxRetries,
		gwStrategy: m.cfg.GatewayStrategy,
		rlStrategy: m.cfg.RelayStrategy,
		ctx:        ctx,
		stop:       stop,
	}
	if campaign.BatchSize > 0 {
		r.batchSize = campaign.BatchSize
	}
	if campaign.MaxRetries > 0 {
		r.maxRetries = campaign.MaxRetries
	}
	if s := rotation.Strategy(campaign.GatewayStrategy); s.Valid() {
		r.gwStrategy = s
	}
	if s := rotation.Strategy(campaign.RelayStrategy); s.Valid() {
		r.rlStrategy = s
	}
	return r
}

func (r *runner) pause() {
	r.pauseReq.Store(true)
	r.stop()
}

func (r *runner) cancel() {
	r.cancelReq.Store(true)
	r.stop()
}

// interrupted reports whether processing should stop before the next
// message. Engine shutdown counts as a pause so the campaign resumes on
// restart.
func (r *runner) interrupted(ctx context.Context) bool {
	if ctx.Err() != nil {
		r.pauseReq.Store(true)
	}
	return r.pauseReq.Load() || r.cancelReq.Load()
}

func (r *runner) run(ctx context.Context) {
	id := r.campaign.ID

	for {
		if r.interrupted(ctx) {
			r.finish(r.exitStatus())
			return
		}

		batch, err := r.m.messages.GetBatch(id, r.batchSize)
		if err != nil {
			r.logger.Error("failed to fetch batch", "error", err)
			r.finish(models.CampaignFailed)
			return
		}

		if len(batch) == 0 {
			waiting, err := r.m.messages.CountRetryWaiting(id)
			if err != nil {
				r.logger.Error("failed to count retry backlog", "error", err)
				r.finish(models.CampaignFailed)
				return
			}
			if waiting == 0 {
				r.finish(r.completionStatus())
				return
			}
			// Only cooling-down retries remain; idle until one is due.
			if err := sleepOrDone(ctx, r.m.cfg.IdleInterval); err != nil {
				continue
			}
			continue
		}

		r.processBatch(ctx, batch)

		counters := r.syncCounters()
		r.publishProgress(counters)
	}
}

// processBatch fans the batch out over a bounded number of workers.
// Interruption stops dispatching; in-flight messages run to completion.
func (r *runner) processBatch(ctx context.Context, batch []models.Message) {
	sem := make(chan struct{}, r.m.cfg.Concurrency)
	var wg sync.WaitGroup

	for i := range batch {
		if r.interrupted(ctx) {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(msg *models.Message) {
			defer wg.Done()
			defer func() { <-sem }()
			r.processMessage(ctx, msg)
		}(&batch[i])
	}
	wg.Wait()
}

// processMessage performs one delivery attempt end to end: render, pick a
// server, wait for rate-limit clearance, send, classify the outcome.
func (r *runner) processMessage(ctx context.Context, msg *models.Message) {
	msg.Status = models.MessageSending
	msg.Attempts++
	if err := r.m.messages.Update(msg); err != nil {
		r.logger.Error("failed to mark message sending", "message_id", msg.ID, "error", err)
	}

	vars := template.MergeVariables(r.campaign.Variables, msg.Variables)
	body, err := r.m.renderer.Render(r.campaign.Template, vars)
	if err != nil {
		r.fail(msg, err)
		return
	}

	sender, server, err := r.pickServer(msg)
	if err != nil {
		r.fail(msg, err)
		return
	}
	msg.ServerID = server.ID

	carrier := msg.Carrier
	if carrier == "" {
		carrier = "unknown"
	}
	waitStart := time.Now()
	if err := r.m.limiter.Wait(ctx, carrier); err != nil {
		// Interrupted mid-wait: put the message back unharmed.
		msg.Status = models.MessagePending
		msg.Attempts--
		if uerr := r.m.messages.Update(msg); uerr != nil {
			r.logger.Error("failed to requeue message", "message_id", msg.ID, "error", uerr)
		}
		return
	}
	metrics.ObserveRateLimitWait(carrier, time.Since(waitStart).Seconds())

	sendCtx, cancel := context.WithTimeout(context.Background(), r.m.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	sendErr := sender.Send(sendCtx, server.ID, &transport.SMS{
		Recipient: msg.Recipient,
		Carrier:   msg.Carrier,
		Body:      body,
	})
	rtt := time.Since(start)

	metrics.ObserveSendDuration(server.ID, rtt.Seconds())
	if herr := r.m.health.Record(server.ID, sendErr == nil, rtt); herr != nil {
		r.logger.Warn("failed to record server result", "server_id", server.ID, "error", herr)
	}

	if sendErr != nil {
		r.fail(msg, sendErr)
		return
	}

	sentAt := time.Now()
	msg.Status = models.MessageDelivered
	msg.SentAt = &sentAt
	msg.DeliveredAt = &sentAt
	msg.LastError = ""
	msg.ErrorCategory = ""
	msg.NextRetryAt = nil
	if err := r.m.messages.Update(msg); err != nil {
		r.logger.Error("failed to mark message delivered", "message_id", msg.ID, "error", err)
	}
	metrics.IncMessagesSent(carrier)
}

// pickServer resolves the transport and server for the message via the
// rotation manager.
func (r *runner) pickServer(msg *models.Message) (transport.Sender, health.Snapshot, error) {
	typ, strategy, sender := health.TypeGateway, r.gwStrategy, r.m.gateways
	if r.campaign.UseRelay {
		typ, strategy, sender = health.TypeRelay, r.rlStrategy, r.m.relays
	}

	server, err := r.m.rotation.Select(typ, strategy)
	if err != nil {
		return nil, health.Snapshot{}, err
	}
	metrics.IncServerSelection(server.ID, string(strategy))
	return sender, server, nil
}

// fail records a failed attempt. Retryable failures go back to pending
// with a backoff; the rest are final.
func (r *runner) fail(msg *models.Message, cause error) {
	verdict := r.m.classifier.Classify(cause)
	carrier := msg.Carrier
	if carrier == "" {
		carrier = "unknown"
	}

	msg.LastError = verdict.Raw
	msg.ErrorCategory = string(verdict.Category)

	if verdict.Retryable && msg.Attempts <= r.maxRetries {
		backoff := r.m.cfg.RetryBaseDelay*time.Duration(1<<(msg.Attempts-1)) + verdict.ExtraBackoff
		next := time.Now().Add(backoff)
		msg.Status = models.MessagePending
		msg.NextRetryAt = &next
		metrics.IncMessagesRetried(carrier, string(verdict.Category))
		r.logger.Warn("delivery attempt failed, will retry",
			"message_id", msg.ID,
			"category", verdict.Category,
			"attempt", msg.Attempts,
			"next_retry_in", backoff,
			"error", verdict.Raw)
	} else {
		msg.Status = models.MessageFailed
		msg.NextRetryAt = nil
		metrics.IncMessagesFailed(carrier, string(verdict.Category))
		r.logger.Error("message failed",
			"message_id", msg.ID,
			"category", verdict.Category,
			"severity", verdict.Severity,
			"attempts", msg.Attempts,
			"error", verdict.Raw)
		r.m.events.Publish(msg.CampaignID, monitor.Event{
			Type:       monitor.EventError,
			CampaignID: msg.CampaignID,
			Data:       verdict,
		})
		metrics.IncEventsPublished(string(monitor.EventError))
	}

	if err := r.m.messages.Update(msg); err != nil {
		r.logger.Error("failed to persist message failure", "message_id", msg.ID, "error", err)
	}
}

// syncCounters recomputes the campaign counters from the message table and
// persists them.
func (r *runner) syncCounters() models.Counters {
	counters, err := r.m.messages.Counters(r.campaign.ID)
	if err != nil {
		r.logger.Error("failed to compute counters", "error", err)
		return r.campaign.Counters
	}
	if err := r.m.campaigns.UpdateCounters(r.campaign.ID, counters); err != nil {
		r.logger.Error("failed to persist counters", "error", err)
	}
	r.campaign.Counters = counters
	return counters
}

func (r *runner) publishProgress(counters models.Counters) {
	progress := monitor.Progress{Counters: counters}
	if r.campaign.StartedAt != nil {
		processed := counters.Sent + counters.Failed
		if processed > 0 && counters.Pending > 0 {
			perMessage := time.Since(*r.campaign.StartedAt) / time.Duration(processed)
			eta := time.Now().Add(perMessage * time.Duration(counters.Pending))
			progress.EstimatedBy = &eta
		}
	}
	r.m.events.Publish(r.campaign.ID, monitor.Event{
		Type:       monitor.EventProgress,
		CampaignID: r.campaign.ID,
		Data:       progress,
	})
	metrics.IncEventsPublished(string(monitor.EventProgress))
}

func (r *runner) exitStatus() models.CampaignStatus {
	if r.cancelReq.Load() {
		return models.CampaignCancelled
	}
	return models.CampaignPaused
}

// completionStatus decides the terminal state once no sendable messages
// remain: failed when the failure share reaches the threshold, completed
// otherwise.
func (r *runner) completionStatus() models.CampaignStatus {
	c := r.campaign.Counters
	if c.Total > 0 && float64(c.Failed)/float64(c.Total) >= r.m.cfg.FailureRatio {
		return models.CampaignFailed
	}
	return models.CampaignCompleted
}

// finish persists the final counters and status and publishes the
// completion event.
func (r *runner) finish(status models.CampaignStatus) {
	counters := r.syncCounters()

	if err := r.m.campaigns.UpdateStatus(r.campaign.ID, status); err != nil {
		r.logger.Error("failed to set final status", "status", status, "error", err)
	}
	r.campaign.Status = status
	if status.Terminal() {
		now := time.Now()
		r.campaign.CompletedAt = &now
	}

	stats := statistics(r.campaign)
	eventType := monitor.EventComplete
	if status == models.CampaignPaused {
		eventType = monitor.EventProgress
	}
	r.m.events.Publish(r.campaign.ID, monitor.Event{
		Type:       eventType,
		CampaignID: r.campaign.ID,
		Data:       stats,
	})
	metrics.IncEventsPublished(string(eventType))

	r.logger.Info("campaign finished",
		"status", status,
		"total", counters.Total,
		"sent", counters.Sent,
		"failed", counters.Failed,
		"pending", counters.Pending)
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
