package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"smsblast/internal/engine"
	"smsblast/internal/models"
)

// CreateCampaignRequest is the request body for POST /campaigns
type CreateCampaignRequest struct {
	Name            string             `json:"name"`
	Template        string             `json:"template"`
	Variables       map[string]string  `json:"variables,omitempty"`
	Recipients      []RecipientPayload `json:"recipients"`
	BatchSize       int                `json:"batch_size,omitempty"`
	MaxRetries      int                `json:"max_retries,omitempty"`
	GatewayStrategy string             `json:"gateway_strategy,omitempty"`
	RelayStrategy   string             `json:"relay_strategy,omitempty"`
	UseRelay        bool               `json:"use_relay,omitempty"`
	ScheduledAt     *time.Time         `json:"scheduled_at,omitempty"`
}

// RecipientPayload is one recipient entry in a create request
type RecipientPayload struct {
	Phone     string            `json:"phone"`
	Carrier   string            `json:"carrier"`
	Variables map[string]string `json:"variables,omitempty"`
}

// ListCampaignsResponse is the response for GET /campaigns
type ListCampaignsResponse struct {
	Campaigns []models.Campaign `json:"campaigns"`
	Total     int               `json:"total"`
}

// RetryResponse is the response for POST /campaigns/{id}/retry
type RetryResponse struct {
	Requeued int `json:"requeued"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Template == "" {
		s.sendError(w, http.StatusBadRequest, "template is required")
		return
	}
	if len(req.Recipients) == 0 {
		s.sendError(w, http.StatusBadRequest, "recipients is required")
		return
	}
	for _, rec := range req.Recipients {
		if rec.Phone == "" {
			s.sendError(w, http.StatusBadRequest, "recipient phone is required")
			return
		}
	}

	campaign := &models.Campaign{
		Name:            req.Name,
		Template:        req.Template,
		Variables:       marshalVars(req.Variables),
		BatchSize:       req.BatchSize,
		MaxRetries:      req.MaxRetries,
		GatewayStrategy: req.GatewayStrategy,
		RelayStrategy:   req.RelayStrategy,
		UseRelay:        req.UseRelay,
		ScheduledAt:     req.ScheduledAt,
	}

	if err := s.campaigns.Create(campaign); err != nil {
		s.logger.Error("failed to create campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create campaign")
		return
	}

	recipients := make([]models.Recipient, 0, len(req.Recipients))
	for _, rec := range req.Recipients {
		recipients = append(recipients, models.Recipient{
			Address:   rec.Phone,
			Carrier:   rec.Carrier,
			Variables: marshalVars(rec.Variables),
		})
	}
	if err := s.recipients.Replace(campaign.ID, recipients); err != nil {
		s.logger.Error("failed to store recipients", "campaign_id", campaign.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to store recipients")
		return
	}

	s.logger.Info("campaign created",
		"campaign_id", campaign.ID,
		"name", campaign.Name,
		"recipients", len(recipients),
	)
	s.sendJSON(w, http.StatusCreated, campaign)
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	filter := models.CampaignListFilter{
		Status: models.CampaignStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	campaigns, total, err := s.campaigns.List(filter)
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}

	s.sendJSON(w, http.StatusOK, ListCampaignsResponse{Campaigns: campaigns, Total: total})
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, campaign)
}

// handleStart handles POST /api/v1/campaigns/{id}/start
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.Start(r.Context(), id)
	switch {
	case err == nil:
		s.sendJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	case errors.Is(err, engine.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Campaign not found")
	case errors.Is(err, engine.ErrAlreadyRunning):
		s.sendError(w, http.StatusConflict, "Campaign is already sending")
	case errors.Is(err, engine.ErrTerminal), errors.Is(err, engine.ErrNoRecipients):
		s.sendError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("failed to start campaign", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusBadRequest, err.Error())
	}
}

// handlePause handles POST /api/v1/campaigns/{id}/pause. Pausing a
// campaign that is not sending is a no-op.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Pause(id); err != nil {
		s.logger.Error("failed to pause campaign", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to pause campaign")
		return
	}
	s.sendJSON(w, http.StatusAccepted, map[string]string{"status": "pausing"})
}

// handleCancel handles POST /api/v1/campaigns/{id}/cancel. Idempotent.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.Cancel(id)
	switch {
	case err == nil:
		s.sendJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	case errors.Is(err, engine.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Campaign not found")
	default:
		s.logger.Error("failed to cancel campaign", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to cancel campaign")
	}
}

// handleRetry handles POST /api/v1/campaigns/{id}/retry
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	n, err := s.engine.Retry(r.Context(), id)
	switch {
	case err == nil:
		s.sendJSON(w, http.StatusOK, RetryResponse{Requeued: n})
	case errors.Is(err, engine.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Campaign not found")
	case errors.Is(err, engine.ErrAlreadyRunning):
		s.sendError(w, http.StatusConflict, "Campaign is already sending")
	default:
		s.logger.Error("failed to retry campaign", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to retry campaign")
	}
}

// handleStatus handles GET /api/v1/campaigns/{id}/status. This is the
// authoritative statistics endpoint clients poll when push is silent.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	stats, err := s.engine.Status(r.Context(), id)
	switch {
	case err == nil:
		s.sendJSON(w, http.StatusOK, stats)
	case errors.Is(err, engine.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Campaign not found")
	default:
		s.logger.Error("failed to query status", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to query status")
	}
}

// handleListMessages handles GET /api/v1/campaigns/{id}/messages
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	campaign, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	filter := models.MessageFilter{
		CampaignID: campaign.ID,
		Status:     models.MessageStatus(r.URL.Query().Get("status")),
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
	}

	messages, err := s.messages.List(filter)
	if err != nil {
		s.logger.Error("failed to list messages", "campaign_id", campaign.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// handleServers handles GET /api/v1/servers
func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{"servers": s.health.All()})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) loadCampaign(w http.ResponseWriter, r *http.Request) (*models.Campaign, bool) {
	id := chi.URLParam(r, "id")
	campaign, err := s.campaigns.GetByID(id)
	if err != nil {
		s.logger.Error("failed to load campaign", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load campaign")
		return nil, false
	}
	if campaign == nil {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return nil, false
	}
	return campaign, true
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, msg string) {
	s.sendJSON(w, status, ErrorResponse{Error: msg})
}

func marshalVars(vars map[string]string) string {
	if len(vars) == 0 {
		return ""
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return ""
	}
	return string(data)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
