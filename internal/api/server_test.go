package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"smsblast/internal/classify"
	"smsblast/internal/engine"
	"smsblast/internal/health"
	"smsblast/internal/models"
	"smsblast/internal/monitor"
	"smsblast/internal/ratelimit"
	"smsblast/internal/rotation"
	"smsblast/internal/store"
	"smsblast/internal/transport"
)

type okSender struct{}

func (okSender) Send(ctx context.Context, serverID string, msg *transport.SMS) error {
	return nil
}

type apiFixture struct {
	server     *Server
	campaigns  *store.CampaignRepository
	recipients *store.RecipientRepository
	events     *monitor.Broadcaster
}

func setupServer(t *testing.T) *apiFixture {
	t.Helper()

	db, err := store.New(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	limiter, err := ratelimit.NewLimiter(nil, &ratelimit.Config{
		Default: ratelimit.CarrierLimit{
			MaxPerWindow: 10000,
			Window:       time.Minute,
			DelayMin:     time.Millisecond,
			DelayMax:     2 * time.Millisecond,
		},
	}, logger)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	t.Cleanup(func() { limiter.Stop() })

	healthStore := health.NewStore(health.DefaultConfig())
	if err := healthStore.Register("gw-1", health.TypeGateway); err != nil {
		t.Fatalf("failed to register gateway: %v", err)
	}

	campaigns := store.NewCampaignRepository(db)
	recipients := store.NewRecipientRepository(db)
	messages := store.NewMessageRepository(db)
	events := monitor.NewBroadcaster(64, logger)

	eng := engine.NewManager(engine.Options{
		Config: engine.Config{
			BatchSize:       5,
			MaxRetries:      1,
			SendTimeout:     time.Second,
			Concurrency:     2,
			RetryBaseDelay:  10 * time.Millisecond,
			IdleInterval:    20 * time.Millisecond,
			GatewayStrategy: rotation.RoundRobin,
			RelayStrategy:   rotation.RoundRobin,
		},
		Campaigns:  campaigns,
		Messages:   messages,
		Recipients: recipients,
		Limiter:    limiter,
		Rotation:   rotation.NewManager(healthStore, rotation.DefaultWeights()),
		Health:     healthStore,
		Gateways:   okSender{},
		Relays:     okSender{},
		Classifier: classify.New(nil),
		Events:     events,
		Logger:     logger,
	})

	server := NewServer(Options{
		Config:     Config{HeartbeatInterval: 50 * time.Millisecond},
		Campaigns:  campaigns,
		Recipients: recipients,
		Messages:   messages,
		Engine:     eng,
		Health:     healthStore,
		Events:     events,
		Logger:     logger,
	})

	return &apiFixture{
		server:     server,
		campaigns:  campaigns,
		recipients: recipients,
		events:     events,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) createCampaign(t *testing.T) models.Campaign {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/api/v1/campaigns", CreateCampaignRequest{
		Name:     "spring promo",
		Template: "Hi {{name}}, sale today",
		Recipients: []RecipientPayload{
			{Phone: "+15550001", Carrier: "acme", Variables: map[string]string{"name": "Ann"}},
			{Phone: "+15550002", Carrier: "acme", Variables: map[string]string{"name": "Bob"}},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}

	var c models.Campaign
	if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil {
		t.Fatalf("failed to decode campaign: %v", err)
	}
	return c
}

func TestCreateCampaign(t *testing.T) {
	f := setupServer(t)
	c := f.createCampaign(t)

	if c.ID == "" {
		t.Error("expected campaign id")
	}
	if c.Status != models.CampaignDraft {
		t.Errorf("expected draft status, got %s", c.Status)
	}

	stored, err := f.recipients.Recipients(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("failed to read recipients: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("expected 2 stored recipients, got %d", len(stored))
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	f := setupServer(t)

	cases := []struct {
		name string
		req  CreateCampaignRequest
	}{
		{"missing name", CreateCampaignRequest{
			Template:   "x",
			Recipients: []RecipientPayload{{Phone: "+1"}},
		}},
		{"missing template", CreateCampaignRequest{
			Name:       "x",
			Recipients: []RecipientPayload{{Phone: "+1"}},
		}},
		{"no recipients", CreateCampaignRequest{Name: "x", Template: "x"}},
		{"empty phone", CreateCampaignRequest{
			Name:       "x",
			Template:   "x",
			Recipients: []RecipientPayload{{Carrier: "acme"}},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/campaigns", tc.req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestCreateCampaignBadJSON(t *testing.T) {
	f := setupServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/campaigns", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestGetCampaign(t *testing.T) {
	f := setupServer(t)
	c := f.createCampaign(t)

	rec := f.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var got models.Campaign
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if got.ID != c.ID || got.Name != "spring promo" {
		t.Errorf("unexpected campaign: %+v", got)
	}
}

func TestGetCampaignNotFound(t *testing.T) {
	f := setupServer(t)

	rec := f.do(t, http.MethodGet, "/api/v1/campaigns/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestListCampaigns(t *testing.T) {
	f := setupServer(t)
	f.createCampaign(t)
	f.createCampaign(t)

	rec := f.do(t, http.MethodGet, "/api/v1/campaigns", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp ListCampaignsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Total != 2 || len(resp.Campaigns) != 2 {
		t.Errorf("expected 2 campaigns, got total=%d len=%d", resp.Total, len(resp.Campaigns))
	}
}

func TestStartLifecycle(t *testing.T) {
	f := setupServer(t)
	c := f.createCampaign(t)

	rec := f.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := f.campaigns.GetByID(c.ID)
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}
		if got.Status == models.CampaignCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("campaign stuck at %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status returned %d", rec.Code)
	}
	var stats models.TaskStatistics
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.Total != 2 || stats.Success != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestStartNotFound(t *testing.T) {
	f := setupServer(t)

	rec := f.do(t, http.MethodPost, "/api/v1/campaigns/missing/start", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestStartTerminalConflict(t *testing.T) {
	f := setupServer(t)
	c := f.createCampaign(t)
	f.campaigns.UpdateStatus(c.ID, models.CampaignCompleted)

	rec := f.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestCancelIdempotent(t *testing.T) {
	f := setupServer(t)
	c := f.createCampaign(t)

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/cancel", nil)
		if rec.Code != http.StatusAccepted {
			t.Errorf("cancel #%d returned %d", i+1, rec.Code)
		}
	}

	got, _ := f.campaigns.GetByID(c.ID)
	if got.Status != models.CampaignCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
}

func TestPauseIsNoopWhenIdle(t *testing.T) {
	f := setupServer(t)
	c := f.createCampaign(t)

	rec := f.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/pause", nil)
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}
}

func TestRetryNotFound(t *testing.T) {
	f := setupServer(t)

	rec := f.do(t, http.MethodPost, "/api/v1/campaigns/missing/retry", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestListMessages(t *testing.T) {
	f := setupServer(t)
	c := f.createCampaign(t)

	f.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", nil)

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, _ := f.campaigns.GetByID(c.ID)
		if got.Status == models.CampaignCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("campaign stuck at %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/messages?status=delivered", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(resp.Messages) != 2 {
		t.Errorf("expected 2 delivered messages, got %d", len(resp.Messages))
	}
}

func TestServersEndpoint(t *testing.T) {
	f := setupServer(t)

	rec := f.do(t, http.MethodGet, "/api/v1/servers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Servers []health.Snapshot `json:"servers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(resp.Servers) != 1 || resp.Servers[0].ID != "gw-1" {
		t.Errorf("unexpected servers: %+v", resp.Servers)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := setupServer(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("unexpected health payload: %+v", resp)
	}
}

func TestEventsStream(t *testing.T) {
	f := setupServer(t)
	c := f.createCampaign(t)

	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/campaigns/"+c.ID+"/events", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	// Wait for the subscription to register, then publish through the
	// broadcaster and read the frame off the stream.
	time.Sleep(50 * time.Millisecond)
	f.events.Publish(c.ID, monitor.Event{
		Type:       monitor.EventProgress,
		CampaignID: c.ID,
		Data:       monitor.Progress{Counters: models.Counters{Total: 2, Pending: 2}},
	})

	scanner := bufio.NewScanner(resp.Body)
	var sawEventLine, sawData bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: progress" {
			sawEventLine = true
		}
		if sawEventLine && strings.HasPrefix(line, "data: ") {
			sawData = true
			break
		}
	}
	if !sawEventLine || !sawData {
		t.Errorf("did not observe a progress frame (event=%v data=%v)", sawEventLine, sawData)
	}
}

func TestEventsStreamNotFound(t *testing.T) {
	f := setupServer(t)

	rec := f.do(t, http.MethodGet, "/api/v1/campaigns/missing/events", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
