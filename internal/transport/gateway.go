package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// GatewayConfig describes one HTTP SMS gateway.
type GatewayConfig struct {
	ID       string   `yaml:"id"`
	BaseURL  string   `yaml:"url"`
	APIKey   string   `yaml:"api_key"`
	Carriers []string `yaml:"carriers,omitempty"` // informational; routing is by rotation
}

// gatewayRequest is the request body for POST /api/v1/sms.
type gatewayRequest struct {
	To      string `json:"to"`
	Carrier string `json:"carrier,omitempty"`
	Body    string `json:"body"`
}

// gatewayResponse is the gateway's accept response.
type gatewayResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type gatewayError struct {
	Error string `json:"error"`
}

// GatewayPool sends messages through a pool of HTTP gateways, one client
// per configured server.
type GatewayPool struct {
	clients map[string]*gatewayClient
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewGatewayPool creates clients for all configured gateways.
func NewGatewayPool(configs []GatewayConfig, timeout time.Duration, logger *slog.Logger) *GatewayPool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := &GatewayPool{
		clients: make(map[string]*gatewayClient, len(configs)),
		logger:  logger,
	}
	for _, c := range configs {
		p.clients[c.ID] = &gatewayClient{
			baseURL: c.BaseURL,
			apiKey:  c.APIKey,
			httpClient: &http.Client{
				Timeout: timeout,
			},
		}
	}
	return p
}

// Send delivers msg through the gateway identified by serverID.
func (p *GatewayPool) Send(ctx context.Context, serverID string, msg *SMS) error {
	p.mu.RLock()
	client, ok := p.clients[serverID]
	p.mu.RUnlock()
	if !ok {
		return permanent("gateway %q not configured", serverID)
	}

	resp, err := client.send(ctx, &gatewayRequest{
		To:      msg.Recipient,
		Carrier: msg.Carrier,
		Body:    msg.Body,
	})
	if err != nil {
		return err
	}

	p.logger.Debug("message accepted by gateway",
		"gateway", serverID, "recipient", msg.Recipient, "gateway_msg_id", resp.ID)
	return nil
}

// gatewayClient is an HTTP client for a single gateway server.
type gatewayClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func (c *gatewayClient) send(ctx context.Context, body *gatewayRequest) (*gatewayResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, permanent("marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sms", bytes.NewReader(data))
	if err != nil {
		return nil, permanent("create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, temporary("do request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		var errResp gatewayError
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&errResp); err == nil && errResp.Error != "" {
			msg = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, errResp.Error)
		}
		// 4xx responses will not succeed on retry; 5xx might.
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, permanent("gateway rejected message: %s", msg)
		}
		return nil, temporary("gateway error: %s", msg)
	}

	var out gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, temporary("decode response: %v", err)
	}
	return &out, nil
}
