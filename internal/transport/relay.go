package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"regexp"
	"strings"
	"time"
)

// RelayConfig describes one SMTP relay used for email-to-SMS delivery.
type RelayConfig struct {
	ID       string `yaml:"id"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	From     string `yaml:"from"`

	// CarrierDomains maps carrier name to its email-to-SMS gateway domain
	// (e.g. "vtext.com"); the recipient address becomes <number>@<domain>.
	CarrierDomains map[string]string `yaml:"carrier_domains"`
}

// RelayPool sends messages through SMTP relays.
type RelayPool struct {
	relays   map[string]RelayConfig
	hostname string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRelayPool creates a relay pool. hostname is used in HELO.
func NewRelayPool(configs []RelayConfig, hostname string, timeout time.Duration, logger *slog.Logger) *RelayPool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	relays := make(map[string]RelayConfig, len(configs))
	for _, c := range configs {
		if c.Port == 0 {
			c.Port = 587
		}
		relays[c.ID] = c
	}
	return &RelayPool{
		relays:   relays,
		hostname: hostname,
		timeout:  timeout,
		logger:   logger,
	}
}

// Send delivers msg through the relay identified by serverID by emailing
// the carrier's SMS gateway address.
func (p *RelayPool) Send(ctx context.Context, serverID string, msg *SMS) error {
	relay, ok := p.relays[serverID]
	if !ok {
		return permanent("relay %q not configured", serverID)
	}

	domain, ok := relay.CarrierDomains[msg.Carrier]
	if !ok {
		return permanent("relay %q has no gateway domain for carrier %q", serverID, msg.Carrier)
	}
	to := msg.Recipient + "@" + domain

	addr := net.JoinHostPort(relay.Host, fmt.Sprintf("%d", relay.Port))
	dialer := &net.Dialer{Timeout: p.timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return temporary("connection failed to %s: %v", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(p.timeout))
	}

	client, err := smtp.NewClient(conn, relay.Host)
	if err != nil {
		return temporary("SMTP client creation failed: %v", err)
	}
	defer client.Close()

	if err := client.Hello(p.hostname); err != nil {
		return categorizeSMTPError(err, "HELO")
	}

	// Opportunistic STARTTLS; auth is refused without it.
	tlsOK := false
	if ok, _ := client.Extension("STARTTLS"); ok {
		cfg := &tls.Config{ServerName: relay.Host, MinVersion: tls.VersionTLS12}
		if err := client.StartTLS(cfg); err != nil {
			p.logger.Warn("STARTTLS failed, continuing without encryption",
				"relay", serverID, "error", err)
		} else {
			tlsOK = true
		}
	}

	if relay.Username != "" {
		if !tlsOK {
			return temporary("relay %q requires auth but STARTTLS is unavailable", serverID)
		}
		auth := smtp.PlainAuth("", relay.Username, relay.Password, relay.Host)
		if err := client.Auth(auth); err != nil {
			return categorizeSMTPError(err, "AUTH")
		}
	}

	if err := client.Mail(relay.From); err != nil {
		return categorizeSMTPError(err, "MAIL FROM")
	}
	if err := client.Rcpt(to); err != nil {
		return categorizeSMTPError(err, fmt.Sprintf("RCPT TO %s", to))
	}

	wc, err := client.Data()
	if err != nil {
		return categorizeSMTPError(err, "DATA")
	}
	if _, err := fmt.Fprintf(wc, "From: %s\r\nTo: %s\r\n\r\n%s\r\n", relay.From, to, msg.Body); err != nil {
		wc.Close()
		return temporary("failed to write message data: %v", err)
	}
	if err := wc.Close(); err != nil {
		return categorizeSMTPError(err, "DATA close")
	}

	client.Quit()

	p.logger.Debug("message relayed", "relay", serverID, "to", to)
	return nil
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeSMTPError determines if an SMTP error is temporary or permanent.
func categorizeSMTPError(err error, stage string) *SendError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	matches := smtpCodePattern.FindStringSubmatch(err.Error())
	if len(matches) > 1 {
		if strings.HasPrefix(matches[1], "5") {
			return &SendError{Temporary: false, Message: msg}
		}
		return &SendError{Temporary: true, Message: msg}
	}
	return &SendError{Temporary: true, Message: msg}
}
