package classify

import (
	"context"
	"errors"
	"strings"
	"time"

	"smsblast/internal/transport"
)

// Category is the failure taxonomy bucket.
type Category string

const (
	Authentication    Category = "authentication"
	Network           Category = "network"
	RateLimit         Category = "rate_limit"
	InvalidRecipient  Category = "invalid_recipient"
	ServerUnavailable Category = "server_unavailable"
	Unknown           Category = "unknown"
)

// Severity of a classified failure.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Classified is the outcome of classifying a raw delivery error.
type Classified struct {
	Category       Category      `json:"category"`
	Severity       Severity      `json:"severity"`
	Retryable      bool          `json:"retryable"`
	Recommendation string        `json:"recommendation"`
	ExtraBackoff   time.Duration `json:"extra_backoff,omitempty"` // enforced before requeue
	Raw            string        `json:"raw"`
}

// Rule matches raw error text against a category. Patterns are matched as
// case-insensitive substrings, in table order.
type Rule struct {
	Pattern  string   `yaml:"pattern"`
	Category Category `yaml:"category"`
}

// Config allows extending or overriding the built-in pattern table.
type Config struct {
	// Rules are checked before the built-in table.
	Rules []Rule `yaml:"rules,omitempty"`

	// RateLimitBackoff is the extra delay applied to rate_limit failures
	// before they are requeued.
	RateLimitBackoff time.Duration `yaml:"rate_limit_backoff,omitempty"`
}

// Classifier categorizes delivery failures. The zero value is not usable;
// use New.
type Classifier struct {
	rules            []Rule
	rateLimitBackoff time.Duration
}

// builtinRules is the default pattern table, checked after configured
// rules. Order matters: more specific patterns first.
var builtinRules = []Rule{
	{Pattern: "auth failed", Category: Authentication},
	{Pattern: "authentication", Category: Authentication},
	{Pattern: "unauthorized", Category: Authentication},
	{Pattern: "invalid api key", Category: Authentication},
	{Pattern: "invalid credentials", Category: Authentication},
	{Pattern: "401", Category: Authentication},
	{Pattern: "403", Category: Authentication},

	{Pattern: "rate limit", Category: RateLimit},
	{Pattern: "too many requests", Category: RateLimit},
	{Pattern: "quota exceeded", Category: RateLimit},
	{Pattern: "429", Category: RateLimit},

	{Pattern: "invalid recipient", Category: InvalidRecipient},
	{Pattern: "invalid number", Category: InvalidRecipient},
	{Pattern: "invalid phone", Category: InvalidRecipient},
	{Pattern: "unknown subscriber", Category: InvalidRecipient},
	{Pattern: "no such user", Category: InvalidRecipient},
	{Pattern: "blacklisted", Category: InvalidRecipient},

	{Pattern: "service unavailable", Category: ServerUnavailable},
	{Pattern: "bad gateway", Category: ServerUnavailable},
	{Pattern: "502", Category: ServerUnavailable},
	{Pattern: "503", Category: ServerUnavailable},
	{Pattern: "504", Category: ServerUnavailable},

	{Pattern: "timeout", Category: Network},
	{Pattern: "timed out", Category: Network},
	{Pattern: "connection refused", Category: Network},
	{Pattern: "connection reset", Category: Network},
	{Pattern: "no route to host", Category: Network},
	{Pattern: "network is unreachable", Category: Network},
	{Pattern: "eof", Category: Network},
	{Pattern: "broken pipe", Category: Network},
	{Pattern: "dns", Category: Network},
}

// New creates a classifier with the built-in table extended by cfg.
func New(cfg *Config) *Classifier {
	c := &Classifier{rateLimitBackoff: 30 * time.Second}
	if cfg != nil {
		c.rules = append(c.rules, cfg.Rules...)
		if cfg.RateLimitBackoff > 0 {
			c.rateLimitBackoff = cfg.RateLimitBackoff
		}
	}
	c.rules = append(c.rules, builtinRules...)
	return c
}

// Classify maps a raw delivery error into the taxonomy. Unmatched input
// defaults to unknown/high/non-retryable: an error we cannot identify is
// not assumed safe to retry.
func (c *Classifier) Classify(err error) Classified {
	if err == nil {
		return Classified{Category: Unknown, Severity: SeverityLow}
	}

	// A timed-out attempt is a network failure regardless of message text.
	if errors.Is(err, context.DeadlineExceeded) {
		return c.build(Network, err.Error())
	}

	text := strings.ToLower(err.Error())
	for _, r := range c.rules {
		if strings.Contains(text, strings.ToLower(r.Pattern)) {
			return c.build(r.Category, err.Error())
		}
	}

	// No pattern matched, but the transport already judged the attempt.
	// A temporary send error is worth retrying even when its text is new
	// to the table; a permanent one stays final.
	var se *transport.SendError
	if errors.As(err, &se) && transport.IsTemporaryError(err) {
		return c.build(ServerUnavailable, err.Error())
	}

	return c.build(Unknown, err.Error())
}

func (c *Classifier) build(cat Category, raw string) Classified {
	out := Classified{Category: cat, Raw: raw}
	switch cat {
	case Authentication:
		out.Severity = SeverityHigh
		out.Retryable = false
		out.Recommendation = "check server credentials"
	case InvalidRecipient:
		out.Severity = SeverityHigh
		out.Retryable = false
		out.Recommendation = "remove recipient from the list"
	case RateLimit:
		out.Severity = SeverityMedium
		out.Retryable = true
		out.ExtraBackoff = c.rateLimitBackoff
		out.Recommendation = "lower the carrier send rate"
	case Network:
		out.Severity = SeverityMedium
		out.Retryable = true
		out.Recommendation = "retry; check connectivity if persistent"
	case ServerUnavailable:
		out.Severity = SeverityMedium
		out.Retryable = true
		out.Recommendation = "rotate to another server"
	default:
		out.Severity = SeverityHigh
		out.Retryable = false
		out.Recommendation = "inspect the raw error"
	}
	return out
}
