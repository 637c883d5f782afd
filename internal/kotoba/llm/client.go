package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/kotoba/common/retry"
	"github.com/bdobrica/kotoba/internal/kotoba/observability"
)

// FallbackReply is returned by Generate once every retry has failed.
const FallbackReply = "I'm sorry, I'm having trouble thinking right now. Please try again in a moment."

// ClientConfig configures a Client.
type ClientConfig struct {
	// Model is passed through to the provider; empty selects its default.
	Model string

	// Sampling is sent unchanged with every request.
	Sampling Sampling

	// MaxRetries is the number of attempts made both when initialising the
	// provider and for each Generate call. Default: 3.
	MaxRetries int

	// InitBackoff is the first delay between initialisation attempts; it
	// doubles on each retry (1s, 2s, 4s with the default).
	InitBackoff time.Duration

	// RetryBackoff is the first delay between Generate attempts; it doubles
	// on each retry (0.5s, 1s, 2s with the default).
	RetryBackoff time.Duration

	// MaxBackoff caps any single delay. Default: 30s.
	MaxBackoff time.Duration
}

func (c *ClientConfig) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitBackoff <= 0 {
		c.InitBackoff = time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Client performs single-prompt completions with retries. Generate never
// fails: exhausting the retries yields FallbackReply.
type Client struct {
	cfg     ClientConfig
	factory ProviderFactory

	provMu sync.RWMutex // guards prov
	prov   Provider
}

// NewClient builds a Client and initialises its provider, retrying with
// exponential backoff. An error means no usable provider could be built.
func NewClient(ctx context.Context, factory ProviderFactory, cfg ClientConfig) (*Client, error) {
	if factory == nil {
		return nil, errors.New("llm: nil provider factory")
	}
	cfg.applyDefaults()
	c := &Client{cfg: cfg, factory: factory}
	if err := c.initialize(ctx); err != nil {
		return nil, fmt.Errorf("llm: initialise provider: %w", err)
	}
	return c, nil
}

// initialize (re)builds the provider. On success the new handle replaces the
// current one; on failure the current one is left untouched.
func (c *Client) initialize(ctx context.Context) error {
	return retry.Do(ctx, retry.Config{
		MaxAttempts:  c.cfg.MaxRetries,
		InitialDelay: c.cfg.InitBackoff,
		MaxDelay:     c.cfg.MaxBackoff,
	}, func(attempt int) error {
		p, err := c.factory(ctx)
		if err != nil {
			slog.Warn("llm: provider initialisation failed", "attempt", attempt, "err", err)
			return err
		}
		if p == nil {
			return errors.New("llm: factory returned nil provider")
		}
		c.setProvider(p)
		return nil
	})
}

func (c *Client) provider() Provider {
	c.provMu.RLock()
	defer c.provMu.RUnlock()
	return c.prov
}

func (c *Client) setProvider(p Provider) {
	c.provMu.Lock()
	c.prov = p
	c.provMu.Unlock()
}

// Generate sends prompt to the backend and returns the reply text. Empty
// replies count as failures. When a failure looks like an auth or quota
// problem the provider is re-initialised before the next attempt; a failed
// re-initialisation is logged and the existing provider kept.
func (c *Client) Generate(ctx context.Context, prompt string) string {
	log := observability.WithTrace(ctx)
	var text string
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  c.cfg.MaxRetries,
		InitialDelay: c.cfg.RetryBackoff,
		MaxDelay:     c.cfg.MaxBackoff,
		BeforeRetry: func(attempt int, err error, delay time.Duration) {
			log.Warn("llm: generation attempt failed",
				"attempt", attempt, "max", c.cfg.MaxRetries, "err", err, "backoff", delay)
			if IsAuthOrQuota(err) {
				log.Info("llm: re-initialising provider after auth/quota failure")
				if rerr := c.initialize(ctx); rerr != nil {
					log.Warn("llm: re-initialisation failed; keeping existing provider", "err", rerr)
				}
			}
		},
	}, func(int) error {
		resp, err := c.provider().Complete(ctx, CompletionRequest{
			Model:    c.cfg.Model,
			Messages: []Message{{Role: RoleUser, Content: prompt}},
			Sampling: c.cfg.Sampling,
		})
		if err != nil {
			return err
		}
		if resp == nil || strings.TrimSpace(resp.Text) == "" {
			return ErrEmptyResponse
		}
		text = strings.TrimSpace(resp.Text)
		return nil
	})
	if err != nil {
		log.Error("llm: generation failed after retries; using fallback reply",
			"attempts", c.cfg.MaxRetries, "err", err)
		return FallbackReply
	}
	return text
}

var authHints = []string{
	"401", "403", "429",
	"unauthorized", "unauthenticated", "forbidden", "permission",
	"api key", "api_key", "quota", "rate limit", "resource exhausted",
}

// IsAuthOrQuota reports whether err looks like a credential or quota problem.
func IsAuthOrQuota(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range authHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
