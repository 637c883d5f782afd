// Package pipeline turns one inbound chat message into one reply.
//
// A request moves through cache-check, rate limiting, memory lookup, prompt
// assembly and a time-boxed generation call, after which the reply is cached
// and the turn memorised. Respond always returns text: every failure path
// resolves to one of the fixed replies below.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bdobrica/kotoba/common/trace"
	"github.com/bdobrica/kotoba/internal/kotoba/llm"
	"github.com/bdobrica/kotoba/internal/kotoba/memory"
	"github.com/bdobrica/kotoba/internal/kotoba/observability"
)

// Fixed replies.
const (
	NoMessageReply = "I didn't receive a message. Could you try again?"
	TimeoutReply   = "Sorry, that is taking too long to think about. Please try again in a moment."
	ApologyReply   = "Sorry, something went wrong on my side. Let's try that again."
	RateLimitReply = "You're sending messages faster than I can keep up with. Please slow down a little."
)

// Outcome classifies how a reply was produced.
type Outcome string

const (
	OutcomeGenerated   Outcome = "generated"
	OutcomeCached      Outcome = "cached"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeFallback    Outcome = "fallback"
	OutcomeError       Outcome = "error"
	OutcomeEmpty       Outcome = "empty"
	OutcomeRateLimited Outcome = "rate_limited"
)

// Turn is the audit record of one Respond call.
type Turn struct {
	TraceID   string
	Sender    string
	Message   string
	Response  string
	Outcome   Outcome
	Latency   time.Duration
	CreatedAt time.Time
}

// Generator produces reply text for a prompt. It never fails; *llm.Client
// satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string) string
}

// Memory is the part of the memory store the pipeline needs.
type Memory interface {
	Add(user, userMessage, assistantResponse string)
	Relevant(ctx context.Context, user, currentMessage string, limit int) []memory.Entry
}

// ReplyCache is the part of the response cache the pipeline needs.
type ReplyCache interface {
	Get(ctx context.Context, user, message string) (string, bool)
	Put(ctx context.Context, user, message, reply string)
}

// TurnRecorder persists Turn records. Errors are logged and otherwise ignored.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, turn Turn) error
}

// Config tunes a Pipeline. Zero values select the defaults.
type Config struct {
	// MemoryLimit is how many remembered turns go into a prompt. Default: 3.
	MemoryLimit int

	// GenerationTimeout bounds the wall-clock time of one generation call.
	// Default: 30s.
	GenerationTimeout time.Duration

	// MinSpacing is the global gap enforced between generation calls.
	// Default: 100ms.
	MinSpacing time.Duration

	// RateLimit and RateWindow bound generation requests per user. The limit
	// is off unless RateLimit is positive; RateWindow defaults to one minute.
	RateLimit  int
	RateWindow time.Duration

	// Persona replaces DefaultPersona when set.
	Persona string

	// PromptTurnChars bounds each remembered message in the prompt, in runes.
	// Default: 100.
	PromptTurnChars int
}

func (c *Config) applyDefaults() {
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 3
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 30 * time.Second
	}
	if c.PromptTurnChars <= 0 {
		c.PromptTurnChars = defaultTurnChars
	}
}

// Pipeline orchestrates cache, memory and generation for each message.
// Respond is safe to call from several goroutines, though the relay only
// ever uses one.
type Pipeline struct {
	cfg      Config
	gen      Generator
	memory   Memory
	cache    ReplyCache
	recorder TurnRecorder
	limiter  *RateLimiter
	throttle *Throttle
	now      func() time.Time
}

// New builds a Pipeline. recorder may be nil.
func New(cfg Config, gen Generator, mem Memory, c ReplyCache, recorder TurnRecorder) *Pipeline {
	cfg.applyDefaults()
	var limiter *RateLimiter
	if cfg.RateLimit > 0 {
		limiter = NewRateLimiter(cfg.RateLimit, cfg.RateWindow)
	}
	return &Pipeline{
		cfg:      cfg,
		gen:      gen,
		memory:   mem,
		cache:    c,
		recorder: recorder,
		limiter:  limiter,
		throttle: NewThrottle(cfg.MinSpacing),
		now:      time.Now,
	}
}

// Respond returns the reply for message sent by user.
func (p *Pipeline) Respond(ctx context.Context, user, message string) (reply string) {
	start := p.now()
	text := strings.TrimSpace(message)
	if text == "" {
		p.record(ctx, user, message, NoMessageReply, OutcomeEmpty, start)
		return NoMessageReply
	}

	defer func() {
		if r := recover(); r != nil {
			observability.WithTrace(ctx).Error("pipeline: recovered from panic", "user", user, "panic", r)
			reply = p.fail(ctx, user, text, start, fmt.Errorf("panic: %v", r))
		}
	}()

	if cached, ok := p.cache.Get(ctx, user, text); ok {
		p.record(ctx, user, text, cached, OutcomeCached, start)
		return cached
	}

	if p.limiter != nil && !p.limiter.Allow(user) {
		observability.WithTrace(ctx).Info("pipeline: user rate-limited", "user", user)
		p.memory.Add(user, text, RateLimitReply)
		p.record(ctx, user, text, RateLimitReply, OutcomeRateLimited, start)
		return RateLimitReply
	}

	if err := p.throttle.Wait(ctx); err != nil {
		return p.fail(ctx, user, text, start, fmt.Errorf("throttle: %w", err))
	}

	memories := p.memory.Relevant(ctx, user, text, p.cfg.MemoryLimit)
	prompt := buildPrompt(p.cfg.Persona, user, text, memories, p.cfg.PromptTurnChars)

	reply, outcome, err := p.generate(ctx, prompt)
	p.throttle.Mark()
	if err != nil {
		return p.fail(ctx, user, text, start, err)
	}

	// Timeouts and fallbacks are memorised but never cached.
	if outcome == OutcomeGenerated {
		p.cache.Put(ctx, user, text, reply)
	}
	p.memory.Add(user, text, reply)
	p.record(ctx, user, text, reply, outcome, start)
	return reply
}

var errGenerationPanicked = errors.New("pipeline: generation panicked")

type generation struct {
	text     string
	panicked bool
}

// generate races the generator against the timeout. On timeout the call is
// abandoned; its goroutine finishes on its own and its result is discarded.
func (p *Pipeline) generate(ctx context.Context, prompt string) (string, Outcome, error) {
	done := make(chan generation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("pipeline: generator panicked", "panic", r)
				done <- generation{panicked: true}
			}
		}()
		done <- generation{text: p.gen.Generate(ctx, prompt)}
	}()

	timer := time.NewTimer(p.cfg.GenerationTimeout)
	defer timer.Stop()

	select {
	case g := <-done:
		if g.panicked {
			return "", OutcomeError, errGenerationPanicked
		}
		if g.text == llm.FallbackReply {
			return g.text, OutcomeFallback, nil
		}
		return g.text, OutcomeGenerated, nil
	case <-timer.C:
		observability.WithTrace(ctx).Warn("pipeline: generation timed out", "timeout", p.cfg.GenerationTimeout)
		return TimeoutReply, OutcomeTimeout, nil
	case <-ctx.Done():
		return "", OutcomeError, ctx.Err()
	}
}

// fail memorises the turn with ApologyReply so the conversation stays
// coherent, then returns it.
func (p *Pipeline) fail(ctx context.Context, user, text string, start time.Time, err error) (reply string) {
	observability.WithTrace(ctx).Error("pipeline: respond failed", "user", user, "err", err)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pipeline: memorising failed turn panicked", "panic", r)
		}
		reply = ApologyReply
	}()
	p.memory.Add(user, text, ApologyReply)
	p.record(ctx, user, text, ApologyReply, OutcomeError, start)
	return ApologyReply
}

func (p *Pipeline) record(ctx context.Context, user, message, reply string, outcome Outcome, start time.Time) {
	if p.recorder == nil {
		return
	}
	now := p.now()
	turn := Turn{
		TraceID:   trace.FromContext(ctx),
		Sender:    user,
		Message:   message,
		Response:  reply,
		Outcome:   outcome,
		Latency:   now.Sub(start),
		CreatedAt: now,
	}
	if err := p.recorder.RecordTurn(ctx, turn); err != nil {
		observability.WithTrace(ctx).Warn("pipeline: record turn failed", "user", user, "err", err)
	}
}
