// Package relay bridges a chat transport and the response pipeline.
//
// Inbound events are filtered and queued; a single consumer goroutine answers
// queued messages one at a time, in order, and publishes the replies. New
// participants are greeted on a separate path that bypasses the queue.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/bdobrica/kotoba/common/trace"
	"github.com/bdobrica/kotoba/internal/kotoba/observability"
)

const (
	// DefaultReplyPrefix marks bot replies in the room.
	DefaultReplyPrefix = "🤖 "
	// DefaultWelcomeMessage greets a participant; %s is their identifier.
	DefaultWelcomeMessage = "🤖 Hello %s! I'm your AI assistant. Type anything to start chatting!"
)

// Transport is a real-time room the relay can publish into. Adapters deliver
// inbound traffic by calling Relay.HandleEvent.
type Transport interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, payload []byte) error
	SelfID() string
	Close() error
}

// Responder produces the reply to a message. It must always return text.
type Responder interface {
	Respond(ctx context.Context, user, message string) string
}

// State is the relay lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateConnected
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config tunes a Relay. Zero values select the defaults.
type Config struct {
	// QueueCapacity bounds pending messages. Default: 100.
	QueueCapacity int
	// PollInterval is how long the consumer waits on an empty queue before
	// checking for shutdown again. Default: 1s.
	PollInterval time.Duration
	// WelcomeDelay is the pause before greeting a new participant.
	// Default: 1s.
	WelcomeDelay time.Duration
	// ReplyPrefix is prepended to every reply. Default: DefaultReplyPrefix.
	ReplyPrefix string
	// WelcomeMessage is the greeting format. Default: DefaultWelcomeMessage.
	WelcomeMessage string
	// DisableWelcome turns greetings off.
	DisableWelcome bool
}

func (c *Config) applyDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.WelcomeDelay <= 0 {
		c.WelcomeDelay = time.Second
	}
	if c.ReplyPrefix == "" {
		c.ReplyPrefix = DefaultReplyPrefix
	}
	if c.WelcomeMessage == "" {
		c.WelcomeMessage = DefaultWelcomeMessage
	}
}

// Stats is a point-in-time view of the relay for diagnostics.
type Stats struct {
	State     string `json:"state"`
	Queued    int    `json:"queued"`
	Dropped   uint64 `json:"dropped"`
	Processed uint64 `json:"processed"`
	Welcomed  uint64 `json:"welcomed"`
}

// Relay owns the message queue and its single consumer.
type Relay struct {
	cfg       Config
	transport Transport
	responder Responder
	queue     *Queue

	state     atomic.Int32
	processed atomic.Uint64
	welcomed  atomic.Uint64

	// lifeCtx is cancelled by Shutdown; it bounds welcomes and the consumer.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu       sync.Mutex // serialises state changes with done and welcomes
	done     chan struct{}
	welcomes sync.WaitGroup
}

// New creates an idle Relay.
func New(cfg Config, transport Transport, responder Responder) *Relay {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		cfg:        cfg,
		transport:  transport,
		responder:  responder,
		queue:      NewQueue(cfg.QueueCapacity),
		lifeCtx:    ctx,
		lifeCancel: cancel,
	}
}

// State returns the current lifecycle state.
func (r *Relay) State() State { return State(r.state.Load()) }

// Connect opens the transport. A failure leaves the relay idle and should be
// treated as fatal by the caller.
func (r *Relay) Connect(ctx context.Context) error {
	if s := r.State(); s != StateIdle {
		return fmt.Errorf("relay: connect in state %s", s)
	}
	if err := r.transport.Connect(ctx); err != nil {
		return fmt.Errorf("relay: connect transport: %w", err)
	}
	r.state.Store(int32(StateConnected))
	slog.Info("relay: connected", "self", r.transport.SelfID())
	return nil
}

// Start launches the consumer. Messages received between Connect and Start
// are queued and answered once it runs.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.CompareAndSwap(int32(StateConnected), int32(StateRunning)) {
		return fmt.Errorf("relay: start in state %s", r.State())
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(r.lifeCtx, cancel)
	r.done = make(chan struct{})
	go func() {
		defer stop()
		defer cancel()
		r.consume(consumerCtx)
	}()
	slog.Info("relay: consumer started", "queue_capacity", r.cfg.QueueCapacity)
	return nil
}

// HandleEvent is the entry point for transport adapters. It never blocks on
// reply generation.
func (r *Relay) HandleEvent(evt Event) {
	switch evt.Kind {
	case EventData:
		r.handleData(evt)
	case EventParticipantJoined:
		r.handleJoin(evt.Sender)
	case EventParticipantLeft:
		slog.Info("relay: participant left", "participant", evt.Sender)
	case EventDisconnected:
		slog.Warn("relay: transport disconnected", "err", evt.Err)
	default:
		slog.Debug("relay: ignoring event", "kind", evt.Kind)
	}
}

func (r *Relay) accepting() bool {
	s := r.State()
	return s == StateConnected || s == StateRunning
}

func (r *Relay) handleData(evt Event) {
	if !r.accepting() {
		slog.Debug("relay: not accepting messages; dropped", "state", r.State(), "sender", evt.Sender)
		return
	}
	if evt.Sender == r.transport.SelfID() {
		return
	}
	text := string(evt.Payload)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "\uFFFD")
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	msg := Message{
		Text:       text,
		Sender:     evt.Sender,
		TraceID:    trace.GenerateID(),
		ReceivedAt: time.Now(),
	}
	if evicted, dropped := r.queue.Push(msg); dropped {
		slog.Warn("relay: queue full; dropped oldest message",
			"dropped_sender", evicted.Sender, "dropped_trace_id", evicted.TraceID,
			"capacity", r.cfg.QueueCapacity)
	}
	slog.Debug("relay: message queued", "sender", msg.Sender, "trace_id", msg.TraceID,
		"queued", r.queue.Len())
}

func (r *Relay) handleJoin(participant string) {
	if r.cfg.DisableWelcome || participant == r.transport.SelfID() {
		return
	}
	r.mu.Lock()
	if !r.accepting() {
		r.mu.Unlock()
		return
	}
	r.welcomes.Add(1)
	r.mu.Unlock()
	slog.Info("relay: participant joined", "participant", participant)

	go func() {
		defer r.welcomes.Done()
		timer := time.NewTimer(r.cfg.WelcomeDelay)
		defer timer.Stop()
		select {
		case <-r.lifeCtx.Done():
			return
		case <-timer.C:
		}
		greeting := fmt.Sprintf(r.cfg.WelcomeMessage, participant)
		if err := r.transport.Publish(r.lifeCtx, []byte(greeting)); err != nil {
			slog.Warn("relay: publish welcome failed", "participant", participant, "err", err)
			return
		}
		r.welcomed.Add(1)
	}()
}

func (r *Relay) consume(ctx context.Context) {
	defer close(r.done)
	for {
		msg, ok := r.queue.Pop(ctx, r.cfg.PollInterval)
		if ctx.Err() != nil {
			return
		}
		if !ok {
			continue
		}
		r.process(ctx, msg)
	}
}

// process answers one message. It runs detached from ctx cancellation so an
// in-flight message completes during shutdown.
func (r *Relay) process(ctx context.Context, msg Message) {
	mctx := trace.WithTraceID(context.WithoutCancel(ctx), msg.TraceID)
	start := time.Now()

	reply := r.responder.Respond(mctx, msg.Sender, msg.Text)
	r.processed.Add(1)

	log := observability.WithTrace(mctx)
	if err := r.transport.Publish(mctx, []byte(r.cfg.ReplyPrefix+reply)); err != nil {
		log.Error("relay: publish reply failed", "sender", msg.Sender, "err", err)
		return
	}
	log.Info("relay: replied", "sender", msg.Sender,
		"queue_wait", start.Sub(msg.ReceivedAt), "latency", time.Since(start))
}

// Shutdown stops accepting messages, waits for the in-flight message to
// finish, discards whatever is still queued and closes the transport. It
// returns early with ctx's error if the consumer does not stop in time.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	prev := State(r.state.Load())
	if prev == StateShuttingDown || prev == StateStopped {
		r.mu.Unlock()
		return nil
	}
	r.state.Store(int32(StateShuttingDown))
	done := r.done
	r.mu.Unlock()

	slog.Info("relay: shutting down", "from", prev)
	r.lifeCancel()

	var errs []error
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("relay: wait for consumer: %w", ctx.Err()))
		}
	}
	if err := waitGroup(ctx, &r.welcomes); err != nil {
		errs = append(errs, fmt.Errorf("relay: wait for welcomes: %w", err))
	}

	if n := r.queue.Drain(); n > 0 {
		slog.Info("relay: discarded queued messages", "count", n)
	}
	if prev != StateIdle {
		if err := r.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("relay: close transport: %w", err))
		}
	}
	r.state.Store(int32(StateStopped))
	return errors.Join(errs...)
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		State:     r.State().String(),
		Queued:    r.queue.Len(),
		Dropped:   r.queue.Dropped(),
		Processed: r.processed.Load(),
		Welcomed:  r.welcomed.Load(),
	}
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
