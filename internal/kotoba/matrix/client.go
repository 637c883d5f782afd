// Package matrix adapts a Matrix room to the relay.Transport interface.
//
// The client joins one room, turns text messages and membership changes into
// relay.Event values and publishes replies as plain m.text messages. Events
// from other rooms, and events older than the connection, are ignored.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/kotoba/internal/kotoba/relay"
)

var _ relay.Transport = (*Client)(nil)

const (
	backoffMin = 2 * time.Second
	backoffMax = 5 * time.Minute
)

// Config holds the Matrix connection parameters.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	RoomID      string
	// DB, when set, persists the sync position (see DBSyncStore). Without it
	// every restart starts from a fresh sync.
	DB *sql.DB
}

// Client is the Matrix transport.
type Client struct {
	mxc *mautrix.Client
	cfg Config

	handlerMu sync.RWMutex
	handler   func(relay.Event)

	since    time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Matrix client without contacting the homeserver.
func New(cfg Config) (*Client, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("matrix: room ID is required")
	}
	mxc, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	if cfg.DB != nil {
		mxc.Store = NewDBSyncStore(cfg.DB)
		slog.Info("matrix: using persistent sync store")
	} else {
		slog.Warn("matrix: no DB configured; sync position is not persisted")
	}
	return &Client{
		mxc:    mxc,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}, nil
}

// SetEventHandler installs the sink for translated events, normally
// relay.Relay.HandleEvent. It must be called before Connect.
func (c *Client) SetEventHandler(h func(relay.Event)) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

func (c *Client) emit(evt relay.Event) {
	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()
	if h != nil {
		h(evt)
	}
}

// SelfID returns the bot's Matrix user ID.
func (c *Client) SelfID() string { return c.cfg.UserID }

// Connect joins the room, registers the syncer callbacks and starts the sync
// loop. The loop reconnects with exponential back-off until Close.
func (c *Client) Connect(ctx context.Context) error {
	slog.Warn("matrix: E2EE is not enabled; messages are transmitted in plaintext")

	if err := c.joinRoom(ctx, id.RoomID(c.cfg.RoomID)); err != nil {
		return fmt.Errorf("matrix: join room %s: %w", c.cfg.RoomID, err)
	}

	c.since = time.Now()
	syncer, ok := c.mxc.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.StateMember, c.handleMember)

	go c.syncLoop()
	return nil
}

func (c *Client) syncLoop() {
	backoff := backoffMin
	for {
		err := c.mxc.Sync()
		select {
		case <-c.stopCh:
			return
		default:
		}
		if err == nil {
			// Sync only returns nil after StopSync.
			return
		}
		c.emit(relay.Event{Kind: relay.EventDisconnected, Err: err})
		slog.Error("matrix: sync stopped; reconnecting", "err", err, "backoff", backoff)
		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// Publish sends payload as a plain-text message into the room.
func (c *Client) Publish(ctx context.Context, payload []byte) error {
	if _, err := c.mxc.SendText(ctx, id.RoomID(c.cfg.RoomID), string(payload)); err != nil {
		return fmt.Errorf("matrix: send message: %w", err)
	}
	return nil
}

// Close stops the sync loop. It is safe to call more than once.
func (c *Client) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mxc.StopSync()
	})
	return nil
}

// relevant reports whether evt belongs to our room and happened after Connect.
func (c *Client) relevant(evt *event.Event) bool {
	if evt.RoomID.String() != c.cfg.RoomID {
		return false
	}
	if evt.Timestamp > 0 && time.UnixMilli(evt.Timestamp).Before(c.since) {
		return false
	}
	return true
}

func (c *Client) handleMessage(_ context.Context, evt *event.Event) {
	if !c.relevant(evt) {
		return
	}
	msg := evt.Content.AsMessage()
	if msg == nil || msg.MsgType != event.MsgText {
		return
	}
	c.emit(relay.Event{
		Kind:    relay.EventData,
		Sender:  evt.Sender.String(),
		Payload: []byte(msg.Body),
	})
}

func (c *Client) handleMember(_ context.Context, evt *event.Event) {
	if !c.relevant(evt) || evt.StateKey == nil {
		return
	}
	member := evt.Content.AsMember()
	prev := previousMembership(evt)
	who := *evt.StateKey

	switch {
	case member.Membership == event.MembershipJoin && prev != event.MembershipJoin:
		c.emit(relay.Event{Kind: relay.EventParticipantJoined, Sender: who})
	case (member.Membership == event.MembershipLeave || member.Membership == event.MembershipBan) && prev == event.MembershipJoin:
		c.emit(relay.Event{Kind: relay.EventParticipantLeft, Sender: who})
	}
}

// previousMembership returns the membership before evt, so that profile
// updates (join → join) are not mistaken for new arrivals.
func previousMembership(evt *event.Event) event.Membership {
	prev := evt.Unsigned.PrevContent
	if prev == nil {
		return ""
	}
	if prev.Parsed == nil {
		if err := prev.ParseRaw(evt.Type); err != nil {
			return ""
		}
	}
	return prev.AsMember().Membership
}

// joinRoom joins a room. M_FORBIDDEN is tolerated because homeservers return
// it when the bot is already a member.
func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.mxc.JoinRoomByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("matrix: join returned M_FORBIDDEN; assuming already a member", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
