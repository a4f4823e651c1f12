// Package hass talks to Home Assistant: the entity-state WebSocket client
// and the OAuth token provider it authenticates with.
package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hadash/camfeed/internal/util"
)

var log = util.Named("hass")

var (
	// ErrAuthInvalid is returned by Connect when the server rejects the token.
	ErrAuthInvalid = errors.New("hass: auth_invalid")
	// ErrNoToken is returned by Connect when no access token can be obtained.
	ErrNoToken = errors.New("hass: no access token")
	// ErrClosed is returned for calls on a closed client.
	ErrClosed = errors.New("hass: connection closed")
)

// TokenProvider supplies access tokens to the client.
type TokenProvider interface {
	AccessToken() string
	Refresh(ctx context.Context) (*Token, error)
	OnTokenExpired()
}

// EntityState is one entity's state object.
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed"`
}

type stateChanged struct {
	EntityID string       `json:"entity_id"`
	NewState *EntityState `json:"new_state"`
	OldState *EntityState `json:"old_state"`
}

type resultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type frame struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *resultError    `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
	Event   *struct {
		EventType string       `json:"event_type"`
		Data      stateChanged `json:"data"`
	} `json:"event,omitempty"`
}

// Client is an authenticated Home Assistant WebSocket session.
type Client struct {
	url    string
	tokens TokenProvider

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int
	pending map[int]chan frame
	subs    map[string]map[int]func(*EntityState)
	subID   int

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient returns an unconnected client for the /api/websocket URL.
func NewClient(wsURL string, tokens TokenProvider) *Client {
	return &Client{
		url:     wsURL,
		tokens:  tokens,
		nextID:  1,
		pending: make(map[int]chan frame),
		subs:    make(map[string]map[int]func(*EntityState)),
		done:    make(chan struct{}),
	}
}

// Connect dials, authenticates and subscribes to state_changed. It returns
// once the subscription is sent; entity listeners only fire after auth_ok.
func (c *Client) Connect(ctx context.Context) error {
	token := c.tokens.AccessToken()
	if token == "" {
		t, err := c.tokens.Refresh(ctx)
		if err != nil {
			c.tokens.OnTokenExpired()
			return fmt.Errorf("%w: %v", ErrNoToken, err)
		}
		token = t.AccessToken
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial home assistant: %w", err)
	}
	c.conn = conn

	if err := c.authenticate(ctx, token); err != nil {
		conn.Close()
		return err
	}

	go c.readLoop()

	id := c.allocID()
	if err := c.write(map[string]any{
		"id":         id,
		"type":       "subscribe_events",
		"event_type": "state_changed",
	}); err != nil {
		c.Close()
		return fmt.Errorf("subscribe state_changed: %w", err)
	}
	return nil
}

// authenticate runs the auth handshake before the read loop starts.
// Frames other than the auth replies are ignored.
func (c *Client) authenticate(ctx context.Context, token string) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("auth handshake: %w", ctx.Err())
			}
			return fmt.Errorf("auth handshake: %w", err)
		}
		switch f.Type {
		case "auth_required":
			if err := c.write(map[string]string{"type": "auth", "access_token": token}); err != nil {
				return fmt.Errorf("send auth: %w", err)
			}
		case "auth_ok":
			log.Info("authenticated")
			return nil
		case "auth_invalid":
			log.Warn("authentication rejected", "message", f.Message)
			c.tokens.OnTokenExpired()
			return ErrAuthInvalid
		default:
			log.Debug("ignoring frame before auth", "type", f.Type)
		}
	}
}

// SubscribeEntity calls fn with every new state of entityID. A nil state
// means the entity was removed. The returned func unsubscribes.
func (c *Client) SubscribeEntity(entityID string, fn func(*EntityState)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subID++
	id := c.subID
	if c.subs[entityID] == nil {
		c.subs[entityID] = make(map[int]func(*EntityState))
	}
	c.subs[entityID][id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subs[entityID], id)
		c.mu.Unlock()
	}
}

// CallService invokes domain.service and waits for its result frame.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) (json.RawMessage, error) {
	id := c.allocID()
	reply := make(chan frame, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	err := c.write(map[string]any{
		"id":           id,
		"type":         "call_service",
		"domain":       domain,
		"service":      service,
		"service_data": data,
	})
	if err != nil {
		return nil, err
	}

	select {
	case f := <-reply:
		if f.Success != nil && !*f.Success {
			if f.Error != nil {
				return nil, fmt.Errorf("%s.%s: %s: %s", domain, service, f.Error.Code, f.Error.Message)
			}
			return nil, fmt.Errorf("%s.%s failed", domain, service)
		}
		return f.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close is idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

func (c *Client) allocID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.conn.WriteJSON(v)
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
			default:
				log.Warn("connection lost", "error", err)
			}
			return
		}
		switch f.Type {
		case "event":
			if f.Event != nil && f.Event.EventType == "state_changed" {
				c.dispatch(f.Event.Data)
			}
		case "result":
			c.mu.Lock()
			reply := c.pending[f.ID]
			c.mu.Unlock()
			if reply != nil {
				select {
				case reply <- f:
				default:
				}
			}
		}
	}
}

func (c *Client) dispatch(ev stateChanged) {
	c.mu.Lock()
	fns := make([]func(*EntityState), 0, len(c.subs[ev.EntityID]))
	for _, fn := range c.subs[ev.EntityID] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev.NewState)
	}
}
