// Package signaling owns the WebSocket to the media gateway: it frames JSON
// control messages, passes binary media through and reports socket lifecycle.
// It holds no negotiation logic.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hadash/camfeed/internal/domain"
	"hadash/camfeed/internal/util"
)

var log = util.Named("signal")

const writeTimeout = 5 * time.Second

// Options tunes a Channel.
type Options struct {
	// PingInterval between keepalive pings; zero disables them.
	PingInterval time.Duration
	// HandshakeTimeout bounds the WebSocket upgrade.
	HandshakeTimeout time.Duration
}

// DefaultOptions pings every 30s and allows 10s for the handshake.
func DefaultOptions() Options {
	return Options{PingInterval: 30 * time.Second, HandshakeTimeout: 10 * time.Second}
}

// Channel is a gorilla WebSocket connection wrapped as a domain.Channel.
type Channel struct {
	conn    *websocket.Conn
	handler domain.ChannelHandler

	mu        sync.Mutex // serializes writes
	closed    chan struct{}
	closeOnce sync.Once
}

// TargetURL returns the URL to dial for src. With a proxy configured the
// real signaling URL travels as the proxy's target query parameter.
func TargetURL(src, proxy string) (string, error) {
	if _, err := url.Parse(src); err != nil {
		return "", fmt.Errorf("parse signaling url: %w", err)
	}
	if proxy == "" {
		return src, nil
	}
	p, err := url.Parse(proxy)
	if err != nil {
		return "", fmt.Errorf("parse proxy url: %w", err)
	}
	q := p.Query()
	q.Set("target", src)
	p.RawQuery = q.Encode()
	return p.String(), nil
}

// Dial opens the socket and starts the read and ping loops. Events go to h
// from a single goroutine, so h sees them in arrival order.
func Dial(ctx context.Context, target string, h domain.ChannelHandler, opts Options) (*Channel, error) {
	dialer := *websocket.DefaultDialer
	if opts.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = opts.HandshakeTimeout
	}

	log.Debug("connecting", "url", target)
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &Channel{
		conn:    conn,
		handler: h,
		closed:  make(chan struct{}),
	}

	go c.readLoop()
	if opts.PingInterval > 0 {
		go c.pingLoop(opts.PingInterval)
	}
	return c, nil
}

// Send serializes msg and writes it as a text frame.
func (c *Channel) Send(msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return domain.ErrChannelClosed
	default:
	}

	log.Debug(">>>", "type", msg.Type, "bytes", len(data))
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

// Close shuts the socket down. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Channel) readLoop() {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("closed by gateway")
			} else {
				log.Warn("read error", "error", err)
			}
			c.closeOnce.Do(func() {
				close(c.closed)
				c.conn.Close()
			})
			c.handler.OnClose(err)
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			c.handler.OnBinary(data)
		case websocket.TextMessage:
			var msg domain.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Warn("unmarshal error", "error", err)
				c.handler.OnError(fmt.Errorf("decode frame: %w", err))
				continue
			}
			log.Debug("<<<", "type", msg.Type, "bytes", len(data))
			c.handler.OnText(msg)
		}
	}
}

func (c *Channel) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.mu.Unlock()
			if err != nil {
				if !c.isClosed() && !errors.Is(err, websocket.ErrCloseSent) {
					log.Warn("ping error", "error", err)
				}
				return
			}
		}
	}
}

// Dialer adapts Dial to domain.Dialer.
type Dialer struct {
	Options Options
}

// NewDialer returns a Dialer using DefaultOptions.
func NewDialer() *Dialer {
	return &Dialer{Options: DefaultOptions()}
}

func (d *Dialer) Dial(ctx context.Context, target string, h domain.ChannelHandler) (domain.Channel, error) {
	c, err := Dial(ctx, target, h, d.Options)
	if err != nil {
		return nil, err
	}
	return c, nil
}
