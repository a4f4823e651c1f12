// Package session is the media negotiation client: it owns one camera
// session end to end, from dialing the gateway through negotiation, live
// playback and reconnects, and exposes its state to a UI.
//
// All session state is mutated by a single event loop goroutine. Dials,
// negotiation and timers run elsewhere and post events back; events that
// belong to an abandoned attempt are recognised by attempt id and dropped.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hadash/camfeed/internal/domain"
	"hadash/camfeed/internal/negotiator"
	"hadash/camfeed/internal/signaling"
	"hadash/camfeed/internal/supervisor"
	"hadash/camfeed/internal/util"
)

// State is the snapshot a UI renders.
type State struct {
	Status     domain.Status
	Err        error
	Handle     domain.MediaHandle
	RetryCount int
	Transport  domain.TransportKind
}

// Options wires a Client to its collaborators.
type Options struct {
	Dialer       domain.Dialer
	Transports   negotiator.Factory
	Capabilities negotiator.Capabilities
	RetryDelay   time.Duration
	// MaxRetries may be supervisor.Unbounded.
	MaxRetries int
}

type event any

type (
	startEvent  struct{}
	retryEvent  struct{}
	timerEvent  struct{}
	closeEvent  struct{}
	dialedEvent struct {
		attempt int
		ch      domain.Channel
		neg     *negotiator.Negotiator
	}
	liveEvent struct {
		attempt int
		res     negotiator.Result
	}
	failedEvent struct {
		attempt int
		err     error
	}
	lostEvent struct {
		attempt int
		err     error
	}
)

// Client manages one Session.
type Client struct {
	desc domain.SourceDescriptor
	opts Options
	sup  *supervisor.Supervisor
	log  *util.Logger

	events chan event
	done   chan struct{}

	// postMu guards closed. Posters register in posters before sending so
	// the loop can drain every event that is still in flight at close.
	postMu  sync.Mutex
	closed  bool
	posters sync.WaitGroup

	mu        sync.Mutex
	state     State
	listeners map[int]func(State)
	nextID    int

	// Owned by the loop goroutine.
	attempt int
	cancel  context.CancelFunc
	ch      domain.Channel
	neg     *negotiator.Negotiator
	handle  domain.MediaHandle
}

// New creates an idle session. Call Start to connect.
func New(desc domain.SourceDescriptor, opts Options) *Client {
	c := &Client{
		desc:      desc,
		opts:      opts,
		sup:       supervisor.New(opts.RetryDelay, opts.MaxRetries),
		log:       util.Named("session").With("camera", desc.Name),
		events:    make(chan event, 32),
		done:      make(chan struct{}),
		listeners: make(map[int]func(State)),
	}
	go c.loop()
	return c
}

// Start begins the first attempt. It is a no-op unless the session is idle.
func (c *Client) Start() { c.post(startEvent{}) }

// Retry resets the retry budget and starts a fresh attempt immediately,
// whatever the current state.
func (c *Client) Retry() { c.post(retryEvent{}) }

// Snapshot returns the current state.
func (c *Client) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn for every state change. fn runs on the session's
// loop goroutine and must not block. The returned func unsubscribes.
func (c *Client) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Close tears the session down: the retry timer, peer connection, signaling
// socket and media handle are all released before it returns. Safe to call
// more than once.
func (c *Client) Close() {
	c.post(closeEvent{})
	<-c.done
}

// post queues ev for the loop. It returns false once the session is
// closed; the caller then owns whatever ev carries.
func (c *Client) post(ev event) bool {
	c.postMu.Lock()
	if c.closed {
		c.postMu.Unlock()
		return false
	}
	c.posters.Add(1)
	c.postMu.Unlock()

	c.events <- ev
	c.posters.Done()
	return true
}

func (c *Client) loop() {
	defer close(c.done)
	for ev := range c.events {
		switch ev := ev.(type) {
		case startEvent:
			if c.Snapshot().Status == domain.StatusIdle {
				c.startAttempt()
			}

		case retryEvent:
			c.log.Info("manual retry")
			c.sup.Reset()
			c.startAttempt()

		case timerEvent:
			if c.Snapshot().Status == domain.StatusDisconnected {
				c.startAttempt()
			}

		case dialedEvent:
			if ev.attempt != c.attempt {
				ev.neg.Close()
				ev.ch.Close()
				continue
			}
			c.ch, c.neg = ev.ch, ev.neg
			c.update(func(s *State) { s.Status = domain.StatusNegotiating })

		case liveEvent:
			if ev.attempt != c.attempt {
				ev.res.Handle.Release()
				continue
			}
			c.setHandle(ev.res.Handle)
			c.log.Info("live", "transport", string(ev.res.Transport), "url", ev.res.Handle.URL())
			c.update(func(s *State) {
				s.Status = domain.StatusLive
				s.Err = nil
				s.Handle = ev.res.Handle
				s.Transport = ev.res.Transport
			})

		case failedEvent:
			if ev.attempt != c.attempt {
				continue
			}
			c.log.Warn("attempt failed", "attempt", ev.attempt, "error", ev.err)
			c.teardown()
			c.failure(ev.err)

		case lostEvent:
			if ev.attempt != c.attempt {
				continue
			}
			c.log.Warn("connection lost", "attempt", ev.attempt, "error", ev.err)
			c.teardown()
			c.failure(ev.err)

		case closeEvent:
			c.sup.Cancel()
			c.teardown()
			c.attempt++
			c.update(func(s *State) {
				*s = State{Status: domain.StatusIdle, RetryCount: s.RetryCount}
			})
			c.drain()
			c.log.Debug("session closed")
			return
		}
	}
}

// drain stops new posts, waits out the ones in flight and releases the
// resources their events carry.
func (c *Client) drain() {
	c.postMu.Lock()
	c.closed = true
	c.postMu.Unlock()

	go func() {
		c.posters.Wait()
		close(c.events)
	}()
	for ev := range c.events {
		switch ev := ev.(type) {
		case dialedEvent:
			ev.neg.Close()
			ev.ch.Close()
		case liveEvent:
			ev.res.Handle.Release()
		}
	}
}

func (c *Client) failure(err error) {
	d := c.sup.Failure(err, func() { c.post(timerEvent{}) })
	c.update(func(s *State) {
		s.Err = d.Err
		s.RetryCount = d.RetryCount
		s.Handle = nil
		s.Transport = domain.TransportNone
		if d.Retry {
			s.Status = domain.StatusDisconnected
		} else {
			s.Status = domain.StatusFailed
		}
	})
}

// startAttempt abandons whatever is in flight and begins a new attempt.
func (c *Client) startAttempt() {
	c.sup.Cancel()
	c.teardown()
	c.attempt++
	attempt := c.attempt

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.update(func(s *State) {
		s.Status = domain.StatusConnecting
		s.RetryCount = c.sup.RetryCount()
		s.Handle = nil
		s.Transport = domain.TransportNone
	})
	c.log.Info("connecting", "attempt", attempt, "retry", c.sup.RetryCount())
	go c.run(ctx, attempt)
}

func (c *Client) run(ctx context.Context, attempt int) {
	target, err := signaling.TargetURL(c.desc.URL, c.desc.Proxy)
	if err != nil {
		c.post(failedEvent{attempt, domain.NewError(domain.ErrSignaling, domain.TransportNone, err)})
		return
	}

	candidates := negotiator.Candidates(c.desc.Modes, c.opts.Capabilities)
	if len(candidates) == 0 {
		c.post(failedEvent{attempt, domain.NewError(domain.ErrUnsupportedEnvironment, domain.TransportNone,
			fmt.Errorf("none of %v can run here", c.desc.Modes))})
		return
	}
	neg := negotiator.New(c.opts.Transports, candidates)
	ch, err := c.opts.Dialer.Dial(ctx, target, neg)
	if err != nil {
		c.post(failedEvent{attempt, domain.NewError(domain.ErrSignaling, domain.TransportNone, err)})
		return
	}
	if !c.post(dialedEvent{attempt, ch, neg}) {
		neg.Close()
		ch.Close()
		return
	}

	res, err := neg.Run(ctx, ch)
	if err != nil {
		if ctx.Err() == nil {
			c.post(failedEvent{attempt, err})
		}
		return
	}
	if !c.post(liveEvent{attempt, res}) {
		res.Handle.Release()
		return
	}

	select {
	case err := <-neg.Lost():
		c.post(lostEvent{attempt, err})
	case <-ctx.Done():
	}
}

// teardown closes everything the current attempt holds. Callers clear
// State.Handle in the same update that moves Status away from Live.
func (c *Client) teardown() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.neg != nil {
		c.neg.Close()
		c.neg = nil
	}
	if c.ch != nil {
		if err := c.ch.Close(); err != nil {
			c.log.Debug("close channel", "error", err)
		}
		c.ch = nil
	}
	c.setHandle(nil)
}

// setHandle installs h, releasing the previous handle.
func (c *Client) setHandle(h domain.MediaHandle) {
	if c.handle != nil && c.handle != h {
		c.handle.Release()
	}
	c.handle = h
}

func (c *Client) update(fn func(*State)) {
	c.mu.Lock()
	prev := c.state
	fn(&c.state)
	next := c.state
	fns := make([]func(State), 0, len(c.listeners))
	for _, l := range c.listeners {
		fns = append(fns, l)
	}
	c.mu.Unlock()

	if prev.Status != next.Status {
		c.log.Debug("status", "from", prev.Status.String(), "to", next.Status.String())
	}
	for _, fn := range fns {
		fn(next)
	}
}

func (s State) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s (%v)", s.Status, s.Err)
	}
	if s.Status == domain.StatusLive {
		return fmt.Sprintf("%s via %s", s.Status, s.Transport)
	}
	return s.Status.String()
}
