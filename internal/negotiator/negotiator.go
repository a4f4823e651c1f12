// Package negotiator picks the transport for one session attempt. It tries
// candidates strictly in order, one at a time, and hands the signaling
// channel's events to whichever transport is active.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"hadash/camfeed/internal/domain"
	"hadash/camfeed/internal/util"
)

var log = util.Named("negotiator")

// Capabilities describes what the runtime can play.
type Capabilities struct {
	PeerConnection bool
	MediaSource    bool
	HLSPlayback    bool
}

// FullCapabilities enables every transport.
func FullCapabilities() Capabilities {
	return Capabilities{PeerConnection: true, MediaSource: true, HLSPlayback: true}
}

// Supports reports whether kind's prerequisite is present.
func (c Capabilities) Supports(kind domain.TransportKind) bool {
	switch kind {
	case domain.TransportWebRTC:
		return c.PeerConnection
	case domain.TransportMSE:
		return c.MediaSource
	case domain.TransportHLS:
		return c.HLSPlayback
	case domain.TransportMP4, domain.TransportMJPEG:
		return true
	default:
		return false
	}
}

// Candidates filters modes by caps, keeping order.
func Candidates(modes []domain.TransportKind, caps Capabilities) []domain.TransportKind {
	var out []domain.TransportKind
	for _, m := range modes {
		if caps.Supports(m) {
			out = append(out, m)
			continue
		}
		log.Debug("skipping unsupported transport", "transport", string(m))
	}
	return out
}

// Factory creates transports by kind.
type Factory interface {
	New(kind domain.TransportKind) (domain.Transport, error)
}

// Result describes the transport that went live.
type Result struct {
	Transport domain.TransportKind
	Handle    domain.MediaHandle
	// Attempted lists every candidate started, in order.
	Attempted []domain.TransportKind
}

type eventKind int

const (
	evLive eventKind = iota
	evFailed
	evLost
	evClosed
)

type event struct {
	kind    eventKind
	attempt int
	handle  domain.MediaHandle
	err     error
}

// Negotiator runs one negotiation over one channel. It implements
// domain.ChannelHandler and must be passed to the dialer that opens the
// channel given to Run.
type Negotiator struct {
	factory    Factory
	candidates []domain.TransportKind

	events chan event
	lost   chan error
	done   chan struct{}

	mu       sync.Mutex
	active   domain.Transport
	attempt  int
	live     bool
	lostOnce sync.Once
	stopOnce sync.Once
}

// New returns a negotiator over the already-filtered candidate list.
func New(factory Factory, candidates []domain.TransportKind) *Negotiator {
	return &Negotiator{
		factory:    factory,
		candidates: candidates,
		events:     make(chan event, 16),
		lost:       make(chan error, 1),
		done:       make(chan struct{}),
	}
}

// Run tries each candidate until one goes live. It returns
// ErrUnsupportedEnvironment with no candidates, ErrSignaling if the
// channel drops, ErrConnectionLost if a transport connected and then
// dropped before producing media, and ErrNegotiation once every
// candidate has failed.
func (n *Negotiator) Run(ctx context.Context, ch domain.Channel) (Result, error) {
	var res Result
	if len(n.candidates) == 0 {
		return res, domain.NewError(domain.ErrUnsupportedEnvironment, domain.TransportNone, nil)
	}

	var lastErr error
	for i, kind := range n.candidates {
		tr, err := n.factory.New(kind)
		if err != nil {
			log.Warn("build transport", "transport", string(kind), "error", err)
			lastErr = domain.NewError(domain.ErrNegotiation, kind, err)
			continue
		}

		n.mu.Lock()
		n.attempt = i + 1
		n.active = tr
		n.mu.Unlock()
		res.Attempted = append(res.Attempted, kind)

		log.Info("trying transport", "transport", string(kind), "candidate", i+1, "of", len(n.candidates))
		if err := tr.Start(ch, &listener{n: n, attempt: i + 1}); err != nil {
			n.deactivate(tr)
			if errors.Is(err, domain.ErrSignaling) {
				return res, err
			}
			log.Warn("transport failed to start", "transport", string(kind), "error", err)
			lastErr = err
			continue
		}

		ev, err := n.wait(ctx, i+1)
		if err != nil {
			n.deactivate(tr)
			return res, err
		}
		switch ev.kind {
		case evLive:
			res.Transport = kind
			res.Handle = ev.handle
			return res, nil
		case evFailed:
			n.deactivate(tr)
			log.Warn("transport failed, trying next", "transport", string(kind), "error", ev.err)
			lastErr = ev.err
		case evLost:
			n.deactivate(tr)
			return res, ev.err
		case evClosed:
			n.deactivate(tr)
			return res, domain.NewError(domain.ErrSignaling, kind, ev.err)
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no transport could be built")
	}
	return res, domain.NewError(domain.ErrNegotiation, domain.TransportNone,
		fmt.Errorf("all %d transports failed, last: %w", len(n.candidates), lastErr))
}

// wait returns the next event for attempt, dropping stale ones.
func (n *Negotiator) wait(ctx context.Context, attempt int) (event, error) {
	for {
		select {
		case <-ctx.Done():
			return event{}, ctx.Err()
		case <-n.done:
			return event{}, domain.ErrChannelClosed
		case ev := <-n.events:
			if ev.attempt != 0 && ev.attempt != attempt {
				log.Debug("dropping stale transport event", "attempt", ev.attempt)
				continue
			}
			return ev, nil
		}
	}
}

func (n *Negotiator) deactivate(tr domain.Transport) {
	n.mu.Lock()
	if n.active == tr {
		n.active = nil
	}
	n.mu.Unlock()
	tr.Stop()
}

// Lost delivers at most one error once the winning transport drops.
func (n *Negotiator) Lost() <-chan error { return n.lost }

// Close stops the active transport. It does not close the channel.
func (n *Negotiator) Close() {
	n.stopOnce.Do(func() {
		close(n.done)
		n.mu.Lock()
		tr := n.active
		n.active = nil
		n.mu.Unlock()
		if tr != nil {
			tr.Stop()
		}
	})
}

func (n *Negotiator) current() domain.Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

func (n *Negotiator) OnText(msg domain.Message) {
	if tr := n.current(); tr != nil {
		tr.HandleMessage(msg)
		return
	}
	log.Debug("no active transport for message", "type", msg.Type)
}

func (n *Negotiator) OnBinary(data []byte) {
	if tr := n.current(); tr != nil {
		tr.HandleBinary(data)
	}
}

func (n *Negotiator) OnError(err error) {
	log.Warn("bad signaling frame", "error", err)
}

func (n *Negotiator) OnClose(err error) {
	n.mu.Lock()
	live := n.live
	n.mu.Unlock()
	if live {
		n.reportLost(domain.NewError(domain.ErrConnectionLost, domain.TransportNone,
			fmt.Errorf("signaling closed: %w", err)))
		return
	}
	n.post(event{kind: evClosed, err: err})
}

func (n *Negotiator) post(ev event) {
	select {
	case n.events <- ev:
	case <-n.done:
		if ev.handle != nil {
			ev.handle.Release()
		}
	}
}

func (n *Negotiator) reportLost(err error) {
	n.lostOnce.Do(func() {
		n.lost <- err
	})
}

// listener tags transport signals with the attempt they belong to.
type listener struct {
	n       *Negotiator
	attempt int
}

func (l *listener) Live(h domain.MediaHandle) {
	l.n.mu.Lock()
	if l.n.attempt != l.attempt || l.n.live {
		l.n.mu.Unlock()
		h.Release()
		return
	}
	l.n.live = true
	l.n.mu.Unlock()
	l.n.post(event{kind: evLive, attempt: l.attempt, handle: h})
}

func (l *listener) Failed(err error) {
	l.n.post(event{kind: evFailed, attempt: l.attempt, err: err})
}

func (l *listener) Lost(err error) {
	l.n.mu.Lock()
	live := l.n.live && l.n.attempt == l.attempt
	l.n.mu.Unlock()
	if live {
		l.n.reportLost(err)
		return
	}
	l.n.post(event{kind: evLost, attempt: l.attempt, err: err})
}
