package transport

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"net/url"
	"strings"
	"sync"

	"hadash/camfeed/internal/domain"
	"hadash/camfeed/internal/media"
)

// push is the state shared by fallback transports: the gateway pushes
// media after a single request frame and the first valid payload goes live.
type push struct {
	kind domain.TransportKind

	mu     sync.Mutex
	l      domain.Listener
	live   bool
	done   bool
	handle domain.MediaHandle
}

func (p *push) Kind() domain.TransportKind { return p.kind }

func (p *push) start(ch domain.Channel, l domain.Listener, req domain.Message) error {
	p.mu.Lock()
	p.l = l
	p.mu.Unlock()
	if err := ch.Send(req); err != nil {
		return domain.NewError(domain.ErrSignaling, p.kind, err)
	}
	log.Debug("fallback requested", "transport", string(p.kind), "value", req.Value)
	return nil
}

// active reports whether payloads should still be processed.
func (p *push) active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.done
}

func (p *push) isLive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

func (p *push) goLive(h domain.MediaHandle) {
	p.mu.Lock()
	if p.done || p.live {
		p.mu.Unlock()
		return
	}
	p.live = true
	p.handle = h
	l := p.l
	p.mu.Unlock()

	log.Info("live", "transport", string(p.kind), "url", h.URL())
	l.Live(h)
}

// fail reports Failed before live; afterwards the payload is only dropped.
func (p *push) fail(err error) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	if p.live {
		p.mu.Unlock()
		log.Warn("dropping bad payload", "transport", string(p.kind), "error", err)
		return
	}
	p.done = true
	l := p.l
	p.mu.Unlock()

	log.Warn("fallback failed", "transport", string(p.kind), "error", err)
	if l != nil {
		l.Failed(domain.NewError(domain.ErrNegotiation, p.kind, err))
	}
}

// gatewayError handles the generic error frame shared by all fallbacks.
func (p *push) gatewayError(msg domain.Message) bool {
	if msg.Type != domain.MsgError {
		return false
	}
	p.fail(fmt.Errorf("gateway: %s", msg.Value))
	return true
}

func (p *push) Stop() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
}

// MSE requests fragmented MP4 for a MediaSource buffer. The first binary
// segment is the init segment.
type MSE struct {
	push
	opts   Options
	source *media.SegmentSource
}

func NewMSE(opts Options) *MSE {
	return &MSE{push: push{kind: domain.TransportMSE}, opts: opts}
}

func (t *MSE) Start(ch domain.Channel, l domain.Listener) error {
	return t.start(ch, l, domain.Message{Type: domain.MsgMSE, Value: t.opts.codecList()})
}

func (t *MSE) HandleMessage(msg domain.Message) {
	if t.gatewayError(msg) || msg.Type != domain.MsgMSE || !t.active() {
		return
	}
	if msg.Value == "" {
		t.fail(fmt.Errorf("gateway selected no codec"))
		return
	}
	t.mu.Lock()
	if t.source == nil {
		limit := t.opts.SegmentLimit
		if limit <= 0 {
			limit = media.DefaultSegmentLimit
		}
		t.source = media.NewSegmentSource(msg.Value, limit)
	}
	t.mu.Unlock()
}

func (t *MSE) HandleBinary(data []byte) {
	if !t.active() {
		return
	}
	t.mu.Lock()
	source := t.source
	t.mu.Unlock()
	if source == nil {
		log.Debug("segment before codec, dropped", "bytes", len(data))
		return
	}
	if !validBoxHeader(data) {
		t.fail(fmt.Errorf("invalid fMP4 segment (%d bytes)", len(data)))
		return
	}
	source.Push(data)
	t.goLive(source)
}

func (t *MSE) Stop() {
	t.push.Stop()
	t.mu.Lock()
	source, live := t.source, t.live
	t.mu.Unlock()
	// Once live the handle belongs to the session.
	if source != nil && !live {
		source.Release()
	}
}

// HLS requests a playlist whose relative segment paths are rewritten to
// absolute URLs on the gateway.
type HLS struct {
	push
	opts Options
}

func NewHLS(opts Options) *HLS {
	return &HLS{push: push{kind: domain.TransportHLS}, opts: opts}
}

func (t *HLS) Start(ch domain.Channel, l domain.Listener) error {
	return t.start(ch, l, domain.Message{Type: domain.MsgHLS, Value: t.opts.codecList()})
}

func (t *HLS) HandleMessage(msg domain.Message) {
	if t.gatewayError(msg) || msg.Type != domain.MsgHLS || !t.active() {
		return
	}
	if !strings.HasPrefix(strings.TrimSpace(msg.Value), "#EXTM3U") {
		t.fail(fmt.Errorf("response is not an m3u8 playlist"))
		return
	}
	base, err := HLSBase(t.opts.SourceURL)
	if err != nil {
		t.fail(err)
		return
	}
	t.goLive(media.NewPlaylist(strings.ReplaceAll(msg.Value, "hls/", base)))
}

func (t *HLS) HandleBinary([]byte) {}

// HLSBase derives the absolute segment prefix from the signaling URL:
// ws://host/api/ws?src=x becomes http://host/api/hls/.
func HLSBase(src string) (string, error) {
	u, err := url.Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse source url: %w", err)
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
	path := u.Path
	if i := strings.LastIndex(path, "/ws"); i >= 0 {
		path = path[:i]
	}
	return u.Scheme + "://" + u.Host + path + "/hls/", nil
}

// MP4 requests whole MP4 fragments and exposes the latest one.
type MP4 struct {
	push
	opts     Options
	snapshot *media.Snapshot
}

func NewMP4(opts Options) *MP4 {
	return &MP4{
		push:     push{kind: domain.TransportMP4},
		opts:     opts,
		snapshot: media.NewSnapshot(domain.TransportMP4, "video/mp4"),
	}
}

func (t *MP4) Start(ch domain.Channel, l domain.Listener) error {
	return t.start(ch, l, domain.Message{Type: domain.MsgMP4, Value: t.opts.codecList()})
}

func (t *MP4) HandleMessage(msg domain.Message) { t.gatewayError(msg) }

func (t *MP4) HandleBinary(data []byte) {
	if !t.active() {
		return
	}
	if !validBoxHeader(data) {
		t.fail(fmt.Errorf("invalid mp4 fragment (%d bytes)", len(data)))
		return
	}
	t.snapshot.Update(data)
	t.goLive(t.snapshot)
}

func (t *MP4) Stop() {
	t.push.Stop()
	if !t.isLive() {
		t.snapshot.Release()
	}
}

// MJPEG requests JPEG frames.
type MJPEG struct {
	push
	snapshot *media.Snapshot
}

func NewMJPEG(Options) *MJPEG {
	return &MJPEG{
		push:     push{kind: domain.TransportMJPEG},
		snapshot: media.NewSnapshot(domain.TransportMJPEG, "image/jpeg"),
	}
}

func (t *MJPEG) Start(ch domain.Channel, l domain.Listener) error {
	return t.start(ch, l, domain.Message{Type: domain.MsgMJPEG})
}

func (t *MJPEG) HandleMessage(msg domain.Message) { t.gatewayError(msg) }

func (t *MJPEG) HandleBinary(data []byte) {
	if !t.active() {
		return
	}
	if _, err := jpeg.DecodeConfig(bytes.NewReader(data)); err != nil {
		t.fail(fmt.Errorf("decode jpeg: %w", err))
		return
	}
	t.snapshot.Update(data)
	t.goLive(t.snapshot)
}

func (t *MJPEG) Stop() {
	t.push.Stop()
	if !t.isLive() {
		t.snapshot.Release()
	}
}
