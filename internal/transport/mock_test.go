package transport

import (
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"

	"hadash/camfeed/internal/domain"
)

const testAnswer = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:96 H264/90000\r\n"

// mockChannel records sent frames.
type mockChannel struct {
	mu     sync.Mutex
	sent   []domain.Message
	closed bool
}

func (c *mockChannel) Send(msg domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrChannelClosed
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *mockChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *mockChannel) messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.sent...)
}

// mockPeer records calls and exposes the registered callbacks.
type mockPeer struct {
	mu           sync.Mutex
	calls        []string
	transceivers []domain.MediaKind
	remote       []string
	answer       string
	closed       int

	onCandidate func(string)
	onTrack     func(domain.RemoteTrack)
	onState     func(domain.PeerState)
}

func (p *mockPeer) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

func (p *mockPeer) AddTransceiver(kind domain.MediaKind) error {
	p.record("transceiver:" + string(kind))
	p.mu.Lock()
	p.transceivers = append(p.transceivers, kind)
	p.mu.Unlock()
	return nil
}

func (p *mockPeer) OnICECandidate(fn func(string))          { p.onCandidate = fn }
func (p *mockPeer) OnTrack(fn func(domain.RemoteTrack))     { p.onTrack = fn }
func (p *mockPeer) OnStateChange(fn func(domain.PeerState)) { p.onState = fn }

func (p *mockPeer) CreateOffer() (string, error) {
	p.record("offer")
	return "v=0\r\noffer", nil
}

func (p *mockPeer) SetAnswer(sdp string) error {
	p.record("answer")
	p.mu.Lock()
	p.answer = sdp
	p.mu.Unlock()
	return nil
}

func (p *mockPeer) AddICECandidate(c string) error {
	p.record("candidate")
	p.mu.Lock()
	p.remote = append(p.remote, c)
	p.mu.Unlock()
	return nil
}

func (p *mockPeer) Close() error {
	p.mu.Lock()
	p.closed++
	fn := p.onState
	p.mu.Unlock()
	// pion reports Closed synchronously from Close.
	if fn != nil {
		fn(domain.PeerClosed)
	}
	return nil
}

func (p *mockPeer) callLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *mockPeer) remoteCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.remote...)
}

type mockTrack struct {
	id   string
	kind domain.MediaKind
}

func (t *mockTrack) ID() string                    { return t.id }
func (t *mockTrack) StreamID() string              { return "camera" }
func (t *mockTrack) Kind() domain.MediaKind        { return t.kind }
func (t *mockTrack) MimeType() string              { return "video/H264" }
func (t *mockTrack) ReadRTP() (*rtp.Packet, error) { return nil, io.EOF }

// recorder is a domain.Listener that buffers every signal.
type recorder struct {
	live   chan domain.MediaHandle
	failed chan error
	lost   chan error
}

func newRecorder() *recorder {
	return &recorder{
		live:   make(chan domain.MediaHandle, 4),
		failed: make(chan error, 4),
		lost:   make(chan error, 4),
	}
}

func (r *recorder) Live(h domain.MediaHandle) { r.live <- h }
func (r *recorder) Failed(err error)          { r.failed <- err }
func (r *recorder) Lost(err error)            { r.lost <- err }

func (r *recorder) quiet() bool {
	select {
	case <-r.live:
		return false
	case <-r.failed:
		return false
	case <-r.lost:
		return false
	case <-time.After(50 * time.Millisecond):
		return true
	}
}
