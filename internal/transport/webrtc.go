package transport

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/sdp/v3"

	"hadash/camfeed/internal/domain"
	"hadash/camfeed/internal/media"
)

type webrtcState int

const (
	stateCreated webrtcState = iota
	stateOfferSent
	stateAnswerApplied
	stateConnected
	stateClosed
	stateFailed
)

func (s webrtcState) String() string {
	return [...]string{"created", "offer-sent", "answer-applied", "connected", "closed", "failed"}[s]
}

// WebRTC negotiates one receive-only peer connection over the signaling
// channel: Created -> OfferSent -> AnswerApplied -> Connected -> Closed|Failed.
// ICE candidates flow in both directions in any order relative to the answer.
type WebRTC struct {
	opts Options

	mu        sync.Mutex
	state     webrtcState
	peer      domain.Peer
	ch        domain.Channel
	l         domain.Listener
	pending   []string // remote candidates received before the answer
	stream    *media.Stream
	connected bool
	done      bool // an outcome was reported or Stop was called
	timer     *time.Timer
}

// NewWebRTC returns an unstarted WebRTC transport.
func NewWebRTC(opts Options) *WebRTC {
	return &WebRTC{opts: opts}
}

func (t *WebRTC) Kind() domain.TransportKind { return domain.TransportWebRTC }

// State returns the current negotiation state.
func (t *WebRTC) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.String()
}

// Start builds the peer, adds one recvonly transceiver per requested media
// kind, then creates and sends the offer.
func (t *WebRTC) Start(ch domain.Channel, l domain.Listener) error {
	peer, err := t.opts.NewPeer()
	if err != nil {
		return negotiationError(domain.TransportWebRTC, "create peer: %w", err)
	}

	t.mu.Lock()
	t.peer = peer
	t.ch = ch
	t.l = l
	t.mu.Unlock()

	// Transceivers must exist before the offer or the gateway cannot
	// answer with matching media lines.
	for _, kind := range t.opts.Media {
		if err := peer.AddTransceiver(kind); err != nil {
			return negotiationError(domain.TransportWebRTC, "%w", err)
		}
	}

	peer.OnICECandidate(t.sendCandidate)
	peer.OnTrack(t.onTrack)
	peer.OnStateChange(t.onState)

	offer, err := peer.CreateOffer()
	if err != nil {
		return negotiationError(domain.TransportWebRTC, "%w", err)
	}
	if err := ch.Send(domain.Message{Type: domain.MsgWebRTCOffer, Value: offer}); err != nil {
		return domain.NewError(domain.ErrSignaling, domain.TransportWebRTC, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	if t.state == stateCreated {
		t.state = stateOfferSent
	}
	if t.opts.ConnectTimeout > 0 && t.stream == nil {
		t.timer = time.AfterFunc(t.opts.ConnectTimeout, t.onTimeout)
	}
	log.Debug("offer sent", "transceivers", len(t.opts.Media))
	return nil
}

// HandleMessage consumes answer, candidate and error frames.
func (t *WebRTC) HandleMessage(msg domain.Message) {
	switch msg.Type {
	case domain.MsgWebRTCAnswer:
		t.applyAnswer(msg.Value)

	case domain.MsgWebRTCCandidate:
		t.addRemoteCandidate(msg.Value)

	case domain.MsgError:
		if strings.Contains(msg.Value, domain.MsgWebRTCOffer) {
			t.fail(negotiationError(domain.TransportWebRTC, "gateway rejected offer: %s", msg.Value))
		}
	}
}

// HandleBinary ignores binary frames; media flows over the peer connection.
func (t *WebRTC) HandleBinary([]byte) {}

// Stop closes the peer connection. Safe to call more than once.
func (t *WebRTC) Stop() {
	t.mu.Lock()
	t.done = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	peer := t.peer
	t.peer = nil
	if t.state != stateFailed {
		t.state = stateClosed
	}
	t.mu.Unlock()

	// Close may re-enter onState synchronously; done is already set.
	if peer != nil {
		if err := peer.Close(); err != nil {
			log.Warn("close peer", "error", err)
		}
	}
}

func (t *WebRTC) applyAnswer(answer string) {
	if err := checkAnswer(answer, t.opts.Media); err != nil {
		t.fail(negotiationError(domain.TransportWebRTC, "%w", err))
		return
	}

	t.mu.Lock()
	if t.done || t.peer == nil {
		t.mu.Unlock()
		return
	}
	peer := t.peer
	t.mu.Unlock()

	if err := peer.SetAnswer(answer); err != nil {
		t.fail(negotiationError(domain.TransportWebRTC, "%w", err))
		return
	}

	t.mu.Lock()
	if t.state < stateAnswerApplied {
		t.state = stateAnswerApplied
	}
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, c := range pending {
		if err := peer.AddICECandidate(c); err != nil {
			log.Warn("add buffered ICE candidate", "error", err)
		}
	}
	log.Debug("answer applied", "buffered_candidates", len(pending))
}

func (t *WebRTC) addRemoteCandidate(candidate string) {
	if candidate == "" {
		return
	}
	if t.opts.TCPOnly && isUDPCandidate(candidate) {
		return
	}

	t.mu.Lock()
	if t.done || t.peer == nil {
		t.mu.Unlock()
		return
	}
	if t.state < stateAnswerApplied {
		t.pending = append(t.pending, candidate)
		t.mu.Unlock()
		return
	}
	peer := t.peer
	t.mu.Unlock()

	if err := peer.AddICECandidate(candidate); err != nil {
		log.Warn("add remote ICE candidate", "error", err)
	}
}

func (t *WebRTC) sendCandidate(candidate string) {
	if candidate != "" && t.opts.TCPOnly && isUDPCandidate(candidate) {
		return
	}
	t.mu.Lock()
	ch, done := t.ch, t.done
	t.mu.Unlock()
	if done || ch == nil {
		return
	}
	if err := ch.Send(domain.Message{Type: domain.MsgWebRTCCandidate, Value: candidate}); err != nil {
		log.Debug("send local ICE candidate", "error", err)
	}
}

func (t *WebRTC) onTrack(track domain.RemoteTrack) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	if t.stream != nil {
		t.stream.AddTrack(track)
		t.mu.Unlock()
		return
	}
	t.stream = media.NewStream(track)
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	stream, l := t.stream, t.l
	t.mu.Unlock()

	log.Info("live", "transport", "webrtc", "track", track.ID())
	l.Live(stream)
}

func (t *WebRTC) onState(s domain.PeerState) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	switch s {
	case domain.PeerConnected:
		t.connected = true
		t.state = stateConnected
		t.mu.Unlock()
		return
	case domain.PeerFailed, domain.PeerDisconnected, domain.PeerClosed:
	default:
		t.mu.Unlock()
		return
	}

	wasConnected := t.connected || t.stream != nil
	t.done = true
	t.state = stateFailed
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	l := t.l
	t.mu.Unlock()

	if wasConnected {
		l.Lost(domain.NewError(domain.ErrConnectionLost, domain.TransportWebRTC, fmt.Errorf("peer connection %s", s)))
		return
	}
	l.Failed(negotiationError(domain.TransportWebRTC, "peer connection %s before connecting", s))
}

func (t *WebRTC) onTimeout() {
	t.mu.Lock()
	if t.done || t.stream != nil {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.mu.Unlock()
	t.fail(negotiationError(domain.TransportWebRTC, "no media within %s", t.opts.ConnectTimeout))
}

// fail reports a pre-live failure once.
func (t *WebRTC) fail(err error) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.state = stateFailed
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	l := t.l
	t.mu.Unlock()

	log.Warn("webrtc failed", "error", err)
	if l != nil {
		l.Failed(err)
	}
}

// checkAnswer requires an accepted media section for every requested kind.
func checkAnswer(answer string, kinds []domain.MediaKind) error {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(answer)); err != nil {
		return fmt.Errorf("parse answer: %w", err)
	}
	for _, kind := range kinds {
		found := false
		for _, md := range desc.MediaDescriptions {
			if md.MediaName.Media == string(kind) && md.MediaName.Port.Value != 0 {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("answer has no %s media section", kind)
		}
	}
	return nil
}

func isUDPCandidate(candidate string) bool {
	return strings.Contains(strings.ToLower(candidate), " udp ")
}
