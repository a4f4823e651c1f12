package webrtc

import (
	"fmt"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"

	"hadash/camfeed/internal/domain"
	"hadash/camfeed/internal/util"
)

var log = util.Named("webrtc")

// DefaultICEServers are the STUN servers used when none are configured.
var DefaultICEServers = []string{
	"stun:stun.cloudflare.com:3478",
	"stun:stun.l.google.com:19302",
}

// Config is the fixed peer connection configuration for a client.
type Config struct {
	ICEServers []string
}

// Peer wraps a pion PeerConnection as a receive-only domain.Peer.
type Peer struct {
	pc *pion.PeerConnection
}

// NewFactory returns a domain.PeerFactory building peers from cfg.
func NewFactory(cfg Config) domain.PeerFactory {
	return func() (domain.Peer, error) {
		return NewPeer(cfg)
	}
}

// NewPeer creates a PeerConnection with the default codecs, NACK generation
// and RTCP receiver reports.
func NewPeer(cfg Config) (*Peer, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack"}, pion.RTPCodecTypeVideo)
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack", Parameter: "pli"}, pion.RTPCodecTypeVideo)

	i := &interceptor.Registry{}
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generator)
	if err := pion.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	)

	servers := cfg.ICEServers
	if len(servers) == 0 {
		servers = DefaultICEServers
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   []pion.ICEServer{{URLs: servers}},
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		log.Debug("ICE connection state", "state", state.String())
	})

	return &Peer{pc: pc}, nil
}

// AddTransceiver adds a recvonly transceiver for kind.
func (p *Peer) AddTransceiver(kind domain.MediaKind) error {
	codecType := pion.RTPCodecTypeVideo
	if kind == domain.MediaAudio {
		codecType = pion.RTPCodecTypeAudio
	}
	_, err := p.pc.AddTransceiverFromKind(codecType, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("add %s transceiver: %w", kind, err)
	}
	return nil
}

// OnICECandidate forwards local candidates; loopback candidates are dropped.
func (p *Peer) OnICECandidate(send func(candidate string)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			log.Debug("ICE gathering complete")
			send("")
			return
		}
		candidate := c.ToJSON().Candidate
		if isLoopback(candidate) {
			log.Debug("filtering loopback ICE candidate")
			return
		}
		send(candidate)
	})
}

// OnTrack reports every remote track.
func (p *Peer) OnTrack(fn func(domain.RemoteTrack)) {
	p.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		codec := track.Codec()
		log.Info("got track", "kind", track.Kind().String(), "codec", codec.MimeType, "pt", codec.PayloadType)
		fn(&remoteTrack{track: track})
	})
}

// OnStateChange reports peer connection state transitions.
func (p *Peer) OnStateChange(fn func(domain.PeerState)) {
	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Debug("peer connection state", "state", state.String())
		fn(peerState(state))
	})
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

// SetAnswer applies the gateway's answer as the remote description.
func (p *Peer) SetAnswer(sdp string) error {
	answer := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// AddICECandidate adds a remote candidate on the bundled media section.
func (p *Peer) AddICECandidate(candidate string) error {
	mid := "0"
	if err := p.pc.AddICECandidate(pion.ICECandidateInit{Candidate: candidate, SDPMid: &mid}); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Close shuts the PeerConnection down.
func (p *Peer) Close() error {
	return p.pc.Close()
}

func peerState(s pion.PeerConnectionState) domain.PeerState {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return domain.PeerConnecting
	case pion.PeerConnectionStateConnected:
		return domain.PeerConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.PeerDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.PeerFailed
	case pion.PeerConnectionStateClosed:
		return domain.PeerClosed
	default:
		return domain.PeerNew
	}
}

type remoteTrack struct {
	track *pion.TrackRemote
}

func (t *remoteTrack) ID() string       { return t.track.ID() }
func (t *remoteTrack) StreamID() string { return t.track.StreamID() }
func (t *remoteTrack) MimeType() string { return t.track.Codec().MimeType }

func (t *remoteTrack) Kind() domain.MediaKind {
	if t.track.Kind() == pion.RTPCodecTypeAudio {
		return domain.MediaAudio
	}
	return domain.MediaVideo
}

func (t *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
