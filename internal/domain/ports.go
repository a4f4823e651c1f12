package domain

import (
	"context"
	"io"

	"github.com/pion/rtp"
)

// Channel is an open signaling socket to the gateway.
type Channel interface {
	// Send writes msg as a JSON text frame. It returns ErrChannelClosed once
	// the socket is closed.
	Send(msg Message) error
	// Close is idempotent.
	Close() error
}

// ChannelHandler receives signaling events in arrival order.
type ChannelHandler interface {
	OnText(msg Message)
	OnBinary(data []byte)
	// OnError reports a frame that could not be decoded. The socket stays up.
	OnError(err error)
	// OnClose fires once when the remote side or the network ends the socket.
	// It does not fire for a local Close.
	OnClose(err error)
}

// Dialer opens signaling channels.
type Dialer interface {
	Dial(ctx context.Context, url string, h ChannelHandler) (Channel, error)
}

// PeerState mirrors the peer connection state machine.
type PeerState int

const (
	PeerNew PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RemoteTrack is one incoming media track.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() MediaKind
	MimeType() string
	ReadRTP() (*rtp.Packet, error)
}

// Peer manages one receive-only peer connection.
type Peer interface {
	// AddTransceiver adds a receive-only transceiver. Call before CreateOffer.
	AddTransceiver(kind MediaKind) error
	// OnICECandidate registers the local candidate callback; an empty
	// candidate marks the end of gathering.
	OnICECandidate(send func(candidate string))
	OnTrack(fn func(RemoteTrack))
	OnStateChange(fn func(PeerState))
	// CreateOffer creates an offer, applies it locally and returns its SDP.
	CreateOffer() (string, error)
	SetAnswer(sdp string) error
	AddICECandidate(candidate string) error
	Close() error
}

// PeerFactory builds a fresh Peer for each WebRTC attempt.
type PeerFactory func() (Peer, error)

// MediaHandle is what a UI (or the CLI) renders. Exactly one is active per
// Session; Release invalidates it.
type MediaHandle interface {
	ID() string
	Transport() TransportKind
	// URL is a playable reference: stream:, blob: or data: scheme.
	// It is empty after Release.
	URL() string
	// Attach copies media to w until ctx ends, the handle is released or a
	// write fails.
	Attach(ctx context.Context, w io.Writer) error
	// Release stops tracks and revokes URLs. Safe to call more than once.
	Release()
}

// Listener receives a transport's lifecycle signals.
type Listener interface {
	Live(h MediaHandle)
	// Failed reports a failure before Live.
	Failed(err error)
	// Lost reports a failure after Live.
	Lost(err error)
}

// Transport is one delivery mechanism attempted over an open Channel.
type Transport interface {
	Kind() TransportKind
	Start(ch Channel, l Listener) error
	HandleMessage(msg Message)
	HandleBinary(data []byte)
	// Stop releases everything the transport holds except a handle already
	// reported Live, which belongs to the Session.
	Stop()
}
