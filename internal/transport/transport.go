// Package transport implements the delivery mechanisms a negotiator can try
// over an open signaling channel: WebRTC first, then the push-based
// fallbacks (MSE, HLS, MP4, MJPEG). Transports never retry on their own;
// every outcome is reported to the domain.Listener exactly once.
package transport

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"hadash/camfeed/internal/domain"
	"hadash/camfeed/internal/util"
)

var log = util.Named("transport")

// DefaultCodecs is the codec list offered to the gateway.
var DefaultCodecs = []string{
	"avc1.640029",
	"avc1.64002A",
	"avc1.640033",
	"hvc1.1.6.L153.B0",
	"mp4a.40.2",
	"mp4a.40.5",
	"flac",
	"opus",
}

// DefaultConnectTimeout bounds WebRTC establishment until the first track.
const DefaultConnectTimeout = 10 * time.Second

// Options configures every transport built by a Factory.
type Options struct {
	Media []domain.MediaKind
	// SourceURL is the gateway signaling URL, used to resolve HLS segments.
	SourceURL string
	Codecs    []string
	// ConnectTimeout for WebRTC; zero disables it.
	ConnectTimeout time.Duration
	TCPOnly        bool
	NewPeer        domain.PeerFactory
	// SegmentLimit caps the MSE live window in bytes.
	SegmentLimit int
}

func (o Options) codecList() string {
	codecs := o.Codecs
	if len(codecs) == 0 {
		codecs = DefaultCodecs
	}
	return strings.Join(codecs, ",")
}

// Factory builds transports by kind.
type Factory struct {
	Options Options
}

// New returns a fresh, unstarted transport of the given kind.
func (f *Factory) New(kind domain.TransportKind) (domain.Transport, error) {
	switch kind {
	case domain.TransportWebRTC:
		if f.Options.NewPeer == nil {
			return nil, fmt.Errorf("webrtc: no peer factory configured")
		}
		return NewWebRTC(f.Options), nil
	case domain.TransportMSE:
		return NewMSE(f.Options), nil
	case domain.TransportHLS:
		return NewHLS(f.Options), nil
	case domain.TransportMP4:
		return NewMP4(f.Options), nil
	case domain.TransportMJPEG:
		return NewMJPEG(f.Options), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

func negotiationError(kind domain.TransportKind, format string, args ...any) error {
	return domain.NewError(domain.ErrNegotiation, kind, fmt.Errorf(format, args...))
}

// validBoxHeader reports whether data starts with an ISO-BMFF box header:
// a 32-bit size of at least 8 (or 1 for a 64-bit size) and a printable type.
func validBoxHeader(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	size := binary.BigEndian.Uint32(data[:4])
	if size != 1 && size < 8 {
		return false
	}
	for _, c := range data[4:8] {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
