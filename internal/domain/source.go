package domain

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a Session.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusNegotiating
	StatusLive
	StatusDisconnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusNegotiating:
		return "negotiating"
	case StatusLive:
		return "live"
	case StatusDisconnected:
		return "disconnected"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// TransportKind names a media delivery mechanism offered by the gateway.
type TransportKind string

const (
	TransportNone   TransportKind = ""
	TransportWebRTC TransportKind = "webrtc"
	TransportMSE    TransportKind = "mse"
	TransportHLS    TransportKind = "hls"
	TransportMP4    TransportKind = "mp4"
	TransportMJPEG  TransportKind = "mjpeg"
)

// DefaultModes is the preference order used when none is configured.
const DefaultModes = "webrtc,mse,hls,mp4,mjpeg"

// MediaKind is a requested media line.
type MediaKind string

const (
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// DefaultMedia requests both video and audio.
const DefaultMedia = "video,audio"

// SourceDescriptor identifies one logical camera and how to reach it.
type SourceDescriptor struct {
	Name  string
	URL   string // signaling WebSocket of the gateway
	Proxy string // optional proxy WebSocket; URL is passed as ?target=
	Media []MediaKind
	Modes []TransportKind

	// TCPOnly drops UDP ICE candidates (mode token "webrtc/tcp").
	TCPOnly bool
}

// Wants reports whether kind was requested.
func (d SourceDescriptor) Wants(kind MediaKind) bool {
	for _, k := range d.Media {
		if k == kind {
			return true
		}
	}
	return false
}

// ParseModes parses a comma separated preference list such as
// "webrtc,mse,hls,mp4,mjpeg". Order is preserved and duplicates are dropped.
// The token "webrtc/tcp" selects WebRTC and sets tcpOnly.
func ParseModes(s string) (modes []TransportKind, tcpOnly bool, err error) {
	seen := make(map[TransportKind]bool)
	for _, tok := range strings.Split(s, ",") {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		kind := TransportKind(tok)
		switch kind {
		case TransportWebRTC, TransportMSE, TransportHLS, TransportMP4, TransportMJPEG:
		case "webrtc/tcp":
			kind = TransportWebRTC
			tcpOnly = true
		default:
			return nil, false, fmt.Errorf("unknown transport %q", tok)
		}
		if !seen[kind] {
			seen[kind] = true
			modes = append(modes, kind)
		}
	}
	if len(modes) == 0 {
		return nil, false, fmt.Errorf("empty transport list")
	}
	return modes, tcpOnly, nil
}

// ParseMedia parses "video", "audio" or "video,audio".
func ParseMedia(s string) ([]MediaKind, error) {
	var kinds []MediaKind
	for _, tok := range strings.Split(s, ",") {
		switch MediaKind(strings.ToLower(strings.TrimSpace(tok))) {
		case MediaVideo:
			kinds = append(kinds, MediaVideo)
		case MediaAudio:
			kinds = append(kinds, MediaAudio)
		case "":
		default:
			return nil, fmt.Errorf("unknown media kind %q", tok)
		}
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("no media kind requested")
	}
	return kinds, nil
}
