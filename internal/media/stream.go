package media

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"hadash/camfeed/internal/domain"
	"hadash/camfeed/internal/webrtc"
)

// Stream is the MediaHandle of a WebRTC session: the set of remote tracks
// that arrived on one peer connection.
type Stream struct {
	handle

	mu       sync.Mutex
	tracks   []domain.RemoteTrack
	attached bool
	draining map[string]bool
}

// NewStream builds a Stream around its first track.
func NewStream(first domain.RemoteTrack) *Stream {
	s := &Stream{
		handle:   newHandle(domain.TransportWebRTC),
		draining: make(map[string]bool),
	}
	s.AddTrack(first)
	return s
}

// AddTrack joins a later track to the stream. Audio tracks are drained so
// the receiver buffers do not back up.
func (s *Stream) AddTrack(t domain.RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
	if t.Kind() == domain.MediaAudio && !s.draining[t.ID()] {
		s.draining[t.ID()] = true
		go s.drain(t)
	}
}

// Tracks returns a copy of the current track list.
func (s *Stream) Tracks() []domain.RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RemoteTrack(nil), s.tracks...)
}

func (s *Stream) URL() string {
	if s.isReleased() {
		return ""
	}
	return "stream:" + s.id
}

// Attach writes the H264 video track to w as an Annex-B elementary stream.
// Only one Attach may run at a time. It returns after the next packet once
// ctx is done, or when the track ends.
func (s *Stream) Attach(ctx context.Context, w io.Writer) error {
	video, err := s.claimVideo()
	if err != nil {
		return err
	}
	defer func() {
		s.mu.Lock()
		s.attached = false
		s.mu.Unlock()
	}()

	depack := webrtc.NewH264Depacketizer()
	var buf []byte
	for {
		if ctx.Err() != nil || s.isReleased() {
			return nil
		}
		pkt, err := video.ReadRTP()
		if err != nil {
			if s.isReleased() {
				return nil
			}
			return fmt.Errorf("read video track: %w", err)
		}
		buf = depack.AppendAnnexB(buf[:0], pkt.SequenceNumber, pkt.Payload)
		if len(buf) == 0 {
			continue
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
}

func (s *Stream) claimVideo() (domain.RemoteTrack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return nil, ErrAttached
	}
	for _, t := range s.tracks {
		if t.Kind() != domain.MediaVideo {
			continue
		}
		if !strings.EqualFold(t.MimeType(), "video/H264") {
			return nil, fmt.Errorf("unsupported video codec %s", t.MimeType())
		}
		s.attached = true
		return t, nil
	}
	return nil, fmt.Errorf("stream has no video track")
}

func (s *Stream) drain(t domain.RemoteTrack) {
	for {
		if _, err := t.ReadRTP(); err != nil {
			return
		}
		if s.isReleased() {
			return
		}
	}
}
