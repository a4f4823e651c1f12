package media

import (
	"context"
	"encoding/base64"
	"io"
	"sync"

	"hadash/camfeed/internal/domain"
)

// Snapshot is the MediaHandle of the MP4 and MJPEG transports: the latest
// complete frame, exposed as a data URI.
type Snapshot struct {
	handle

	mime string

	mu      sync.Mutex
	latest  []byte
	frames  int
	updated chan struct{} // closed and replaced on every Update
}

// NewSnapshot creates an empty snapshot for frames of the given MIME type.
func NewSnapshot(kind domain.TransportKind, mime string) *Snapshot {
	return &Snapshot{
		handle:  newHandle(kind),
		mime:    mime,
		updated: make(chan struct{}),
	}
}

// Update replaces the current frame.
func (s *Snapshot) Update(frame []byte) {
	if s.isReleased() {
		return
	}
	s.mu.Lock()
	s.latest = append([]byte(nil), frame...)
	s.frames++
	close(s.updated)
	s.updated = make(chan struct{})
	s.mu.Unlock()
}

// Frames is the number of frames received so far.
func (s *Snapshot) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Latest returns the current frame bytes.
func (s *Snapshot) Latest() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// URL returns the current frame as data:<mime>;base64,...
func (s *Snapshot) URL() string {
	if s.isReleased() {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return ""
	}
	return "data:" + s.mime + ";base64," + base64.StdEncoding.EncodeToString(s.latest)
}

// Attach writes the current frame and every later one to w.
func (s *Snapshot) Attach(ctx context.Context, w io.Writer) error {
	last := 0
	for {
		s.mu.Lock()
		frame, n, wait := s.latest, s.frames, s.updated
		s.mu.Unlock()

		if n != last && frame != nil {
			if _, err := w.Write(frame); err != nil {
				return err
			}
			last = n
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.released:
			return nil
		case <-wait:
		}
	}
}
