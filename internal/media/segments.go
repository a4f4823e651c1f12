package media

import (
	"context"
	"io"
	"sync"

	"hadash/camfeed/internal/domain"
)

// DefaultSegmentLimit caps the buffered live window of a SegmentSource.
const DefaultSegmentLimit = 2 * 1024 * 1024

const subscriberQueue = 64

// SegmentSource is the MediaHandle of an MSE session: an fMP4 init segment
// followed by a bounded window of media segments, addressable through a
// blob object URL until released.
type SegmentSource struct {
	handle

	codec string
	limit int

	mu          sync.Mutex
	init        []byte
	window      [][]byte
	windowBytes int
	subs        map[int]chan []byte
	nextSub     int
}

// NewSegmentSource creates a source for the container/codec string chosen
// by the gateway. limit <= 0 uses DefaultSegmentLimit.
func NewSegmentSource(codec string, limit int) *SegmentSource {
	if limit <= 0 {
		limit = DefaultSegmentLimit
	}
	s := &SegmentSource{
		handle: newHandle(domain.TransportMSE),
		codec:  codec,
		limit:  limit,
		subs:   make(map[int]chan []byte),
	}
	s.onRelease = s.closeSubscribers
	return s
}

// Codec is the gateway's chosen MIME/codec string.
func (s *SegmentSource) Codec() string { return s.codec }

// URL is the object URL of the source; empty once revoked.
func (s *SegmentSource) URL() string {
	if s.isReleased() {
		return ""
	}
	return "blob:camfeed/" + s.id
}

// Push appends one segment. The first segment is kept as the init segment;
// later ones form the live window, oldest dropped first beyond the limit.
func (s *SegmentSource) Push(seg []byte) {
	if s.isReleased() {
		return
	}
	data := append([]byte(nil), seg...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.init == nil {
		s.init = data
	} else {
		s.window = append(s.window, data)
		s.windowBytes += len(data)
		for s.windowBytes > s.limit && len(s.window) > 1 {
			s.windowBytes -= len(s.window[0])
			s.window[0] = nil
			s.window = s.window[1:]
		}
	}

	for id, ch := range s.subs {
		select {
		case ch <- data:
		default:
			log.Warn("segment subscriber lagging, dropping segment", "handle", s.id, "subscriber", id)
		}
	}
}

// Buffered returns the number of bytes held in the live window.
func (s *SegmentSource) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windowBytes
}

// Attach writes the init segment and buffered window, then follows new
// segments until ctx is done or the source is released.
func (s *SegmentSource) Attach(ctx context.Context, w io.Writer) error {
	s.mu.Lock()
	backlog := make([][]byte, 0, len(s.window)+1)
	if s.init != nil {
		backlog = append(backlog, s.init)
	}
	backlog = append(backlog, s.window...)
	id := s.nextSub
	s.nextSub++
	ch := make(chan []byte, subscriberQueue)
	if !s.isReleased() {
		s.subs[id] = ch
	} else {
		close(ch)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}()

	for _, seg := range backlog {
		if _, err := w.Write(seg); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case seg, ok := <-ch:
			if !ok {
				return nil
			}
			if _, err := w.Write(seg); err != nil {
				return err
			}
		}
	}
}

func (s *SegmentSource) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.window = nil
	s.windowBytes = 0
}
