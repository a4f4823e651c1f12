// Package media implements the MediaHandle variants a Session can expose:
// a live track stream for WebRTC and derived playable sources for the
// fallback transports.
package media

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"hadash/camfeed/internal/domain"
	"hadash/camfeed/internal/util"
)

var log = util.Named("media")

var (
	_ domain.MediaHandle = (*Stream)(nil)
	_ domain.MediaHandle = (*SegmentSource)(nil)
	_ domain.MediaHandle = (*Snapshot)(nil)
	_ domain.MediaHandle = (*Playlist)(nil)
)

// ErrAttached is returned when a second Attach runs on a single-reader handle.
var ErrAttached = errors.New("media: handle already attached")

// handle carries identity and release state shared by every variant.
type handle struct {
	id        string
	transport domain.TransportKind

	releaseOnce sync.Once
	released    chan struct{}
	onRelease   func()
}

func newHandle(kind domain.TransportKind) handle {
	return handle{
		id:        uuid.NewString(),
		transport: kind,
		released:  make(chan struct{}),
	}
}

func (h *handle) ID() string                      { return h.id }
func (h *handle) Transport() domain.TransportKind { return h.transport }

// Done is closed once the handle is released.
func (h *handle) Done() <-chan struct{} { return h.released }

func (h *handle) isReleased() bool {
	select {
	case <-h.released:
		return true
	default:
		return false
	}
}

// Release is idempotent.
func (h *handle) Release() {
	h.releaseOnce.Do(func() {
		close(h.released)
		if h.onRelease != nil {
			h.onRelease()
		}
		log.Debug("handle released", "id", h.id, "transport", string(h.transport))
	})
}
