package media

import (
	"context"
	"encoding/base64"
	"io"
	"io/fs"

	"hadash/camfeed/internal/domain"
)

const hlsMIME = "application/vnd.apple.mpegurl"

// Playlist is the MediaHandle of the HLS transport: a rewritten playlist
// served as a data URI. Segments are fetched by the player, not by us.
type Playlist struct {
	handle
	text string
}

// NewPlaylist wraps playlist text whose segment URLs are already absolute.
func NewPlaylist(text string) *Playlist {
	return &Playlist{handle: newHandle(domain.TransportHLS), text: text}
}

// Text is the rewritten playlist.
func (p *Playlist) Text() string { return p.text }

func (p *Playlist) URL() string {
	if p.isReleased() {
		return ""
	}
	return "data:" + hlsMIME + ";base64," + base64.StdEncoding.EncodeToString([]byte(p.text))
}

// Attach writes the playlist once and waits until ctx ends or release.
func (p *Playlist) Attach(ctx context.Context, w io.Writer) error {
	if p.isReleased() {
		return fs.ErrClosed
	}
	if _, err := io.WriteString(w, p.text); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-p.released:
	}
	return nil
}
