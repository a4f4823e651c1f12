package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"

	"hadash/camfeed/internal/domain"
	"hadash/camfeed/internal/webrtc"
)

// syncBuffer is a bytes.Buffer safe for a concurrent Attach.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSegmentSource_Window(t *testing.T) {
	s := NewSegmentSource("video/mp4; codecs=\"avc1.640029\"", 10)
	s.Push([]byte("INIT"))
	s.Push([]byte("aaaa"))
	s.Push([]byte("bbbb"))
	s.Push([]byte("cccc"))

	if got := s.Buffered(); got != 8 {
		t.Errorf("Buffered = %d, want 8 (oldest segment trimmed)", got)
	}

	var buf syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Attach(ctx, &buf); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "INITbbbbcccc" {
		t.Errorf("backlog = %q", got)
	}
}

func TestSegmentSource_OversizedSegmentKept(t *testing.T) {
	s := NewSegmentSource("", 4)
	s.Push([]byte("INIT"))
	s.Push([]byte("0123456789"))
	if s.Buffered() != 10 {
		t.Errorf("Buffered = %d, the newest segment must survive the trim", s.Buffered())
	}
}

func TestSegmentSource_FollowAndRelease(t *testing.T) {
	s := NewSegmentSource("mp4a.40.2", 0)
	if !strings.HasPrefix(s.URL(), "blob:") {
		t.Errorf("URL = %q", s.URL())
	}
	s.Push([]byte("INIT"))

	var buf syncBuffer
	done := make(chan error, 1)
	go func() { done <- s.Attach(context.Background(), &buf) }()

	waitFor(t, "init segment", func() bool { return buf.String() == "INIT" })
	s.Push([]byte("seg1"))
	waitFor(t, "live segment", func() bool { return buf.String() == "INITseg1" })

	s.Release()
	s.Release()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Attach = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Attach did not return after Release")
	}
	if s.URL() != "" || s.Buffered() != 0 {
		t.Errorf("after release URL=%q buffered=%d", s.URL(), s.Buffered())
	}
	s.Push([]byte("late"))
	if s.Buffered() != 0 {
		t.Error("push after release was buffered")
	}
}

func TestSnapshot(t *testing.T) {
	s := NewSnapshot(domain.TransportMJPEG, "image/jpeg")
	if s.URL() != "" {
		t.Error("URL before first frame")
	}
	if s.ID() == "" || s.Transport() != domain.TransportMJPEG {
		t.Errorf("identity = %q %q", s.ID(), s.Transport())
	}

	s.Update([]byte{0xff, 0xd8, 0xff})
	want := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0xff})
	if s.URL() != want {
		t.Errorf("URL = %q", s.URL())
	}

	var buf syncBuffer
	done := make(chan error, 1)
	go func() { done <- s.Attach(context.Background(), &buf) }()
	waitFor(t, "first frame", func() bool { return buf.String() == "\xff\xd8\xff" })

	s.Update([]byte("next"))
	waitFor(t, "second frame", func() bool { return strings.HasSuffix(buf.String(), "next") })
	if s.Frames() != 2 {
		t.Errorf("Frames = %d", s.Frames())
	}

	s.Release()
	<-done
	s.Update([]byte("late"))
	if s.Frames() != 2 || s.URL() != "" {
		t.Error("snapshot changed after release")
	}
}

func TestPlaylist(t *testing.T) {
	text := "#EXTM3U\n#EXT-X-VERSION:6\nhttp://gw/api/hls/segment.m4s?id=1\n"
	p := NewPlaylist(text)

	data := strings.TrimPrefix(p.URL(), "data:application/vnd.apple.mpegurl;base64,")
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil || string(decoded) != text {
		t.Errorf("URL payload = %q, %v", decoded, err)
	}

	var buf syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Attach(ctx, &buf); err != nil || buf.String() != text {
		t.Errorf("Attach = %v, wrote %q", err, buf.String())
	}

	p.Release()
	if p.URL() != "" {
		t.Error("URL after release")
	}
	if err := p.Attach(context.Background(), &buf); err == nil {
		t.Error("Attach after release succeeded")
	}
}

// fakeTrack replays packets, then reports io.EOF.
type fakeTrack struct {
	id, mime string
	kind     domain.MediaKind
	packets  chan *rtp.Packet
}

func newFakeTrack(id string, kind domain.MediaKind, mime string, payloads ...[]byte) *fakeTrack {
	t := &fakeTrack{id: id, kind: kind, mime: mime, packets: make(chan *rtp.Packet, len(payloads))}
	for i, p := range payloads {
		t.packets <- &rtp.Packet{Header: rtp.Header{SequenceNumber: uint16(i)}, Payload: p}
	}
	close(t.packets)
	return t
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) StreamID() string       { return "camera" }
func (t *fakeTrack) Kind() domain.MediaKind { return t.kind }
func (t *fakeTrack) MimeType() string       { return t.mime }

func (t *fakeTrack) ReadRTP() (*rtp.Packet, error) {
	p, ok := <-t.packets
	if !ok {
		return nil, io.EOF
	}
	return p, nil
}

func TestStream_AttachWritesAnnexB(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1f}
	idr := []byte{0x65, 0x88, 0x84}
	s := NewStream(newFakeTrack("audio", domain.MediaAudio, "audio/opus", []byte{1}))
	s.AddTrack(newFakeTrack("video", domain.MediaVideo, "video/H264", sps, idr))

	if len(s.Tracks()) != 2 || !strings.HasPrefix(s.URL(), "stream:") {
		t.Fatalf("tracks=%d url=%q", len(s.Tracks()), s.URL())
	}

	var buf syncBuffer
	err := s.Attach(context.Background(), &buf)
	if err == nil {
		t.Error("expected end-of-track error")
	}
	sc := string(webrtc.StartCode)
	want := sc + string(sps) + sc + string(idr)
	if buf.String() != want {
		t.Errorf("wrote % x", buf.String())
	}
}

func TestStream_RejectsNonH264(t *testing.T) {
	s := NewStream(newFakeTrack("video", domain.MediaVideo, "video/VP8"))
	if err := s.Attach(context.Background(), io.Discard); err == nil {
		t.Error("VP8 track attached")
	}
	s.Release()
	if s.URL() != "" {
		t.Error("URL after release")
	}
}
