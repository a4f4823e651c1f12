package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"hadash/camfeed/internal/domain"
)

type events struct {
	text   chan domain.Message
	binary chan []byte
	errs   chan error
	closed chan error
}

func newEvents() *events {
	return &events{
		text:   make(chan domain.Message, 8),
		binary: make(chan []byte, 8),
		errs:   make(chan error, 8),
		closed: make(chan error, 1),
	}
}

func (e *events) OnText(msg domain.Message) { e.text <- msg }
func (e *events) OnBinary(data []byte)      { e.binary <- data }
func (e *events) OnError(err error)         { e.errs <- err }
func (e *events) OnClose(err error)         { e.closed <- err }

// gateway runs serve against each upgraded connection.
func gateway(t *testing.T, serve func(*websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, h domain.ChannelHandler) *Channel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, h, Options{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestTargetURL(t *testing.T) {
	src := "ws://gateway:1984/api/ws?src=front"

	got, err := TargetURL(src, "")
	if err != nil || got != src {
		t.Errorf("TargetURL without proxy = %q, %v", got, err)
	}

	got, err = TargetURL(src, "wss://proxy.example/ws")
	if err != nil {
		t.Fatal(err)
	}
	want := "wss://proxy.example/ws?target=ws%3A%2F%2Fgateway%3A1984%2Fapi%2Fws%3Fsrc%3Dfront"
	if got != want {
		t.Errorf("TargetURL = %q, want %q", got, want)
	}

	if _, err := TargetURL(src, "://bad"); err == nil {
		t.Error("bad proxy accepted")
	}
}

func TestChannel_Exchange(t *testing.T) {
	url := gateway(t, func(conn *websocket.Conn) {
		var msg domain.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		conn.WriteJSON(domain.Message{Type: domain.MsgMSE, Value: "echo " + msg.Value})
		conn.WriteMessage(websocket.BinaryMessage, []byte{0, 0, 0, 8})
		conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		conn.WriteJSON(domain.Message{Type: domain.MsgError, Value: "after bad frame"})
		conn.ReadMessage()
	})

	ev := newEvents()
	c := dial(t, url, ev)
	if err := c.Send(domain.Message{Type: domain.MsgMSE, Value: "avc1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-ev.text:
		if msg.Type != domain.MsgMSE || msg.Value != "echo avc1" {
			t.Errorf("text = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no text frame")
	}
	select {
	case data := <-ev.binary:
		if len(data) != 4 {
			t.Errorf("binary = %v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no binary frame")
	}
	select {
	case <-ev.errs:
	case <-time.After(2 * time.Second):
		t.Fatal("bad frame not reported")
	}
	select {
	case msg := <-ev.text:
		if msg.Type != domain.MsgError {
			t.Errorf("socket should survive a bad frame, got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame after bad frame")
	}
}

func TestChannel_RemoteClose(t *testing.T) {
	url := gateway(t, func(conn *websocket.Conn) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"),
			time.Now().Add(time.Second))
	})

	ev := newEvents()
	c := dial(t, url, ev)

	select {
	case err := <-ev.closed:
		if err == nil {
			t.Error("OnClose without error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
	if err := c.Send(domain.Message{Type: domain.MsgMJPEG}); !errors.Is(err, domain.ErrChannelClosed) {
		t.Errorf("Send after remote close = %v", err)
	}
}

func TestChannel_LocalCloseIsSilent(t *testing.T) {
	url := gateway(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
	})

	ev := newEvents()
	c := dial(t, url, ev)
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	c.Close()

	if err := c.Send(domain.Message{Type: domain.MsgHLS}); !errors.Is(err, domain.ErrChannelClosed) {
		t.Errorf("Send after Close = %v", err)
	}
	select {
	case err := <-ev.closed:
		t.Errorf("OnClose fired for local close: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}
