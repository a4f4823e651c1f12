package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"hadash/camfeed/internal/domain"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(env(map[string]string{
		"CAMFEED_WS_SRC": "ws://gateway:1984/api/ws?src=front",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RetryDelay != 5*time.Second || cfg.MaxRetries != 5 || cfg.ConnectTimeout != 10*time.Second {
		t.Errorf("defaults = %v %d %v", cfg.RetryDelay, cfg.MaxRetries, cfg.ConnectTimeout)
	}
	cam, err := cfg.Camera("")
	if err != nil {
		t.Fatalf("Camera: %v", err)
	}
	if cam.Name != "default" || len(cam.Modes) != 5 || cam.Modes[0] != domain.TransportWebRTC {
		t.Errorf("camera = %+v", cam)
	}
	if !cam.Wants(domain.MediaVideo) || !cam.Wants(domain.MediaAudio) {
		t.Error("default media should be video and audio")
	}
	if cfg.MQTT.TopicPrefix != "camfeed" || cfg.MQTT.Broker != "" {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := load(env(map[string]string{
		"CAMFEED_WS_SRC":          "ws://gateway/api/ws?src=door",
		"CAMFEED_PROXY":           "wss://proxy/ws",
		"CAMFEED_MODE":            "webrtc/tcp, mjpeg",
		"CAMFEED_MEDIA":           "video",
		"CAMFEED_RETRY_DELAY":     "1500",
		"CAMFEED_MAX_RETRIES":     "-1",
		"CAMFEED_CONNECT_TIMEOUT": "0",
		"CAMFEED_FORCE_FALLBACK":  "true",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RetryDelay != 1500*time.Millisecond {
		t.Errorf("RetryDelay = %v", cfg.RetryDelay)
	}
	if cfg.MaxRetries != -1 || cfg.ConnectTimeout != 0 || !cfg.ForceFallback {
		t.Errorf("cfg = %+v", cfg)
	}
	cam := cfg.Cameras[0]
	if !cam.TCPOnly || len(cam.Modes) != 2 || cam.Modes[1] != domain.TransportMJPEG {
		t.Errorf("modes = %v tcp=%v", cam.Modes, cam.TCPOnly)
	}
	if cam.Proxy != "wss://proxy/ws" || cam.Wants(domain.MediaAudio) {
		t.Errorf("camera = %+v", cam)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"CAMFEED_MODE":        "webrtc,rtsp",
		"CAMFEED_MEDIA":       "smell",
		"CAMFEED_MAX_RETRIES": "-2",
		"CAMFEED_RETRY_DELAY": "soon",
	}
	for key, val := range tests {
		_, err := load(env(map[string]string{"CAMFEED_WS_SRC": "ws://g/api/ws", key: val}))
		if err == nil {
			t.Errorf("%s=%q accepted", key, val)
		}
	}
}

func TestLoad_YAMLCameras(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cameras.yaml")
	yml := `cameras:
  - name: front
    src: ws://gateway/api/ws?src=front
    mode: mse,mjpeg
  - name: garage
    src: ws://gateway/api/ws?src=garage
    media: video
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(env(map[string]string{"CAMFEED_CONFIG": path, "CAMFEED_PROXY": "wss://proxy/ws"}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Cameras) != 2 {
		t.Fatalf("cameras = %d", len(cfg.Cameras))
	}
	garage, err := cfg.Camera("garage")
	if err != nil {
		t.Fatal(err)
	}
	if garage.Proxy != "wss://proxy/ws" || len(garage.Modes) != 5 {
		t.Errorf("garage = %+v", garage)
	}
	if _, err := cfg.Camera("attic"); err == nil {
		t.Error("unknown camera found")
	}
}

func TestCamera_NoneConfigured(t *testing.T) {
	cfg, err := load(env(nil))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.Camera(""); err == nil {
		t.Error("expected error without cameras")
	}
}

func TestHAConfig_WebSocketURL(t *testing.T) {
	for in, want := range map[string]string{
		"http://homeassistant.local:8123/": "ws://homeassistant.local:8123/api/websocket",
		"https://ha.example.com":           "wss://ha.example.com/api/websocket",
	} {
		if got := (HAConfig{URL: in}).WebSocketURL(); got != want {
			t.Errorf("WebSocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}
