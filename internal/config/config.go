package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"hadash/camfeed/internal/domain"
	"hadash/camfeed/internal/supervisor"
	"hadash/camfeed/internal/transport"
)

// Config holds the application configuration.
type Config struct {
	Cameras []domain.SourceDescriptor

	RetryDelay     time.Duration
	MaxRetries     int
	ConnectTimeout time.Duration
	ForceFallback  bool

	LogLevel  string
	LogFormat string

	HA   HAConfig
	MQTT MQTTConfig
}

// HAConfig configures the Home Assistant collaborators.
type HAConfig struct {
	URL            string
	ClientID       string
	RedirectURI    string
	LongLivedToken string
	TokenFile      string
}

// WebSocketURL is the entity-state API endpoint derived from URL.
func (h HAConfig) WebSocketURL() string {
	u := strings.TrimRight(h.URL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/websocket"
}

// MQTTConfig configures the status publisher. Empty Broker disables it.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
}

// camera is one entry of the YAML camera list.
type camera struct {
	Name  string `yaml:"name"`
	Src   string `yaml:"src"`
	Proxy string `yaml:"proxy"`
	Mode  string `yaml:"mode"`
	Media string `yaml:"media"`
}

type fileConfig struct {
	Cameras []camera `yaml:"cameras"`
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		LogLevel:  orDefault(getenv("CAMFEED_LOG_LEVEL"), "info"),
		LogFormat: orDefault(getenv("CAMFEED_LOG_FORMAT"), "text"),
		HA: HAConfig{
			URL:            getenv("HA_URL"),
			ClientID:       getenv("HA_CLIENT_ID"),
			RedirectURI:    getenv("HA_REDIRECT_URI"),
			LongLivedToken: getenv("HA_LONG_LIVED_TOKEN"),
			TokenFile:      getenv("HA_TOKEN_FILE"),
		},
		MQTT: MQTTConfig{
			Broker:      getenv("MQTT_BROKER"),
			ClientID:    orDefault(getenv("MQTT_CLIENT_ID"), "camfeed"),
			TopicPrefix: orDefault(getenv("MQTT_TOPIC_PREFIX"), "camfeed"),
		},
	}
	if cfg.HA.TokenFile == "" {
		cfg.HA.TokenFile = defaultTokenFile()
	}

	var err error
	if cfg.RetryDelay, err = parseDuration(getenv("CAMFEED_RETRY_DELAY"), supervisor.DefaultDelay); err != nil {
		return nil, fmt.Errorf("CAMFEED_RETRY_DELAY: %w", err)
	}
	if cfg.ConnectTimeout, err = parseDuration(getenv("CAMFEED_CONNECT_TIMEOUT"), transport.DefaultConnectTimeout); err != nil {
		return nil, fmt.Errorf("CAMFEED_CONNECT_TIMEOUT: %w", err)
	}
	if cfg.MaxRetries, err = parseRetries(getenv("CAMFEED_MAX_RETRIES")); err != nil {
		return nil, fmt.Errorf("CAMFEED_MAX_RETRIES: %w", err)
	}
	if v := getenv("CAMFEED_FORCE_FALLBACK"); v != "" {
		if cfg.ForceFallback, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("CAMFEED_FORCE_FALLBACK: %w", err)
		}
	}

	if src := getenv("CAMFEED_WS_SRC"); src != "" {
		desc, err := descriptor(camera{
			Name:  "default",
			Src:   src,
			Proxy: getenv("CAMFEED_PROXY"),
			Mode:  getenv("CAMFEED_MODE"),
			Media: getenv("CAMFEED_MEDIA"),
		})
		if err != nil {
			return nil, err
		}
		cfg.Cameras = append(cfg.Cameras, desc)
	}

	if path := getenv("CAMFEED_CONFIG"); path != "" {
		cams, err := loadCameras(path, getenv("CAMFEED_PROXY"))
		if err != nil {
			return nil, err
		}
		cfg.Cameras = append(cfg.Cameras, cams...)
	}

	return cfg, nil
}

// Camera returns the named camera, or the first one for an empty name.
func (c *Config) Camera(name string) (domain.SourceDescriptor, error) {
	if len(c.Cameras) == 0 {
		return domain.SourceDescriptor{}, fmt.Errorf("CAMFEED_WS_SRC environment variable is required")
	}
	if name == "" {
		return c.Cameras[0], nil
	}
	for _, cam := range c.Cameras {
		if cam.Name == name {
			return cam, nil
		}
	}
	return domain.SourceDescriptor{}, fmt.Errorf("unknown camera %q", name)
}

func loadCameras(path, defaultProxy string) ([]domain.SourceDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	out := make([]domain.SourceDescriptor, 0, len(fc.Cameras))
	for i, cam := range fc.Cameras {
		if cam.Name == "" {
			return nil, fmt.Errorf("camera %d: name is required", i+1)
		}
		if cam.Proxy == "" {
			cam.Proxy = defaultProxy
		}
		desc, err := descriptor(cam)
		if err != nil {
			return nil, err
		}
		out = append(out, desc)
	}
	return out, nil
}

func descriptor(cam camera) (domain.SourceDescriptor, error) {
	if cam.Src == "" {
		return domain.SourceDescriptor{}, fmt.Errorf("camera %q: src is required", cam.Name)
	}
	modes, tcpOnly, err := domain.ParseModes(orDefault(cam.Mode, domain.DefaultModes))
	if err != nil {
		return domain.SourceDescriptor{}, fmt.Errorf("camera %q: %w", cam.Name, err)
	}
	media, err := domain.ParseMedia(orDefault(cam.Media, domain.DefaultMedia))
	if err != nil {
		return domain.SourceDescriptor{}, fmt.Errorf("camera %q: %w", cam.Name, err)
	}
	return domain.SourceDescriptor{
		Name:    cam.Name,
		URL:     cam.Src,
		Proxy:   cam.Proxy,
		Media:   media,
		Modes:   modes,
		TCPOnly: tcpOnly,
	}, nil
}

// parseDuration accepts Go duration syntax or bare milliseconds.
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	if ms, err := strconv.Atoi(s); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative duration %d", ms)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

func parseRetries(s string) (int, error) {
	if s == "" {
		return supervisor.DefaultMaxRetries, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < supervisor.Unbounded {
		return 0, fmt.Errorf("must be -1 (unbounded) or >= 0, got %d", n)
	}
	return n, nil
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "ha_tokens.json"
	}
	return filepath.Join(dir, "camfeed", "ha_tokens.json")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
