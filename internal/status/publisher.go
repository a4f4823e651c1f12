// Package status mirrors session state to MQTT as retained JSON, one topic
// per camera, so dashboards and automations can see what each feed is doing.
package status

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"hadash/camfeed/internal/session"
	"hadash/camfeed/internal/util"
)

var log = util.Named("status")

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Config selects the broker. An empty Broker disables publishing.
type Config struct {
	Broker      string // tcp://host:1883
	ClientID    string
	TopicPrefix string
}

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Payload is the JSON body published on every state change.
type Payload struct {
	Camera     string    `json:"camera"`
	Status     string    `json:"status"`
	Transport  string    `json:"transport,omitempty"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Publisher publishes session states.
type Publisher struct {
	client client
	prefix string
	now    func() time.Time
}

// Connect dials the broker with auto-reconnect.
func Connect(cfg Config) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("mqtt connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost, reconnecting", "broker", cfg.Broker, "error", err)
	})

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect: timeout after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return newPublisher(c, cfg.TopicPrefix), nil
}

func newPublisher(c client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "camfeed"
	}
	return &Publisher{client: c, prefix: prefix, now: time.Now}
}

// Topic returns the status topic for camera.
func (p *Publisher) Topic(camera string) string {
	return p.prefix + "/" + camera + "/status"
}

// Publish sends s as a retained message.
func (p *Publisher) Publish(camera string, s session.State) error {
	body := Payload{
		Camera:     camera,
		Status:     s.Status.String(),
		Transport:  string(s.Transport),
		RetryCount: s.RetryCount,
		UpdatedAt:  p.now().UTC(),
	}
	if s.Err != nil {
		body.Error = s.Err.Error()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	token := p.client.Publish(p.Topic(camera), 1, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", p.Topic(camera))
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", p.Topic(camera), err)
	}
	return nil
}

// Watch publishes every state change of c until the returned func is called.
func (p *Publisher) Watch(camera string, c *session.Client) func() {
	if err := p.Publish(camera, c.Snapshot()); err != nil {
		log.Warn("publish status", "camera", camera, "error", err)
	}
	return c.Subscribe(func(s session.State) {
		// Subscribers run on the session loop; do not wait on the broker there.
		go func() {
			if err := p.Publish(camera, s); err != nil {
				log.Warn("publish status", "camera", camera, "error", err)
			}
		}()
	})
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
