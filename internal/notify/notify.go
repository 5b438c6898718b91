// Package notify publishes scan lifecycle events.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Event kinds.
const (
	ScanStarted  = "scan_started"
	ScanFinished = "scan_finished"
	ScanFailed   = "scan_failed"
)

// Event is one scan lifecycle message.
type Event struct {
	Event  string    `json:"event"`
	Device string    `json:"device,omitempty"`
	Mode   string    `json:"mode,omitempty"`
	DPI    int       `json:"dpi,omitempty"`
	Lines  int       `json:"lines,omitempty"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

// Publisher delivers events somewhere.
type Publisher interface {
	Publish(e Event) error
	Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) error { return nil }
func (Nop) Close()              {}

// Options configures an MQTT publisher.
type Options struct {
	Broker   string // tcp://host:1883
	ClientID string
	Topic    string // events go to <Topic>/events
	Username string
	Password string
}

// MQTT publishes events as JSON to a broker.
type MQTT struct {
	client mqtt.Client
	topic  string
}

// NewMQTT connects to the broker. It returns an error when the first
// connection attempt fails; later drops reconnect automatically.
func NewMQTT(opts Options) (*MQTT, error) {
	if opts.ClientID == "" {
		opts.ClientID = "airmustek"
	}
	if opts.Topic == "" {
		opts.Topic = "airmustek"
	}
	co := mqtt.NewClientOptions().AddBroker(opts.Broker).SetClientID(opts.ClientID)
	co.SetKeepAlive(30 * time.Second)
	co.SetPingTimeout(5 * time.Second)
	co.SetAutoReconnect(true)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "err", err)
	})

	c := mqtt.NewClient(co)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", opts.Broker, token.Error())
	}
	slog.Info("mqtt connected", "broker", opts.Broker, "topic", opts.Topic)
	return &MQTT{client: c, topic: opts.Topic + "/events"}, nil
}

// Publish sends e with QoS 1. It does not wait for the broker.
func (m *MQTT) Publish(e Event) error {
	msg, err := Marshal(e)
	if err != nil {
		return err
	}
	m.client.Publish(m.topic, 1, false, msg)
	return nil
}

// Close disconnects, allowing a short time for queued events.
func (m *MQTT) Close() {
	m.client.Disconnect(250)
}

// Marshal encodes e, stamping the current time when unset.
func Marshal(e Event) ([]byte, error) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	msg, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return msg, nil
}
