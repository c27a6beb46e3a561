// Package mqttadapter wraps paho.mqtt.golang into the transport the car
// server expects (spec §4.8): a subscribe/publish topic pair derived from
// company and car name, an internal receive FIFO fed by the broker's
// delivery order, and typed bounded pulls used only during the connect
// handshake.
//
// Grounded on the teacher's pkg/vehicle/agent.go Agent (client construction,
// TLS wiring, connect/disconnect, onConnect/onConnectionLost handlers) and
// pkg/controlcenter/server.go (subscribe/publish-topic style), generalized
// from one fixed vehicle-state topic pair to the spec's
// <company>/<car>/{module_gateway,external_server} pair and from a single
// typed message to the adapter's own FIFO + typed handshake pulls.
package mqttadapter

import (
	"crypto/tls"
	"fmt"
	"math/rand"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/wheelos/fleet-bridge/pkg/eventqueue"
	"github.com/wheelos/fleet-bridge/pkg/protocol"
)

// clientIDAlphabet is used to generate the 20-character random client id
// required by spec §6.1.
const clientIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewClientID returns a fresh 20-character random ASCII letter string.
func NewClientID() string {
	b := make([]byte, 20)
	for i := range b {
		b[i] = clientIDAlphabet[rand.Intn(len(clientIDAlphabet))]
	}
	return string(b)
}

// Config configures an Adapter's connection to the broker.
type Config struct {
	BrokerURL string
	Company   string
	Car       string

	TLSConfig *tls.Config // nil disables TLS

	Keepalive      time.Duration // spec §6.1: 15s
	OutgoingQueue  int           // spec §6.1: cap 20
	ConnectTimeout time.Duration // bound on "wait for connected" (spec §4.8)
}

// Adapter is the MQTT transport for one car.
type Adapter struct {
	cfg    Config
	client mqtt.Client
	events *eventqueue.Queue

	mu       sync.Mutex
	messages []*protocol.ExternalClient
}

// New creates an Adapter that posts events onto events as messages and
// disconnects arrive.
func New(cfg Config, events *eventqueue.Queue) *Adapter {
	if cfg.Keepalive == 0 {
		cfg.Keepalive = 15 * time.Second
	}
	if cfg.OutgoingQueue == 0 {
		cfg.OutgoingQueue = 20
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &Adapter{cfg: cfg, events: events}
}

// SetTLSConfig installs cfg as the TLS material used by the next Connect
// call (spec §4.10: the supervisor's tls_set fans a single TLS
// configuration out to every car's adapter before any of them connect).
func (a *Adapter) SetTLSConfig(cfg *tls.Config) {
	a.cfg.TLSConfig = cfg
}

// Connect opens the transport, subscribes to the module-gateway topic, and
// waits up to cfg.ConnectTimeout for the transport to report connected
// (spec §4.8).
func (a *Adapter) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(a.cfg.BrokerURL).
		SetClientID(NewClientID()).
		SetCleanSession(true).
		SetKeepAlive(a.cfg.Keepalive).
		SetMessageChannelDepth(uint(a.cfg.OutgoingQueue)).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOnConnectHandler(a.onConnect).
		SetConnectionLostHandler(a.onConnectionLost)

	if a.cfg.TLSConfig != nil {
		opts.SetTLSConfig(a.cfg.TLSConfig)
	}

	a.client = mqtt.NewClient(opts)

	token := a.client.Connect()
	if !token.WaitTimeout(a.cfg.ConnectTimeout) {
		return fmt.Errorf("mqttadapter: connect timed out after %s", a.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqttadapter: connect refused: %w", err)
	}
	return nil
}

// Disconnect requests disconnect and stops the network loop, if connected;
// otherwise it is a no-op (spec §4.8).
func (a *Adapter) Disconnect() {
	if a.client != nil && a.client.IsConnected() {
		a.client.Disconnect(250)
	}
}

// Publish serializes msg and publishes it to the external-server topic at
// QoS 1 (spec §6.1).
func (a *Adapter) Publish(msg *protocol.ExternalServer) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mqttadapter: marshal: %w", err)
	}
	topic := protocol.PublishTopic(a.cfg.Company, a.cfg.Car)
	token := a.client.Publish(topic, 1, false, data)
	token.Wait()
	return token.Error()
}

// GetMessage performs a non-blocking take from the internal receive FIFO,
// used by the normal-communication event loop (spec §4.8).
func (a *Adapter) GetMessage() (*protocol.ExternalClient, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.messages) == 0 {
		return nil, false
	}
	msg := a.messages[0]
	a.messages = a.messages[1:]
	return msg, true
}

// GetConnectMessage waits up to timeout for a message to arrive and pops
// exactly one from the FIFO, matching the original's single-attempt
// get_connect_message (original_source/external_server/adapters/mqtt_adapter.py):
// if the popped message isn't a Connect, this reports a miss immediately
// rather than waiting for a later, differently-typed message to show up.
func (a *Adapter) GetConnectMessage(timeout time.Duration) (*protocol.Connect, bool) {
	msg, ok := a.pollTyped(timeout, func(m *protocol.ExternalClient) bool { return m.Connect != nil })
	if !ok {
		return nil, false
	}
	return msg.Connect, true
}

// GetStatus waits up to timeout for a message to arrive and pops exactly
// one from the FIFO, matching the original's single-attempt get_status: if
// the popped message isn't a Status, this reports a miss immediately rather
// than skipping over it to wait for a later match.
func (a *Adapter) GetStatus(timeout time.Duration) (*protocol.Status, bool) {
	msg, ok := a.pollTyped(timeout, func(m *protocol.ExternalClient) bool { return m.Status != nil })
	if !ok {
		return nil, false
	}
	return msg.Status, true
}

// pollTyped waits up to timeout for the FIFO to become non-empty, pops
// exactly one message, and reports a miss if that message doesn't match --
// it never scans past a non-matching message to find a later one.
func (a *Adapter) pollTyped(timeout time.Duration, match func(*protocol.ExternalClient) bool) (*protocol.ExternalClient, bool) {
	msg, ok := a.popOne(timeout)
	if !ok || !match(msg) {
		return nil, false
	}
	return msg, true
}

func (a *Adapter) popOne(timeout time.Duration) (*protocol.ExternalClient, bool) {
	deadline := time.Now().Add(timeout)
	for {
		a.mu.Lock()
		if len(a.messages) > 0 {
			msg := a.messages[0]
			a.messages = a.messages[1:]
			a.mu.Unlock()
			return msg, true
		}
		a.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(time.Millisecond)
	}
}

func (a *Adapter) onConnect(c mqtt.Client) {
	topic := protocol.SubscribeTopic(a.cfg.Company, a.cfg.Car)
	token := c.Subscribe(topic, 1, a.handleMessage)
	token.Wait()
}

func (a *Adapter) onConnectionLost(_ mqtt.Client, _ error) {
	a.events.Add(eventqueue.MqttDisconnected, nil)
}

func (a *Adapter) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var client protocol.ExternalClient
	if err := protocol.Unmarshal(msg.Payload(), &client); err != nil {
		return
	}
	a.mu.Lock()
	a.messages = append(a.messages, &client)
	a.mu.Unlock()
	a.events.Add(eventqueue.CarMessageAvailable, nil)
}
