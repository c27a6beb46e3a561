package mqttadapter

import (
	"testing"
	"time"

	"github.com/wheelos/fleet-bridge/pkg/eventqueue"
	"github.com/wheelos/fleet-bridge/pkg/protocol"
)

// fakeMessage is a minimal mqtt.Message stand-in for exercising
// handleMessage without a live broker connection.
type fakeMessage struct {
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return "co/car/module_gateway" }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func TestSubscribeAndPublishTopics(t *testing.T) {
	if got := protocol.SubscribeTopic("wheelos", "car1"); got != "wheelos/car1/module_gateway" {
		t.Errorf("SubscribeTopic = %q", got)
	}
	if got := protocol.PublishTopic("wheelos", "car1"); got != "wheelos/car1/external_server" {
		t.Errorf("PublishTopic = %q", got)
	}
}

func TestHandleMessageEnqueuesAndPostsEvent(t *testing.T) {
	q := eventqueue.New()
	a := New(Config{Company: "co", Car: "car"}, q)

	connect := protocol.ExternalClient{Connect: &protocol.Connect{SessionID: "s1", Devices: []protocol.Device{{Module: 1}}}}
	data, err := protocol.Marshal(&connect)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	a.handleMessage(nil, &fakeMessage{payload: data})

	ev := q.Get()
	if ev.Kind != eventqueue.CarMessageAvailable {
		t.Fatalf("Kind = %v, want CarMessageAvailable", ev.Kind)
	}

	msg, ok := a.GetMessage()
	if !ok || msg.Kind() != "connect" || msg.Connect.SessionID != "s1" {
		t.Errorf("GetMessage = %+v, %v", msg, ok)
	}
}

func TestGetConnectMessageMissesOnWrongKindAndConsumesIt(t *testing.T) {
	q := eventqueue.New()
	a := New(Config{Company: "co", Car: "car"}, q)

	status := protocol.ExternalClient{Status: &protocol.Status{SessionID: "s1", MessageCounter: 1}}
	data, _ := protocol.Marshal(&status)
	a.handleMessage(nil, &fakeMessage{payload: data})
	q.Get() // drain the CarMessageAvailable event

	connect := protocol.ExternalClient{Connect: &protocol.Connect{SessionID: "s1", Devices: []protocol.Device{{Module: 1}}}}
	data2, _ := protocol.Marshal(&connect)
	a.handleMessage(nil, &fakeMessage{payload: data2})
	q.Get()

	// The front of the FIFO is the status message: a single-attempt pull
	// for a Connect must miss immediately rather than skip over it to find
	// the connect message queued behind it (original_source's
	// get_connect_message calls _get_message() exactly once).
	if _, ok := a.GetConnectMessage(50 * time.Millisecond); ok {
		t.Fatal("GetConnectMessage = ok, want a miss on a leading Status message")
	}

	// The miss still consumed the status message; the connect message is
	// now at the front of the FIFO.
	remaining, ok := a.GetConnectMessage(time.Second)
	if !ok || remaining.SessionID != "s1" {
		t.Fatalf("GetConnectMessage = %+v, %v, want the queued connect message", remaining, ok)
	}
}

func TestGetStatusTimesOutWhenAbsent(t *testing.T) {
	q := eventqueue.New()
	a := New(Config{Company: "co", Car: "car"}, q)

	_, ok := a.GetStatus(10 * time.Millisecond)
	if ok {
		t.Error("expected timeout (no status queued)")
	}
}

func TestDisconnectWithoutConnectIsNoop(t *testing.T) {
	a := New(Config{Company: "co", Car: "car"}, eventqueue.New())
	a.Disconnect() // must not panic with nil client
}
