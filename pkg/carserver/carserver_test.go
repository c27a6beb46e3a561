package carserver

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wheelos/fleet-bridge/internal/opsstream"
	"github.com/wheelos/fleet-bridge/pkg/eventqueue"
	"github.com/wheelos/fleet-bridge/pkg/modulehost"
	"github.com/wheelos/fleet-bridge/pkg/plugin"
	"github.com/wheelos/fleet-bridge/pkg/protocol"
)

// fakeTransport is an in-memory Transport used for handshake and
// normal-communication tests, standing in for pkg/mqttadapter.Adapter.
type fakeTransport struct {
	mu        sync.Mutex
	inbox     []*protocol.ExternalClient
	published []*protocol.ExternalServer
	connectFn func() error
}

func newFakeTransport() *fakeTransport { return &fakeTransport{} }

func (f *fakeTransport) Connect() error {
	if f.connectFn != nil {
		return f.connectFn()
	}
	return nil
}

func (f *fakeTransport) Disconnect() {}

func (f *fakeTransport) Publish(msg *protocol.ExternalServer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeTransport) push(msg *protocol.ExternalClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, msg)
}

func (f *fakeTransport) GetMessage() (*protocol.ExternalClient, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbox) == 0 {
		return nil, false
	}
	m := f.inbox[0]
	f.inbox = f.inbox[1:]
	return m, true
}

func (f *fakeTransport) GetConnectMessage(timeout time.Duration) (*protocol.Connect, bool) {
	return pollUntil(timeout, func() (*protocol.Connect, bool) {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, m := range f.inbox {
			if m.Connect != nil {
				f.inbox = append(f.inbox[:i], f.inbox[i+1:]...)
				return m.Connect, true
			}
		}
		return nil, false
	})
}

func (f *fakeTransport) GetStatus(timeout time.Duration) (*protocol.Status, bool) {
	return pollUntil(timeout, func() (*protocol.Status, bool) {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, m := range f.inbox {
			if m.Status != nil {
				f.inbox = append(f.inbox[:i], f.inbox[i+1:]...)
				return m.Status, true
			}
		}
		return nil, false
	})
}

func pollUntil[T any](timeout time.Duration, try func() (T, bool)) (T, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if v, ok := try(); ok {
			return v, true
		}
		if time.Now().After(deadline) {
			var zero T
			return zero, false
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fakeTransport) lastPublished() *protocol.ExternalServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		return nil
	}
	return f.published[len(f.published)-1]
}

func newTestServer(t *testing.T, transport *fakeTransport, modules map[uint32]*modulehost.Host) *Server {
	t.Helper()
	cfg := Config{
		Company:                     "wheelos",
		Car:                         "car1",
		SessionTimeout:              time.Second,
		StatusTimeout:               time.Second,
		CommandTimeout:              time.Second,
		MqttTimeout:                 200 * time.Millisecond,
		SleepAfterConnectionRefused: time.Millisecond,
		Transport:                   transport,
		Modules:                     modules,
	}
	return New(cfg)
}

func newTestModule(t *testing.T, moduleID uint32, deviceType uint32, events *eventqueue.Queue) (*modulehost.Host, *plugin.Fake) {
	t.Helper()
	fake := plugin.NewFake(int32(moduleID), deviceType)
	host, err := modulehost.New(moduleID, fake, nil, events, func(uint32) bool { return true }, nil)
	if err != nil {
		t.Fatalf("modulehost.New: %v", err)
	}
	return host, fake
}

func TestInitialSequenceHappyPath(t *testing.T) {
	transport := newFakeTransport()
	device := protocol.Device{Module: 1, Type: 1, Role: "r", Name: "d"}

	s := newTestServer(t, transport, nil)
	host, _ := newTestModule(t, 1, 1, s.Events())
	s.cfg.Modules = map[uint32]*modulehost.Host{1: host}

	transport.push(&protocol.ExternalClient{Connect: &protocol.Connect{SessionID: "sess1", Devices: []protocol.Device{device}}})
	transport.push(&protocol.ExternalClient{Status: &protocol.Status{
		SessionID: "sess1", MessageCounter: 1, DeviceState: protocol.StatusConnecting,
		DeviceStatus: protocol.DeviceStatus{Device: device},
	}})

	go func() {
		// Respond to whatever command the server publishes for the
		// initial command-collection step.
		for i := 0; i < 10; i++ {
			time.Sleep(5 * time.Millisecond)
			if msg := transport.lastPublished(); msg != nil && msg.Command != nil {
				transport.push(&protocol.ExternalClient{CommandResponse: &protocol.CommandResponse{
					SessionID: "sess1", Type: protocol.CommandOK, MessageCounter: msg.Command.MessageCounter,
				}})
				return
			}
		}
	}()

	err := s.runInitialSequence()
	if err != nil {
		t.Fatalf("runInitialSequence: %v", err)
	}
	if s.State() != Initialized {
		t.Errorf("State() = %v, want Initialized", s.State())
	}
}

func TestInitialSequenceFailsOnMissingConnectMessage(t *testing.T) {
	transport := newFakeTransport()
	s := newTestServer(t, transport, nil)
	s.cfg.MqttTimeout = 10 * time.Millisecond

	err := s.runInitialSequence()
	var seqErr *ConnectSequenceFailure
	if !errors.As(err, &seqErr) {
		t.Fatalf("err = %v, want *ConnectSequenceFailure", err)
	}
}

func TestInitialSequenceFailsOnTransportConnectError(t *testing.T) {
	transport := newFakeTransport()
	transport.connectFn = func() error { return errors.New("refused") }
	s := newTestServer(t, transport, nil)

	err := s.runInitialSequence()
	var seqErr *ConnectSequenceFailure
	if !errors.As(err, &seqErr) {
		t.Fatalf("err = %v, want *ConnectSequenceFailure", err)
	}
}

func TestUnexpectedConnectSameSessionRepliesAlreadyLogged(t *testing.T) {
	transport := newFakeTransport()
	s := newTestServer(t, transport, map[uint32]*modulehost.Host{})
	s.session.SetID("sess1")

	err := s.handleUnexpectedConnect(&protocol.Connect{SessionID: "sess1"})
	if err != nil {
		t.Fatalf("handleUnexpectedConnect: %v", err)
	}
	last := transport.lastPublished()
	if last == nil || last.ConnectResponse == nil || last.ConnectResponse.Type != protocol.ConnectAlreadyLogged {
		t.Errorf("last published = %+v, want ConnectResponse(ALREADY_LOGGED)", last)
	}
}

func TestUnexpectedConnectDifferentSessionIsIgnored(t *testing.T) {
	transport := newFakeTransport()
	s := newTestServer(t, transport, map[uint32]*modulehost.Host{})
	s.session.SetID("sess1")

	err := s.handleUnexpectedConnect(&protocol.Connect{SessionID: "other"})
	if err != nil {
		t.Fatalf("handleUnexpectedConnect: %v", err)
	}
	if transport.lastPublished() != nil {
		t.Error("no reply should have been published for a mismatched session id")
	}
}

func TestHandleStatusDisconnectRemovesDeviceAndRestartsWhenAllGone(t *testing.T) {
	transport := newFakeTransport()
	device := protocol.Device{Module: 1, Type: 1, Role: "r"}
	s := newTestServer(t, transport, nil)
	host, _ := newTestModule(t, 1, 1, s.Events())
	s.cfg.Modules = map[uint32]*modulehost.Host{1: host}
	s.session.SetID("sess1")
	s.known.Connect(device)

	status := &protocol.Status{
		SessionID: "sess1", MessageCounter: 1, DeviceState: protocol.StatusDisconnect,
		DeviceStatus: protocol.DeviceStatus{Device: device},
	}
	err := s.handleStatus(status)

	var ce *CommunicationException
	if !errors.As(err, &ce) || ce.Kind != AllDevicesDisconnected {
		t.Fatalf("err = %v, want AllDevicesDisconnected", err)
	}
	if s.known.IsConnected(device) {
		t.Error("device should have been disconnected")
	}
}

func TestHandleCommandResponseDeviceNotConnectedDisconnectsDevice(t *testing.T) {
	transport := newFakeTransport()
	device := protocol.Device{Module: 1, Type: 1, Role: "r"}
	s := newTestServer(t, transport, nil)
	host, _ := newTestModule(t, 1, 1, s.Events())
	s.cfg.Modules = map[uint32]*modulehost.Host{1: host}
	s.session.SetID("sess1")
	s.known.Connect(device)
	s.tracker.Add(device, nil, false) // counter 0

	err := s.handleCommandResponse(&protocol.CommandResponse{
		SessionID: "sess1", Type: protocol.CommandDeviceNotConnected, MessageCounter: 0,
	})
	if err != nil {
		t.Fatalf("handleCommandResponse: %v", err)
	}
	if s.known.IsConnected(device) {
		t.Error("device should have been disconnected on DEVICE_NOT_CONNECTED")
	}
}

func TestHandleTimeoutMapsKindsToCommunicationException(t *testing.T) {
	s := newTestServer(t, newFakeTransport(), nil)
	cases := []struct {
		in   eventqueue.TimeoutKind
		want CommunicationKind
	}{
		{eventqueue.TimeoutSession, SessionTimeout},
		{eventqueue.TimeoutStatus, StatusTimeout},
		{eventqueue.TimeoutCommandResponse, CommandResponseTimeout},
	}
	for _, c := range cases {
		err := s.handleTimeout(c.in)
		var ce *CommunicationException
		if !errors.As(err, &ce) || ce.Kind != c.want {
			t.Errorf("handleTimeout(%v) = %v, want kind %v", c.in, err, c.want)
		}
	}
}

func TestStopPostsServerStoppedAndTransitionsState(t *testing.T) {
	s := newTestServer(t, newFakeTransport(), nil)
	s.transition(Uninitialized)
	s.Stop()
	if s.State() != Stopped {
		t.Errorf("State() = %v, want Stopped", s.State())
	}
	ev := s.Events().Get()
	if ev.Kind != eventqueue.ServerStopped {
		t.Errorf("event kind = %v, want ServerStopped", ev.Kind)
	}
}

func TestStateTransitionsMirrorToOpsHub(t *testing.T) {
	hub := opsstream.NewHub(zap.NewNop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.Broadcast(opsstream.Event{Car: "probe"})
		conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		var probe opsstream.Event
		if err := conn.ReadJSON(&probe); err == nil {
			break
		}
	}

	s := newTestServer(t, newFakeTransport(), nil)
	s.cfg.Ops = hub
	s.transition(Connected)
	s.transition(Initialized)
	s.transition(Running)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got opsstream.Event
	for {
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if got.Car == "car1" && got.Detail == Running.String() {
			break
		}
	}
	if got.Kind != "state_transition" {
		t.Errorf("got kind %q, want state_transition", got.Kind)
	}
}
