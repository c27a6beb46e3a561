package supervisor

import (
	"errors"
	"testing"
	"time"

	"github.com/wheelos/fleet-bridge/pkg/carserver"
	"github.com/wheelos/fleet-bridge/pkg/mqttadapter"
	"github.com/wheelos/fleet-bridge/pkg/protocol"
)

// refusingTransport always fails Connect, so a car's outer loop spins
// harmlessly (sleep, retry) until Stop is called.
type refusingTransport struct{}

func (refusingTransport) Connect() error { return errors.New("refused") }
func (refusingTransport) Disconnect()    {}
func (refusingTransport) Publish(*protocol.ExternalServer) error { return nil }
func (refusingTransport) GetMessage() (*protocol.ExternalClient, bool) { return nil, false }
func (refusingTransport) GetConnectMessage(time.Duration) (*protocol.Connect, bool) {
	return nil, false
}
func (refusingTransport) GetStatus(time.Duration) (*protocol.Status, bool) { return nil, false }

func TestTLSSetFansOutToEveryAdapter(t *testing.T) {
	a1 := mqttadapter.New(mqttadapter.Config{Company: "co", Car: "c1"}, nil)
	a2 := mqttadapter.New(mqttadapter.Config{Company: "co", Car: "c2"}, nil)

	sv := New(nil, []*Car{
		{Name: "c1", Adapter: a1},
		{Name: "c2", Adapter: a2},
	})

	if err := sv.TLSSet(nil); err != nil {
		t.Fatalf("TLSSet: %v", err)
	}
}

func TestTLSSetFailsWithoutAdapter(t *testing.T) {
	sv := New(nil, []*Car{{Name: "c1"}})
	if err := sv.TLSSet(nil); err == nil {
		t.Fatal("expected error when a car has no adapter")
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	sv := New(nil, nil)
	if err := sv.Stop("test"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStartFansOutAndStopJoins(t *testing.T) {
	server := carserver.New(carserver.Config{
		Company:                     "co",
		Car:                         "c1",
		SessionTimeout:              time.Second,
		StatusTimeout:               time.Second,
		CommandTimeout:              time.Second,
		MqttTimeout:                 10 * time.Millisecond,
		SleepAfterConnectionRefused: time.Millisecond,
		Transport:                   refusingTransport{},
	})

	sv := New(nil, []*Car{{Name: "c1", Server: server}})

	done := make(chan error, 1)
	go func() { done <- sv.Start(true) }()

	time.Sleep(20 * time.Millisecond)
	if err := sv.Stop("test done"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
