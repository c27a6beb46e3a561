package modulehost

import (
	"errors"
	"testing"
	"time"

	"github.com/wheelos/fleet-bridge/pkg/eventqueue"
	"github.com/wheelos/fleet-bridge/pkg/plugin"
	"github.com/wheelos/fleet-bridge/pkg/protocol"
)

func TestNewFailsOnModuleNumberMismatch(t *testing.T) {
	fake := plugin.NewFake(99, 1)
	_, err := New(1, fake, nil, eventqueue.New(), nil, nil)
	if err == nil {
		t.Fatal("expected error on module number mismatch")
	}
}

func TestDrainPostsCommandAvailableWhenConnected(t *testing.T) {
	fake := plugin.NewFake(1, 1)
	q := eventqueue.New()
	h, err := New(1, fake, nil, q, func(uint32) bool { return true }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.Start()
	defer h.Close()

	d := protocol.Device{Module: 1, Type: 1, Role: "r"}
	fake.EnqueueCommand([]byte("x"), d)

	ev := q.Get()
	if ev.Kind != eventqueue.CommandAvailable || ev.Data.(uint32) != 1 {
		t.Fatalf("event = %+v, want CommandAvailable(1)", ev)
	}

	cmd, ok := h.PopCommand()
	if !ok || string(cmd.CommandData) != "x" {
		t.Errorf("PopCommand = %+v, %v", cmd, ok)
	}
}

func TestDisconnectedModuleKeepsOnlyFreshestCommand(t *testing.T) {
	fake := plugin.NewFake(1, 1)
	q := eventqueue.New()
	connected := false
	h, err := New(1, fake, nil, q, func(uint32) bool { return connected }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.Start()
	defer h.Close()

	d := protocol.Device{Module: 1, Type: 1, Role: "r"}
	fake.EnqueueCommand([]byte("stale"), d)
	time.Sleep(50 * time.Millisecond)
	fake.EnqueueCommand([]byte("fresh"), d)
	time.Sleep(50 * time.Millisecond)

	// No CommandAvailable should have been posted while disconnected.
	if !q.Empty() {
		t.Error("no event should be posted while module reports disconnected")
	}

	cmd, ok := h.PopCommand()
	if !ok || string(cmd.CommandData) != "fresh" {
		t.Errorf("PopCommand = %+v, %v, want \"fresh\"", cmd, ok)
	}
	if _, ok := h.PopCommand(); ok {
		t.Error("only the freshest command should remain queued")
	}
}

func TestForwardersDelegateToPlugin(t *testing.T) {
	fake := plugin.NewFake(1, 1)
	h, err := New(1, fake, nil, eventqueue.New(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d := protocol.Device{Module: 1, Type: 1, Role: "r"}
	if code := h.DeviceConnected(d); code != plugin.OK {
		t.Errorf("DeviceConnected code = %v, want OK", code)
	}
	if !h.IsDeviceTypeSupported(1) {
		t.Error("type 1 should be supported")
	}
	if code := h.CommandAck([]byte("x"), d); code != plugin.OK {
		t.Errorf("CommandAck code = %v, want OK", code)
	}
}

func TestStopJoinsPollerAndDestroysContext(t *testing.T) {
	fake := plugin.NewFake(1, 1)
	h, err := New(1, fake, nil, eventqueue.New(), func(uint32) bool { return true }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.Start()
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	d := protocol.Device{Module: 1, Type: 1, Role: "r"}
	if code := h.DeviceConnected(d); code != plugin.ContextIncorrect {
		t.Errorf("code after Stop = %v, want ContextIncorrect", code)
	}
}

func TestCloseReturnsNonOKDestroyErrorWithoutPanicking(t *testing.T) {
	fake := plugin.NewFake(1, 1)
	wantErr := errors.New("destroy failed")
	fake.SetDestroyError(wantErr)

	h, err := New(1, fake, nil, eventqueue.New(), func(uint32) bool { return true }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.Start()
	if err := h.Close(); !errors.Is(err, wantErr) {
		t.Errorf("Close() = %v, want %v", err, wantErr)
	}
}
