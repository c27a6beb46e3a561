package plugin

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wheelos/fleet-bridge/pkg/protocol"
)

// Fake is a pure in-memory ModulePlugin used by tests and by the example
// entry point in place of a native library (spec §9 design note: the
// original ships only a C-ABI plugin, which has no in-repo Go equivalent;
// this package substitutes a faithful in-memory stand-in instead of
// fabricating a cgo bridge). Each Init call is stamped with a fresh
// uuid.NewString() context so a reviewer can trace which Init call produced
// which subsequent operations, mirroring a native allocator handing back a
// distinct pointer per call.
type Fake struct {
	mu sync.Mutex

	moduleNumber    int32
	supportedTypes  map[uint32]bool
	contexts        map[Context]bool
	commandQueue    []PoppedCommand
	acked           []protocol.Device
	destroyed       []Context
	connectedCalls  int
	forwardedStatus int
	destroyErr      error
}

// NewFake creates a Fake plugin reporting moduleNumber as its module id and
// supporting exactly the device types listed in supportedTypes.
func NewFake(moduleNumber int32, supportedTypes ...uint32) *Fake {
	supported := make(map[uint32]bool, len(supportedTypes))
	for _, t := range supportedTypes {
		supported[t] = true
	}
	return &Fake{
		moduleNumber:   moduleNumber,
		supportedTypes: supported,
		contexts:       make(map[Context]bool),
	}
}

func (f *Fake) Init(config []ConfigEntry) (Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ctx := Context(uuid.NewString())
	f.contexts[ctx] = true
	return ctx, nil
}

func (f *Fake) Destroy(ctx Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.contexts, ctx)
	f.destroyed = append(f.destroyed, ctx)
	return f.destroyErr
}

// SetDestroyError makes every subsequent Destroy call return err, standing
// in for a native plugin reporting a non-OK destroy code.
func (f *Fake) SetDestroyError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyErr = err
}

func (f *Fake) GetModuleNumber() int32 {
	return f.moduleNumber
}

func (f *Fake) IsDeviceTypeSupported(deviceType uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.supportedTypes[deviceType]
}

func (f *Fake) DeviceConnected(device protocol.Device, ctx Context) Code {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.contexts[ctx] {
		return ContextIncorrect
	}
	f.connectedCalls++
	return OK
}

func (f *Fake) DeviceDisconnected(kind DisconnectKind, device protocol.Device, ctx Context) Code {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.contexts[ctx] {
		return ContextIncorrect
	}
	return OK
}

func (f *Fake) ForwardStatus(buffer []byte, device protocol.Device, ctx Context) Code {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.contexts[ctx] {
		return ContextIncorrect
	}
	f.forwardedStatus++
	return OK
}

func (f *Fake) ForwardErrorMessage(buffer []byte, device protocol.Device, ctx Context) Code {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.contexts[ctx] {
		return ContextIncorrect
	}
	return OK
}

// WaitForCommand blocks until a command is enqueued (via EnqueueCommand) or
// timeoutMs elapses, returning Timeout in the latter case. It deliberately
// polls rather than blocking on a channel so EnqueueCommand never needs to
// know whether a waiter is present, matching the plugin contract's
// allowance for WaitForCommand to run concurrently with any other call.
func (f *Fake) WaitForCommand(timeoutMs int, ctx Context) Code {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		f.mu.Lock()
		ok := f.contexts[ctx]
		has := len(f.commandQueue) > 0
		f.mu.Unlock()
		if !ok {
			return ContextIncorrect
		}
		if has {
			return OK
		}
		if time.Now().After(deadline) {
			return Timeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *Fake) PopCommand(ctx Context) (PoppedCommand, Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.contexts[ctx] {
		return PoppedCommand{}, ContextIncorrect
	}
	if len(f.commandQueue) == 0 {
		return PoppedCommand{}, NotOK
	}
	cmd := f.commandQueue[0]
	f.commandQueue = f.commandQueue[1:]
	cmd.Remaining = len(f.commandQueue)
	return cmd, OK
}

func (f *Fake) CommandAck(buffer []byte, device protocol.Device, ctx Context) Code {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.contexts[ctx] {
		return ContextIncorrect
	}
	f.acked = append(f.acked, device)
	return OK
}

func (f *Fake) Deallocate(buffer []byte) {}

// EnqueueCommand is test/harness-only: it makes a command available to the
// next WaitForCommand/PopCommand pair, standing in for a native plugin's
// internal command source (e.g. its own MQTT subscription or hardware bus).
func (f *Fake) EnqueueCommand(data []byte, device protocol.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commandQueue = append(f.commandQueue, PoppedCommand{Data: data, Device: device})
}

// Acked returns the devices that have been passed to CommandAck, in order.
func (f *Fake) Acked() []protocol.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Device, len(f.acked))
	copy(out, f.acked)
	return out
}

// ConnectedCalls returns the number of successful DeviceConnected calls
// observed so far.
func (f *Fake) ConnectedCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectedCalls
}
