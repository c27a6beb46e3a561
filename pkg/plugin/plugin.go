// Package plugin defines the module plugin contract (spec §6.3): the
// boundary between the external server core and a per-module native
// handler. The original contract is a C ABI (byte-buffer configs, raw
// out-parameters, caller-owned buffer deallocation); this package expresses
// the same operations as a Go interface with an opaque Context handle in
// place of the native context pointer, and ordinary multi-value returns in
// place of out-parameters. No cgo or FFI is involved — callers that need to
// bridge to an actual native library implement ModulePlugin themselves.
package plugin

import "github.com/wheelos/fleet-bridge/pkg/protocol"

// Code mirrors the plugin ABI's integer return codes (spec §6.3).
type Code int32

const (
	OK               Code = 0
	NotOK            Code = -1
	ContextIncorrect Code = -11
	Timeout          Code = -12
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case NotOK:
		return "NOT_OK"
	case ContextIncorrect:
		return "CONTEXT_INCORRECT"
	case Timeout:
		return "TIMEOUT"
	default:
		return "ERROR"
	}
}

// DisconnectKind distinguishes why a device was disconnected (spec §6.3
// device_disconnected).
type DisconnectKind int

const (
	DisconnectAnnounced DisconnectKind = iota
	DisconnectTimeout
	DisconnectError
)

// Context is the opaque handle a plugin returns from Init and expects back
// on every subsequent call, analogous to the native contract's context
// pointer.
type Context string

// ConfigEntry is one (key, value) pair passed to Init, analogous to the
// native contract's array of byte-buffer pairs. Always includes
// "company_name" and "car_name" plus module-specific entries (spec §6.3).
type ConfigEntry struct {
	Key   string
	Value []byte
}

// PoppedCommand is one command dequeued by PopCommand, paired with the
// number of commands still remaining in the plugin's internal queue.
type PoppedCommand struct {
	Data      []byte
	Device    protocol.Device
	Remaining int
}

// ModulePlugin is the set of operations a module plugin must provide (spec
// §6.3). Every operation except WaitForCommand is declared non-reentrant by
// the plugin contract; callers (pkg/modulehost) must serialize access to a
// single Context with a mutex.
type ModulePlugin interface {
	// Init initializes the plugin and returns an opaque context handle.
	Init(config []ConfigEntry) (Context, error)

	// Destroy releases resources associated with ctx.
	Destroy(ctx Context) error

	// GetModuleNumber returns the authoritative module id; the caller
	// must verify it matches configuration.
	GetModuleNumber() int32

	// IsDeviceTypeSupported reports whether the plugin handles the given
	// device type.
	IsDeviceTypeSupported(deviceType uint32) bool

	// DeviceConnected notifies the plugin that device is now connected.
	DeviceConnected(device protocol.Device, ctx Context) Code

	// DeviceDisconnected notifies the plugin that device is no longer
	// connected, and why.
	DeviceDisconnected(kind DisconnectKind, device protocol.Device, ctx Context) Code

	// ForwardStatus passes a raw status payload to the plugin.
	ForwardStatus(buffer []byte, device protocol.Device, ctx Context) Code

	// ForwardErrorMessage passes a raw error payload to the plugin.
	ForwardErrorMessage(buffer []byte, device protocol.Device, ctx Context) Code

	// WaitForCommand blocks up to timeoutMs waiting for a command to
	// become available. It is the one operation the plugin contract
	// allows to run concurrently with other calls.
	WaitForCommand(timeoutMs int, ctx Context) Code

	// PopCommand performs one non-blocking dequeue and reports how many
	// commands remain queued after the pop.
	PopCommand(ctx Context) (PoppedCommand, Code)

	// CommandAck notifies the plugin that a previously popped command
	// was acknowledged by its device.
	CommandAck(buffer []byte, device protocol.Device, ctx Context) Code

	// Deallocate frees a buffer the plugin itself allocated and handed
	// back to the caller. The in-memory fake never allocates plugin-owned
	// buffers, so its Deallocate is a no-op; a real native-backed
	// implementation would forward to the native deallocate entry point.
	Deallocate(buffer []byte)
}
