package carserver

import "errors"

// ConnectSequenceFailure is returned when any step of the initial connect
// handshake fails: a missing/empty connect message, a missing or
// wrong-state first status, or a missing/wrong-counter command response
// (spec §7). It always propagates out of the inner loop; the outer loop
// sleeps and retries the whole handshake.
type ConnectSequenceFailure struct {
	Reason string
}

func (e *ConnectSequenceFailure) Error() string {
	return "connect sequence failed: " + e.Reason
}

// CommunicationKind distinguishes the CommunicationException subclasses of
// spec §7, each carrying its own logging severity.
type CommunicationKind int

const (
	// UnexpectedMqttDisconnect is observed via an MqttDisconnected event.
	UnexpectedMqttDisconnect CommunicationKind = iota
	// NoMessage means an expected pull returned nothing where a message
	// was required.
	NoMessage
	// SessionTimeout, StatusTimeout, CommandResponseTimeout are raised on
	// the corresponding TimeoutOccurred event.
	SessionTimeout
	StatusTimeout
	CommandResponseTimeout
	// AllDevicesDisconnected means every tracked device has been removed
	// from KnownDevices.connected.
	AllDevicesDisconnected
)

func (k CommunicationKind) String() string {
	switch k {
	case UnexpectedMqttDisconnect:
		return "UnexpectedMqttDisconnect"
	case NoMessage:
		return "NoMessage"
	case SessionTimeout:
		return "SessionTimeout"
	case StatusTimeout:
		return "StatusTimeout"
	case CommandResponseTimeout:
		return "CommandResponseTimeout"
	case AllDevicesDisconnected:
		return "AllDevicesDisconnected"
	default:
		return "Unknown"
	}
}

// LogLevel reports the severity the inner loop should log this kind of
// CommunicationException at (spec §7): Session/Status/CommandResponse
// timeouts and NoMessage are routine (info), an unexpected disconnect is a
// warning, everything else is an error.
func (k CommunicationKind) LogLevel() string {
	switch k {
	case NoMessage, SessionTimeout, StatusTimeout, CommandResponseTimeout:
		return "info"
	case UnexpectedMqttDisconnect:
		return "warn"
	default:
		return "error"
	}
}

// CommunicationException is the base error for all recoverable
// communication failures caught and retried by the car's inner loop.
type CommunicationException struct {
	Kind   CommunicationKind
	Reason string
}

func (e *CommunicationException) Error() string {
	if e.Reason == "" {
		return "communication error: " + e.Kind.String()
	}
	return "communication error: " + e.Kind.String() + ": " + e.Reason
}

// MqttCommunicationError indicates a publish to the broker failed.
type MqttCommunicationError struct {
	Cause error
}

func (e *MqttCommunicationError) Error() string {
	return "mqtt publish failed: " + e.Cause.Error()
}

func (e *MqttCommunicationError) Unwrap() error { return e.Cause }

// Construction-time errors: fatal to the affected car (or to the whole
// process, for config/TLS problems discovered before any car starts).
var (
	ErrConfig      = errors.New("carserver: invalid configuration")
	ErrPluginLoad  = errors.New("carserver: plugin failed to load")
	ErrFileNotFound = errors.New("carserver: required file not found")
)
