// Package protocol defines the fleet-protocol wire messages exchanged
// between a car's module gateway and the external server, and the MQTT
// topic helpers used to address them.
//
// The wire schema itself is out of core scope (spec §1); only the fields
// the core state machine consumes (spec §6.2) are modelled here. The
// concrete encoding is JSON: this corpus carries no protobuf toolchain for
// the original fleet-protocol schema, and JSON keeps the same
// Marshal/Unmarshal shape the teacher's protocol package already used.
package protocol

import (
	"encoding/json"
	"fmt"
)

// DeviceState is the state a device reports in a Status message.
type DeviceState int32

const (
	StatusConnecting DeviceState = iota
	StatusRunning
	StatusDisconnect
	StatusError
)

func (s DeviceState) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusRunning:
		return "RUNNING"
	case StatusDisconnect:
		return "DISCONNECT"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// CommandResponseType is the acknowledgement type carried by CommandResponse.
type CommandResponseType int32

const (
	CommandOK CommandResponseType = iota
	CommandDeviceNotConnected
)

// ConnectResponseType is the acknowledgement type carried by ConnectResponse.
type ConnectResponseType int32

const (
	ConnectOK ConnectResponseType = iota
	ConnectAlreadyLogged
)

// Device identifies a logical endpoint on a car. Equality for routing
// purposes uses (Module, Type, Role) only -- see the devices package.
type Device struct {
	Module   uint32 `json:"module"`
	Type     uint32 `json:"deviceType"`
	Role     string `json:"deviceRole"`
	Name     string `json:"deviceName"`
	Priority uint32 `json:"priority"`
}

// DeviceStatus pairs a device with its raw status payload.
type DeviceStatus struct {
	Device     Device `json:"device"`
	StatusData []byte `json:"statusData"`
}

// DeviceCommand pairs a device with a raw command payload.
type DeviceCommand struct {
	Device      Device `json:"device"`
	CommandData []byte `json:"commandData"`
}

// Connect is the handshake-opening message sent by a car's gateway.
type Connect struct {
	SessionID   string   `json:"sessionId"`
	Company     string   `json:"company"`
	VehicleName string   `json:"vehicleName"`
	Devices     []Device `json:"devices"`
}

// Status reports a device's state and data, ordered by MessageCounter.
type Status struct {
	SessionID      string       `json:"sessionId"`
	DeviceState    DeviceState  `json:"deviceState"`
	MessageCounter uint32       `json:"messageCounter"`
	DeviceStatus   DeviceStatus `json:"deviceStatus"`
	ErrorMessage   []byte       `json:"errorMessage,omitempty"`
}

// CommandResponse acknowledges a previously published Command.
type CommandResponse struct {
	SessionID      string              `json:"sessionId"`
	Type           CommandResponseType `json:"type"`
	MessageCounter uint32              `json:"messageCounter"`
}

// ExternalClient is the tagged union of messages a car's gateway sends to
// the server: exactly one of Connect, Status, CommandResponse is non-nil.
type ExternalClient struct {
	Connect         *Connect         `json:"connect,omitempty"`
	Status          *Status          `json:"status,omitempty"`
	CommandResponse *CommandResponse `json:"commandResponse,omitempty"`
}

// Kind identifies which variant of ExternalClient is populated.
func (m *ExternalClient) Kind() string {
	switch {
	case m == nil:
		return "none"
	case m.Connect != nil:
		return "connect"
	case m.Status != nil:
		return "status"
	case m.CommandResponse != nil:
		return "commandResponse"
	default:
		return "unknown"
	}
}

// ConnectResponse acknowledges a Connect message.
type ConnectResponse struct {
	SessionID string              `json:"sessionId"`
	Type      ConnectResponseType `json:"type"`
}

// StatusResponse acknowledges a Status message. Type is always OK per spec
// §6.2 ("StatusResponse{..., type = OK, ...}").
type StatusResponse struct {
	SessionID      string `json:"sessionId"`
	Type           int32  `json:"type"`
	MessageCounter uint32 `json:"messageCounter"`
}

// Command is a command published to a device.
type Command struct {
	SessionID      string        `json:"sessionId"`
	MessageCounter uint32        `json:"messageCounter"`
	DeviceCommand  DeviceCommand `json:"deviceCommand"`
}

// ExternalServer is the tagged union of messages the server publishes to a
// car's gateway: exactly one of ConnectResponse, StatusResponse, Command is
// non-nil.
type ExternalServer struct {
	ConnectResponse *ConnectResponse `json:"connectResponse,omitempty"`
	StatusResponse  *StatusResponse  `json:"statusResponse,omitempty"`
	Command         *Command         `json:"command,omitempty"`
}

// NewConnectResponse builds an ExternalServer wrapping a ConnectResponse.
func NewConnectResponse(sessionID string, typ ConnectResponseType) *ExternalServer {
	return &ExternalServer{ConnectResponse: &ConnectResponse{SessionID: sessionID, Type: typ}}
}

// NewStatusResponse builds an ExternalServer wrapping a StatusResponse.
func NewStatusResponse(sessionID string, counter uint32) *ExternalServer {
	return &ExternalServer{StatusResponse: &StatusResponse{SessionID: sessionID, Type: int32(CommandOK), MessageCounter: counter}}
}

// NewCommand builds an ExternalServer wrapping a Command. The device's
// Priority is always zeroed, per spec §6.2 ("on device objects emitted by
// the server, priority is zeroed" -- the server ignores client-declared
// priority).
func NewCommand(sessionID string, counter uint32, device Device, data []byte) *ExternalServer {
	device.Priority = 0
	return &ExternalServer{
		Command: &Command{
			SessionID:      sessionID,
			MessageCounter: counter,
			DeviceCommand:  DeviceCommand{Device: device, CommandData: data},
		},
	}
}

// Marshal serialises a message to its wire representation.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal deserialises wire bytes into v.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// --- MQTT topic helpers (spec §4.8, §6.1) ---

// SubscribeTopic returns the module_gateway topic a car's server listens on.
func SubscribeTopic(company, car string) string {
	return fmt.Sprintf("%s/%s/module_gateway", company, car)
}

// PublishTopic returns the external_server topic a car's server publishes on.
func PublishTopic(company, car string) string {
	return fmt.Sprintf("%s/%s/external_server", company, car)
}
