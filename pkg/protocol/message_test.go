package protocol

import "testing"

func TestSubscribeTopic(t *testing.T) {
	got := SubscribeTopic("acme", "car-001")
	want := "acme/car-001/module_gateway"
	if got != want {
		t.Errorf("SubscribeTopic = %q, want %q", got, want)
	}
}

func TestPublishTopic(t *testing.T) {
	got := PublishTopic("acme", "car-001")
	want := "acme/car-001/external_server"
	if got != want {
		t.Errorf("PublishTopic = %q, want %q", got, want)
	}
}

func TestExternalClientKind(t *testing.T) {
	cases := []struct {
		name string
		msg  *ExternalClient
		want string
	}{
		{"nil", nil, "none"},
		{"empty", &ExternalClient{}, "unknown"},
		{"connect", &ExternalClient{Connect: &Connect{}}, "connect"},
		{"status", &ExternalClient{Status: &Status{}}, "status"},
		{"commandResponse", &ExternalClient{CommandResponse: &CommandResponse{}}, "commandResponse"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.msg.Kind(); got != tc.want {
				t.Errorf("Kind() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMarshalUnmarshalExternalClient(t *testing.T) {
	original := &ExternalClient{
		Status: &Status{
			SessionID:      "session-1",
			DeviceState:    StatusRunning,
			MessageCounter: 7,
			DeviceStatus: DeviceStatus{
				Device:     Device{Module: 1, Type: 2, Role: "left", Name: "left-wheel", Priority: 1},
				StatusData: []byte("payload"),
			},
		},
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	decoded := &ExternalClient{}
	if err := Unmarshal(data, decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Kind() != "status" {
		t.Fatalf("Kind() = %q, want status", decoded.Kind())
	}
	if decoded.Status.MessageCounter != 7 {
		t.Errorf("MessageCounter = %d, want 7", decoded.Status.MessageCounter)
	}
	if decoded.Status.DeviceStatus.Device.Role != "left" {
		t.Errorf("Device.Role = %q, want left", decoded.Status.DeviceStatus.Device.Role)
	}
}

func TestNewCommandZeroesPriority(t *testing.T) {
	device := Device{Module: 3, Type: 4, Role: "r", Name: "n", Priority: 9}
	msg := NewCommand("session-1", 2, device, []byte("cmd"))
	if msg.Command.DeviceCommand.Device.Priority != 0 {
		t.Errorf("Priority = %d, want 0", msg.Command.DeviceCommand.Device.Priority)
	}
	if msg.Command.MessageCounter != 2 {
		t.Errorf("MessageCounter = %d, want 2", msg.Command.MessageCounter)
	}
}

func TestNewStatusResponseIsOK(t *testing.T) {
	msg := NewStatusResponse("session-1", 5)
	if msg.StatusResponse.Type != int32(CommandOK) {
		t.Errorf("Type = %d, want OK", msg.StatusResponse.Type)
	}
	if msg.StatusResponse.MessageCounter != 5 {
		t.Errorf("MessageCounter = %d, want 5", msg.StatusResponse.MessageCounter)
	}
}
