// Package carserver implements the per-car state machine (spec §4.9): the
// connect handshake, the normal-communication event dispatch loop, context
// teardown, and the outer retry loop that drives them. It owns C3-C8 for
// exactly one car.
//
// Grounded on the original's external_server/server/single_car.py SingleCar
// class: the same outer try/run/finally retry loop, the same seven-step
// handshake, and the same event-kind dispatch table, reworked from
// exception-based control flow to Go's explicit error returns.
package carserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wheelos/fleet-bridge/internal/audit"
	"github.com/wheelos/fleet-bridge/internal/metrics"
	"github.com/wheelos/fleet-bridge/internal/opsstream"
	"github.com/wheelos/fleet-bridge/pkg/commandtracker"
	"github.com/wheelos/fleet-bridge/pkg/devices"
	"github.com/wheelos/fleet-bridge/pkg/eventqueue"
	"github.com/wheelos/fleet-bridge/pkg/modulehost"
	"github.com/wheelos/fleet-bridge/pkg/plugin"
	"github.com/wheelos/fleet-bridge/pkg/protocol"
	"github.com/wheelos/fleet-bridge/pkg/session"
	"github.com/wheelos/fleet-bridge/pkg/statuschecker"
)

// Transport is the subset of *mqttadapter.Adapter the car server depends
// on; mqttadapter.Adapter satisfies it structurally. Defining it here (not
// in pkg/mqttadapter) keeps the car server's tests free of any real broker
// dependency -- they inject a fake.
type Transport interface {
	Connect() error
	Disconnect()
	Publish(msg *protocol.ExternalServer) error
	GetMessage() (*protocol.ExternalClient, bool)
	GetConnectMessage(timeout time.Duration) (*protocol.Connect, bool)
	GetStatus(timeout time.Duration) (*protocol.Status, bool)
}

// Config configures one car's Server.
type Config struct {
	Company string
	Car     string

	SessionTimeout time.Duration
	StatusTimeout  time.Duration
	CommandTimeout time.Duration
	MqttTimeout    time.Duration // bound on handshake pulls (spec §4.8)

	SleepAfterConnectionRefused time.Duration
	SendInvalidCommand          bool

	Transport Transport
	Modules   map[uint32]*modulehost.Host // keyed by module id

	// Events, if non-nil, is used instead of a freshly-created queue. This
	// lets a caller construct the car's mqttadapter.Adapter (which needs an
	// event queue at construction time) before the Server that will
	// otherwise own it exists.
	Events *eventqueue.Queue

	Logger *zap.Logger

	// Ops, if non-nil, receives a mirrored feed of state transitions,
	// timeouts, and device connect/disconnect for operator consoles. Never
	// required for correctness -- a nil Ops simply means nothing is
	// mirrored.
	Ops *opsstream.Hub

	// Audit, if non-nil, receives the same feed as Ops, appended to a
	// database table. Also never required for correctness.
	Audit *audit.Sink
}

// Server is the per-car state machine.
type Server struct {
	cfg    Config
	logger *zap.Logger

	events  *eventqueue.Queue
	session *session.Tracker
	checker *statuschecker.Checker
	tracker *commandtracker.Tracker
	known   *devices.Registry

	mu      sync.Mutex // guards state and running, set from Start's goroutine and read/set from Stop
	state   State
	running bool

	// handshakeOrder records the latest connect message's device list in
	// the order the client sent it. Nothing reads it back: the initial
	// command collection step walks the list of devices that connected
	// successfully, and normal-traffic publication follows the module
	// hosts' FIFOs.
	handshakeOrder []protocol.Device
}

// New creates a Server for one car. All of Config's Modules must already be
// constructed and started (modulehost.Host.Start) by the caller.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	events := cfg.Events
	if events == nil {
		events = eventqueue.New()
	}
	logger := cfg.Logger.With(zap.String("car", cfg.Car))

	checker := statuschecker.New(cfg.StatusTimeout, events)
	tracker := commandtracker.New(cfg.CommandTimeout, events)
	known := devices.New()
	checker.SetCar(cfg.Car)
	tracker.SetCar(cfg.Car)
	known.SetCar(cfg.Car)

	return &Server{
		cfg:     cfg,
		logger:  logger,
		events:  events,
		session: session.New(cfg.SessionTimeout, events),
		checker: checker,
		tracker: tracker,
		known:   known,
		state:   Uninitialized,
	}
}

// State returns the server's current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events exposes the car's event queue (Config.Events if one was supplied,
// otherwise the queue New created) so the module hosts backing
// Config.Modules can be wired to post CommandAvailable events onto it.
func (s *Server) Events() *eventqueue.Queue { return s.events }

// ModuleConnected reports whether the given module currently has at least
// one connected device; it is the ConnectedFunc a modulehost.Host polls to
// decide whether an accumulated command batch should be queued normally or
// collapsed to just the newest command (spec §4.7 step 2).
func (s *Server) ModuleConnected(moduleID uint32) bool {
	return s.known.AnyConnectedFromModule(moduleID)
}

func (s *Server) transition(to State) {
	s.mu.Lock()
	if s.state == to {
		s.mu.Unlock()
		return
	}
	if !CanTransition(s.state, to) {
		s.mu.Unlock()
		s.logger.Error("rejected illegal state transition", zap.Stringer("from", s.state), zap.Stringer("to", to))
		return
	}
	s.state = to
	s.mu.Unlock()
	s.reportEvent("state_transition", to.String())
}

// reportEvent mirrors one lifecycle/event summary to the configured
// operator-console hub and/or audit sink, if any; it is a no-op when
// neither is configured. The audit write runs detached from the car's own
// goroutine -- a slow or unreachable database must never stall the state
// machine that feeds it.
func (s *Server) reportEvent(kind, detail string) {
	if s.cfg.Ops != nil {
		s.cfg.Ops.Broadcast(opsstream.Event{Car: s.cfg.Car, Kind: kind, Detail: detail, Time: time.Now()})
	}
	if s.cfg.Audit != nil {
		sink, car := s.cfg.Audit, s.cfg.Car
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			sink.Record(ctx, car, kind, detail)
		}()
	}
}

func (s *Server) stateIs(want State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == want
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start runs the outer loop (spec §4.9): repeatedly perform the initial
// handshake then the normal-communication loop, clearing context and
// sleeping between attempts, until Stop is called.
func (s *Server) Start() {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	for s.isRunning() && !s.stateIs(Stopped) {
		err := s.runInitialSequence()
		if err == nil {
			err = s.runNormalCommunication()
		}
		if err != nil {
			s.logLoopError(err)
			s.transition(Error)
		}
		s.clearContext()
		if s.stateIs(Error) {
			s.transition(Uninitialized)
		}
		if s.isRunning() && !s.stateIs(Stopped) {
			time.Sleep(s.cfg.SleepAfterConnectionRefused)
		}
	}
}

func (s *Server) logLoopError(err error) {
	if ce, ok := err.(*CommunicationException); ok {
		switch ce.Kind.LogLevel() {
		case "info":
			s.logger.Info("inner loop restarting", zap.Error(err))
		case "warn":
			s.logger.Warn("inner loop restarting", zap.Error(err))
		default:
			s.logger.Error("inner loop restarting", zap.Error(err))
		}
		return
	}
	s.logger.Error("inner loop restarting", zap.Error(err))
}

// Stop requests an orderly shutdown (spec §4.9): transitions to Stopped,
// posts ServerStopped, and clears the running flag. It does not itself
// stop or join module hosts, and pkg/supervisor does not either: whoever
// constructed the hosts closes them (cmd/external-server does so on exit).
func (s *Server) Stop() {
	s.transition(Stopped)
	s.events.Add(eventqueue.ServerStopped, nil)
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// --- initial sequence (spec §4.9) ---

func (s *Server) runInitialSequence() error {
	s.transition(Uninitialized)

	if err := s.cfg.Transport.Connect(); err != nil {
		return &ConnectSequenceFailure{Reason: fmt.Sprintf("mqtt connect: %v", err)}
	}
	s.transition(Connected)

	connect, ok := s.cfg.Transport.GetConnectMessage(s.cfg.MqttTimeout)
	if !ok || connect == nil || len(connect.Devices) == 0 {
		return &ConnectSequenceFailure{Reason: "missing or empty connect message"}
	}
	if err := s.session.SetID(connect.SessionID); err != nil {
		return &ConnectSequenceFailure{Reason: fmt.Sprintf("invalid session id: %v", err)}
	}
	s.handshakeOrder = connect.Devices

	var connectedDevices []protocol.Device
	for _, d := range connect.Devices {
		host, ok := s.cfg.Modules[d.Module]
		if !ok || !host.IsDeviceTypeSupported(d.Type) {
			s.logger.Info("device not connected: module not configured or type unsupported",
				zap.Uint32("module", d.Module), zap.Uint32("type", d.Type))
			continue
		}
		if code := host.DeviceConnected(d); code != plugin.OK {
			s.logger.Info("plugin refused device", zap.Uint32("module", d.Module), zap.Stringer("code", code))
			continue
		}
		s.known.Connect(d)
		s.reportEvent("device_connected", deviceDetail(d))
		connectedDevices = append(connectedDevices, d)
	}

	if err := s.cfg.Transport.Publish(protocol.NewConnectResponse(s.session.ID(), protocol.ConnectOK)); err != nil {
		return &ConnectSequenceFailure{Reason: fmt.Sprintf("publish connect response: %v", err)}
	}

	if err := s.collectInitialStatuses(connectedDevices); err != nil {
		return err
	}
	if err := s.collectInitialCommands(connectedDevices); err != nil {
		return err
	}

	s.transition(Initialized)
	return nil
}

// collectInitialStatuses implements spec §4.9 step 5: expect one status per
// successfully connected device, validating session id and CONNECTING
// state, forwarding to the plugin, and publishing a StatusResponse. The
// statuses are fed through the status checker so the first one primes
// allow_counter_reset and every subsequent one keeps being delivered to the
// plugin in ascending-counter order, satisfying the global invariant that
// holds equally during the handshake and in normal traffic (spec §8).
func (s *Server) collectInitialStatuses(connectedDevices []protocol.Device) error {
	s.checker.AllowCounterReset()
	for range connectedDevices {
		status, ok := s.cfg.Transport.GetStatus(s.cfg.MqttTimeout)
		if !ok || status == nil {
			return &ConnectSequenceFailure{Reason: "missing status during handshake"}
		}
		if !s.session.IsValid(status.SessionID) {
			return &ConnectSequenceFailure{Reason: "status session id mismatch"}
		}
		if status.DeviceState != protocol.StatusConnecting {
			return &ConnectSequenceFailure{Reason: "status device state is not CONNECTING"}
		}
		s.checker.Check(*status)

		for {
			checked, ok := s.checker.Get()
			if !ok {
				break
			}
			if err := s.deliverStatus(checked); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Server) deliverStatus(status protocol.Status) error {
	device := status.DeviceStatus.Device
	host, ok := s.cfg.Modules[device.Module]
	if !ok {
		s.logger.Warn("status for unconfigured module", zap.Uint32("module", device.Module))
		return nil
	}
	host.ForwardStatus(status.DeviceStatus.StatusData, device)
	return s.cfg.Transport.Publish(protocol.NewStatusResponse(s.session.ID(), status.MessageCounter))
}

// collectInitialCommands implements spec §4.9 step 6-7: collect one
// command per connected device (or an empty placeholder), publish each with
// a counter from the tracker, then expect exactly one command response per
// published command.
func (s *Server) collectInitialCommands(connectedDevices []protocol.Device) error {
	published := 0
	for _, d := range connectedDevices {
		host := s.cfg.Modules[d.Module]
		var data []byte
		fromAPI := false
		if host != nil {
			if cmd, ok := host.PopCommand(); ok && cmd.Device == d {
				data = cmd.CommandData
				fromAPI = true
			}
		}
		hc := s.tracker.Add(d, data, fromAPI)
		if err := s.cfg.Transport.Publish(protocol.NewCommand(s.session.ID(), hc.Counter, d, data)); err != nil {
			return &ConnectSequenceFailure{Reason: fmt.Sprintf("publish initial command: %v", err)}
		}
		published++
	}

	for i := 0; i < published; i++ {
		client, ok := s.pullClientMessage(s.cfg.MqttTimeout)
		if !ok || client.CommandResponse == nil {
			return &ConnectSequenceFailure{Reason: "missing command response during handshake"}
		}
		resp := client.CommandResponse
		if !s.session.IsValid(resp.SessionID) {
			return &ConnectSequenceFailure{Reason: "command response session id mismatch"}
		}
		if _, ok := s.tracker.CommandDevice(resp.MessageCounter); !ok {
			return &ConnectSequenceFailure{Reason: fmt.Sprintf("command response counter %d matches no outstanding command", resp.MessageCounter)}
		}
		for _, popped := range s.tracker.Pop(resp.MessageCounter) {
			if popped.FromAPI {
				if host, ok := s.cfg.Modules[popped.Device.Module]; ok {
					host.CommandAck(popped.Data, popped.Device)
				}
			}
		}
	}
	return nil
}

func (s *Server) pullClientMessage(timeout time.Duration) (*protocol.ExternalClient, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if msg, ok := s.cfg.Transport.GetMessage(); ok {
			return msg, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(time.Millisecond)
	}
}

// --- normal communication (spec §4.9) ---

func (s *Server) runNormalCommunication() error {
	s.transition(Running)
	s.session.Start()
	defer s.session.Stop()

	for s.isRunning() {
		evt := s.events.Get()
		if err := s.dispatch(evt); err != nil {
			return err
		}
		if s.stateIs(Stopped) {
			return nil
		}
	}
	return nil
}

func (s *Server) dispatch(evt eventqueue.Event) error {
	switch evt.Kind {
	case eventqueue.CarMessageAvailable:
		return s.handleCarMessage()
	case eventqueue.CommandAvailable:
		return s.handleCommandAvailable(evt.Data.(uint32))
	case eventqueue.MqttDisconnected:
		return &CommunicationException{Kind: UnexpectedMqttDisconnect}
	case eventqueue.TimeoutOccurred:
		return s.handleTimeout(evt.Data.(eventqueue.TimeoutKind))
	case eventqueue.ServerStopped:
		s.transition(Stopped)
		return nil
	default:
		s.logger.Warn("dropping unknown event kind", zap.Stringer("kind", evt.Kind))
		return nil
	}
}

func (s *Server) handleTimeout(kind eventqueue.TimeoutKind) error {
	switch kind {
	case eventqueue.TimeoutSession:
		s.reportEvent("timeout", "session")
		return &CommunicationException{Kind: SessionTimeout}
	case eventqueue.TimeoutStatus:
		s.reportEvent("timeout", "status")
		return &CommunicationException{Kind: StatusTimeout}
	case eventqueue.TimeoutCommandResponse:
		s.reportEvent("timeout", "command_response")
		return &CommunicationException{Kind: CommandResponseTimeout}
	default:
		return &CommunicationException{Kind: CommandResponseTimeout, Reason: "unknown timeout kind"}
	}
}

func (s *Server) handleCarMessage() error {
	msg, ok := s.cfg.Transport.GetMessage()
	if !ok {
		return &CommunicationException{Kind: NoMessage}
	}
	switch {
	case msg.Connect != nil:
		return s.handleUnexpectedConnect(msg.Connect)
	case msg.Status != nil:
		return s.handleStatus(msg.Status)
	case msg.CommandResponse != nil:
		return s.handleCommandResponse(msg.CommandResponse)
	default:
		s.logger.Warn("dropping message with no recognized payload")
		return nil
	}
}

// handleUnexpectedConnect implements spec §4.9 normal-traffic rule: the
// handshake never re-runs from inside normal traffic.
func (s *Server) handleUnexpectedConnect(connect *protocol.Connect) error {
	if s.session.IsValid(connect.SessionID) {
		return s.publishOrFail(protocol.NewConnectResponse(s.session.ID(), protocol.ConnectAlreadyLogged))
	}
	s.logger.Info("ignoring connect with mismatched session id during normal traffic")
	return nil
}

func (s *Server) handleStatus(status *protocol.Status) error {
	if !s.session.IsValid(status.SessionID) {
		s.logger.Info("ignoring status with mismatched session id")
		return nil
	}
	s.session.Reset()
	s.checker.Check(*status)

	for {
		checked, ok := s.checker.Get()
		if !ok {
			break
		}
		if err := s.applyCheckedStatus(checked); err != nil {
			return err
		}
	}

	if s.known.NConnected() == 0 {
		return &CommunicationException{Kind: AllDevicesDisconnected}
	}
	return nil
}

func (s *Server) applyCheckedStatus(status protocol.Status) error {
	device := status.DeviceStatus.Device
	host, ok := s.cfg.Modules[device.Module]
	if !ok {
		s.logger.Warn("status for unconfigured module", zap.Uint32("module", device.Module))
		return nil
	}
	host.ForwardStatus(status.DeviceStatus.StatusData, device)
	if err := s.publishOrFail(protocol.NewStatusResponse(s.session.ID(), status.MessageCounter)); err != nil {
		return err
	}
	if status.DeviceState == protocol.StatusDisconnect {
		host.DeviceDisconnected(plugin.DisconnectAnnounced, device)
		s.known.Disconnect(device)
		s.reportEvent("device_disconnected", deviceDetail(device))
	}
	return nil
}

func (s *Server) handleCommandResponse(resp *protocol.CommandResponse) error {
	if !s.session.IsValid(resp.SessionID) {
		s.logger.Info("ignoring command response with mismatched session id")
		return nil
	}
	s.session.Reset()

	if resp.Type == protocol.CommandDeviceNotConnected {
		if device, ok := s.tracker.CommandDevice(resp.MessageCounter); ok {
			if host, ok := s.cfg.Modules[device.Module]; ok {
				host.DeviceDisconnected(plugin.DisconnectAnnounced, device)
			}
			s.known.Disconnect(device)
			s.reportEvent("device_disconnected", deviceDetail(device))
		}
	}

	for _, popped := range s.tracker.Pop(resp.MessageCounter) {
		if popped.FromAPI {
			if host, ok := s.cfg.Modules[popped.Device.Module]; ok {
				host.CommandAck(popped.Data, popped.Device)
			}
		}
	}
	return nil
}

func (s *Server) handleCommandAvailable(moduleID uint32) error {
	host, ok := s.cfg.Modules[moduleID]
	if !ok {
		return nil
	}
	for {
		cmd, ok := host.PopCommand()
		if !ok {
			return nil
		}
		if cmd.Device.Module != moduleID && !s.cfg.SendInvalidCommand {
			s.logger.Warn("dropping command for module-id mismatch",
				zap.Uint32("expected", moduleID), zap.Uint32("actual", cmd.Device.Module))
			continue
		}
		if cmd.Device.Module != moduleID {
			s.logger.Warn("publishing command despite module-id mismatch",
				zap.Uint32("expected", moduleID), zap.Uint32("actual", cmd.Device.Module))
		}
		hc := s.tracker.Add(cmd.Device, cmd.CommandData, true)
		if err := s.publishOrFail(protocol.NewCommand(s.session.ID(), hc.Counter, cmd.Device, cmd.CommandData)); err != nil {
			return err
		}
	}
}

func (s *Server) publishOrFail(msg *protocol.ExternalServer) error {
	err := s.cfg.Transport.Publish(msg)
	if msg.Command != nil && s.cfg.Car != "" {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.CommandsPublishedTotal.WithLabelValues(s.cfg.Car, outcome).Inc()
	}
	if err != nil {
		return &MqttCommunicationError{Cause: err}
	}
	return nil
}

// --- teardown (spec §4.9 "Clear context") ---

func (s *Server) clearContext() {
	s.cfg.Transport.Disconnect()
	s.session.Stop()
	s.checker.Reset()
	s.tracker.Reset()

	for _, d := range s.known.ListConnected() {
		if host, ok := s.cfg.Modules[d.Module]; ok {
			host.DeviceDisconnected(plugin.DisconnectTimeout, d)
		}
	}
	s.known.Clear()
	s.events.Clear()
}

func deviceDetail(d protocol.Device) string {
	return fmt.Sprintf("module=%d type=%d role=%s", d.Module, d.Type, d.Role)
}
