// Package modulehost implements the per-module host (spec §4.7): it owns
// one plugin.ModulePlugin instance, runs a command-poller goroutine that
// drains commands out of the plugin into an internal FIFO, and exposes thin
// mutex-serialized forwarders for every other plugin operation.
//
// Grounded on the original's external_server/server_module/server_module.py
// ServerModule and command_waiting_thread.py CommandWaitingThread: the
// polling thread becomes a goroutine, the per-module RLock becomes a
// sync.Mutex, and the FIFO (a Python collections.deque) becomes a Go slice
// guarded by the same mutex.
package modulehost

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wheelos/fleet-bridge/pkg/eventqueue"
	"github.com/wheelos/fleet-bridge/pkg/plugin"
	"github.com/wheelos/fleet-bridge/pkg/protocol"
)

// PollInterval is the timeout passed to each WaitForCommand call, matching
// the original's 1000 ms polling granularity (spec §5).
const PollInterval = 1000 * time.Millisecond

// ConnectedFunc reports whether the module currently has at least one
// connected device. The poller consults it to decide whether an accumulated
// command should be queued normally or replace the whole FIFO with just
// itself (spec §4.7 step 2).
type ConnectedFunc func(moduleID uint32) bool

// Host owns one module's plugin instance and command FIFO.
type Host struct {
	moduleID uint32
	p        plugin.ModulePlugin
	ctx      plugin.Context
	events   *eventqueue.Queue
	connected ConnectedFunc
	logger   *zap.Logger

	pluginMu sync.Mutex // serializes every plugin call except WaitForCommand

	fifoMu sync.Mutex
	fifo   []protocol.DeviceCommand

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Host for moduleID, initializes the plugin, and verifies its
// self-reported module number matches moduleID (spec §4.7: "fail-fast" on
// mismatch). It does not start the poller; call Start for that.
func New(moduleID uint32, p plugin.ModulePlugin, config []plugin.ConfigEntry, events *eventqueue.Queue, connected ConnectedFunc, logger *zap.Logger) (*Host, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.Uint32("module", moduleID))

	ctx, err := p.Init(config)
	if err != nil {
		return nil, fmt.Errorf("modulehost: init module %d: %w", moduleID, err)
	}
	if n := p.GetModuleNumber(); uint32(n) != moduleID {
		return nil, fmt.Errorf("modulehost: plugin reports module number %d, configured as %d", n, moduleID)
	}
	return &Host{
		moduleID:  moduleID,
		p:         p,
		ctx:       ctx,
		events:    events,
		connected: connected,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// ModuleID returns the module number this host was created for.
func (h *Host) ModuleID() uint32 { return h.moduleID }

// Start launches the command-poller goroutine (spec §4.7 steps 1-3).
func (h *Host) Start() {
	go h.pollLoop()
}

func (h *Host) pollLoop() {
	defer close(h.doneCh)
	for {
		select {
		case <-h.stopCh:
			return
		default:
		}

		code := h.p.WaitForCommand(int(PollInterval.Milliseconds()), h.ctx)

		switch code {
		case plugin.OK:
			h.drain()
		case plugin.Timeout:
			// no command available within the poll interval; loop again
		default:
			// any other negative code is an error the original logs and
			// continues polling on (spec §4.7 step 1)
			h.logger.Error("wait for command failed", zap.Stringer("code", code))
		}
	}
}

func (h *Host) drain() {
	var popped []protocol.DeviceCommand
	for {
		h.pluginMu.Lock()
		cmd, code := h.p.PopCommand(h.ctx)
		h.pluginMu.Unlock()
		if code != plugin.OK {
			break
		}
		popped = append(popped, protocol.DeviceCommand{Device: cmd.Device, CommandData: cmd.Data})
		if cmd.Remaining == 0 {
			break
		}
	}
	if len(popped) == 0 {
		return
	}

	isConnected := h.connected == nil || h.connected(h.moduleID)

	h.fifoMu.Lock()
	if !isConnected {
		// commands accumulated while disconnected are dropped in favour
		// of the freshest one (spec §4.7 step 2)
		h.fifo = popped[len(popped)-1:]
	} else {
		h.fifo = append(h.fifo, popped...)
	}
	h.fifoMu.Unlock()

	if isConnected {
		h.events.Add(eventqueue.CommandAvailable, h.moduleID)
	}
}

// PopCommand performs one non-blocking take from the module's FIFO.
func (h *Host) PopCommand() (protocol.DeviceCommand, bool) {
	h.fifoMu.Lock()
	defer h.fifoMu.Unlock()
	if len(h.fifo) == 0 {
		return protocol.DeviceCommand{}, false
	}
	cmd := h.fifo[0]
	h.fifo = h.fifo[1:]
	return cmd, true
}

// ForwardStatus synchronously delegates to the plugin under the module
// lock.
func (h *Host) ForwardStatus(buffer []byte, device protocol.Device) plugin.Code {
	h.pluginMu.Lock()
	defer h.pluginMu.Unlock()
	return h.p.ForwardStatus(buffer, device, h.ctx)
}

// ForwardErrorMessage synchronously delegates to the plugin under the
// module lock.
func (h *Host) ForwardErrorMessage(buffer []byte, device protocol.Device) plugin.Code {
	h.pluginMu.Lock()
	defer h.pluginMu.Unlock()
	return h.p.ForwardErrorMessage(buffer, device, h.ctx)
}

// CommandAck synchronously delegates to the plugin under the module lock.
func (h *Host) CommandAck(buffer []byte, device protocol.Device) plugin.Code {
	h.pluginMu.Lock()
	defer h.pluginMu.Unlock()
	return h.p.CommandAck(buffer, device, h.ctx)
}

// DeviceConnected synchronously delegates to the plugin under the module
// lock.
func (h *Host) DeviceConnected(device protocol.Device) plugin.Code {
	h.pluginMu.Lock()
	defer h.pluginMu.Unlock()
	return h.p.DeviceConnected(device, h.ctx)
}

// DeviceDisconnected synchronously delegates to the plugin under the
// module lock.
func (h *Host) DeviceDisconnected(kind plugin.DisconnectKind, device protocol.Device) plugin.Code {
	h.pluginMu.Lock()
	defer h.pluginMu.Unlock()
	return h.p.DeviceDisconnected(kind, device, h.ctx)
}

// IsDeviceTypeSupported synchronously delegates to the plugin under the
// module lock.
func (h *Host) IsDeviceTypeSupported(deviceType uint32) bool {
	h.pluginMu.Lock()
	defer h.pluginMu.Unlock()
	return h.p.IsDeviceTypeSupported(deviceType)
}

// Close signals the poller to exit and joins it, then destroys the plugin
// context. A non-nil destroy error is logged at warning level rather than
// failing the caller's shutdown sequence (spec supplement: the original's
// _clear_modules logs, but does not fail on, a non-OK destroy() return).
func (h *Host) Close() error {
	close(h.stopCh)
	<-h.doneCh
	h.pluginMu.Lock()
	defer h.pluginMu.Unlock()
	err := h.p.Destroy(h.ctx)
	if err != nil {
		h.logger.Warn("plugin destroy returned an error", zap.Error(err))
	}
	return err
}
