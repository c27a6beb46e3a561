// Package devices implements the known-devices registry (spec §3, §4.6):
// two disjoint sets of device identities per car, keyed by
// (module, type, role). Grounded on the original's
// external_server/models/devices.py KnownDevices class, translated from
// Python lists (linear scan, equality-based membership) to Go maps keyed
// on Identity for the same O(1) membership semantics the role implies in
// normal operation, while any_connected_from_module stays an explicit scan
// per spec §4.6 ("O(n) scan").
package devices

import (
	"github.com/wheelos/fleet-bridge/internal/metrics"
	"github.com/wheelos/fleet-bridge/pkg/protocol"
)

// Identity is the subset of a Device's fields that determine equality for
// registry purposes (spec §3: "Equality uses (module_id, type, role)
// only").
type Identity struct {
	Module uint32
	Type   uint32
	Role   string
}

// IdentityOf extracts the Identity of a wire Device.
func IdentityOf(d protocol.Device) Identity {
	return Identity{Module: d.Module, Type: d.Type, Role: d.Role}
}

// Registry holds the connected and disconnected device sets for one car.
// A device appears in at most one of the two sets at any time (spec §3
// invariant). The zero value is not usable (its maps are nil); use New.
type Registry struct {
	connected    map[Identity]protocol.Device
	disconnected map[Identity]protocol.Device
	car          string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		connected:    make(map[Identity]protocol.Device),
		disconnected: make(map[Identity]protocol.Device),
	}
}

// SetCar attaches the car name this registry belongs to, used only to
// label the connected-device gauge; the registry works the same either
// way.
func (r *Registry) SetCar(car string) { r.car = car }

func (r *Registry) reportConnectedGauge() {
	if r.car == "" {
		return
	}
	metrics.ConnectedDevices.WithLabelValues(r.car).Set(float64(len(r.connected)))
}

// Connect moves device into the connected set, removing it from
// disconnected if present there.
func (r *Registry) Connect(device protocol.Device) {
	id := IdentityOf(device)
	delete(r.disconnected, id)
	r.connected[id] = device
	r.reportConnectedGauge()
}

// Disconnect moves device into the disconnected set, removing it from
// connected if present there.
func (r *Registry) Disconnect(device protocol.Device) {
	id := IdentityOf(device)
	delete(r.connected, id)
	r.disconnected[id] = device
	r.reportConnectedGauge()
}

// Remove deletes device from whichever set it is currently in, if any.
func (r *Registry) Remove(device protocol.Device) {
	id := IdentityOf(device)
	delete(r.connected, id)
	delete(r.disconnected, id)
	r.reportConnectedGauge()
}

// IsConnected reports whether device is in the connected set.
func (r *Registry) IsConnected(device protocol.Device) bool {
	_, ok := r.connected[IdentityOf(device)]
	return ok
}

// IsDisconnected reports whether device is in the disconnected set.
func (r *Registry) IsDisconnected(device protocol.Device) bool {
	_, ok := r.disconnected[IdentityOf(device)]
	return ok
}

// IsKnown reports whether device is in either set.
func (r *Registry) IsKnown(device protocol.Device) bool {
	return r.IsConnected(device) || r.IsDisconnected(device)
}

// AnyConnectedFromModule reports whether any device from moduleID is
// currently connected. This is an explicit O(n) scan per spec §4.6.
func (r *Registry) AnyConnectedFromModule(moduleID uint32) bool {
	for id := range r.connected {
		if id.Module == moduleID {
			return true
		}
	}
	return false
}

// NConnected returns the number of currently connected devices.
func (r *Registry) NConnected() int { return len(r.connected) }

// NDisconnected returns the number of currently disconnected devices.
func (r *Registry) NDisconnected() int { return len(r.disconnected) }

// NAll returns the total number of known devices, connected or not.
func (r *Registry) NAll() int { return len(r.connected) + len(r.disconnected) }

// ListConnected returns a snapshot of the connected devices.
func (r *Registry) ListConnected() []protocol.Device {
	out := make([]protocol.Device, 0, len(r.connected))
	for _, d := range r.connected {
		out = append(out, d)
	}
	return out
}

// Clear empties both sets.
func (r *Registry) Clear() {
	r.connected = make(map[Identity]protocol.Device)
	r.disconnected = make(map[Identity]protocol.Device)
	r.reportConnectedGauge()
}
