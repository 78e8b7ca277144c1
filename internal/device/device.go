package device

import (
	"fmt"
	"slices"
)

// UnnamedDevice is reported for peripherals that advertise no local name.
const UnnamedDevice = "Unnamed"

// Device is a snapshot of a discovered peripheral.
// The address is the stable key; every other field reflects the latest discovery.
type Device struct {
	Address      string   `json:"address"`
	Name         string   `json:"name"`
	Connected    bool     `json:"connected"`
	RSSI         int      `json:"rssi"`
	ServiceUUIDs []string `json:"service_uuids,omitempty"`
}

// Clone returns a copy that shares no slices with d.
func (d Device) Clone() Device {
	d.ServiceUUIDs = slices.Clone(d.ServiceUUIDs)
	return d
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.Address)
}

// Advertisement is a single discovery event reported by a driver.
type Advertisement struct {
	Address          string
	LocalName        string
	RSSI             int
	Services         []string
	Connectable      bool
	ManufacturerData []byte
}

// ConnectionState is a step of the per-device connection lifecycle.
type ConnectionState int

const (
	Idle ConnectionState = iota
	Connecting
	Connected
	Disconnecting
	Disconnected
)

func (s ConnectionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// StatusCallback receives connection lifecycle transitions in order.
// It runs while the transition is in progress and must not call back into
// Connect or Disconnect synchronously.
type StatusCallback func(dev Device, state ConnectionState)
