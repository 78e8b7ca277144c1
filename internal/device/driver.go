package device

import (
	"context"
	"fmt"
)

// AdapterState is the power state of the local Bluetooth adapter.
type AdapterState int

const (
	// AdapterUnknown means the native stack has not reported a state yet.
	AdapterUnknown AdapterState = iota
	AdapterResetting
	AdapterUnsupported
	AdapterUnauthorized
	AdapterPoweredOff
	AdapterPoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case AdapterUnknown:
		return "unknown"
	case AdapterResetting:
		return "resetting"
	case AdapterUnsupported:
		return "unsupported"
	case AdapterUnauthorized:
		return "unauthorized"
	case AdapterPoweredOff:
		return "powered_off"
	case AdapterPoweredOn:
		return "powered_on"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Capabilities describes what a native stack can do beyond the common contract.
type Capabilities struct {
	// CanRequestEnable reports whether the platform can show an "enable Bluetooth" prompt.
	CanRequestEnable bool
	// CanRequestPermissions reports whether runtime permissions can be requested.
	CanRequestPermissions bool
	// NegotiatesMTU reports whether the MTU must be requested explicitly after connecting.
	NegotiatesMTU bool
}

// WriteMode selects acknowledged or unacknowledged characteristic writes.
type WriteMode int

const (
	WithResponse WriteMode = iota
	WithoutResponse
)

func (m WriteMode) String() string {
	if m == WithoutResponse {
		return "without_response"
	}
	return "with_response"
}

// Handle is a native connection handle owned by a session.
type Handle interface {
	Address() string
}

// CharRef addresses a characteristic on a connected peripheral by normalized UUIDs.
type CharRef struct {
	Service        string
	Characteristic string
}

func (r CharRef) String() string {
	return r.Service + "/" + r.Characteristic
}

// CharacteristicInfo is a discovered characteristic as reported by a driver.
type CharacteristicInfo struct {
	UUID       string
	Properties Property
}

// ServiceInfo is a discovered service as reported by a driver.
type ServiceInfo struct {
	UUID            string
	Characteristics []CharacteristicInfo
}

// Driver is the capability interface of a native BLE stack.
//
// Calls that start a GATT procedure return immediately. A nil error means the
// procedure was started and its outcome will be delivered to the EventHandler;
// a non-nil error means it could not be started. Every started procedure
// produces exactly one completion event, writes without response included.
//
// Scan delivers results on its own goroutine, never from inside Scan itself,
// and StopScan must not wait for a result callback that is in progress.
type Driver interface {
	Capabilities() Capabilities
	SetEventHandler(h EventHandler)

	AdapterState(ctx context.Context) (AdapterState, error)
	Permissions(ctx context.Context) (bool, error)

	Scan(onResult func(Advertisement)) error
	StopScan() error

	Connect(address string) error
	CancelConnect(address string) error
	Disconnect(h Handle) error
	Release(h Handle)

	DiscoverServices(h Handle) error
	ReadCharacteristic(h Handle, ref CharRef) error
	WriteCharacteristic(h Handle, ref CharRef, data []byte, mode WriteMode) error
	SetNotification(h Handle, ref CharRef, enabled bool) error
	NegotiateMTU(h Handle, size int) error
	// MaxWriteLength returns the largest payload accepted for mode, when the stack knows it.
	MaxWriteLength(h Handle, mode WriteMode) (int, bool)

	Close() error
}

// EventHandler receives native completions and unsolicited events.
// Every method must be safe to call from any goroutine.
type EventHandler interface {
	OnConnected(h Handle)
	OnConnectFailed(address string, err error)
	OnDisconnected(address string, err error)
	OnServicesDiscovered(address string, services []ServiceInfo, err error)
	OnCharacteristicRead(address string, ref CharRef, value []byte, err error)
	OnCharacteristicWritten(address string, ref CharRef, err error)
	OnNotificationStateChanged(address string, ref CharRef, enabled bool, err error)
	OnCharacteristicChanged(address string, ref CharRef, value []byte)
	OnMTUChanged(address string, mtu int, err error)
	OnScanFailed(err error)
}

// Prompter shows platform prompts for enabling the adapter or granting permissions.
// The platform answers by resolving the request id on the session manager.
type Prompter interface {
	RequestAdapterEnable(requestID string) error
	RequestRuntimePermissions(requestID string) error
}
