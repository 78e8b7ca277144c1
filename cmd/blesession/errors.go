package main

import (
	"errors"
	"fmt"

	"github.com/srg/blesession/internal/device"
)

// Command-level errors
var (
	// ErrAdapterNotReady indicates the Bluetooth adapter is off or unavailable.
	ErrAdapterNotReady = errors.New("bluetooth adapter is not ready")

	// ErrConnectionLost indicates the BLE connection was lost while a command was running.
	ErrConnectionLost = errors.New("connection lost")
)

// userHints maps engine errors to a short explanation for the terminal.
var userHints = []struct {
	target error
	hint   string
}{
	{ErrAdapterNotReady, "turn Bluetooth on and try again"},
	{device.ErrPermissionsMissing, "grant this program Bluetooth access and try again"},
	{device.ErrUnsupported, "Bluetooth is not supported on this platform"},
	{device.ErrTimeout, "the device did not respond in time; make sure it is in range and advertising"},
	{device.ErrAlreadyConnected, "the device is already connected"},
	{device.ErrInvalidDevice, "the device is not available; run 'blesession scan' to check it is advertising"},
	{device.ErrNotPermitted, "the characteristic does not allow this operation"},
	{device.ErrMtuExceeded, "the value is too long for the negotiated MTU"},
	{device.ErrCharInvalidDevice, "the device disconnected"},
	{ErrConnectionLost, "the device disconnected"},
}

// FormatUserError renders err for the terminal, prefixing a hint for known failures.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var nf *device.NotFoundError
	if errors.As(err, &nf) {
		return nf.Error()
	}

	for _, h := range userHints {
		if errors.Is(err, h.target) {
			return fmt.Sprintf("%s (%v)", h.hint, err)
		}
	}
	return err.Error()
}
