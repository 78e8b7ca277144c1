package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/blesession/internal/device"
)

// ErrAdapterOff reports a powered off Bluetooth adapter.
var ErrAdapterOff = errors.New("bluetooth adapter is powered off")

// NormalizeError maps known go-ble errors to the engine error taxonomy.
// ATT errors become GATTError carrying the ATT code as status; known messages
// are wrapped with a sentinel. Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	var attErr ble.ATTError
	if errors.As(err, &attErr) {
		return &device.GATTError{Status: int(attErr), Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &device.GATTError{Status: device.StatusConnectionTimeout, Err: err}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "central manager has invalid state"):
		return fmt.Errorf("%w: %w", ErrAdapterOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %w", ErrAdapterOff, err)
	case containsIgnoreCase(msg, "operation not permitted"), containsIgnoreCase(msg, "permission denied"):
		return fmt.Errorf("%w: %w", device.ErrPermissionsMissing, err)
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %w", device.ErrConnectionLost, err)
	case containsIgnoreCase(msg, "timed out"), containsIgnoreCase(msg, "timeout"):
		return &device.GATTError{Status: device.StatusConnectionTimeout, Err: err}
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
