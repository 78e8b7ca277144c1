package goble

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-ble/ble"
	"github.com/srg/blesession/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantIs     error
		wantStatus int
	}{
		{name: "nil", err: nil},
		{name: "ATT error", err: ble.ErrWriteNotPerm, wantStatus: device.StatusWriteNotPermitted},
		{name: "wrapped ATT error", err: fmt.Errorf("write: %w", ble.ErrInvalAttrValueLen), wantStatus: device.StatusInvalidAttributeLength},
		{name: "context deadline", err: context.DeadlineExceeded, wantStatus: device.StatusConnectionTimeout},
		{name: "stack timeout", err: errors.New("dial: connection Timeout"), wantStatus: device.StatusConnectionTimeout},
		{
			name:   "CoreBluetooth powered off",
			err:    errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"),
			wantIs: ErrAdapterOff,
		},
		{name: "bluetooth off", err: errors.New("Bluetooth is turned off"), wantIs: ErrAdapterOff},
		{name: "hci permission", err: errors.New("can't init hci: Operation not permitted"), wantIs: device.ErrPermissionsMissing},
		{name: "not connected", err: errors.New("device not connected"), wantIs: device.ErrConnectionLost},
		{name: "disconnected", err: errors.New("peripheral disconnected"), wantIs: device.ErrConnectionLost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.err)
			if tt.err == nil {
				assert.NoError(t, got)
				return
			}

			assert.ErrorIs(t, got, tt.err, "original error MUST be preserved")
			if tt.wantIs != nil {
				assert.ErrorIs(t, got, tt.wantIs)
			}
			if tt.wantStatus != 0 {
				status, ok := device.StatusOf(got)
				assert.True(t, ok, "status MUST be extractable")
				assert.Equal(t, tt.wantStatus, status)
			}
		})
	}

	t.Run("unknown errors pass through", func(t *testing.T) {
		err := errors.New("something odd")
		assert.Same(t, err, NormalizeError(err))
	})
}

func TestNormalizeError_MapsToTaxonomy(t *testing.T) {
	id := "AA:BB:CC:DD:EE:FF/180F/2A19"

	assert.ErrorIs(t, device.MapCharacteristicError(id, NormalizeError(ble.ErrReadNotPerm)), device.ErrNotPermitted)
	assert.ErrorIs(t, device.MapCharacteristicError(id, NormalizeError(ble.ErrInvalAttrValueLen)), device.ErrMtuExceeded)
	assert.ErrorIs(t, device.MapCharacteristicError(id, NormalizeError(errors.New("disconnected"))), device.ErrCharInvalidDevice)
	assert.ErrorIs(t, device.MapConnectError("AA:BB:CC:DD:EE:FF", NormalizeError(context.DeadlineExceeded)), device.ErrTimeout)
}
