//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// CoreBluetooth negotiates the MTU on its own and never exposes an exchange.
const negotiatesMTU = false

func newPlatformDevice() (ble.Device, error) {
	return darwin.NewDevice()
}
