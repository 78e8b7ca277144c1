//go:build darwin

package main

const (
	exampleDeviceAddress = "01234567-89AB-CDEF-0123-456789ABCDEF"
	deviceAddressNote    = "Device address format: 128-bit UUID assigned by CoreBluetooth\n  Use 'blesession scan' to discover devices"
)
