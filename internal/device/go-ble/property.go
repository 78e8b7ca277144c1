package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blesession/internal/device"
)

var propertyFlags = []struct {
	native ble.Property
	prop   device.Property
}{
	{ble.CharBroadcast, device.PropBroadcast},
	{ble.CharRead, device.PropRead},
	{ble.CharWriteNR, device.PropWriteWithoutResponse},
	{ble.CharWrite, device.PropWrite},
	{ble.CharNotify, device.PropNotify},
	{ble.CharIndicate, device.PropIndicate},
	{ble.CharSignedWrite, device.PropSignedWrite},
	{ble.CharExtended, device.PropExtended},
}

// NewProperties converts go-ble characteristic property flags to device.Property.
func NewProperties(p ble.Property) device.Property {
	var out device.Property
	for _, f := range propertyFlags {
		if p&f.native != 0 {
			out |= f.prop
		}
	}
	return out
}

// serviceInfos converts a discovered profile and indexes its characteristics by reference.
func serviceInfos(profile *ble.Profile) ([]device.ServiceInfo, map[device.CharRef]*ble.Characteristic) {
	chars := make(map[device.CharRef]*ble.Characteristic)
	if profile == nil {
		return nil, chars
	}

	infos := make([]device.ServiceInfo, 0, len(profile.Services))
	for _, svc := range profile.Services {
		svcUUID := device.NormalizeUUID(svc.UUID.String())
		info := device.ServiceInfo{UUID: svcUUID}
		for _, c := range svc.Characteristics {
			charUUID := device.NormalizeUUID(c.UUID.String())
			info.Characteristics = append(info.Characteristics, device.CharacteristicInfo{
				UUID:       charUUID,
				Properties: NewProperties(c.Property),
			})
			chars[device.CharRef{Service: svcUUID, Characteristic: charUUID}] = c
		}
		infos = append(infos, info)
	}
	return infos, chars
}
