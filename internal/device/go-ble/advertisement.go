package goble

import (
	"slices"

	"github.com/go-ble/ble"
	"github.com/srg/blesession/internal/device"
)

// NewAdvertisement converts a go-ble advertisement to a device.Advertisement
func NewAdvertisement(adv ble.Advertisement) device.Advertisement {
	out := device.Advertisement{
		LocalName:        adv.LocalName(),
		RSSI:             adv.RSSI(),
		Connectable:      adv.Connectable(),
		ManufacturerData: slices.Clone(adv.ManufacturerData()),
	}
	if addr := adv.Addr(); addr != nil {
		out.Address = addr.String()
	}

	services := adv.Services()
	if len(services) > 0 {
		out.Services = make([]string, len(services))
		for i, svc := range services {
			out.Services[i] = svc.String()
		}
	}
	return out
}
