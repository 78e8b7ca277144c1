package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blesession/internal/device"
)

// AdvertisementBuilder builds discovery events for the fake driver
type AdvertisementBuilder struct {
	adv device.Advertisement
}

// NewAdvertisementBuilder creates a builder for a connectable advertisement
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{
		adv: device.Advertisement{
			RSSI:        -50,
			Connectable: true,
		},
	}
}

// WithName sets the local name
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.LocalName = name
	return b
}

// WithAddress sets the device address
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

// WithRSSI sets the signal strength
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.RSSI = rssi
	return b
}

// WithServices sets the advertised service UUIDs
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	if len(uuids) == 0 {
		b.adv.Services = nil
		return b
	}
	b.adv.Services = append([]string(nil), uuids...)
	return b
}

// WithManufacturerData sets the manufacturer data
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.ManufacturerData = data
	return b
}

// WithConnectable sets the connectable flag
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.Connectable = c
	return b
}

// FromJSON fills the advertisement from JSON
//
//	{"name": "HRM", "address": "AA:BB:CC:DD:EE:FF", "rssi": -40, "services": ["180D"]}
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var cfg struct {
		Name             string   `json:"name"`
		Address          string   `json:"address"`
		RSSI             *int     `json:"rssi"`
		Services         []string `json:"services"`
		ManufacturerData []byte   `json:"manufacturer_data"`
		Connectable      *bool    `json:"connectable"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &cfg); err != nil {
		panic(fmt.Sprintf("AdvertisementBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.WithName(cfg.Name).WithAddress(cfg.Address).WithServices(cfg.Services...).WithManufacturerData(cfg.ManufacturerData)
	if cfg.RSSI != nil {
		b.WithRSSI(*cfg.RSSI)
	}
	if cfg.Connectable != nil {
		b.WithConnectable(*cfg.Connectable)
	}
	return b
}

// Build returns the advertisement
func (b *AdvertisementBuilder) Build() device.Advertisement {
	adv := b.adv
	adv.Services = append([]string(nil), b.adv.Services...)
	if len(adv.Services) == 0 {
		adv.Services = nil
	}
	return adv
}
