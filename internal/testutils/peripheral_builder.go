package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blesession/internal/device"
)

// ConnectMode selects how a fake peripheral answers a connect attempt.
type ConnectMode string

const (
	ConnectSucceeds ConnectMode = "ok"
	ConnectFails    ConnectMode = "fail"
	ConnectSilent   ConnectMode = "silent"
)

// CharacteristicConfig represents a BLE characteristic configuration for mocking
type CharacteristicConfig struct {
	UUID        string `json:"uuid"`
	Properties  string `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value       []byte `json:"value,omitempty"`
	ReadStatus  int    `json:"read_status,omitempty"`  // native status returned by reads, 0 = success
	WriteStatus int    `json:"write_status,omitempty"` // native status returned by writes, 0 = success
}

// ServiceConfig represents a BLE service configuration for mocking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// PeripheralConfig represents the complete fake peripheral
type PeripheralConfig struct {
	Address       string          `json:"address"`
	Name          string          `json:"name,omitempty"`
	RSSI          int             `json:"rssi,omitempty"`
	Advertised    []string        `json:"advertised,omitempty"`
	Services      []ServiceConfig `json:"services"`
	Connect       ConnectMode     `json:"connect,omitempty"`
	ConnectStatus int             `json:"connect_status,omitempty"`
}

// PeripheralBuilder builds fake peripherals with full service/characteristic support
type PeripheralBuilder struct {
	cfg PeripheralConfig
}

// NewPeripheralBuilder creates a new peripheral builder for address
func NewPeripheralBuilder(address string) *PeripheralBuilder {
	return &PeripheralBuilder{
		cfg: PeripheralConfig{
			Address:  address,
			RSSI:     -50,
			Services: []ServiceConfig{},
			Connect:  ConnectSucceeds,
		},
	}
}

// WithName sets the advertised local name
func (b *PeripheralBuilder) WithName(name string) *PeripheralBuilder {
	b.cfg.Name = name
	return b
}

// WithRSSI sets the advertised signal strength
func (b *PeripheralBuilder) WithRSSI(rssi int) *PeripheralBuilder {
	b.cfg.RSSI = rssi
	return b
}

// WithAdvertisedServices sets the service UUIDs carried in advertisements
func (b *PeripheralBuilder) WithAdvertisedServices(uuids ...string) *PeripheralBuilder {
	b.cfg.Advertised = uuids
	return b
}

// WithService adds a service to the profile
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.cfg.Services = append(b.cfg.Services, ServiceConfig{
		UUID:            uuid,
		Characteristics: []CharacteristicConfig{},
	})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralBuilder {
	b.lastService().Characteristics = append(b.lastService().Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// WithReadStatus makes reads of the last added characteristic fail with a native status
func (b *PeripheralBuilder) WithReadStatus(status int) *PeripheralBuilder {
	b.lastCharacteristic().ReadStatus = status
	return b
}

// WithWriteStatus makes writes of the last added characteristic fail with a native status
func (b *PeripheralBuilder) WithWriteStatus(status int) *PeripheralBuilder {
	b.lastCharacteristic().WriteStatus = status
	return b
}

// WithConnectFailure makes connect attempts fail with a native status
func (b *PeripheralBuilder) WithConnectFailure(status int) *PeripheralBuilder {
	b.cfg.Connect = ConnectFails
	b.cfg.ConnectStatus = status
	return b
}

// WithSilentConnect makes connect attempts never answer
func (b *PeripheralBuilder) WithSilentConnect() *PeripheralBuilder {
	b.cfg.Connect = ConnectSilent
	return b
}

// FromJSON fills the peripheral from JSON, keeping the address when the JSON has none
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	cfg := PeripheralConfig{Connect: ConnectSucceeds}
	if err := json.Unmarshal([]byte(jsonStr), &cfg); err != nil {
		panic(fmt.Sprintf("PeripheralBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	if cfg.Address == "" {
		cfg.Address = b.cfg.Address
	}
	b.cfg = cfg
	return b
}

// Build returns the peripheral configuration
func (b *PeripheralBuilder) Build() PeripheralConfig {
	return b.cfg
}

// Advertisement returns the advertisement the peripheral broadcasts
func (b *PeripheralBuilder) Advertisement() device.Advertisement {
	return b.cfg.Advertisement()
}

func (b *PeripheralBuilder) lastService() *ServiceConfig {
	if len(b.cfg.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	return &b.cfg.Services[len(b.cfg.Services)-1]
}

func (b *PeripheralBuilder) lastCharacteristic() *CharacteristicConfig {
	svc := b.lastService()
	if len(svc.Characteristics) == 0 {
		panic("no characteristic added yet, call WithCharacteristic first")
	}
	return &svc.Characteristics[len(svc.Characteristics)-1]
}

// Advertisement returns the advertisement the peripheral broadcasts
func (p PeripheralConfig) Advertisement() device.Advertisement {
	return NewAdvertisementBuilder().
		WithAddress(p.Address).
		WithName(p.Name).
		WithRSSI(p.RSSI).
		WithServices(p.Advertised...).
		Build()
}

// ServiceInfos converts the profile to what a driver reports after discovery
func (p PeripheralConfig) ServiceInfos() []device.ServiceInfo {
	out := make([]device.ServiceInfo, 0, len(p.Services))
	for _, svc := range p.Services {
		info := device.ServiceInfo{UUID: svc.UUID}
		for _, ch := range svc.Characteristics {
			info.Characteristics = append(info.Characteristics, device.CharacteristicInfo{
				UUID:       ch.UUID,
				Properties: device.ParseProperties(ch.Properties),
			})
		}
		out = append(out, info)
	}
	return out
}

// characteristic finds a characteristic by normalized reference
func (p PeripheralConfig) characteristic(ref device.CharRef) (*CharacteristicConfig, bool) {
	for i := range p.Services {
		if device.NormalizeUUID(p.Services[i].UUID) != ref.Service {
			continue
		}
		for j := range p.Services[i].Characteristics {
			if device.NormalizeUUID(p.Services[i].Characteristics[j].UUID) == ref.Characteristic {
				return &p.Services[i].Characteristics[j], true
			}
		}
	}
	return nil, false
}
