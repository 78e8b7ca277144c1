package session

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
)

// Service UUIDs that carry no application data.
const (
	genericAccessService    = "1800"
	genericAttributeService = "1801"
)

// MinMTU is the ATT default MTU used when nothing better is known.
const MinMTU = 23

// attHeaderLength is the ATT write request overhead subtracted from the MTU.
const attHeaderLength = 3

// Service is a discovered GATT service of a connected device. It is immutable.
type Service struct {
	Device          device.Device
	UUID            string
	MTU             int
	Characteristics []*Characteristic
}

// Characteristic returns the characteristic with the given UUID.
func (s *Service) Characteristic(uuid string) (*Characteristic, bool) {
	want := device.NormalizeUUID(uuid)
	for _, c := range s.Characteristics {
		if c.uuid == want {
			return c, true
		}
	}
	return nil, false
}

// GetServices discovers, or returns the cached, services of a connected device.
// Generic Access and Generic Attribute are omitted unless configured otherwise.
func (m *Manager) GetServices(ctx context.Context, dev device.Device) ([]*Service, error) {
	address := dev.Address
	c, ok := m.sessions.Get(address)
	if !ok || c.currentState() != device.Connected {
		return nil, device.NewConnectionError(device.InvalidDevice, address, device.ErrConnectionLost)
	}

	c.mu.Lock()
	cached := c.services
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	key := device.OperationKey(address, "services")
	op := newOperation(key, opDiscover, func() error {
		h, ok := m.liveHandle(address)
		if !ok {
			return device.NewCharacteristicError(device.CharInvalidDevice, key, device.ErrConnectionLost)
		}
		if err := m.driver.DiscoverServices(h); err != nil {
			return device.NewCharacteristicError(device.FailedToInit, key, err)
		}
		return nil
	})
	m.queues.forAddress(address).enqueue(op)

	r := op.wait(ctx)
	if r.err != nil {
		m.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   r.err,
		}).Error("Failed to discover services")
		return nil, r.err
	}

	services := m.buildServices(c, r.services)

	c.mu.Lock()
	if c.state == device.Connected {
		if c.services == nil {
			c.services = services
		}
		services = c.services
	}
	c.mu.Unlock()

	return services, nil
}

func (m *Manager) buildServices(c *connection, infos []device.ServiceInfo) []*Service {
	mtu := m.serviceMTU(c)

	c.mu.Lock()
	dev := c.dev.Clone()
	c.mu.Unlock()

	services := make([]*Service, 0, len(infos))
	total := 0
	for _, info := range infos {
		svcUUID := device.NormalizeUUID(info.UUID)
		if !m.cfg.IncludeGenericServices && (svcUUID == genericAccessService || svcUUID == genericAttributeService) {
			continue
		}

		svc := &Service{
			Device:          dev,
			UUID:            svcUUID,
			MTU:             mtu,
			Characteristics: make([]*Characteristic, 0, len(info.Characteristics)),
		}
		for _, ch := range info.Characteristics {
			svc.Characteristics = append(svc.Characteristics, newCharacteristic(m, c.address, svcUUID, ch))
		}
		total += len(svc.Characteristics)
		services = append(services, svc)
	}

	m.logger.WithFields(logrus.Fields{
		"address":         c.address,
		"services":        len(services),
		"characteristics": total,
		"mtu":             mtu,
	}).Debug("Services discovered")
	return services
}

// serviceMTU is the negotiated MTU, the stack's write limit plus header, or the ATT default.
func (m *Manager) serviceMTU(c *connection) int {
	c.mu.Lock()
	mtu, h := c.mtu, c.handle
	c.mu.Unlock()

	if mtu > 0 {
		return mtu
	}
	if h != nil {
		if n, ok := m.driver.MaxWriteLength(h, device.WithoutResponse); ok && n > 0 {
			return n + attHeaderLength
		}
	}
	return MinMTU
}

// Characteristic looks up a characteristic of a connected device whose services were discovered.
func (m *Manager) Characteristic(address, service, characteristic string) (*Characteristic, error) {
	c, ok := m.sessions.Get(address)
	if !ok {
		return nil, &device.NotFoundError{Resource: "device", UUIDs: []string{address}}
	}
	c.mu.Lock()
	services := c.services
	c.mu.Unlock()

	svcUUID := device.NormalizeUUID(service)
	for _, svc := range services {
		if svc.UUID != svcUUID {
			continue
		}
		if ch, ok := svc.Characteristic(characteristic); ok {
			return ch, nil
		}
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{address, svcUUID, device.NormalizeUUID(characteristic)}}
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{address, svcUUID}}
}

func (s *Service) String() string {
	return fmt.Sprintf("%s (%d characteristics)", s.UUID, len(s.Characteristics))
}
