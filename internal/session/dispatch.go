package session

import (
	"slices"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
)

// dispatcher is the single re-entry point for native events.
type dispatcher struct {
	m *Manager
}

var _ device.EventHandler = (*dispatcher)(nil)

func (d *dispatcher) OnConnected(h device.Handle) {
	d.m.onConnected(h)
}

func (d *dispatcher) OnConnectFailed(address string, err error) {
	c, ok := d.m.sessions.Get(address)
	if !ok {
		d.m.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Debug("Connect failure for unknown session")
		return
	}
	if err == nil {
		err = device.ErrGenericFailure
	}
	d.m.failConnect(c, device.MapConnectError(address, err))
}

func (d *dispatcher) OnDisconnected(address string, err error) {
	d.m.onDisconnected(address, err)
}

func (d *dispatcher) OnServicesDiscovered(address string, services []device.ServiceInfo, err error) {
	d.complete(device.OperationKey(address, "services"), opDiscover, opResult{services: services, err: err})
}

func (d *dispatcher) OnCharacteristicRead(address string, ref device.CharRef, value []byte, err error) {
	key := device.CharacteristicKey(address, ref.Service, ref.Characteristic)
	d.complete(key, opRead, opResult{value: slices.Clone(value), err: err})
}

func (d *dispatcher) OnCharacteristicWritten(address string, ref device.CharRef, err error) {
	key := device.CharacteristicKey(address, ref.Service, ref.Characteristic)
	d.complete(key, opWrite, opResult{err: err})
}

func (d *dispatcher) OnNotificationStateChanged(address string, ref device.CharRef, _ bool, err error) {
	key := device.CharacteristicKey(address, ref.Service, ref.Characteristic)
	d.complete(key, opNotify, opResult{err: err})
}

func (d *dispatcher) OnCharacteristicChanged(address string, ref device.CharRef, value []byte) {
	key := device.CharacteristicKey(address, ref.Service, ref.Characteristic)
	obs, ok := d.m.observations.Get(key)
	if !ok {
		d.m.logger.WithField("char_id", key).Debug("Value change without an observation channel")
		return
	}
	obs.cell.Set(slices.Clone(value))
}

func (d *dispatcher) OnMTUChanged(address string, mtu int, err error) {
	log := d.m.logger.WithField("address", address)
	if err != nil {
		log.WithError(err).Warn("MTU negotiation failed")
	} else if c, ok := d.m.sessions.Get(address); ok {
		c.mu.Lock()
		c.mtu = mtu
		c.mu.Unlock()
		log.WithField("mtu", mtu).Debug("MTU changed")
	}

	key := device.OperationKey(address, "mtu")
	d.m.queues.forAddress(address).complete(key, opMTU, opResult{mtu: mtu, err: err})
}

func (d *dispatcher) OnScanFailed(err error) {
	d.m.scan.onScanFailed(err)
}

// complete resolves the in-flight operation matching key and kind.
func (d *dispatcher) complete(key string, kind opKind, r opResult) {
	if !d.m.queues.forAddress(device.AddressOf(key)).complete(key, kind, r) {
		d.m.logger.WithFields(logrus.Fields{
			"char_id": key,
			"op":      kind.String(),
		}).Warn("Completion does not match the operation in flight")
	}
}
