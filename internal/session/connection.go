package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
)

// connection is the per-address session and its lifecycle state.
type connection struct {
	address string
	status  device.StatusCallback

	// lifecycle serializes each state change with the delivery of its callback.
	lifecycle sync.Mutex

	mu       sync.Mutex
	dev      device.Device
	state    device.ConnectionState
	handle   device.Handle
	mtu      int
	services []*Service

	connectOnce sync.Once
	connectDone chan struct{}
	connectErr  error

	cancelOnce   sync.Once
	teardownOnce sync.Once
	disconnected chan struct{}
}

func newConnection(dev device.Device, status device.StatusCallback) *connection {
	return &connection{
		address:      dev.Address,
		status:       status,
		dev:          dev,
		state:        device.Idle,
		connectDone:  make(chan struct{}),
		disconnected: make(chan struct{}),
	}
}

// resolveConnect records the outcome of the connect attempt. Only the first call has any effect.
func (c *connection) resolveConnect(err error) {
	c.connectOnce.Do(func() {
		c.connectErr = err
		close(c.connectDone)
	})
}

// connectOutcome waits for the outcome of the connect attempt.
func (c *connection) connectOutcome() error {
	<-c.connectDone
	return c.connectErr
}

// transition moves to state and notifies the status callback.
func (c *connection) transition(state device.ConnectionState) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	c.state = state
	c.dev.Connected = state == device.Connected
	dev := c.dev.Clone()
	c.mu.Unlock()

	if c.status != nil {
		c.status(dev, state)
	}
}

// swapState atomically moves from one of the given states to next.
func (c *connection) swapState(next device.ConnectionState, from ...device.ConnectionState) (device.ConnectionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	for _, f := range from {
		if prev == f {
			c.state = next
			c.dev.Connected = next == device.Connected
			return prev, true
		}
	}
	return prev, false
}

func (c *connection) currentState() device.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) currentHandle() device.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

func (c *connection) notify(state device.ConnectionState) {
	if c.status == nil {
		return
	}
	c.mu.Lock()
	dev := c.dev.Clone()
	c.mu.Unlock()
	c.status(dev, state)
}

// Connect opens a session with dev. The status callback, if any, receives every
// lifecycle transition before Connect returns. Connect returns once the device
// is connected or the attempt has failed.
func (m *Manager) Connect(ctx context.Context, dev device.Device, status device.StatusCallback) error {
	if m.closed.Load() {
		return device.ErrClosed
	}
	address := dev.Address
	log := m.logger.WithField("address", address)

	if err := m.scan.stop(); err != nil {
		log.WithError(err).Warn("Failed to stop scan before connecting")
	}

	if _, live := m.sessions.Get(address); live {
		log.Warn("Connection attempt while already connected")
		return device.NewConnectionError(device.AlreadyConnected, address, nil)
	}
	if !m.scan.isVisible(address) {
		log.Warn("Connection attempt for a device missing from the current scan results")
		return device.NewConnectionError(device.InvalidDevice, address, nil)
	}

	if known, ok := m.scan.lookup(address); ok {
		dev = known
	}
	c := newConnection(dev, status)
	if !m.sessions.Insert(address, c) {
		log.Warn("Connection attempt while already connected")
		return device.NewConnectionError(device.AlreadyConnected, address, nil)
	}

	log.WithField("timeout", m.cfg.ConnectTimeout).Info("Connecting to BLE device...")
	c.transition(device.Connecting)

	if err := m.driver.Connect(address); err != nil {
		mapped := device.MapConnectError(address, err)
		m.failConnect(c, mapped)
		return mapped
	}

	timer := time.NewTimer(m.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-c.connectDone:
		if c.connectErr == nil {
			select {
			case <-c.disconnected:
				log.Warn("Session ended before connect returned")
				return device.NewConnectionError(device.GenericFailure, address, device.ErrConnectionLost)
			default:
			}
		}
		return c.connectErr
	case <-timer.C:
		log.Warn("Connection attempt timed out")
		return m.abortConnect(c, device.NewConnectionError(device.Timeout, address, nil))
	case <-ctx.Done():
		log.WithError(ctx.Err()).Warn("Connection attempt cancelled")
		return m.abortConnect(c, device.NewConnectionError(device.GenericFailure, address, ctx.Err()))
	}
}

// abortConnect cancels a pending attempt natively, exactly once.
// If the attempt already finished, its outcome is returned instead of err.
func (m *Manager) abortConnect(c *connection, err error) error {
	c.lifecycle.Lock()
	if _, ok := c.swapState(device.Disconnected, device.Connecting); !ok {
		c.lifecycle.Unlock()
		return c.connectOutcome()
	}
	m.dropSession(c)
	c.notify(device.Disconnected)
	c.teardownOnce.Do(func() { close(c.disconnected) })
	c.resolveConnect(err)
	c.lifecycle.Unlock()

	c.cancelOnce.Do(func() {
		if cerr := m.driver.CancelConnect(c.address); cerr != nil {
			m.logger.WithFields(logrus.Fields{
				"address": c.address,
				"error":   cerr,
			}).Warn("Failed to cancel connection attempt")
		}
	})
	return c.connectOutcome()
}

// failConnect ends an attempt the native stack reported as failed.
func (m *Manager) failConnect(c *connection, err error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if _, ok := c.swapState(device.Disconnected, device.Connecting); !ok {
		return
	}
	m.logger.WithFields(logrus.Fields{
		"address": c.address,
		"error":   err,
	}).Error("Failed to connect to BLE device")

	m.dropSession(c)
	c.notify(device.Disconnected)
	c.teardownOnce.Do(func() { close(c.disconnected) })
	c.resolveConnect(err)
}

// onConnected handles the native success signal of a connect attempt.
func (m *Manager) onConnected(h device.Handle) {
	address := h.Address()
	log := m.logger.WithField("address", address)

	c, ok := m.sessions.Get(address)
	if !ok || !m.acceptConnected(c, h) {
		log.Warn("Connected signal without a pending attempt, releasing handle")
		if err := m.driver.Disconnect(h); err != nil {
			log.WithError(err).Debug("Failed to disconnect stray connection")
		}
		m.driver.Release(h)
		return
	}

	log.Info("BLE device connected successfully")
	if m.driver.Capabilities().NegotiatesMTU {
		m.requestMTU(c, m.cfg.RequestedMTU)
	}
}

// acceptConnected moves a pending attempt to Connected, delivers the callback
// and resolves Connect. A teardown racing with it waits until all three are done.
func (m *Manager) acceptConnected(c *connection, h device.Handle) bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.state != device.Connecting {
		c.mu.Unlock()
		return false
	}
	c.handle = h
	c.state = device.Connected
	c.dev.Connected = true
	c.mu.Unlock()

	m.scan.setConnected(c.address, true)
	c.notify(device.Connected)
	c.resolveConnect(nil)
	return true
}

// requestMTU queues an MTU exchange without waiting for it.
func (m *Manager) requestMTU(c *connection, size int) {
	key := device.OperationKey(c.address, "mtu")
	op := newOperation(key, opMTU, func() error {
		h, ok := m.liveHandle(c.address)
		if !ok {
			return device.NewCharacteristicError(device.CharInvalidDevice, key, device.ErrConnectionLost)
		}
		return m.driver.NegotiateMTU(h, size)
	})
	m.queues.forAddress(c.address).enqueue(op)
}

// Disconnect closes the session with dev. It is a no-op when no session exists.
func (m *Manager) Disconnect(ctx context.Context, dev device.Device) error {
	c, ok := m.sessions.Get(dev.Address)
	if !ok {
		return nil
	}
	return m.disconnect(ctx, c)
}

func (m *Manager) disconnect(ctx context.Context, c *connection) error {
	log := m.logger.WithField("address", c.address)

	c.lifecycle.Lock()
	prev, ok := c.swapState(device.Disconnecting, device.Connected)
	if ok {
		c.notify(device.Disconnecting)
	}
	c.lifecycle.Unlock()

	if !ok {
		switch prev {
		case device.Connecting:
			log.Info("Disconnect requested while connecting, cancelling attempt")
			_ = m.abortConnect(c, device.NewConnectionError(device.GenericFailure, c.address, errors.New("connection cancelled")))
			return nil
		case device.Disconnecting:
			return m.awaitDisconnect(ctx, c)
		default:
			return nil
		}
	}

	log.Info("Disconnecting BLE device...")
	if err := m.driver.Disconnect(c.currentHandle()); err != nil {
		log.WithError(err).Warn("Native disconnect failed, tearing down session")
		m.teardown(c, err)
		return nil
	}
	return m.awaitDisconnect(ctx, c)
}

// awaitDisconnect waits for the native disconnected signal, tearing the session
// down locally if it does not arrive within the connect timeout.
func (m *Manager) awaitDisconnect(ctx context.Context, c *connection) error {
	timer := time.NewTimer(m.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-c.disconnected:
		return nil
	case <-timer.C:
		m.logger.WithField("address", c.address).Warn("No disconnect signal, tearing down session")
		m.teardown(c, device.ErrTimeout)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onDisconnected handles a native disconnect signal, requested or not.
func (m *Manager) onDisconnected(address string, cause error) {
	c, ok := m.sessions.Get(address)
	if !ok {
		m.logger.WithField("address", address).Debug("Disconnected signal for unknown session")
		return
	}

	if c.currentState() == device.Connecting {
		if cause == nil {
			cause = device.ErrGenericFailure
		}
		m.failConnect(c, device.MapConnectError(address, cause))
		return
	}
	m.teardown(c, cause)
}

// teardown releases the handle and purges all per-device state exactly once.
func (m *Manager) teardown(c *connection, cause error) {
	c.teardownOnce.Do(func() {
		c.lifecycle.Lock()
		defer c.lifecycle.Unlock()

		log := m.logger.WithField("address", c.address)
		if cause != nil {
			log = log.WithField("cause", cause)
		}

		c.mu.Lock()
		h := c.handle
		c.handle = nil
		c.state = device.Disconnected
		c.dev.Connected = false
		c.mtu = 0
		c.services = nil
		c.mu.Unlock()

		m.dropSession(c)

		lost := fmt.Errorf("%s: %w", c.address, device.ErrConnectionLost)
		if n := m.queues.purge(c.address, lost); n > 0 {
			log.WithField("operations", n).Warn("Resolved pending operations after disconnect")
		}
		m.dropObservations(c.address)

		if h != nil {
			m.driver.Release(h)
		}
		m.scan.setConnected(c.address, false)

		log.Info("BLE device disconnected")
		c.notify(device.Disconnected)
		c.resolveConnect(device.NewConnectionError(device.GenericFailure, c.address, device.ErrConnectionLost))
		close(c.disconnected)
	})
}

// dropObservations discards the observation channels of address.
func (m *Manager) dropObservations(address string) {
	prefix := address + "/"
	var keys []string
	m.observations.Range(func(key string, _ *observation) bool {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return true
	})
	for _, key := range keys {
		if obs, ok := m.observations.Get(key); ok {
			obs.cell.RemoveAllSubscribers()
		}
		m.observations.Del(key)
	}
}

// dropSession removes c from the session map unless a newer session replaced it.
func (m *Manager) dropSession(c *connection) {
	if cur, ok := m.sessions.Get(c.address); ok && cur == c {
		m.sessions.Del(c.address)
	}
}

// liveHandle returns the handle of a connected session.
func (m *Manager) liveHandle(address string) (device.Handle, bool) {
	c, ok := m.sessions.Get(address)
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != device.Connected || c.handle == nil {
		return nil, false
	}
	return c.handle, true
}

// IsConnected reports whether a connected session exists for address.
func (m *Manager) IsConnected(address string) bool {
	_, ok := m.liveHandle(address)
	return ok
}

// ConnectionState returns the lifecycle state of address, Idle when no session exists.
func (m *Manager) ConnectionState(address string) device.ConnectionState {
	c, ok := m.sessions.Get(address)
	if !ok {
		return device.Idle
	}
	return c.currentState()
}
