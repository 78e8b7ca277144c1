// Package session implements the BLE session engine.
//
// A Manager turns a callback-driven native BLE stack (a device.Driver) into
// blocking, context-aware calls. It owns the adapter readiness gate, the scan
// result aggregator, one connection state machine per address and the
// operation serializer that keeps at most one GATT procedure outstanding.
// Native completions re-enter through a single dispatch point and resolve the
// waiting caller by identity key.
package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/flow"
	"github.com/srg/blesession/pkg/config"
)

// closeTimeout bounds the disconnect of each live session during Close.
const closeTimeout = 5 * time.Second

// Manager is the public entry point of the session engine.
type Manager struct {
	driver   device.Driver
	prompter device.Prompter
	cfg      *config.Config
	logger   *logrus.Logger

	gate *adapterGate
	scan *scanAggregator

	sessions     *hashmap.Map[string, *connection]
	queues       *serializers
	observations *hashmap.Map[string, *observation]

	closed atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets the engine configuration. Defaults are used when omitted.
func WithConfig(cfg *config.Config) Option {
	return func(m *Manager) {
		if cfg != nil {
			m.cfg = cfg
		}
	}
}

// WithLogger sets the logger. A new logrus logger is used when omitted.
func WithLogger(logger *logrus.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPrompter sets the platform prompter used by RequestAdapterEnable and RequestPermissions.
func WithPrompter(p device.Prompter) Option {
	return func(m *Manager) {
		m.prompter = p
	}
}

// New creates a Manager bound to driver and registers itself as the driver's event handler.
func New(driver device.Driver, opts ...Option) *Manager {
	m := &Manager{
		driver:       driver,
		sessions:     hashmap.New[string, *connection](),
		observations: hashmap.New[string, *observation](),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg == nil {
		m.cfg = config.DefaultConfig()
	}
	if m.logger == nil {
		m.logger = logrus.New()
	}

	m.gate = newAdapterGate(driver, m.prompter, m.cfg.AdapterPollInterval, m.logger)
	m.scan = newScanAggregator(driver, m.logger)
	m.queues = newSerializers(m.cfg.QueueScope, m.logger)

	driver.SetEventHandler(&dispatcher{m: m})
	return m
}

// IsAdapterReady reports whether the adapter is powered on.
func (m *Manager) IsAdapterReady(ctx context.Context) bool {
	return m.gate.isReady(ctx)
}

// RequestAdapterEnable asks the platform to power the adapter on and reports the resulting state.
func (m *Manager) RequestAdapterEnable(ctx context.Context) bool {
	return m.gate.requestEnable(ctx)
}

// HasPermissions reports whether the process may use Bluetooth.
func (m *Manager) HasPermissions(ctx context.Context) bool {
	return m.gate.hasPermissions(ctx)
}

// RequestPermissions asks the platform for runtime permissions and reports the result.
func (m *Manager) RequestPermissions(ctx context.Context) bool {
	return m.gate.requestPermissions(ctx)
}

// ResolveRequest completes a pending adapter-enable or permission prompt.
// It returns false when no request with that id is waiting.
func (m *Manager) ResolveRequest(requestID string) bool {
	return m.gate.resolve(requestID)
}

// StartScan starts a new scan cycle. Restarting an active scan begins a fresh cycle.
func (m *Manager) StartScan(ctx context.Context) error {
	if m.closed.Load() {
		return device.ErrClosed
	}
	if !m.gate.hasPermissions(ctx) {
		m.logger.Warn("Scan requested without Bluetooth permissions")
		return device.ErrPermissionsMissing
	}
	return m.scan.start()
}

// StopScan stops the active scan. It is a no-op when not scanning.
func (m *Manager) StopScan() error {
	return m.scan.stop()
}

// IsScanning reports whether a scan cycle is active.
func (m *Manager) IsScanning() bool {
	return m.scan.isScanning()
}

// Devices returns the devices seen in the current scan cycle, in first-discovery order.
func (m *Manager) Devices() []device.Device {
	return m.scan.snapshot()
}

// ObserveDevices attaches fn to the device list. The current list is delivered first.
func (m *Manager) ObserveDevices(fn func([]device.Device)) *flow.Subscription {
	return m.scan.devices.Subscribe(fn)
}

// ExclusiveObserveDevices detaches every device list listener and attaches fn.
func (m *Manager) ExclusiveObserveDevices(fn func([]device.Device)) *flow.Subscription {
	return m.scan.devices.SingletonSubscribe(fn)
}

// Close stops scanning, disconnects every live session and closes the driver.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := m.scan.stop(); err != nil {
		m.logger.WithError(err).Warn("Failed to stop scan during close")
	}

	var live []*connection
	m.sessions.Range(func(_ string, c *connection) bool {
		live = append(live, c)
		return true
	})
	for _, c := range live {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := m.disconnect(ctx, c); err != nil {
			m.logger.WithFields(logrus.Fields{
				"address": c.address,
				"error":   err,
			}).Warn("Failed to disconnect during close")
		}
		cancel()
	}

	return m.driver.Close()
}
