// Package goble implements device.Driver on top of github.com/go-ble/ble.
//
// go-ble exposes blocking calls. The driver runs each started procedure on
// its own goroutine and reports its completion through the registered
// device.EventHandler, which gives the session engine the callback-style
// native stack it expects.
package goble

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/groutine"
)

// attHeaderLength is subtracted from the negotiated MTU to get the write payload limit.
const attHeaderLength = 3

// link is the connection handle issued by Driver.
type link struct {
	address string
	client  Client

	mu    sync.Mutex
	chars map[device.CharRef]*ble.Characteristic
	mtu   int

	reportOnce  sync.Once
	releaseOnce sync.Once
	released    chan struct{}
}

func (l *link) Address() string { return l.address }

func (l *link) characteristic(ref device.CharRef) (*ble.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chars[ref]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{l.address, ref.Service, ref.Characteristic}}
	}
	return c, nil
}

// dial is a pending connect attempt.
type dial struct {
	cancel context.CancelFunc
}

// Driver is a device.Driver backed by go-ble.
type Driver struct {
	logger *logrus.Logger

	mu         sync.Mutex
	central    Central
	handler    device.EventHandler
	scanCancel context.CancelFunc
	dials      map[string]*dial
	links      map[string]*link
	closed     bool
}

// NewDriver creates a driver. The platform device is opened lazily on first use.
func NewDriver(logger *logrus.Logger) *Driver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Driver{
		logger: logger,
		dials:  make(map[string]*dial),
		links:  make(map[string]*link),
	}
}

var _ device.Driver = (*Driver)(nil)

// Capabilities implements device.Driver
func (d *Driver) Capabilities() device.Capabilities {
	return device.Capabilities{NegotiatesMTU: negotiatesMTU}
}

// SetEventHandler implements device.Driver
func (d *Driver) SetEventHandler(h device.EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

func (d *Driver) eventHandler() device.EventHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler
}

// ensureCentral opens the platform device once.
func (d *Driver) ensureCentral() (Central, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, device.ErrClosed
	}
	if d.central != nil {
		return d.central, nil
	}
	central, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	d.central = central
	return central, nil
}

// AdapterState implements device.Driver. go-ble only reports whether the
// platform device could be opened, so the state is derived from that error.
func (d *Driver) AdapterState(context.Context) (device.AdapterState, error) {
	_, err := d.ensureCentral()
	switch {
	case err == nil:
		return device.AdapterPoweredOn, nil
	case errors.Is(err, ErrAdapterOff):
		return device.AdapterPoweredOff, nil
	case errors.Is(err, device.ErrPermissionsMissing):
		return device.AdapterUnauthorized, nil
	case errors.Is(err, device.ErrUnsupported):
		return device.AdapterUnsupported, nil
	default:
		return device.AdapterUnknown, err
	}
}

// Permissions implements device.Driver. Permissions are granted whenever the
// adapter state is readable and not unauthorized.
func (d *Driver) Permissions(ctx context.Context) (bool, error) {
	state, err := d.AdapterState(ctx)
	if err != nil {
		return false, err
	}
	switch state {
	case device.AdapterPoweredOn, device.AdapterPoweredOff, device.AdapterResetting:
		return true, nil
	default:
		return false, nil
	}
}

// Scan implements device.Driver
func (d *Driver) Scan(onResult func(device.Advertisement)) error {
	central, err := d.ensureCentral()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	if d.scanCancel != nil {
		d.scanCancel()
	}
	d.scanCancel = cancel
	d.mu.Unlock()

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		err := central.Scan(ctx, true, func(adv ble.Advertisement) {
			onResult(NewAdvertisement(adv))
		})
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		d.logger.WithError(err).Error("BLE scan failed")
		if h := d.eventHandler(); h != nil {
			h.OnScanFailed(NormalizeError(err))
		}
	})
	return nil
}

// StopScan implements device.Driver
func (d *Driver) StopScan() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scanCancel != nil {
		d.scanCancel()
		d.scanCancel = nil
	}
	return nil
}

// Connect implements device.Driver
func (d *Driver) Connect(address string) error {
	central, err := d.ensureCentral()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	attempt := &dial{cancel: cancel}
	d.mu.Lock()
	if prev, ok := d.dials[address]; ok {
		prev.cancel()
	}
	d.dials[address] = attempt
	d.mu.Unlock()

	groutine.Go(ctx, "ble-dial", func(ctx context.Context) {
		log := d.logger.WithField("address", address)
		log.Debug("Dialing BLE device...")

		client, err := central.Dial(ctx, address)

		d.mu.Lock()
		cancelled := ctx.Err() != nil
		if d.dials[address] == attempt {
			delete(d.dials, address)
		}
		d.mu.Unlock()
		cancel()

		if cancelled {
			if client != nil {
				_ = client.CancelConnection()
			}
			log.Debug("Dial cancelled")
			return
		}

		h := d.eventHandler()
		if err != nil {
			log.WithError(err).Error("Failed to dial BLE device")
			h.OnConnectFailed(address, NormalizeError(err))
			return
		}

		l := &link{
			address:  address,
			client:   client,
			chars:    make(map[device.CharRef]*ble.Characteristic),
			released: make(chan struct{}),
		}
		d.mu.Lock()
		d.links[address] = l
		d.mu.Unlock()

		d.monitor(l)
		h.OnConnected(l)
	})
	return nil
}

// monitor reports the link's native disconnect until the handle is released.
func (d *Driver) monitor(l *link) {
	groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
		select {
		case <-l.client.Disconnected():
			d.reportDisconnected(l, nil)
		case <-l.released:
		}
	})
}

func (d *Driver) reportDisconnected(l *link, err error) {
	l.reportOnce.Do(func() {
		d.logger.WithField("address", l.address).Debug("BLE link closed")
		if h := d.eventHandler(); h != nil {
			h.OnDisconnected(l.address, err)
		}
	})
}

// CancelConnect implements device.Driver
func (d *Driver) CancelConnect(address string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if attempt, ok := d.dials[address]; ok {
		attempt.cancel()
		delete(d.dials, address)
	}
	return nil
}

func asLink(h device.Handle) (*link, error) {
	l, ok := h.(*link)
	if !ok || l == nil {
		return nil, fmt.Errorf("%w: foreign handle %T", device.ErrConnectionLost, h)
	}
	return l, nil
}

// Disconnect implements device.Driver
func (d *Driver) Disconnect(h device.Handle) error {
	l, err := asLink(h)
	if err != nil {
		return err
	}
	groutine.Go(context.Background(), "ble-disconnect", func(context.Context) {
		if err := l.client.CancelConnection(); err != nil {
			d.logger.WithField("address", l.address).WithError(err).Warn("Failed to cancel BLE connection")
			d.reportDisconnected(l, NormalizeError(err))
		}
	})
	return nil
}

// Release implements device.Driver
func (d *Driver) Release(h device.Handle) {
	l, err := asLink(h)
	if err != nil {
		return
	}
	d.mu.Lock()
	if cur, ok := d.links[l.address]; ok && cur == l {
		delete(d.links, l.address)
	}
	d.mu.Unlock()

	// A released link reports nothing more.
	l.reportOnce.Do(func() {})
	l.releaseOnce.Do(func() { close(l.released) })
}

// DiscoverServices implements device.Driver
func (d *Driver) DiscoverServices(h device.Handle) error {
	l, err := asLink(h)
	if err != nil {
		return err
	}
	handler := d.eventHandler()
	groutine.Go(context.Background(), "ble-discover", func(context.Context) {
		profile, err := l.client.DiscoverProfile(true)
		if err != nil {
			handler.OnServicesDiscovered(l.address, nil, NormalizeError(err))
			return
		}
		infos, chars := serviceInfos(profile)
		l.mu.Lock()
		l.chars = chars
		l.mu.Unlock()
		handler.OnServicesDiscovered(l.address, infos, nil)
	})
	return nil
}

// ReadCharacteristic implements device.Driver
func (d *Driver) ReadCharacteristic(h device.Handle, ref device.CharRef) error {
	l, err := asLink(h)
	if err != nil {
		return err
	}
	c, err := l.characteristic(ref)
	if err != nil {
		return err
	}
	handler := d.eventHandler()
	groutine.Go(context.Background(), "ble-read", func(context.Context) {
		value, err := l.client.ReadCharacteristic(c)
		handler.OnCharacteristicRead(l.address, ref, slices.Clone(value), NormalizeError(err))
	})
	return nil
}

// WriteCharacteristic implements device.Driver
func (d *Driver) WriteCharacteristic(h device.Handle, ref device.CharRef, data []byte, mode device.WriteMode) error {
	l, err := asLink(h)
	if err != nil {
		return err
	}
	c, err := l.characteristic(ref)
	if err != nil {
		return err
	}
	handler := d.eventHandler()
	payload := slices.Clone(data)
	groutine.Go(context.Background(), "ble-write", func(context.Context) {
		err := l.client.WriteCharacteristic(c, payload, mode == device.WithoutResponse)
		handler.OnCharacteristicWritten(l.address, ref, NormalizeError(err))
	})
	return nil
}

// SetNotification implements device.Driver. Indications are used only for
// characteristics that cannot notify.
func (d *Driver) SetNotification(h device.Handle, ref device.CharRef, enabled bool) error {
	l, err := asLink(h)
	if err != nil {
		return err
	}
	c, err := l.characteristic(ref)
	if err != nil {
		return err
	}
	handler := d.eventHandler()
	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0

	groutine.Go(context.Background(), "ble-subscribe", func(context.Context) {
		var err error
		if enabled {
			err = l.client.Subscribe(c, indicate, func(data []byte) {
				handler.OnCharacteristicChanged(l.address, ref, slices.Clone(data))
			})
		} else {
			err = l.client.Unsubscribe(c, indicate)
		}
		handler.OnNotificationStateChanged(l.address, ref, enabled, NormalizeError(err))
	})
	return nil
}

// NegotiateMTU implements device.Driver
func (d *Driver) NegotiateMTU(h device.Handle, size int) error {
	l, err := asLink(h)
	if err != nil {
		return err
	}
	handler := d.eventHandler()
	groutine.Go(context.Background(), "ble-mtu", func(context.Context) {
		mtu, err := l.client.ExchangeMTU(size)
		if err == nil {
			l.mu.Lock()
			l.mtu = mtu
			l.mu.Unlock()
		}
		handler.OnMTUChanged(l.address, mtu, NormalizeError(err))
	})
	return nil
}

// MaxWriteLength implements device.Driver. The limit is known only after an MTU exchange.
func (d *Driver) MaxWriteLength(h device.Handle, _ device.WriteMode) (int, bool) {
	l, err := asLink(h)
	if err != nil {
		return 0, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mtu <= attHeaderLength {
		return 0, false
	}
	return l.mtu - attHeaderLength, true
}

// Close implements device.Driver. It cancels scans and dials, drops every link and stops the platform device.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.scanCancel != nil {
		d.scanCancel()
		d.scanCancel = nil
	}
	for address, attempt := range d.dials {
		attempt.cancel()
		delete(d.dials, address)
	}
	links := make([]*link, 0, len(d.links))
	for _, l := range d.links {
		links = append(links, l)
	}
	d.links = make(map[string]*link)
	central := d.central
	d.mu.Unlock()

	for _, l := range links {
		if err := l.client.CancelConnection(); err != nil {
			d.logger.WithField("address", l.address).WithError(err).Debug("Failed to cancel BLE connection during close")
		}
	}
	if central == nil {
		return nil
	}
	return central.Stop()
}
