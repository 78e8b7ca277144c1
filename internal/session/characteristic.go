package session

import (
	"context"
	"encoding/hex"
	"errors"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/flow"
	"github.com/srg/blesession/internal/groutine"
)

// Characteristic is a GATT characteristic bound to its session manager.
// Its identity key is ADDRESS/SERVICE/CHARACTERISTIC.
type Characteristic struct {
	m       *Manager
	address string
	service string
	uuid    string
	key     string
	props   device.Property
}

func newCharacteristic(m *Manager, address, service string, info device.CharacteristicInfo) *Characteristic {
	uuid := device.NormalizeUUID(info.UUID)
	return &Characteristic{
		m:       m,
		address: address,
		service: service,
		uuid:    uuid,
		key:     device.CharacteristicKey(address, service, uuid),
		props:   info.Properties,
	}
}

// UUID returns the normalized characteristic UUID.
func (c *Characteristic) UUID() string { return c.uuid }

// ServiceUUID returns the normalized UUID of the owning service.
func (c *Characteristic) ServiceUUID() string { return c.service }

// Address returns the address of the owning device.
func (c *Characteristic) Address() string { return c.address }

// ID returns the identity key.
func (c *Characteristic) ID() string { return c.key }

// Properties returns the native property bitmask.
func (c *Characteristic) Properties() device.Property { return c.props }

func (c *Characteristic) Readable() bool                { return c.props.Readable() }
func (c *Characteristic) Observable() bool              { return c.props.Observable() }
func (c *Characteristic) Writable() bool                { return c.props.Writable() }
func (c *Characteristic) WritableWithoutResponse() bool { return c.props.WritableWithoutResponse() }

func (c *Characteristic) ref() device.CharRef {
	return device.CharRef{Service: c.service, Characteristic: c.uuid}
}

func (c *Characteristic) log() *logrus.Entry {
	return c.m.logger.WithFields(logrus.Fields{
		"address": c.address,
		"char_id": c.key,
	})
}

func (c *Characteristic) invalidDevice() error {
	return device.NewCharacteristicError(device.CharInvalidDevice, c.key, device.ErrConnectionLost)
}

// submit queues a native call for this characteristic and waits for its completion.
// The session is checked again when the operation reaches the head of the queue.
func (c *Characteristic) submit(ctx context.Context, kind opKind, call func(device.Handle) error) opResult {
	return c.await(ctx, c.enqueue(kind, call))
}

func (c *Characteristic) enqueue(kind opKind, call func(device.Handle) error) *operation {
	op := newOperation(c.key, kind, func() error {
		h, ok := c.m.liveHandle(c.address)
		if !ok {
			return c.invalidDevice()
		}
		if err := call(h); err != nil {
			return device.NewCharacteristicError(device.FailedToInit, c.key, err)
		}
		return nil
	})
	c.m.queues.forAddress(c.address).enqueue(op)
	return op
}

func (c *Characteristic) await(ctx context.Context, op *operation) opResult {
	r := op.wait(ctx)
	if r.err != nil {
		r.err = device.MapCharacteristicError(c.key, r.err)
	}
	return r
}

// Read reads the characteristic value.
func (c *Characteristic) Read(ctx context.Context) ([]byte, error) {
	if !c.m.IsConnected(c.address) {
		return nil, c.invalidDevice()
	}

	r := c.submit(ctx, opRead, func(h device.Handle) error {
		return c.m.driver.ReadCharacteristic(h, c.ref())
	})
	if r.err != nil {
		c.log().WithError(r.err).Error("Failed to read characteristic")
		return nil, r.err
	}

	c.log().WithField("value", hex.EncodeToString(r.value)).Debug("Characteristic read")
	return r.value, nil
}

// Write writes data and waits for the peripheral to acknowledge it.
func (c *Characteristic) Write(ctx context.Context, data []byte) error {
	return c.write(ctx, data, device.WithResponse)
}

// WriteNoResponse writes data without peripheral acknowledgement.
// It returns once the native stack has accepted the write.
func (c *Characteristic) WriteNoResponse(ctx context.Context, data []byte) error {
	return c.write(ctx, data, device.WithoutResponse)
}

func (c *Characteristic) write(ctx context.Context, data []byte, mode device.WriteMode) error {
	h, ok := c.m.liveHandle(c.address)
	if !ok {
		return c.invalidDevice()
	}

	if limit, known := c.m.maxWriteLength(c.address, h, mode); known && len(data) > limit {
		c.log().WithFields(logrus.Fields{
			"length": len(data),
			"limit":  limit,
		}).Warn("Write exceeds maximum transfer size")
		return device.NewCharacteristicError(device.MtuExceeded, c.key, nil)
	}

	payload := slices.Clone(data)
	r := c.submit(ctx, opWrite, func(h device.Handle) error {
		return c.m.driver.WriteCharacteristic(h, c.ref(), payload, mode)
	})
	if r.err != nil {
		c.log().WithFields(logrus.Fields{
			"mode":  mode.String(),
			"error": r.err,
		}).Error("Failed to write characteristic")
		return r.err
	}

	c.log().WithFields(logrus.Fields{
		"mode":  mode.String(),
		"value": hex.EncodeToString(payload),
	}).Debug("Characteristic written")
	return nil
}

// maxWriteLength returns the largest payload for mode when it is known in advance.
func (m *Manager) maxWriteLength(address string, h device.Handle, mode device.WriteMode) (int, bool) {
	if n, ok := m.driver.MaxWriteLength(h, mode); ok {
		return n, true
	}
	c, ok := m.sessions.Get(address)
	if !ok {
		return 0, false
	}
	c.mu.Lock()
	mtu := c.mtu
	c.mu.Unlock()
	if mtu > 0 {
		return mtu - attHeaderLength, true
	}
	return 0, false
}

// Observe attaches fn to the characteristic's value stream, enabling
// notifications on first use. The latest value, if any, is delivered first.
func (c *Characteristic) Observe(ctx context.Context, fn func([]byte)) (*flow.Subscription, error) {
	return c.observe(ctx, fn, false)
}

// SingletonObserve detaches every existing listener of the characteristic before attaching fn.
func (c *Characteristic) SingletonObserve(ctx context.Context, fn func([]byte)) (*flow.Subscription, error) {
	return c.observe(ctx, fn, true)
}

func (c *Characteristic) observe(ctx context.Context, fn func([]byte), singleton bool) (*flow.Subscription, error) {
	if !c.m.IsConnected(c.address) {
		return nil, c.invalidDevice()
	}
	if !c.props.Observable() {
		return nil, device.NewCharacteristicError(device.NotPermitted, c.key, nil)
	}

	obs, created := c.m.observation(c.key)
	if created {
		c.enableNotifications(obs)
	}
	if err := obs.wait(ctx); err != nil {
		return nil, err
	}

	var sub *flow.Subscription
	if singleton {
		sub = obs.cell.SingletonSubscribe(fn)
	} else {
		sub = obs.cell.Subscribe(fn)
	}

	// The stream may have been discarded while the enable was pending.
	if cur, ok := c.m.observations.Get(c.key); !ok || cur != obs {
		sub.Cancel()
		if !c.m.IsConnected(c.address) {
			return nil, c.invalidDevice()
		}
		return nil, device.NewCharacteristicError(device.GenericError, c.key, errObservationCancelled)
	}
	return sub, nil
}

// enableNotifications queues the enable for obs and settles it when the native
// stack answers, whether or not the caller that created obs is still waiting.
func (c *Characteristic) enableNotifications(obs *observation) {
	op := c.enqueue(opNotify, func(h device.Handle) error {
		return c.m.driver.SetNotification(h, c.ref(), true)
	})

	groutine.Go(context.Background(), "enable-notifications-"+c.key, func(ctx context.Context) {
		r := c.await(ctx, op)
		if r.err != nil {
			c.log().WithError(r.err).Error("Failed to enable notifications")
			if cur, ok := c.m.observations.Get(c.key); ok && cur == obs {
				c.m.observations.Del(c.key)
			}
			obs.cell.RemoveAllSubscribers()
		} else {
			c.log().Debug("Notifications enabled")
		}
		obs.settle(r.err)
	})
}

// CancelObserve detaches every listener, discards the value stream and disables notifications.
func (c *Characteristic) CancelObserve(ctx context.Context) error {
	if obs, ok := c.m.observations.Get(c.key); ok {
		obs.cell.RemoveAllSubscribers()
		c.m.observations.Del(c.key)
	}

	if !c.m.IsConnected(c.address) {
		return c.invalidDevice()
	}

	r := c.submit(ctx, opNotify, func(h device.Handle) error {
		return c.m.driver.SetNotification(h, c.ref(), false)
	})
	if r.err != nil {
		c.log().WithError(r.err).Error("Failed to disable notifications")
		return r.err
	}
	c.log().Debug("Notifications disabled")
	return nil
}

var errObservationCancelled = errors.New("observation cancelled")

// observation is the value stream of one characteristic. ready closes once
// the notification enable has been answered; err holds its outcome.
type observation struct {
	cell  *flow.Cell[[]byte]
	once  sync.Once
	ready chan struct{}
	err   error
}

func newObservation(key string, buffer int) *observation {
	return &observation{
		cell:  flow.NewCell[[]byte](key, flow.WithBuffer(buffer)),
		ready: make(chan struct{}),
	}
}

func (o *observation) settle(err error) {
	o.once.Do(func() {
		o.err = err
		close(o.ready)
	})
}

// wait blocks until the enable is answered or ctx is done.
func (o *observation) wait(ctx context.Context) error {
	select {
	case <-o.ready:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// observation returns the stream for key, creating it when absent.
// created reports whether the caller owns enabling notifications for it.
func (m *Manager) observation(key string) (*observation, bool) {
	for {
		if obs, ok := m.observations.Get(key); ok {
			return obs, false
		}
		obs := newObservation(key, m.cfg.NotificationBuffer)
		if m.observations.Insert(key, obs) {
			return obs, true
		}
	}
}
