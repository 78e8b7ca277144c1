package goble

import (
	"context"

	"github.com/go-ble/ble"
)

// Central is the part of ble.Device the driver uses.
type Central interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, address string) (Client, error)
	Stop() error
}

// Client is the part of ble.Client the driver uses.
type Client interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ExchangeMTU(rxMTU int) (txMTU int, err error)
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// bleCentral adapts a ble.Device to Central
type bleCentral struct {
	dev ble.Device
}

func (c *bleCentral) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return c.dev.Scan(ctx, allowDup, h)
}

func (c *bleCentral) Dial(ctx context.Context, address string) (Client, error) {
	client, err := c.dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (c *bleCentral) Stop() error {
	return c.dev.Stop()
}

// DeviceFactory creates the platform Central (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (Central, error) {
	dev, err := newPlatformDevice()
	if err != nil {
		return nil, err
	}
	return &bleCentral{dev: dev}, nil
}
