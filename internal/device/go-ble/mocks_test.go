package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/srg/blesession/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockCentral is a testify mock of Central.
type MockCentral struct {
	mock.Mock
}

func (m *MockCentral) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return m.Called(ctx, allowDup, h).Error(0)
}

func (m *MockCentral) Dial(ctx context.Context, address string) (Client, error) {
	args := m.Called(ctx, address)
	c, _ := args.Get(0).(Client)
	return c, args.Error(1)
}

func (m *MockCentral) Stop() error {
	return m.Called().Error(0)
}

// MockClient is a testify mock of Client.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *MockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	v, _ := args.Get(0).([]byte)
	return v, args.Error(1)
}

func (m *MockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *MockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *MockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *MockClient) ExchangeMTU(rxMTU int) (int, error) {
	args := m.Called(rxMTU)
	return args.Int(0), args.Error(1)
}

func (m *MockClient) CancelConnection() error {
	return m.Called().Error(0)
}

func (m *MockClient) Disconnected() <-chan struct{} {
	return m.Called().Get(0).(<-chan struct{})
}

// fakeAdvertisement overrides the ble.Advertisement methods the driver reads.
type fakeAdvertisement struct {
	ble.Advertisement

	name        string
	addr        string
	rssi        int
	services    []ble.UUID
	connectable bool
	mfg         []byte
}

func (a *fakeAdvertisement) LocalName() string        { return a.name }
func (a *fakeAdvertisement) Addr() ble.Addr           { return ble.NewAddr(a.addr) }
func (a *fakeAdvertisement) RSSI() int                { return a.rssi }
func (a *fakeAdvertisement) Services() []ble.UUID     { return a.services }
func (a *fakeAdvertisement) Connectable() bool        { return a.connectable }
func (a *fakeAdvertisement) ManufacturerData() []byte { return a.mfg }

// event is one recorded EventHandler call.
type event struct {
	kind    string
	address string
	handle  device.Handle
	ref     device.CharRef
	value   []byte
	infos   []device.ServiceInfo
	enabled bool
	mtu     int
	err     error
}

// eventRecorder implements device.EventHandler by recording every call.
type eventRecorder struct {
	events chan event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{events: make(chan event, 64)}
}

func (r *eventRecorder) OnConnected(h device.Handle) {
	r.events <- event{kind: "connected", address: h.Address(), handle: h}
}

func (r *eventRecorder) OnConnectFailed(address string, err error) {
	r.events <- event{kind: "connect_failed", address: address, err: err}
}

func (r *eventRecorder) OnDisconnected(address string, err error) {
	r.events <- event{kind: "disconnected", address: address, err: err}
}

func (r *eventRecorder) OnServicesDiscovered(address string, services []device.ServiceInfo, err error) {
	r.events <- event{kind: "services", address: address, infos: services, err: err}
}

func (r *eventRecorder) OnCharacteristicRead(address string, ref device.CharRef, value []byte, err error) {
	r.events <- event{kind: "read", address: address, ref: ref, value: value, err: err}
}

func (r *eventRecorder) OnCharacteristicWritten(address string, ref device.CharRef, err error) {
	r.events <- event{kind: "written", address: address, ref: ref, err: err}
}

func (r *eventRecorder) OnNotificationStateChanged(address string, ref device.CharRef, enabled bool, err error) {
	r.events <- event{kind: "notification_state", address: address, ref: ref, enabled: enabled, err: err}
}

func (r *eventRecorder) OnCharacteristicChanged(address string, ref device.CharRef, value []byte) {
	r.events <- event{kind: "changed", address: address, ref: ref, value: value}
}

func (r *eventRecorder) OnMTUChanged(address string, mtu int, err error) {
	r.events <- event{kind: "mtu", address: address, mtu: mtu, err: err}
}

func (r *eventRecorder) OnScanFailed(err error) {
	r.events <- event{kind: "scan_failed", err: err}
}
