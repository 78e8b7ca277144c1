package goble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/blesession/internal/device"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const testAddress = "aa:bb:cc:dd:ee:ff"

var (
	batteryRef   = device.CharRef{Service: "180F", Characteristic: "2A19"}
	controlRef   = device.CharRef{Service: "180F", Characteristic: "2A1A"}
	indicatedRef = device.CharRef{Service: "180F", Characteristic: "2A1B"}
)

type DriverTestSuite struct {
	suite.Suite

	originalFactory func() (Central, error)

	central  *MockCentral
	client   *MockClient
	recorder *eventRecorder
	driver   *Driver

	disconnected chan struct{}
	level        *ble.Characteristic
	control      *ble.Characteristic
	indicated    *ble.Characteristic
}

func (s *DriverTestSuite) SetupTest() {
	s.central = &MockCentral{}
	s.client = &MockClient{}
	s.recorder = newEventRecorder()
	s.disconnected = make(chan struct{})

	s.originalFactory = DeviceFactory
	DeviceFactory = func() (Central, error) { return s.central, nil }

	logger, _ := test.NewNullLogger()
	s.driver = NewDriver(logger)
	s.driver.SetEventHandler(s.recorder)

	s.level = &ble.Characteristic{UUID: ble.MustParse("2a19"), Property: ble.CharRead | ble.CharNotify}
	s.control = &ble.Characteristic{UUID: ble.MustParse("2a1a"), Property: ble.CharWrite | ble.CharWriteNR}
	s.indicated = &ble.Characteristic{UUID: ble.MustParse("2a1b"), Property: ble.CharIndicate}

	s.client.On("Disconnected").Return((<-chan struct{})(s.disconnected)).Maybe()
	s.client.On("DiscoverProfile", true).Return(&ble.Profile{
		Services: []*ble.Service{{
			UUID:            ble.MustParse("180f"),
			Characteristics: []*ble.Characteristic{s.level, s.control, s.indicated},
		}},
	}, nil)
}

func (s *DriverTestSuite) TearDownTest() {
	DeviceFactory = s.originalFactory
}

// nextEvent waits for the next recorded event and checks its kind.
func (s *DriverTestSuite) nextEvent(kind string) event {
	select {
	case e := <-s.recorder.events:
		s.Require().Equal(kind, e.kind, "unexpected event %+v", e)
		return e
	case <-time.After(2 * time.Second):
		s.FailNow("timed out waiting for event", kind)
		return event{}
	}
}

func (s *DriverTestSuite) assertNoEvent() {
	select {
	case e := <-s.recorder.events:
		s.Failf("unexpected event", "%+v", e)
	case <-time.After(30 * time.Millisecond):
	}
}

// connect dials the mock client and discovers its profile.
func (s *DriverTestSuite) connect() device.Handle {
	s.central.On("Dial", mock.Anything, testAddress).Return(s.client, nil).Once()

	s.Require().NoError(s.driver.Connect(testAddress))
	h := s.nextEvent("connected").handle
	s.Require().Equal(testAddress, h.Address())

	s.Require().NoError(s.driver.DiscoverServices(h))
	s.nextEvent("services")
	return h
}

func (s *DriverTestSuite) TestScan() {
	// GOAL: Verify go-ble advertisements are converted and delivered until the scan is stopped
	//
	// TEST SCENARIO: Scan → mock reports one advertisement → converted result → stop → no failure reported

	scanDone := make(chan struct{})
	s.central.On("Scan", mock.Anything, true, mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			handler := args.Get(2).(ble.AdvHandler)
			handler(&fakeAdvertisement{
				name:        "Battery Monitor",
				addr:        testAddress,
				rssi:        -42,
				services:    []ble.UUID{ble.MustParse("180f")},
				connectable: true,
				mfg:         []byte{0x4C, 0x00},
			})
			<-ctx.Done()
			close(scanDone)
		}).
		Return(context.Canceled)

	results := make(chan device.Advertisement, 1)
	s.Require().NoError(s.driver.Scan(func(adv device.Advertisement) { results <- adv }))

	select {
	case adv := <-results:
		s.Equal(testAddress, adv.Address)
		s.Equal("Battery Monitor", adv.LocalName)
		s.Equal(-42, adv.RSSI)
		s.True(adv.Connectable)
		s.Equal([]byte{0x4C, 0x00}, adv.ManufacturerData)
		s.Equal([]string{"180F"}, device.NormalizeUUIDs(adv.Services))
	case <-time.After(2 * time.Second):
		s.FailNow("advertisement MUST be delivered")
	}

	s.Require().NoError(s.driver.StopScan())
	select {
	case <-scanDone:
	case <-time.After(2 * time.Second):
		s.FailNow("native scan MUST be cancelled")
	}
	s.assertNoEvent()
}

func (s *DriverTestSuite) TestScanFailure() {
	s.central.On("Scan", mock.Anything, true, mock.Anything).Return(errors.New("hci0: device busy"))

	s.Require().NoError(s.driver.Scan(func(device.Advertisement) {}))

	e := s.nextEvent("scan_failed")
	s.EqualError(e.err, "hci0: device busy")
}

func (s *DriverTestSuite) TestConnectFailure() {
	s.central.On("Dial", mock.Anything, testAddress).Return(nil, errors.New("connection timed out"))

	s.Require().NoError(s.driver.Connect(testAddress))

	e := s.nextEvent("connect_failed")
	status, ok := device.StatusOf(e.err)
	s.True(ok)
	s.Equal(device.StatusConnectionTimeout, status, "stack timeouts MUST carry the timeout status")
}

func (s *DriverTestSuite) TestCancelConnect() {
	s.central.On("Dial", mock.Anything, testAddress).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.Canceled)

	s.Require().NoError(s.driver.Connect(testAddress))
	s.Require().NoError(s.driver.CancelConnect(testAddress))

	s.assertNoEvent()
}

func (s *DriverTestSuite) TestGATTProcedures() {
	h := s.connect()

	s.Run("read", func() {
		s.client.On("ReadCharacteristic", s.level).Return([]byte{50}, nil).Once()
		s.Require().NoError(s.driver.ReadCharacteristic(h, batteryRef))

		e := s.nextEvent("read")
		s.NoError(e.err)
		s.Equal(batteryRef, e.ref)
		s.Equal([]byte{50}, e.value)
	})

	s.Run("read rejected by peripheral", func() {
		s.client.On("ReadCharacteristic", s.level).Return(nil, ble.ErrReadNotPerm).Once()
		s.Require().NoError(s.driver.ReadCharacteristic(h, batteryRef))

		e := s.nextEvent("read")
		status, ok := device.StatusOf(e.err)
		s.True(ok, "ATT error MUST carry its code")
		s.Equal(device.StatusReadNotPermitted, status)
	})

	s.Run("unknown characteristic refuses to start", func() {
		err := s.driver.ReadCharacteristic(h, device.CharRef{Service: "180F", Characteristic: "FFFF"})
		var nf *device.NotFoundError
		s.ErrorAs(err, &nf)
	})

	s.Run("write modes", func() {
		s.client.On("WriteCharacteristic", s.control, []byte{1}, false).Return(nil).Once()
		s.client.On("WriteCharacteristic", s.control, []byte{2}, true).Return(nil).Once()

		s.Require().NoError(s.driver.WriteCharacteristic(h, controlRef, []byte{1}, device.WithResponse))
		s.NoError(s.nextEvent("written").err)
		s.Require().NoError(s.driver.WriteCharacteristic(h, controlRef, []byte{2}, device.WithoutResponse))
		s.NoError(s.nextEvent("written").err)
	})

	s.client.AssertExpectations(s.T())
}

func (s *DriverTestSuite) TestNotifications() {
	// GOAL: Verify subscriptions deliver value changes and indications are used only when notify is missing
	//
	// TEST SCENARIO: Enable notify → pushed value → changed event → disable → indicate-only char subscribes with ind=true

	h := s.connect()

	var push ble.NotificationHandler
	s.client.On("Subscribe", s.level, false, mock.Anything).
		Run(func(args mock.Arguments) { push = args.Get(2).(ble.NotificationHandler) }).
		Return(nil).Once()
	s.client.On("Unsubscribe", s.level, false).Return(nil).Once()
	s.client.On("Subscribe", s.indicated, true, mock.Anything).Return(nil).Once()

	s.Require().NoError(s.driver.SetNotification(h, batteryRef, true))
	e := s.nextEvent("notification_state")
	s.True(e.enabled)
	s.NoError(e.err)

	push([]byte{51})
	changed := s.nextEvent("changed")
	s.Equal(batteryRef, changed.ref)
	s.Equal([]byte{51}, changed.value)

	s.Require().NoError(s.driver.SetNotification(h, batteryRef, false))
	s.False(s.nextEvent("notification_state").enabled)

	s.Require().NoError(s.driver.SetNotification(h, indicatedRef, true))
	s.NoError(s.nextEvent("notification_state").err)

	s.client.AssertExpectations(s.T())
}

func (s *DriverTestSuite) TestNegotiateMTU() {
	h := s.connect()

	_, known := s.driver.MaxWriteLength(h, device.WithResponse)
	s.False(known, "limit MUST be unknown before the exchange")

	s.client.On("ExchangeMTU", 517).Return(247, nil).Once()
	s.Require().NoError(s.driver.NegotiateMTU(h, 517))

	e := s.nextEvent("mtu")
	s.NoError(e.err)
	s.Equal(247, e.mtu)

	n, known := s.driver.MaxWriteLength(h, device.WithoutResponse)
	s.True(known)
	s.Equal(244, n)
}

func (s *DriverTestSuite) TestDisconnect() {
	h := s.connect()
	s.client.On("CancelConnection").Run(func(mock.Arguments) { close(s.disconnected) }).Return(nil).Once()

	s.Require().NoError(s.driver.Disconnect(h))

	e := s.nextEvent("disconnected")
	s.Equal(testAddress, e.address)
	s.NoError(e.err)
	s.assertNoEvent()
}

func (s *DriverTestSuite) TestDisconnectFailureStillCompletes() {
	h := s.connect()
	s.client.On("CancelConnection").Return(errors.New("device not connected")).Once()

	s.Require().NoError(s.driver.Disconnect(h))

	e := s.nextEvent("disconnected")
	s.ErrorIs(e.err, device.ErrConnectionLost)
}

func (s *DriverTestSuite) TestReleaseSilencesLink() {
	h := s.connect()

	s.driver.Release(h)
	close(s.disconnected)

	s.assertNoEvent()
}

func (s *DriverTestSuite) TestClose() {
	s.connect()
	s.client.On("CancelConnection").Return(nil).Once()
	s.central.On("Stop").Return(nil).Once()

	s.Require().NoError(s.driver.Close())
	s.Require().NoError(s.driver.Close(), "second close MUST be a no-op")

	s.client.AssertExpectations(s.T())
	s.central.AssertExpectations(s.T())
	s.ErrorIs(s.driver.Connect(testAddress), device.ErrClosed)
}

func (s *DriverTestSuite) TestAdapterState() {
	testCases := []struct {
		name        string
		factoryErr  error
		wantState   device.AdapterState
		wantGranted bool
		wantErr     bool
	}{
		{name: "device opened", wantState: device.AdapterPoweredOn, wantGranted: true},
		{
			name:        "adapter off",
			factoryErr:  errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"),
			wantState:   device.AdapterPoweredOff,
			wantGranted: true,
		},
		{name: "not permitted", factoryErr: errors.New("can't init hci: operation not permitted"), wantState: device.AdapterUnauthorized},
		{name: "unexpected failure", factoryErr: errors.New("no such device"), wantState: device.AdapterUnknown, wantErr: true},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			DeviceFactory = func() (Central, error) {
				if tc.factoryErr != nil {
					return nil, tc.factoryErr
				}
				return s.central, nil
			}
			d := NewDriver(nil)

			state, err := d.AdapterState(context.Background())
			s.Equal(tc.wantState, state)
			granted, perr := d.Permissions(context.Background())
			s.Equal(tc.wantGranted, granted)
			if tc.wantErr {
				s.Error(err)
				s.Error(perr)
			} else {
				s.NoError(err)
				s.NoError(perr)
			}
		})
	}
}

func (s *DriverTestSuite) TestCapabilities() {
	caps := s.driver.Capabilities()
	s.False(caps.CanRequestEnable, "go-ble cannot prompt to enable the adapter")
	s.False(caps.CanRequestPermissions)
	s.Equal(negotiatesMTU, caps.NegotiatesMTU)
}

func TestDriverTestSuite(t *testing.T) {
	suite.Run(t, new(DriverTestSuite))
}
