package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/pkg/config"
	"github.com/stretchr/testify/suite"
)

// DefaultAddress is the address of the default fake peripheral.
const DefaultAddress = "AA:BB:CC:DD:EE:FF"

// FakePeripheralSuite provides a reusable test suite backed by FakeDriver.
//
// Basic usage (automatic setup with default battery peripheral):
//
//	type SimpleSuite struct {
//	    testutils.FakePeripheralSuite
//	}
//
//	func TestSimpleSuite(t *testing.T) {
//	    suite.Run(t, new(SimpleSuite))
//	}
//
// Custom peripheral usage:
//
//	func (s *HeartRateSuite) SetupTest() {
//	    s.WithPeripheral("11:22:33:44:55:66").
//	        WithName("HRM").
//	        WithService("180D").
//	        WithCharacteristic("2A37", "read,notify", []byte{80})
//
//	    s.FakePeripheralSuite.SetupTest() // Call parent last to apply configuration
//	}
type FakePeripheralSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	Driver      *FakeDriver
	Config      *config.Config
	TestTimeout time.Duration

	peripherals []*PeripheralBuilder
}

// SetupSuite initializes the logger shared by all tests in the suite.
func (s *FakePeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second
}

// SetupTest creates a fresh driver and configuration before each test.
func (s *FakePeripheralSuite) SetupTest() {
	s.Helper.Hook.Reset()

	if len(s.peripherals) == 0 {
		s.peripherals = append(s.peripherals, createDefaultPeripheralBuilder())
	}

	s.Driver = NewFakeDriver()
	for _, p := range s.peripherals {
		s.Driver.AddPeripheral(p.Build())
	}

	s.Config = config.DefaultConfig()
	s.Config.ConnectTimeout = s.TestTimeout
	s.Config.AdapterPollInterval = 5 * time.Millisecond
}

// TearDownTest resets the peripheral configuration after each test.
func (s *FakePeripheralSuite) TearDownTest() {
	s.peripherals = nil
}

// WithPeripheral adds a fake peripheral and returns its builder for fluent configuration.
func (s *FakePeripheralSuite) WithPeripheral(address string) *PeripheralBuilder {
	b := NewPeripheralBuilder(address)
	s.peripherals = append(s.peripherals, b)
	return b
}

// createDefaultPeripheralBuilder returns a peripheral with the Battery Service (180F),
// a Battery Level characteristic (2A19) at 50% and a writable control point.
func createDefaultPeripheralBuilder() *PeripheralBuilder {
	return NewPeripheralBuilder(DefaultAddress).
		FromJSON(`
		{
			"name": "Battery Monitor",
			"rssi": -42,
			"advertised": ["180F"],
			"services": [
				{ "uuid": "1800", "characteristics": [ { "uuid": "2A00", "properties": "read", "value": [66] } ] },
				{
					"uuid": "180F",
					"characteristics": [
						{ "uuid": "2A19", "properties": "read,notify", "value": [50] },
						{ "uuid": "2A1A", "properties": "write,write-without-response", "value": [0] }
					]
				}
			]
		}`)
}
