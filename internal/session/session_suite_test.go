package session

import (
	"context"
	"sync"
	"time"

	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/testutils"
)

// SessionTestSuite runs the engine against the instrumented fake driver.
type SessionTestSuite struct {
	testutils.FakePeripheralSuite

	manager *Manager
}

func (s *SessionTestSuite) SetupTest() {
	s.FakePeripheralSuite.SetupTest()
	s.manager = New(s.Driver, WithConfig(s.Config), WithLogger(s.Logger))
}

func (s *SessionTestSuite) TearDownTest() {
	if s.manager != nil {
		s.Driver.HoldCompletions(false)
		_ = s.manager.Close()
		s.manager = nil
	}
	s.FakePeripheralSuite.TearDownTest()
}

func (s *SessionTestSuite) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
	s.T().Cleanup(cancel)
	return ctx
}

// scanFor starts a scan and waits until every address is visible.
func (s *SessionTestSuite) scanFor(addresses ...string) {
	s.Require().NoError(s.manager.StartScan(s.ctx()), "scan MUST start")
	s.Require().Eventually(func() bool {
		visible := map[string]bool{}
		for _, d := range s.manager.Devices() {
			visible[d.Address] = true
		}
		for _, a := range addresses {
			if !visible[a] {
				return false
			}
		}
		return true
	}, s.TestTimeout, 5*time.Millisecond, "devices MUST become visible")
}

// connectDefault scans for and connects to the default peripheral.
func (s *SessionTestSuite) connectDefault() device.Device {
	s.scanFor(testutils.DefaultAddress)
	dev := device.Device{Address: testutils.DefaultAddress}
	s.Require().NoError(s.manager.Connect(s.ctx(), dev, nil), "connect MUST succeed")
	return dev
}

// characteristic discovers services of dev and returns the given characteristic.
func (s *SessionTestSuite) characteristic(dev device.Device, service, char string) *Characteristic {
	_, err := s.manager.GetServices(s.ctx(), dev)
	s.Require().NoError(err, "service discovery MUST succeed")
	c, err := s.manager.Characteristic(dev.Address, service, char)
	s.Require().NoError(err, "characteristic MUST exist")
	return c
}

// statusRecorder captures status callback transitions.
type statusRecorder struct {
	mu     sync.Mutex
	states []device.ConnectionState
}

func (r *statusRecorder) callback(_ device.Device, state device.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *statusRecorder) snapshot() []device.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.ConnectionState(nil), r.states...)
}

// valueRecorder captures observation deliveries.
type valueRecorder struct {
	mu     sync.Mutex
	values [][]byte
}

func (r *valueRecorder) add(v []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *valueRecorder) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.values...)
}
