package session

import (
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/flow"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// scanAggregator keeps the cumulative device map and the set of devices seen
// in the current scan cycle, and publishes their intersection.
type scanAggregator struct {
	driver device.Driver
	logger *logrus.Logger

	mu       sync.Mutex
	scanning bool
	known    *orderedmap.OrderedMap[string, device.Device]

	visible atomic.Pointer[hashmap.Map[string, struct{}]]
	devices *flow.Cell[[]device.Device]
}

func newScanAggregator(driver device.Driver, logger *logrus.Logger) *scanAggregator {
	s := &scanAggregator{
		driver:  driver,
		logger:  logger,
		known:   orderedmap.New[string, device.Device](),
		devices: flow.NewCell[[]device.Device]("devices"),
	}
	s.visible.Store(hashmap.New[string, struct{}]())
	return s
}

func (s *scanAggregator) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scanning {
		if err := s.driver.StopScan(); err != nil {
			s.logger.WithError(err).Warn("Failed to stop previous scan cycle")
		}
		s.scanning = false
	}

	s.visible.Store(hashmap.New[string, struct{}]())
	s.publishLocked()

	if err := s.driver.Scan(s.onAdvertisement); err != nil {
		s.logger.WithError(err).Error("Failed to start scan")
		return err
	}
	s.scanning = true
	s.logger.Info("Scan started")
	return nil
}

func (s *scanAggregator) stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.scanning {
		return nil
	}
	s.scanning = false
	if err := s.driver.StopScan(); err != nil {
		s.logger.WithError(err).Warn("Failed to stop scan")
		return err
	}
	s.logger.Info("Scan stopped")
	return nil
}

func (s *scanAggregator) isScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

func (s *scanAggregator) onAdvertisement(adv device.Advertisement) {
	if adv.Address == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.scanning {
		return
	}

	dev, seen := s.known.Get(adv.Address)
	if !seen {
		dev = device.Device{Address: adv.Address, Name: device.UnnamedDevice}
		s.logger.WithFields(logrus.Fields{
			"address": adv.Address,
			"name":    adv.LocalName,
			"rssi":    adv.RSSI,
		}).Debug("Discovered device")
	}
	if adv.LocalName != "" {
		dev.Name = adv.LocalName
	}
	dev.RSSI = adv.RSSI
	if len(adv.Services) > 0 {
		dev.ServiceUUIDs = device.NormalizeUUIDs(adv.Services)
	}
	s.known.Set(adv.Address, dev)
	s.visible.Load().Set(adv.Address, struct{}{})

	s.publishLocked()
}

func (s *scanAggregator) isVisible(address string) bool {
	_, ok := s.visible.Load().Get(address)
	return ok
}

func (s *scanAggregator) lookup(address string) (device.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.known.Get(address)
	return dev.Clone(), ok
}

func (s *scanAggregator) setConnected(address string, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.known.Get(address)
	if !ok || dev.Connected == connected {
		return
	}
	dev.Connected = connected
	s.known.Set(address, dev)
	s.publishLocked()
}

func (s *scanAggregator) snapshot() []device.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *scanAggregator) snapshotLocked() []device.Device {
	visible := s.visible.Load()
	out := make([]device.Device, 0, visible.Len())
	for pair := s.known.Oldest(); pair != nil; pair = pair.Next() {
		if _, ok := visible.Get(pair.Key); ok {
			out = append(out, pair.Value.Clone())
		}
	}
	return out
}

func (s *scanAggregator) publishLocked() {
	s.devices.Set(s.snapshotLocked())
}

func (s *scanAggregator) onScanFailed(err error) {
	s.mu.Lock()
	s.scanning = false
	s.mu.Unlock()
	s.logger.WithError(err).Error("Scan failed")
}
