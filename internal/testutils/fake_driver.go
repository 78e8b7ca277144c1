package testutils

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/groutine"
)

// ErrInjected is returned by calls configured to fail.
var ErrInjected = errors.New("injected failure")

// FakeHandle is the connection handle issued by FakeDriver.
type FakeHandle struct {
	address string
	id      int
}

// Address implements device.Handle
func (h *FakeHandle) Address() string { return h.address }

// ID returns the unique handle number.
func (h *FakeHandle) ID() int { return h.id }

// FakeDriver is an instrumented in-memory device.Driver.
//
// Every started GATT procedure becomes a pending completion. By default
// completions fire on their own goroutine after Latency; with HoldCompletions
// they wait until Flush or FlushOne is called. The driver records the calls it
// receives and the highest number of procedures outstanding at once.
type FakeDriver struct {
	mu      sync.Mutex
	handler device.EventHandler

	adapterState device.AdapterState
	adapterErr   error
	permissions  bool
	caps         device.Capabilities
	maxWrite     map[device.WriteMode]int

	peripherals map[string]PeripheralConfig
	handles     map[string]*FakeHandle
	nextHandle  int

	scanning bool
	onResult func(device.Advertisement)

	hold    bool
	latency time.Duration
	held    []func()

	startErr map[string]error

	calls        []string
	cancelCalls  map[string]int
	releaseCalls map[string]int
	closed       bool

	outstanding    atomic.Int32
	maxOutstanding atomic.Int32
}

// NewFakeDriver creates a powered-on driver with permissions granted and no peripherals.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		adapterState: device.AdapterPoweredOn,
		permissions:  true,
		maxWrite:     map[device.WriteMode]int{},
		peripherals:  map[string]PeripheralConfig{},
		handles:      map[string]*FakeHandle{},
		startErr:     map[string]error{},
		cancelCalls:  map[string]int{},
		releaseCalls: map[string]int{},
		latency:      time.Millisecond,
	}
}

// AddPeripheral registers a peripheral the driver can discover and connect to.
func (d *FakeDriver) AddPeripheral(p PeripheralConfig) *FakeDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peripherals[p.Address] = p
	return d
}

// SetAdapterState sets the reported adapter state and read error.
func (d *FakeDriver) SetAdapterState(state device.AdapterState, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapterState = state
	d.adapterErr = err
}

// SetPermissions sets the reported permission state.
func (d *FakeDriver) SetPermissions(granted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permissions = granted
}

// SetCapabilities sets the reported capabilities.
func (d *FakeDriver) SetCapabilities(caps device.Capabilities) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps = caps
}

// SetMaxWriteLength makes the stack report a write limit for mode.
func (d *FakeDriver) SetMaxWriteLength(mode device.WriteMode, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxWrite[mode] = n
}

// SetStartError makes the named call ("read", "write", "notify", "discover", "mtu", "connect") refuse to start.
func (d *FakeDriver) SetStartError(call string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startErr[call] = err
}

// HoldCompletions keeps completions pending until Flush or FlushOne.
func (d *FakeDriver) HoldCompletions(hold bool) {
	d.mu.Lock()
	d.hold = hold
	d.mu.Unlock()
	if !hold {
		d.Flush()
	}
}

// SetLatency sets the delay before automatic completions fire.
func (d *FakeDriver) SetLatency(latency time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latency = latency
}

// Held returns the number of completions waiting to be flushed.
func (d *FakeDriver) Held() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}

// FlushOne fires the oldest held completion. It returns false when none is held.
func (d *FakeDriver) FlushOne() bool {
	d.mu.Lock()
	if len(d.held) == 0 {
		d.mu.Unlock()
		return false
	}
	fire := d.held[0]
	d.held = d.held[1:]
	d.mu.Unlock()

	fire()
	return true
}

// Flush fires every held completion in order.
func (d *FakeDriver) Flush() {
	for d.FlushOne() {
	}
}

// Calls returns the recorded driver calls, e.g. "read AA:BB/180F/2A19".
func (d *FakeDriver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.calls)
}

// CountCalls returns how many recorded calls start with prefix.
func (d *FakeDriver) CountCalls(prefix string) int {
	n := 0
	for _, c := range d.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// CancelConnectCalls returns how many times a connect attempt to address was cancelled.
func (d *FakeDriver) CancelConnectCalls(address string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelCalls[address]
}

// ReleaseCalls returns how many handles of address were released.
func (d *FakeDriver) ReleaseCalls(address string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.releaseCalls[address]
}

// MaxOutstanding returns the highest number of GATT procedures outstanding at once.
func (d *FakeDriver) MaxOutstanding() int {
	return int(d.maxOutstanding.Load())
}

// Outstanding returns the number of GATT procedures awaiting completion.
func (d *FakeDriver) Outstanding() int {
	return int(d.outstanding.Load())
}

// IsScanning reports whether the native scan is running.
func (d *FakeDriver) IsScanning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanning
}

// IsClosed reports whether Close was called.
func (d *FakeDriver) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Advertise delivers adv to the active scan, if any, from the calling goroutine.
func (d *FakeDriver) Advertise(adv device.Advertisement) bool {
	d.mu.Lock()
	onResult := d.onResult
	scanning := d.scanning
	d.mu.Unlock()

	if !scanning || onResult == nil {
		return false
	}
	onResult(adv)
	return true
}

// Notify delivers an unsolicited value change.
func (d *FakeDriver) Notify(address, service, characteristic string, value []byte) {
	ref := device.CharRef{Service: device.NormalizeUUID(service), Characteristic: device.NormalizeUUID(characteristic)}
	d.eventHandler().OnCharacteristicChanged(address, ref, value)
}

// DropConnection simulates an unsolicited disconnect of address.
func (d *FakeDriver) DropConnection(address string) {
	d.eventHandler().OnDisconnected(address, fmt.Errorf("%w: link lost", device.ErrConnectionLost))
}

// Handle returns the live handle issued for address.
func (d *FakeDriver) Handle(address string) (*FakeHandle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handles[address]
	return h, ok
}

// ----------------------------
// device.Driver
// ----------------------------

func (d *FakeDriver) Capabilities() device.Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

func (d *FakeDriver) SetEventHandler(h device.EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

func (d *FakeDriver) AdapterState(context.Context) (device.AdapterState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adapterState, d.adapterErr
}

func (d *FakeDriver) Permissions(context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permissions, nil
}

func (d *FakeDriver) Scan(onResult func(device.Advertisement)) error {
	d.mu.Lock()
	if err := d.startErr["scan"]; err != nil {
		d.mu.Unlock()
		return err
	}
	d.record("scan")
	d.scanning = true
	d.onResult = onResult
	ads := make([]device.Advertisement, 0, len(d.peripherals))
	for _, p := range d.sortedPeripheralsLocked() {
		ads = append(ads, p.Advertisement())
	}
	d.mu.Unlock()

	groutine.Go(context.Background(), "fake-scan", func(context.Context) {
		for _, adv := range ads {
			d.Advertise(adv)
		}
	})
	return nil
}

func (d *FakeDriver) StopScan() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("stop-scan")
	d.scanning = false
	d.onResult = nil
	return nil
}

func (d *FakeDriver) Connect(address string) error {
	d.mu.Lock()
	if err := d.startErr["connect"]; err != nil {
		d.mu.Unlock()
		return err
	}
	d.record("connect " + address)
	p, known := d.peripherals[address]
	d.mu.Unlock()

	handler := d.eventHandler()
	switch {
	case !known:
		d.schedule(func() {
			handler.OnConnectFailed(address, &device.GATTError{Status: device.StatusFailure})
		})
	case p.Connect == ConnectSilent:
	case p.Connect == ConnectFails:
		status := p.ConnectStatus
		d.schedule(func() {
			handler.OnConnectFailed(address, &device.GATTError{Status: status})
		})
	default:
		d.schedule(func() {
			d.mu.Lock()
			d.nextHandle++
			h := &FakeHandle{address: address, id: d.nextHandle}
			d.handles[address] = h
			d.mu.Unlock()
			handler.OnConnected(h)
		})
	}
	return nil
}

func (d *FakeDriver) CancelConnect(address string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("cancel-connect " + address)
	d.cancelCalls[address]++
	return nil
}

func (d *FakeDriver) Disconnect(h device.Handle) error {
	address := h.Address()
	d.mu.Lock()
	if err := d.startErr["disconnect"]; err != nil {
		d.mu.Unlock()
		return err
	}
	d.record("disconnect " + address)
	d.mu.Unlock()

	handler := d.eventHandler()
	d.schedule(func() { handler.OnDisconnected(address, nil) })
	return nil
}

func (d *FakeDriver) Release(h device.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	address := h.Address()
	d.record("release " + address)
	d.releaseCalls[address]++
	if cur, ok := d.handles[address]; ok && device.Handle(cur) == h {
		delete(d.handles, address)
	}
}

func (d *FakeDriver) DiscoverServices(h device.Handle) error {
	address := h.Address()
	p, err := d.begin("discover", address)
	if err != nil {
		return err
	}
	handler := d.eventHandler()
	d.gattComplete(func() { handler.OnServicesDiscovered(address, p.ServiceInfos(), nil) })
	return nil
}

func (d *FakeDriver) ReadCharacteristic(h device.Handle, ref device.CharRef) error {
	address := h.Address()
	p, err := d.begin("read", address+"/"+ref.String())
	if err != nil {
		return err
	}
	handler := d.eventHandler()

	d.mu.Lock()
	ch, ok := p.characteristic(ref)
	var value []byte
	status := device.StatusFailure
	if ok {
		value = slices.Clone(ch.Value)
		status = ch.ReadStatus
	}
	d.mu.Unlock()

	d.gattComplete(func() {
		if status != device.StatusSuccess {
			handler.OnCharacteristicRead(address, ref, nil, &device.GATTError{Status: status})
			return
		}
		handler.OnCharacteristicRead(address, ref, value, nil)
	})
	return nil
}

func (d *FakeDriver) WriteCharacteristic(h device.Handle, ref device.CharRef, data []byte, mode device.WriteMode) error {
	address := h.Address()
	p, err := d.begin("write", fmt.Sprintf("%s/%s %s %x", address, ref, mode, data))
	if err != nil {
		return err
	}
	handler := d.eventHandler()

	d.mu.Lock()
	ch, ok := p.characteristic(ref)
	status := device.StatusFailure
	if ok {
		status = ch.WriteStatus
		if status == device.StatusSuccess {
			ch.Value = slices.Clone(data)
		}
	}
	d.mu.Unlock()

	d.gattComplete(func() {
		if status != device.StatusSuccess {
			handler.OnCharacteristicWritten(address, ref, &device.GATTError{Status: status})
			return
		}
		handler.OnCharacteristicWritten(address, ref, nil)
	})
	return nil
}

func (d *FakeDriver) SetNotification(h device.Handle, ref device.CharRef, enabled bool) error {
	address := h.Address()
	if _, err := d.begin("notify", fmt.Sprintf("%s/%s %t", address, ref, enabled)); err != nil {
		return err
	}
	handler := d.eventHandler()
	d.gattComplete(func() { handler.OnNotificationStateChanged(address, ref, enabled, nil) })
	return nil
}

func (d *FakeDriver) NegotiateMTU(h device.Handle, size int) error {
	address := h.Address()
	if _, err := d.begin("mtu", fmt.Sprintf("%s %d", address, size)); err != nil {
		return err
	}
	handler := d.eventHandler()
	d.gattComplete(func() { handler.OnMTUChanged(address, size, nil) })
	return nil
}

func (d *FakeDriver) MaxWriteLength(_ device.Handle, mode device.WriteMode) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.maxWrite[mode]
	return n, ok
}

func (d *FakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("close")
	d.closed = true
	return nil
}

// ----------------------------
// internals
// ----------------------------

// begin records a GATT call and checks it may start on a live handle.
func (d *FakeDriver) begin(call, detail string) (PeripheralConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.startErr[call]; err != nil {
		return PeripheralConfig{}, err
	}
	d.record(call + " " + detail)

	address, _, _ := strings.Cut(device.AddressOf(detail), " ")
	if _, ok := d.handles[address]; !ok {
		return PeripheralConfig{}, fmt.Errorf("%w: %s not connected", ErrInjected, address)
	}
	return d.peripherals[address], nil
}

// gattComplete tracks an outstanding procedure and schedules its completion.
func (d *FakeDriver) gattComplete(fire func()) {
	n := d.outstanding.Add(1)
	for {
		cur := d.maxOutstanding.Load()
		if n <= cur || d.maxOutstanding.CompareAndSwap(cur, n) {
			break
		}
	}
	d.schedule(func() {
		d.outstanding.Add(-1)
		fire()
	})
}

func (d *FakeDriver) schedule(fire func()) {
	d.mu.Lock()
	if d.hold {
		d.held = append(d.held, fire)
		d.mu.Unlock()
		return
	}
	latency := d.latency
	d.mu.Unlock()

	groutine.Go(context.Background(), "fake-completion", func(context.Context) {
		time.Sleep(latency)
		fire()
	})
}

func (d *FakeDriver) eventHandler() device.EventHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler
}

func (d *FakeDriver) record(call string) {
	d.calls = append(d.calls, call)
}

func (d *FakeDriver) sortedPeripheralsLocked() []PeripheralConfig {
	out := make([]PeripheralConfig, 0, len(d.peripherals))
	for _, p := range d.peripherals {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b PeripheralConfig) int {
		return strings.Compare(a.Address, b.Address)
	})
	return out
}

var _ device.Driver = (*FakeDriver)(nil)
