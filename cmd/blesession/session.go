package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesession/internal/device"
	goble "github.com/srg/blesession/internal/device/go-ble"
	"github.com/srg/blesession/internal/session"
	"github.com/srg/blesession/pkg/config"
)

// newDriver creates the native backend. Tests replace it with a fake driver.
var newDriver = func(logger *logrus.Logger) device.Driver {
	return goble.NewDriver(logger)
}

// engine bundles what every command needs: configuration, logger and a ready session manager.
type engine struct {
	cfg     *config.Config
	logger  *logrus.Logger
	manager *session.Manager
}

// openEngine loads configuration, builds the engine and checks the adapter gate.
// The caller must Close the returned engine.
func openEngine(ctx context.Context, cmd *cobra.Command) (*engine, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	m := session.New(newDriver(logger), session.WithConfig(cfg), session.WithLogger(logger))
	e := &engine{cfg: cfg, logger: logger, manager: m}

	if !m.IsAdapterReady(ctx) && !m.RequestAdapterEnable(ctx) {
		_ = e.Close()
		return nil, ErrAdapterNotReady
	}
	if !m.HasPermissions(ctx) && !m.RequestPermissions(ctx) {
		_ = e.Close()
		return nil, device.ErrPermissionsMissing
	}
	return e, nil
}

func (e *engine) Close() error {
	return e.manager.Close()
}

// findDevice scans until address shows up or ctx ends.
func (e *engine) findDevice(ctx context.Context, address string) (device.Device, error) {
	want := strings.ToUpper(address)
	found := make(chan device.Device, 1)

	sub := e.manager.ObserveDevices(func(devices []device.Device) {
		for _, d := range devices {
			if strings.ToUpper(d.Address) == want {
				select {
				case found <- d:
				default:
				}
				return
			}
		}
	})
	defer sub.Cancel()

	if err := e.manager.StartScan(ctx); err != nil {
		return device.Device{}, fmt.Errorf("failed to start scan: %w", err)
	}
	defer func() {
		if err := e.manager.StopScan(); err != nil {
			e.logger.WithError(err).Warn("Failed to stop scan")
		}
	}()

	select {
	case d := <-found:
		return d, nil
	case <-ctx.Done():
		return device.Device{}, &device.NotFoundError{Resource: "device", UUIDs: []string{address}}
	}
}

// withConnection finds and connects to address, runs fn with the discovered services
// and disconnects afterwards.
func (e *engine) withConnection(ctx context.Context, cmd *cobra.Command, address string, fn func(dev device.Device, services []*session.Service) error) error {
	scanCtx, cancel := context.WithTimeout(ctx, e.cfg.ScanTimeout)
	dev, err := e.findDevice(scanCtx, address)
	cancel()
	if err != nil {
		return err
	}

	status := newStatusPrinter(cmd)
	if err := e.manager.Connect(ctx, dev, status.print); err != nil {
		return err
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), e.cfg.ConnectTimeout)
		defer dcancel()
		if err := e.manager.Disconnect(dctx, dev); err != nil {
			e.logger.WithError(err).Warn("Failed to disconnect")
		}
	}()

	services, err := e.manager.GetServices(ctx, dev)
	if err != nil {
		return err
	}
	return fn(dev, services)
}

// statusPrinter writes colored connection transitions to the command's error stream.
type statusPrinter struct {
	cmd *cobra.Command
}

func newStatusPrinter(cmd *cobra.Command) *statusPrinter {
	return &statusPrinter{cmd: cmd}
}

var stateColors = map[device.ConnectionState]*color.Color{
	device.Connecting:    color.New(color.FgYellow),
	device.Connected:     color.New(color.FgGreen),
	device.Disconnecting: color.New(color.FgYellow),
	device.Disconnected:  color.New(color.FgRed),
}

func (p *statusPrinter) print(dev device.Device, state device.ConnectionState) {
	c, ok := stateColors[state]
	if !ok {
		c = color.New(color.Reset)
	}
	_, _ = c.Fprintf(p.cmd.ErrOrStderr(), "%s %s\n", dev, state)
}

// signalContext returns a context cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// findCharacteristic resolves charUUID across services, or within serviceUUID when given.
func findCharacteristic(services []*session.Service, serviceUUID, charUUID string) (*session.Characteristic, error) {
	var matches []*session.Characteristic
	for _, svc := range services {
		if serviceUUID != "" && svc.UUID != device.NormalizeUUID(serviceUUID) {
			continue
		}
		if c, ok := svc.Characteristic(charUUID); ok {
			matches = append(matches, c)
		}
	}

	switch len(matches) {
	case 0:
		uuids := []string{device.NormalizeUUID(charUUID)}
		if serviceUUID != "" {
			uuids = append([]string{device.NormalizeUUID(serviceUUID)}, uuids...)
		}
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: uuids}
	case 1:
		return matches[0], nil
	default:
		svcs := make([]string, 0, len(matches))
		for _, c := range matches {
			svcs = append(svcs, c.ServiceUUID())
		}
		return nil, fmt.Errorf("characteristic %s found in multiple services (%s): use --service", device.NormalizeUUID(charUUID), strings.Join(svcs, ", "))
	}
}
