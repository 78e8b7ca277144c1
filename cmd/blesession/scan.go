package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blesession/internal/device"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Devices are listed in the order they were first discovered, with their name,
address, RSSI and advertised services.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanServices  []string
	scanAllowList []string
	scanBlockList []string
	scanWatch     bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default: scan_timeout from config)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json); default: output_format from config")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Only show devices advertising these service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Redraw the device table on every change")
}

// deviceFilter selects which discovered devices are shown.
type deviceFilter struct {
	services []string
	allow    map[string]struct{}
	block    map[string]struct{}
}

func newDeviceFilter(services, allow, block []string) *deviceFilter {
	toSet := func(addrs []string) map[string]struct{} {
		if len(addrs) == 0 {
			return nil
		}
		set := make(map[string]struct{}, len(addrs))
		for _, a := range addrs {
			set[strings.ToUpper(a)] = struct{}{}
		}
		return set
	}
	return &deviceFilter{
		services: device.NormalizeUUIDs(services),
		allow:    toSet(allow),
		block:    toSet(block),
	}
}

func (f *deviceFilter) match(d device.Device) bool {
	addr := strings.ToUpper(d.Address)
	if _, blocked := f.block[addr]; blocked {
		return false
	}
	if f.allow != nil {
		if _, ok := f.allow[addr]; !ok {
			return false
		}
	}
	if len(f.services) == 0 {
		return true
	}
	for _, s := range f.services {
		if slices.Contains(d.ServiceUUIDs, s) {
			return true
		}
	}
	return false
}

func (f *deviceFilter) apply(devices []device.Device) []device.Device {
	out := make([]device.Device, 0, len(devices))
	for _, d := range devices {
		if f.match(d) {
			out = append(out, d)
		}
	}
	return out
}

func runScan(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	e, err := openEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	format := scanFormat
	if format == "" {
		format = e.cfg.OutputFormat
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}

	duration := scanDuration
	if duration == 0 && !scanWatch {
		duration = e.cfg.ScanTimeout
	}
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	filter := newDeviceFilter(scanServices, scanAllowList, scanBlockList)
	out := cmd.OutOrStdout()

	if scanWatch {
		sub := e.manager.ObserveDevices(func(devices []device.Device) {
			clearScreen(out)
			_ = displayDevices(out, filter.apply(devices), format)
		})
		defer sub.Cancel()
	}

	if err := e.manager.StartScan(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if err := e.manager.StopScan(); err != nil {
		e.logger.WithError(err).Warn("Failed to stop scan")
	}

	if scanWatch {
		return nil
	}
	return displayDevices(out, filter.apply(e.manager.Devices()), format)
}

func displayDevices(w io.Writer, devices []device.Device, format string) error {
	if format == "json" {
		return displayDevicesJSON(w, devices)
	}
	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "No devices discovered")
		return err
	}
	return displayDevicesTable(w, devices)
}

func displayDevicesTable(out io.Writer, devices []device.Device) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tSTATE")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	connected := color.New(color.FgGreen).SprintFunc()
	for _, d := range devices {
		name := d.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		services := strings.Join(d.ServiceUUIDs, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		state := ""
		if d.Connected {
			state = connected("connected")
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s\n", name, d.Address, d.RSSI, services, state)
	}
	return w.Flush()
}

func displayDevicesJSON(w io.Writer, devices []device.Device) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(devices)
}

func clearScreen(w io.Writer) {
	fmt.Fprint(w, "\033[2J\033[H")
}
