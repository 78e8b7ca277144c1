package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/session"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "Inspect services and characteristics of a BLE device",
	Long: fmt.Sprintf(`Connects to a BLE device by address and discovers its services and
characteristics. Readable characteristics are read unless --no-read is given.

Examples:
  # Inspect a device
  blesession inspect %s

  # Inspect as JSON, without reading values
  blesession inspect %s --json --no-read

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectJSON   bool
	inspectNoRead bool
)

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
	inspectCmd.Flags().BoolVar(&inspectNoRead, "no-read", false, "Skip reading readable characteristics")
}

type characteristicReport struct {
	UUID       string   `json:"uuid"`
	Properties []string `json:"properties"`
	Value      string   `json:"value,omitempty"`
	Error      string   `json:"error,omitempty"`
}

type serviceReport struct {
	UUID            string                 `json:"uuid"`
	MTU             int                    `json:"mtu"`
	Characteristics []characteristicReport `json:"characteristics"`
}

type deviceReport struct {
	device.Device
	Services []serviceReport `json:"services"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	address := args[0]

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	e, err := openEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	return e.withConnection(ctx, cmd, address, func(dev device.Device, services []*session.Service) error {
		report := deviceReport{Device: dev, Services: make([]serviceReport, 0, len(services))}
		report.Connected = true
		for _, svc := range services {
			report.Services = append(report.Services, e.inspectService(ctx, svc))
		}

		if inspectJSON {
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(report)
		}
		printReport(cmd.OutOrStdout(), report)
		return nil
	})
}

func (e *engine) inspectService(ctx context.Context, svc *session.Service) serviceReport {
	sr := serviceReport{UUID: svc.UUID, MTU: svc.MTU, Characteristics: make([]characteristicReport, 0, len(svc.Characteristics))}
	for _, c := range svc.Characteristics {
		cr := characteristicReport{UUID: c.UUID(), Properties: c.Properties().Names()}
		if c.Readable() && !inspectNoRead {
			rctx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
			value, err := c.Read(rctx)
			cancel()
			if err != nil {
				cr.Error = err.Error()
			} else {
				cr.Value = hex.EncodeToString(value)
			}
		}
		sr.Characteristics = append(sr.Characteristics, cr)
	}
	return sr
}

func printReport(w io.Writer, r deviceReport) {
	title := color.New(color.Bold).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()
	failed := color.New(color.FgRed).SprintFunc()

	fmt.Fprintf(w, "%s %s (RSSI %d dBm)\n", title(r.Name), r.Address, r.RSSI)
	for _, svc := range r.Services {
		fmt.Fprintf(w, "  Service %s %s\n", title(svc.UUID), faint(fmt.Sprintf("mtu=%d", svc.MTU)))
		for _, c := range svc.Characteristics {
			fmt.Fprintf(w, "    Characteristic %s [%s]", c.UUID, strings.Join(c.Properties, ", "))
			switch {
			case c.Error != "":
				fmt.Fprintf(w, " %s", failed(c.Error))
			case c.Value != "":
				fmt.Fprintf(w, " = %s", c.Value)
			}
			fmt.Fprintln(w)
		}
	}
}
