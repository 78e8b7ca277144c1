package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/session"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <characteristic-uuid> <data>",
	Short: "Write to a characteristic",
	Long: fmt.Sprintf(`Writes data to a BLE characteristic.

Examples:
  # Write a string
  blesession write %s 2a06 "high"

  # Write hex data
  blesession write %s 2a06 01 --hex

  # Write without response
  blesession write %s 2a06 "data" --without-response

  # Split a long value into 20-byte writes
  blesession write %s 6e400002-b5a3-f393-e0a9-e50e24dcca9e "a long message" --chunk 20

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

var (
	writeServiceUUID string
	writeHex         bool
	writeNoResponse  bool
	writeChunkSize   int
)

func init() {
	writeCmd.Flags().StringVar(&writeServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	writeCmd.Flags().BoolVar(&writeNoResponse, "without-response", false, "Write without response; default waits for the ACK")
	writeCmd.Flags().IntVar(&writeChunkSize, "chunk", 0, "Split the value into N-byte writes; 0 writes it whole")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address, charUUID := args[0], args[1]

	data, err := parseValue(args[2], writeHex)
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	if writeChunkSize < 0 {
		return fmt.Errorf("chunk size must not be negative, got %d", writeChunkSize)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	e, err := openEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	err = e.withConnection(ctx, cmd, address, func(_ device.Device, services []*session.Service) error {
		char, err := findCharacteristic(services, writeServiceUUID, charUUID)
		if err != nil {
			return err
		}
		return e.writeCharacteristic(ctx, char, data)
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Write successful")
	return nil
}

func (e *engine) writeCharacteristic(ctx context.Context, char *session.Characteristic, data []byte) error {
	write := char.Write
	if writeNoResponse {
		write = char.WriteNoResponse
	}

	for _, part := range chunk(data, writeChunkSize) {
		wctx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
		err := write(wctx, part)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to write characteristic: %w", err)
		}
	}
	return nil
}
