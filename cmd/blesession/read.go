package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/session"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> <characteristic-uuid>",
	Short: "Read a characteristic value",
	Long: fmt.Sprintf(`Reads the value of a BLE characteristic.

Examples:
  # Read Battery Level
  blesession read %s 2a19 --hex

  # Read with service disambiguation
  blesession read %s 2a19 --service 180f

  # Poll the characteristic every 500ms
  blesession read %s 2a37 --watch=500ms

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(2),
	RunE: runRead,
}

var (
	readServiceUUID string
	readHex         bool
	readWatch       string
)

func init() {
	readCmd.Flags().StringVar(&readServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'ff01'); raw bytes by default")
	readCmd.Flags().StringVar(&readWatch, "watch", "", "Continuously read at interval (e.g., 1s, 500ms); default 1s if no value given")
	readCmd.Flags().Lookup("watch").NoOptDefVal = "1s"
}

func runRead(cmd *cobra.Command, args []string) error {
	address, charUUID := args[0], args[1]

	var watchInterval time.Duration
	if readWatch != "" {
		var err error
		watchInterval, err = time.ParseDuration(readWatch)
		if err != nil {
			return fmt.Errorf("invalid watch interval: %w", err)
		}
		if watchInterval <= 0 {
			return fmt.Errorf("watch interval must be positive, got %s", readWatch)
		}
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	e, err := openEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	return e.withConnection(ctx, cmd, address, func(_ device.Device, services []*session.Service) error {
		char, err := findCharacteristic(services, readServiceUUID, charUUID)
		if err != nil {
			return err
		}
		if !char.Readable() {
			return device.NewCharacteristicError(device.NotPermitted, char.ID(), nil)
		}
		if watchInterval > 0 {
			return e.watchCharacteristic(ctx, cmd, char, watchInterval)
		}
		return e.readOnce(ctx, cmd.OutOrStdout(), char)
	})
}

func (e *engine) readOnce(ctx context.Context, w io.Writer, char *session.Characteristic) error {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()

	data, err := char.Read(rctx)
	if err != nil {
		return fmt.Errorf("failed to read characteristic: %w", err)
	}
	return writeValue(w, "", data, readHex)
}

// watchCharacteristic reads char every interval until ctx ends or the device disconnects.
func (e *engine) watchCharacteristic(ctx context.Context, cmd *cobra.Command, char *session.Characteristic, interval time.Duration) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Watching (reading every %v). Press Ctrl+C to stop...\n", interval)

	if err := e.readOnce(ctx, cmd.OutOrStdout(), char); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := e.readOnce(ctx, cmd.OutOrStdout(), char)
			switch {
			case err == nil:
			case errors.Is(err, device.ErrCharInvalidDevice):
				return ErrConnectionLost
			default:
				e.logger.WithFields(logrus.Fields{"char_id": char.ID()}).WithError(err).Warn("Failed to read characteristic, continuing...")
			}
		}
	}
}
