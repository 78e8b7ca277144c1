package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/flow"
	"github.com/srg/blesession/internal/groutine"
	"github.com/srg/blesession/internal/session"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address> <characteristic-uuid>...",
	Short: "Observe characteristic notifications",
	Long: fmt.Sprintf(`Enables notifications (or indications) on one or more characteristics and
prints every value received until interrupted.

Examples:
  # Observe Heart Rate Measurement
  blesession subscribe %s 2a37 --hex

  # Observe two characteristics, stop after 10 values
  blesession subscribe %s 2a37 2a19 --hex --count 10

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.MinimumNArgs(2),
	RunE: runSubscribe,
}

var (
	subscribeServiceUUID string
	subscribeHex         bool
	subscribeCount       int
	subscribeDuration    time.Duration
)

func init() {
	subscribeCmd.Flags().StringVar(&subscribeServiceUUID, "service", "", "Service UUID (required if a characteristic UUID is ambiguous)")
	subscribeCmd.Flags().BoolVar(&subscribeHex, "hex", false, "Output as hex string; raw bytes by default")
	subscribeCmd.Flags().IntVarP(&subscribeCount, "count", "n", 0, "Stop after N values (0 for unlimited)")
	subscribeCmd.Flags().DurationVarP(&subscribeDuration, "duration", "d", 0, "Stop after this long (0 for indefinite)")
}

type notification struct {
	uuid  string
	value []byte
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	address, charUUIDs := args[0], args[1:]
	if subscribeCount < 0 {
		return fmt.Errorf("count must not be negative, got %d", subscribeCount)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if subscribeDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, subscribeDuration)
		defer cancel()
	}

	e, err := openEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	return e.withConnection(ctx, cmd, address, func(_ device.Device, services []*session.Service) error {
		chars := make([]*session.Characteristic, 0, len(charUUIDs))
		for _, u := range charUUIDs {
			c, err := findCharacteristic(services, subscribeServiceUUID, u)
			if err != nil {
				return err
			}
			chars = append(chars, c)
		}
		return e.observe(ctx, cmd, chars)
	})
}

// observe prints values of chars until ctx ends, the count is reached or the device disconnects.
func (e *engine) observe(ctx context.Context, cmd *cobra.Command, chars []*session.Characteristic) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	values := make(chan notification, e.cfg.NotificationBuffer)
	subs := make([]*flow.Subscription, 0, len(chars))
	defer func() {
		for _, s := range subs {
			s.Cancel()
		}
	}()

	lost := make(chan struct{}, len(chars))
	for _, c := range chars {
		uuid := c.UUID()
		sub, err := c.Observe(ctx, func(v []byte) {
			select {
			case values <- notification{uuid: uuid, value: v}:
			case <-ctx.Done():
			}
		})
		if err != nil {
			return fmt.Errorf("failed to observe %s: %w", uuid, err)
		}
		subs = append(subs, sub)

		done := sub.Done()
		groutine.Go(ctx, "subscribe-detach-"+uuid, func(ctx context.Context) {
			select {
			case <-done:
				lost <- struct{}{}
			case <-ctx.Done():
			}
		})
	}

	fmt.Fprintln(cmd.ErrOrStderr(), "Observing notifications. Press Ctrl+C to stop...")

	out := cmd.OutOrStdout()
	received := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			return ErrConnectionLost
		case n := <-values:
			prefix := ""
			if len(chars) > 1 {
				prefix = n.uuid + ": "
			}
			if err := writeValue(out, prefix, n.value, subscribeHex); err != nil {
				return err
			}
			received++
			if subscribeCount > 0 && received >= subscribeCount {
				return nil
			}
		}
	}
}
