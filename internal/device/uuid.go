package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// bluetoothBaseSuffix is the tail shared by every SIG-assigned UUID.
const bluetoothBaseSuffix = "-0000-1000-8000-00805F9B34FB"

// NormalizeUUID converts a UUID string to the canonical form used for identity
// keys and display.
//
// SIG-assigned 128-bit UUIDs collapse to their short form ("0000180f-0000-1000-8000-00805f9b34fb"
// becomes "180F"; 32-bit values keep all eight digits). Short forms are upper-cased with
// any 0x prefix removed. Every other UUID is upper-cased in full, in dashed form.
func NormalizeUUID(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")

	compact := strings.ReplaceAll(s, "-", "")
	if len(compact) == 4 || len(compact) == 8 {
		return strings.ToUpper(compact)
	}

	parsed, err := uuid.Parse(compact)
	if err != nil {
		return strings.ToUpper(s)
	}

	full := strings.ToUpper(parsed.String())
	if !strings.HasSuffix(full, bluetoothBaseSuffix) {
		return full
	}
	head := full[:8]
	if strings.HasPrefix(head, "0000") {
		return head[4:]
	}
	return head
}

// NormalizeUUIDs normalizes a slice of UUID strings.
func NormalizeUUIDs(uuids []string) []string {
	if uuids == nil {
		return nil
	}
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		out = append(out, NormalizeUUID(u))
	}
	return out
}

// ExpandUUID returns the full 128-bit form of a normalized UUID.
func ExpandUUID(s string) (string, error) {
	n := NormalizeUUID(s)
	switch len(n) {
	case 4:
		n = "0000" + n + bluetoothBaseSuffix
	case 8:
		n = n + bluetoothBaseSuffix
	}
	parsed, err := uuid.Parse(n)
	if err != nil {
		return "", fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return parsed.String(), nil
}

// CharacteristicKey is the process-wide identity key of a characteristic:
// ADDRESS/SERVICE/CHARACTERISTIC with normalized UUIDs.
func CharacteristicKey(address, service, characteristic string) string {
	return address + "/" + NormalizeUUID(service) + "/" + NormalizeUUID(characteristic)
}

// OperationKey is the identity key of a device-level operation such as "mtu" or "services".
func OperationKey(address, op string) string {
	return address + "/" + op
}

// AddressOf returns the address component of an identity key.
func AddressOf(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return key
}
