// Package device defines the domain records, error taxonomy and native
// capability interfaces shared by the BLE session engine and its drivers.
//
// This package contains:
//   - Device snapshots and connection lifecycle states
//   - Typed connection and characteristic errors with boundary mapping
//   - The Driver and EventHandler contracts a native BLE stack implements
//   - UUID normalization and characteristic identity keys
package device
