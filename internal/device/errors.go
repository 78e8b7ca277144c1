package device

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "device", "service", "characteristic"
	UUIDs    []string // One or more identifiers, outermost first
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], strings.Join(e.UUIDs[:len(e.UUIDs)-1], "/"))
}

// ConnectionErrorKind is the specific kind of connect/disconnect failure
type ConnectionErrorKind string

const (
	AlreadyConnected ConnectionErrorKind = "already_connected"
	InvalidDevice    ConnectionErrorKind = "invalid_device"
	Timeout          ConnectionErrorKind = "timeout"
	GenericFailure   ConnectionErrorKind = "generic_failure"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	Kind    ConnectionErrorKind
	Address string
	Err     error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Address != "" {
		msg = fmt.Sprintf("%s: %s", e.Address, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is allows errors.Is to compare ConnectionError values by Kind
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors for connection failures
var (
	ErrAlreadyConnected = &ConnectionError{Kind: AlreadyConnected}
	ErrInvalidDevice    = &ConnectionError{Kind: InvalidDevice}
	ErrTimeout          = &ConnectionError{Kind: Timeout}
	ErrGenericFailure   = &ConnectionError{Kind: GenericFailure}
)

// NewConnectionError builds a ConnectionError of the given kind wrapping cause.
func NewConnectionError(kind ConnectionErrorKind, address string, cause error) *ConnectionError {
	return &ConnectionError{Kind: kind, Address: address, Err: cause}
}

// CharacteristicErrorKind is the specific kind of GATT operation failure
type CharacteristicErrorKind string

const (
	NotPermitted      CharacteristicErrorKind = "not_permitted"
	MtuExceeded       CharacteristicErrorKind = "mtu_exceeded"
	GenericError      CharacteristicErrorKind = "generic_error"
	CharInvalidDevice CharacteristicErrorKind = "invalid_device"
	FailedToInit      CharacteristicErrorKind = "failed_to_init"
)

// CharacteristicError represents a failed read, write or observation.
// ID is the identity key of the characteristic (or operation) that failed.
type CharacteristicError struct {
	Kind CharacteristicErrorKind
	ID   string
	Err  error
}

func (e *CharacteristicError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.ID != "" {
		msg = fmt.Sprintf("%s: %s", e.ID, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is allows errors.Is to compare CharacteristicError values by Kind
func (e *CharacteristicError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*CharacteristicError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func (e *CharacteristicError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors for characteristic operations
var (
	ErrNotPermitted      = &CharacteristicError{Kind: NotPermitted}
	ErrMtuExceeded       = &CharacteristicError{Kind: MtuExceeded}
	ErrGenericError      = &CharacteristicError{Kind: GenericError}
	ErrCharInvalidDevice = &CharacteristicError{Kind: CharInvalidDevice}
	ErrFailedToInit      = &CharacteristicError{Kind: FailedToInit}
)

// NewCharacteristicError builds a CharacteristicError of the given kind wrapping cause.
func NewCharacteristicError(kind CharacteristicErrorKind, id string, cause error) *CharacteristicError {
	return &CharacteristicError{Kind: kind, ID: id, Err: cause}
}

// Engine errors
var (
	ErrConnectionLost     = errors.New("connection lost")
	ErrPermissionsMissing = errors.New("bluetooth permissions missing")
	ErrUnsupported        = errors.New("unsupported")
	ErrClosed             = errors.New("manager closed")
)

// GATT status codes reported by native stacks.
const (
	StatusSuccess                    = 0x00
	StatusReadNotPermitted           = 0x02
	StatusWriteNotPermitted          = 0x03
	StatusInsufficientAuthentication = 0x05
	StatusRequestNotSupported        = 0x06
	StatusConnectionTimeout          = 0x08
	StatusInvalidAttributeLength     = 0x0D
	StatusInsufficientEncryption     = 0x0F
	StatusFailure                    = 0x101
)

// GATTError carries a raw native status code across the driver boundary.
type GATTError struct {
	Status int
	Err    error
}

func (e *GATTError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gatt status 0x%02X: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("gatt status 0x%02X", e.Status)
}

func (e *GATTError) Unwrap() error {
	return e.Err
}

// StatusOf extracts the native status code from err, if any.
func StatusOf(err error) (int, bool) {
	var gerr *GATTError
	if errors.As(err, &gerr) {
		return gerr.Status, true
	}
	return 0, false
}

// MapConnectError maps a native connect failure to the connection taxonomy.
// Errors already in the taxonomy pass through unchanged.
func MapConnectError(address string, err error) error {
	if err == nil {
		return nil
	}
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return err
	}
	if status, ok := StatusOf(err); ok && status == StatusConnectionTimeout {
		return NewConnectionError(Timeout, address, err)
	}
	return NewConnectionError(GenericFailure, address, err)
}

// MapCharacteristicError maps a native GATT failure to the characteristic taxonomy.
// Errors already in the taxonomy pass through unchanged; unknown codes become GenericError.
func MapCharacteristicError(id string, err error) error {
	if err == nil {
		return nil
	}
	var cerr *CharacteristicError
	if errors.As(err, &cerr) {
		return err
	}
	if errors.Is(err, ErrConnectionLost) {
		return NewCharacteristicError(CharInvalidDevice, id, err)
	}
	status, ok := StatusOf(err)
	if !ok {
		return NewCharacteristicError(GenericError, id, err)
	}
	switch status {
	case StatusReadNotPermitted, StatusWriteNotPermitted:
		return NewCharacteristicError(NotPermitted, id, err)
	case StatusInvalidAttributeLength:
		return NewCharacteristicError(MtuExceeded, id, err)
	default:
		return NewCharacteristicError(GenericError, id, err)
	}
}
