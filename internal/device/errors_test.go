package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionError_IsByKind(t *testing.T) {
	err := NewConnectionError(Timeout, "AA:BB", errors.New("no answer"))

	assert.ErrorIs(t, err, ErrTimeout, "timeout error MUST match the timeout sentinel")
	assert.NotErrorIs(t, err, ErrGenericFailure, "timeout error MUST NOT match a different kind")
	assert.ErrorIs(t, fmt.Errorf("connect: %w", err), ErrTimeout, "wrapped errors MUST keep their kind")
	assert.Equal(t, "AA:BB: timeout: no answer", err.Error())
}

func TestCharacteristicError_IsByKind(t *testing.T) {
	cause := &GATTError{Status: StatusReadNotPermitted}
	err := NewCharacteristicError(NotPermitted, "AA:BB/180F/2A19", cause)

	assert.ErrorIs(t, err, ErrNotPermitted)
	assert.NotErrorIs(t, err, ErrMtuExceeded)

	var gerr *GATTError
	assert.ErrorAs(t, err, &gerr, "native cause MUST stay reachable")
	assert.Equal(t, StatusReadNotPermitted, gerr.Status)
}

func TestMapConnectError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{"native connection timeout status", &GATTError{Status: StatusConnectionTimeout}, ErrTimeout},
		{"other native status", &GATTError{Status: 0x85}, ErrGenericFailure},
		{"plain error", errors.New("radio off"), ErrGenericFailure},
		{"already mapped", NewConnectionError(InvalidDevice, "AA", nil), ErrInvalidDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, MapConnectError("AA", tt.err), tt.expected)
		})
	}

	assert.NoError(t, MapConnectError("AA", nil))
}

func TestMapCharacteristicError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{"read not permitted", &GATTError{Status: StatusReadNotPermitted}, ErrNotPermitted},
		{"write not permitted", &GATTError{Status: StatusWriteNotPermitted}, ErrNotPermitted},
		{"invalid attribute length", &GATTError{Status: StatusInvalidAttributeLength}, ErrMtuExceeded},
		{"unknown status", &GATTError{Status: StatusFailure}, ErrGenericError},
		{"plain error", errors.New("boom"), ErrGenericError},
		{"connection lost", fmt.Errorf("purged: %w", ErrConnectionLost), ErrCharInvalidDevice},
		{"already mapped", NewCharacteristicError(FailedToInit, "id", nil), ErrFailedToInit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, MapCharacteristicError("AA/180F/2A19", tt.err), tt.expected)
		})
	}

	assert.NoError(t, MapCharacteristicError("id", nil))
}

func TestNotFoundError(t *testing.T) {
	assert.Equal(t, "service not found", (&NotFoundError{Resource: "service"}).Error())
	assert.Equal(t, `service "180F" not found`, (&NotFoundError{Resource: "service", UUIDs: []string{"180F"}}).Error())
	assert.Equal(t, `characteristic "2A19" not found in "AA/180F"`,
		(&NotFoundError{Resource: "characteristic", UUIDs: []string{"AA", "180F", "2A19"}}).Error())
}
