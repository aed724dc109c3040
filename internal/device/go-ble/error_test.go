package goble

import (
	"context"
	"errors"
	"testing"

	"github.com/srg/brainmove/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeError(t *testing.T) {
	// GOAL: Platform error texts map onto device sentinels without losing the original message
	//
	// TEST SCENARIO: raw stack error → NormalizeError → errors.Is sentinel, message preserved

	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"darwin powered off", "central manager has invalid state: have=4 want=5: is Bluetooth turned on?", device.ErrBluetoothOff},
		{"linux hci", "can't init hci: no such device", device.ErrBluetoothOff},
		{"not connected", "Device Not Connected", device.ErrNotConnected},
		{"link dropped", "peripheral disconnected", device.ErrNotConnected},
		{"already connected", "device already connected", device.ErrAlreadyConnected},
		{"dial timeout", "connection timed out", device.ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NormalizeError(errors.New(tt.raw))
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), tt.raw)
		})
	}

	t.Run("passes through", func(t *testing.T) {
		assert.NoError(t, NormalizeError(nil))
		other := errors.New("att: invalid handle")
		assert.Same(t, other, NormalizeError(other))
		assert.ErrorIs(t, NormalizeError(context.Canceled), context.Canceled)
	})
}
