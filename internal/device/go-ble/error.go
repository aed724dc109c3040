package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/brainmove/internal/device"
)

// stackErrors maps substrings of go-ble / HCI / CoreBluetooth error texts to
// the device sentinels. Order matters: "not connected" must win over
// "disconnected".
var stackErrors = []struct {
	fragment string
	sentinel error
}{
	{"is bluetooth turned on", device.ErrBluetoothOff},
	{"bluetooth is turned off", device.ErrBluetoothOff},
	{"can't init hci", device.ErrBluetoothOff},
	{"no devices available", device.ErrBluetoothOff},
	{"device not connected", device.ErrNotConnected},
	{"disconnected", device.ErrNotConnected},
	{"device already connected", device.ErrAlreadyConnected},
	{"connection timed out", device.ErrTimeout},
}

// NormalizeError wraps a BLE stack error with the matching device sentinel,
// keeping the original text. Context errors and unknown errors pass through.
func NormalizeError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, e := range stackErrors {
		if strings.Contains(msg, e.fragment) {
			return fmt.Errorf("%w: %v", e.sentinel, err)
		}
	}
	return err
}
