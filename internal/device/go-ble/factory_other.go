//go:build !darwin && !linux

package goble

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/brainmove/internal/device"
)

func defaultDevice() (ble.Device, error) {
	return nil, fmt.Errorf("%w: no BLE stack for this platform", device.ErrUnsupported)
}
