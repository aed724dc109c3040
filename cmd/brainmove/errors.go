package main

import (
	"errors"
	"fmt"

	"github.com/srg/brainmove/internal/device"
	"github.com/srg/brainmove/internal/store"
)

// Command-level errors
var (
	// ErrNoCones is returned when a command needs cones and none could be reached.
	ErrNoCones = errors.New("no cones connected")
	// ErrGameRejected is returned when the orchestrator refuses to start a game.
	ErrGameRejected = errors.New("game not started")
)

// FormatUserError turns internal errors into a one-line message for the terminal.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is off or unavailable; switch it on and retry"
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("operation not supported by this transport (%v)", err)
	case errors.Is(err, device.ErrReconnectExhausted):
		return fmt.Sprintf("cone stayed unreachable after every reconnect attempt (%v)", err)
	case errors.Is(err, device.ErrNotConnected), errors.Is(err, device.ErrNotReady):
		return fmt.Sprintf("cone not connected (%v)", err)
	case errors.Is(err, store.ErrNoDSN):
		return "persistence requested but BRAINMOVE_DATABASE_DSN is empty"
	case errors.Is(err, ErrNoCones):
		return "no cones connected; check that they are powered and in range"
	default:
		return err.Error()
	}
}
