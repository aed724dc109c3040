package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/srg/brainmove/internal/protocol"
)

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected       ConnectionState = "not_connected"
	AlreadyConnected   ConnectionState = "already_connected"
	NotReady           ConnectionState = "not_ready"
	ReconnectExhausted ConnectionState = "reconnect_exhausted"
	BluetoothOff       ConnectionState = "bluetooth_off"
	Closed             ConnectionState = "closed"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected       = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected   = &ConnectionError{State: AlreadyConnected}
	ErrNotReady           = &ConnectionError{State: NotReady}
	ErrReconnectExhausted = &ConnectionError{State: ReconnectExhausted}
	ErrBluetoothOff       = &ConnectionError{State: BluetoothOff}
	ErrClosed             = &ConnectionError{State: Closed}
)

// Operation errors
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// ID is the stable identity of one cone.
type ID struct {
	Color   string // logical colour, lower case; the registry key
	Name    string // advertised name, e.g. "BM-Red"
	Address string // MAC for BLE, command topic for MQTT
}

func (id ID) String() string {
	if id.Name != "" {
		return id.Name
	}
	return id.Color
}

// ExpectedName returns the advertised name a cone of this colour must carry.
func ExpectedName(prefix, color string) string {
	if color == "" {
		return prefix
	}
	return prefix + strings.ToUpper(color[:1]) + strings.ToLower(color[1:])
}

// ColorFromName derives the logical colour from an advertised name, or "" if the
// name does not carry prefix.
func ColorFromName(prefix, name string) string {
	if !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(name, prefix))
}

// Event is a protocol event attributed to a cone and stamped on arrival.
type Event struct {
	Device ID
	protocol.DeviceEvent
	At time.Time
}

// Advertisement is the subset of a BLE advertisement discovery needs.
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Services() []string
	Connectable() bool
}

// ScanningDevice represents a device capable of scanning for advertisements
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}
