package protocol

import "fmt"

// MessageType is the first header byte of a cone notification.
type MessageType uint8

const (
	MsgStatus    MessageType = 0x01
	MsgDetection MessageType = 0x02
	MsgBattery   MessageType = 0x03
	MsgKeepalive MessageType = 0x04
)

func (t MessageType) String() string {
	switch t {
	case MsgStatus:
		return "status"
	case MsgDetection:
		return "detection"
	case MsgBattery:
		return "battery"
	case MsgKeepalive:
		return "keepalive"
	default:
		return fmt.Sprintf("type(0x%02x)", uint8(t))
	}
}

// StatusCode is carried by status frames.
type StatusCode uint8

const (
	StatusConnected   StatusCode = 0x01
	StatusReconnected StatusCode = 0x02
	StatusSleeping    StatusCode = 0x03
	StatusPong        StatusCode = 0x04
)

func (s StatusCode) valid() bool {
	return s >= StatusConnected && s <= StatusPong
}

func (s StatusCode) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusReconnected:
		return "reconnected"
	case StatusSleeping:
		return "sleeping"
	case StatusPong:
		return "pong"
	default:
		return fmt.Sprintf("status(0x%02x)", uint8(s))
	}
}

// DeviceEvent is a decoded cone notification. Type selects which payload field
// is meaningful; the others stay zero.
type DeviceEvent struct {
	Type      MessageType
	DeviceID  uint8
	Timestamp uint32 // device-local milliseconds, zero for the compact layout and MQTT

	Value   uint16     // MsgDetection: distance or 0/1 flag
	Percent uint8      // MsgBattery
	Status  StatusCode // MsgStatus
}

// Detection builds a detection event.
func Detection(deviceID uint8, value uint16) DeviceEvent {
	return DeviceEvent{Type: MsgDetection, DeviceID: deviceID, Value: value}
}

// Battery builds a battery event.
func Battery(deviceID uint8, percent uint8) DeviceEvent {
	return DeviceEvent{Type: MsgBattery, DeviceID: deviceID, Percent: percent}
}

// Status builds a status event.
func Status(deviceID uint8, code StatusCode) DeviceEvent {
	return DeviceEvent{Type: MsgStatus, DeviceID: deviceID, Status: code}
}

// Keepalive builds a keepalive event.
func Keepalive(deviceID uint8) DeviceEvent {
	return DeviceEvent{Type: MsgKeepalive, DeviceID: deviceID}
}

// Touched reports whether a detection event means the sensor fired.
func (e DeviceEvent) Touched() bool {
	return e.Type == MsgDetection && e.Value != 0
}

// IsLiveness reports whether the event proves the cone answered a keepalive.
func (e DeviceEvent) IsLiveness() bool {
	switch e.Type {
	case MsgKeepalive, MsgBattery:
		return true
	case MsgStatus:
		return e.Status == StatusPong
	default:
		return false
	}
}

func (e DeviceEvent) String() string {
	switch e.Type {
	case MsgDetection:
		return fmt.Sprintf("detection(dev=%d value=%d)", e.DeviceID, e.Value)
	case MsgBattery:
		return fmt.Sprintf("battery(dev=%d %d%%)", e.DeviceID, e.Percent)
	case MsgStatus:
		return fmt.Sprintf("status(dev=%d %s)", e.DeviceID, e.Status)
	default:
		return fmt.Sprintf("%s(dev=%d)", e.Type, e.DeviceID)
	}
}

// Opcode is the first byte of a cone-bound command.
type Opcode uint8

const (
	OpStart      Opcode = 0x01
	OpStop       Opcode = 0x02
	OpSleep      Opcode = 0x03
	OpSetCorrect Opcode = 0x04
	OpKeepalive  Opcode = 0x05
	OpSoundOk    Opcode = 0x10
	OpSoundFail  Opcode = 0x11
)

// Command is a cone-bound instruction. Correct is only meaningful for OpSetCorrect.
type Command struct {
	Op      Opcode
	Correct bool
}

var (
	Start         = Command{Op: OpStart}
	Stop          = Command{Op: OpStop}
	Sleep         = Command{Op: OpSleep}
	KeepalivePing = Command{Op: OpKeepalive}
	SoundOk       = Command{Op: OpSoundOk}
	SoundFail     = Command{Op: OpSoundFail}
)

// SetCorrect marks (or unmarks) a cone as the round target.
func SetCorrect(correct bool) Command {
	return Command{Op: OpSetCorrect, Correct: correct}
}

func (c Command) String() string {
	return Token(c)
}
