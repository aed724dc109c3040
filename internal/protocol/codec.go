package protocol

import "encoding/binary"

// DefaultSafetyByte is the marker every genuine cone frame carries at offset 2.
const DefaultSafetyByte byte = 0x42

// Layout selects the header shape.
type Layout int

const (
	// LayoutCompact is messageType, deviceId, safetyByte, reserved; payload at offset 4.
	LayoutCompact Layout = iota
	// LayoutTimestamped appends a little-endian u32 device timestamp; payload at offset 8.
	LayoutTimestamped
)

// HeaderLen returns the header size in bytes.
func (l Layout) HeaderLen() int {
	if l == LayoutTimestamped {
		return 8
	}
	return 4
}

// FrameLen is the size firmware pads every compact frame to.
const FrameLen = 8

// Codec decodes notifications and encodes events for one safety byte and layout.
type Codec struct {
	SafetyByte byte
	Layout     Layout
}

// NewCodec returns a Codec for the given safety marker and header layout.
func NewCodec(safety byte, layout Layout) Codec {
	return Codec{SafetyByte: safety, Layout: layout}
}

// Decode parses one notification buffer. Any returned error is a *FrameError and
// the event must be discarded.
func (c Codec) Decode(frame []byte) (DeviceEvent, error) {
	hdr := c.Layout.HeaderLen()
	if len(frame) < 3 {
		return DeviceEvent{}, reject(ShortFrame, "%d bytes", len(frame))
	}
	// safety marker first: a frame without it is unauthenticated whatever its length
	if frame[2] != c.SafetyByte {
		return DeviceEvent{}, reject(BadSafetyByte, "got 0x%02x", frame[2])
	}
	if len(frame) < hdr {
		return DeviceEvent{}, reject(ShortFrame, "%d bytes, header needs %d", len(frame), hdr)
	}

	ev := DeviceEvent{
		Type:     MessageType(frame[0]),
		DeviceID: frame[1],
	}
	if c.Layout == LayoutTimestamped {
		ev.Timestamp = binary.LittleEndian.Uint32(frame[4:8])
	}
	payload := frame[hdr:]

	switch ev.Type {
	case MsgDetection:
		switch {
		case len(payload) >= 2:
			ev.Value = binary.LittleEndian.Uint16(payload[:2])
		case len(payload) == 1:
			ev.Value = uint16(payload[0])
		default:
			return DeviceEvent{}, reject(ShortFrame, "detection without payload")
		}
	case MsgBattery:
		if len(payload) < 1 {
			return DeviceEvent{}, reject(ShortFrame, "battery without payload")
		}
		if payload[0] > 100 {
			return DeviceEvent{}, reject(BadPayload, "battery %d%%", payload[0])
		}
		ev.Percent = payload[0]
	case MsgStatus:
		if len(payload) < 1 {
			return DeviceEvent{}, reject(ShortFrame, "status without payload")
		}
		ev.Status = StatusCode(payload[0])
		if !ev.Status.valid() {
			return DeviceEvent{}, reject(BadPayload, "status code 0x%02x", payload[0])
		}
	case MsgKeepalive:
	default:
		return DeviceEvent{}, reject(UnknownType, "type 0x%02x", frame[0])
	}

	return ev, nil
}

// Encode renders an event the way firmware would send it. Compact frames are
// zero padded to FrameLen.
func (c Codec) Encode(ev DeviceEvent) []byte {
	hdr := c.Layout.HeaderLen()
	buf := make([]byte, hdr, FrameLen+hdr)
	buf[0] = byte(ev.Type)
	buf[1] = ev.DeviceID
	buf[2] = c.SafetyByte
	if c.Layout == LayoutTimestamped {
		binary.LittleEndian.PutUint32(buf[4:8], ev.Timestamp)
	}

	switch ev.Type {
	case MsgDetection:
		buf = binary.LittleEndian.AppendUint16(buf, ev.Value)
	case MsgBattery:
		buf = append(buf, ev.Percent)
	case MsgStatus:
		buf = append(buf, byte(ev.Status))
	}

	if c.Layout == LayoutCompact {
		for len(buf) < FrameLen {
			buf = append(buf, 0)
		}
	}
	return buf
}

// EncodeCommand renders a command as BLE write payload.
func EncodeCommand(cmd Command) []byte {
	if cmd.Op == OpSetCorrect {
		var flag byte
		if cmd.Correct {
			flag = 1
		}
		return []byte{byte(cmd.Op), flag}
	}
	return []byte{byte(cmd.Op)}
}

// DecodeCommand parses a BLE write payload. Firmware simulators use it.
func DecodeCommand(b []byte) (Command, error) {
	if len(b) == 0 {
		return Command{}, reject(ShortFrame, "empty command")
	}
	cmd := Command{Op: Opcode(b[0])}
	switch cmd.Op {
	case OpStart, OpStop, OpSleep, OpKeepalive, OpSoundOk, OpSoundFail:
	case OpSetCorrect:
		cmd.Correct = len(b) > 1 && b[1] != 0
	default:
		return Command{}, reject(UnknownType, "opcode 0x%02x", b[0])
	}
	return cmd, nil
}
