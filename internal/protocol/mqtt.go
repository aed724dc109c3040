package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultTopicPrefix is the root of every cone topic.
const DefaultTopicPrefix = "bm"

// BroadcastTarget addresses every cone at once.
const BroadcastTarget = "all"

const (
	topicDetect  = "detect"
	topicBattery = "battery"
	topicStatus  = "status"
	topicCommand = "cmd"
)

// Command tokens as published on <prefix>/<color>/cmd.
const (
	TokenStart     = "start"
	TokenStop      = "stop"
	TokenSleep     = "sleep"
	TokenCorrect   = "correct"
	TokenIncorrect = "incorrect"
	TokenKeepalive = "ping"
	TokenSoundOk   = "sound_ok"
	TokenSoundFail = "sound_fail"
)

// Topics maps cone colours to MQTT topics under one prefix.
type Topics struct {
	Prefix string
}

// NewTopics returns a Topics for prefix, falling back to DefaultTopicPrefix.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix}
}

// Subscriptions lists the wildcard filters for every device-to-host topic.
func (t Topics) Subscriptions() []string {
	return []string{
		t.Prefix + "/+/" + topicDetect,
		t.Prefix + "/+/" + topicBattery,
		t.Prefix + "/+/" + topicStatus,
	}
}

// Command returns the command topic for one colour.
func (t Topics) Command(color string) string {
	return t.Prefix + "/" + strings.ToLower(color) + "/" + topicCommand
}

// Broadcast returns the command topic every cone listens on.
func (t Topics) Broadcast() string {
	return t.Command(BroadcastTarget)
}

// Event returns the device-to-host topic carrying events of the given type.
func (t Topics) Event(color string, typ MessageType) (string, error) {
	var leaf string
	switch typ {
	case MsgDetection:
		leaf = topicDetect
	case MsgBattery:
		leaf = topicBattery
	case MsgStatus, MsgKeepalive:
		leaf = topicStatus
	default:
		return "", reject(UnknownType, "no topic for %s", typ)
	}
	return t.Prefix + "/" + strings.ToLower(color) + "/" + leaf, nil
}

// Parse splits an inbound topic into its colour and message type.
func (t Topics) Parse(topic string) (string, MessageType, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != t.Prefix || parts[1] == "" {
		return "", 0, reject(UnknownTopic, "%q", topic)
	}
	color := strings.ToLower(parts[1])
	switch parts[2] {
	case topicDetect:
		return color, MsgDetection, nil
	case topicBattery:
		return color, MsgBattery, nil
	case topicStatus:
		return color, MsgStatus, nil
	default:
		return "", 0, reject(UnknownTopic, "%q", topic)
	}
}

// DecodePayload turns an MQTT payload into an event of the type Parse reported.
func DecodePayload(typ MessageType, payload []byte) (DeviceEvent, error) {
	text := strings.ToLower(strings.TrimSpace(string(payload)))

	switch typ {
	case MsgDetection:
		n, err := strconv.ParseUint(text, 10, 16)
		if err != nil {
			return DeviceEvent{}, reject(BadPayload, "detect %q", text)
		}
		return Detection(0, uint16(n)), nil
	case MsgBattery:
		n, err := strconv.ParseUint(strings.TrimSuffix(text, "%"), 10, 8)
		if err != nil || n > 100 {
			return DeviceEvent{}, reject(BadPayload, "battery %q", text)
		}
		return Battery(0, uint8(n)), nil
	case MsgStatus:
		switch text {
		case "online", "connected":
			return Status(0, StatusConnected), nil
		case "reconnected":
			return Status(0, StatusReconnected), nil
		case "offline", "sleeping":
			return Status(0, StatusSleeping), nil
		case "pong":
			return Status(0, StatusPong), nil
		case "keepalive", "alive":
			return Keepalive(0), nil
		default:
			return DeviceEvent{}, reject(BadPayload, "status %q", text)
		}
	default:
		return DeviceEvent{}, reject(UnknownType, "%s", typ)
	}
}

// EncodePayload renders an event as an MQTT payload.
func EncodePayload(ev DeviceEvent) []byte {
	switch ev.Type {
	case MsgDetection:
		return []byte(strconv.FormatUint(uint64(ev.Value), 10))
	case MsgBattery:
		return []byte(strconv.FormatUint(uint64(ev.Percent), 10))
	case MsgStatus:
		switch ev.Status {
		case StatusConnected:
			return []byte("online")
		case StatusSleeping:
			return []byte("offline")
		default:
			return []byte(ev.Status.String())
		}
	case MsgKeepalive:
		return []byte("keepalive")
	default:
		return nil
	}
}

// Token renders a command as its MQTT token.
func Token(cmd Command) string {
	switch cmd.Op {
	case OpStart:
		return TokenStart
	case OpStop:
		return TokenStop
	case OpSleep:
		return TokenSleep
	case OpSetCorrect:
		if cmd.Correct {
			return TokenCorrect
		}
		return TokenIncorrect
	case OpKeepalive:
		return TokenKeepalive
	case OpSoundOk:
		return TokenSoundOk
	case OpSoundFail:
		return TokenSoundFail
	default:
		return fmt.Sprintf("op(0x%02x)", uint8(cmd.Op))
	}
}

// ParseToken is the inverse of Token.
func ParseToken(token string) (Command, error) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case TokenStart:
		return Start, nil
	case TokenStop:
		return Stop, nil
	case TokenSleep:
		return Sleep, nil
	case TokenCorrect:
		return SetCorrect(true), nil
	case TokenIncorrect:
		return SetCorrect(false), nil
	case TokenKeepalive:
		return KeepalivePing, nil
	case TokenSoundOk:
		return SoundOk, nil
	case TokenSoundFail:
		return SoundFail, nil
	default:
		return Command{}, reject(UnknownToken, "%q", token)
	}
}
