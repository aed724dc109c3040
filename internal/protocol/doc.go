// Package protocol implements the cone wire format.
//
// Cone firmware talks to the host over two carriers. Over BLE every notification
// is a small binary frame (header + kind-specific payload) and every command is an
// opcode byte with an optional parameter. Over MQTT the same information travels as
// short ASCII tokens on per-colour topics.
//
// The package holds no state and performs no I/O; transports call Codec.Decode and
// EncodeCommand at their boundary and never look at raw bytes themselves.
package protocol
