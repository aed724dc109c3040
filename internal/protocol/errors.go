package protocol

import "fmt"

// RejectReason classifies why a frame was dropped.
type RejectReason string

const (
	ShortFrame    RejectReason = "short_frame"
	BadSafetyByte RejectReason = "bad_safety_byte"
	UnknownType   RejectReason = "unknown_type"
	BadPayload    RejectReason = "bad_payload"
	UnknownTopic  RejectReason = "unknown_topic"
	UnknownToken  RejectReason = "unknown_token"
)

// FrameError reports a frame that must not reach device state.
type FrameError struct {
	Reason RejectReason
	Msg    string
}

func (e *FrameError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Msg)
}

// Is allows errors.Is to compare FrameError values by Reason
func (e *FrameError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*FrameError)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

var (
	ErrShortFrame    = &FrameError{Reason: ShortFrame}
	ErrBadSafetyByte = &FrameError{Reason: BadSafetyByte}
	ErrUnknownType   = &FrameError{Reason: UnknownType}
	ErrBadPayload    = &FrameError{Reason: BadPayload}
	ErrUnknownTopic  = &FrameError{Reason: UnknownTopic}
	ErrUnknownToken  = &FrameError{Reason: UnknownToken}
)

func reject(reason RejectReason, format string, args ...any) error {
	return &FrameError{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}
