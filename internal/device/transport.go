package device

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/srg/brainmove/internal/protocol"
)

// EventSink receives decoded, authenticated events for one cone.
type EventSink func(protocol.DeviceEvent)

// Transport reaches cones over one carrier.
type Transport interface {
	// Name identifies the carrier in logs ("ble", "mqtt").
	Name() string
	// Connect opens a session to id and delivers its events to sink until the
	// session ends.
	Connect(ctx context.Context, id ID, sink EventSink) (Session, error)
}

// Session is one live link to a cone.
type Session interface {
	// Send writes cmd and waits until the carrier accepted it.
	Send(ctx context.Context, cmd protocol.Command) error
	// Disconnected is closed when the link drops.
	Disconnected() <-chan struct{}
	// Close tears the link down; Disconnected fires afterwards.
	Close() error
}

// Poster is implemented by sessions that can queue a command without waiting.
type Poster interface {
	Post(cmd protocol.Command)
}

// Broadcaster is implemented by transports that can address every cone at once.
type Broadcaster interface {
	Broadcast(ctx context.Context, cmd protocol.Command) error
}

// Reconnector is implemented by transports that restore their carrier on their
// own. fn runs after every restore, never after the first connect.
type Reconnector interface {
	OnReconnect(fn func())
}

// FrameSink adapts a raw-frame callback to sink: frames are decoded with codec and
// anything the codec rejects is logged and dropped before it reaches sink.
func FrameSink(codec protocol.Codec, logger *logrus.Logger, id ID, sink EventSink) func([]byte) {
	if logger == nil {
		logger = logrus.New()
	}
	return func(frame []byte) {
		ev, err := codec.Decode(frame)
		if err != nil {
			entry := logger.WithFields(logrus.Fields{
				"device": id.String(),
				"frame":  frame,
				"error":  err,
			})
			if IsRejected(err, protocol.BadSafetyByte) {
				entry.Warn("Dropped unauthenticated frame")
			} else {
				entry.Debug("Dropped malformed frame")
			}
			return
		}
		sink(ev)
	}
}

// IsRejected reports whether err is a protocol rejection for reason.
func IsRejected(err error, reason protocol.RejectReason) bool {
	return errors.Is(err, &protocol.FrameError{Reason: reason})
}
