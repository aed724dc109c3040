package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/brainmove/internal/device"
	"github.com/srg/brainmove/internal/protocol"
)

// ErrFakeConnect is returned by FakeTransport while connects are set to fail.
var ErrFakeConnect = errors.New("fake: connect refused")

// FakeTransport is an in-memory device.Transport. Frames injected into its
// sessions go through the real codec, so rejections behave like on the wire.
type FakeTransport struct {
	Codec protocol.Codec

	logger *logrus.Logger

	mu        sync.Mutex
	connects  map[string]int
	failNext  map[string]int
	failAll   bool
	sessions  map[string]*FakeSession
	broadcast []protocol.Command
}

// NewFakeTransport returns a transport that accepts every connect.
func NewFakeTransport(logger *logrus.Logger) *FakeTransport {
	return &FakeTransport{
		Codec:    protocol.NewCodec(protocol.DefaultSafetyByte, protocol.LayoutCompact),
		logger:   logger,
		connects: make(map[string]int),
		failNext: make(map[string]int),
		sessions: make(map[string]*FakeSession),
	}
}

func (t *FakeTransport) Name() string { return "fake" }

// Connect implements device.Transport.
func (t *FakeTransport) Connect(ctx context.Context, id device.ID, sink device.EventSink) (device.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connects[id.Color]++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.failAll {
		return nil, ErrFakeConnect
	}
	if t.failNext[id.Color] > 0 {
		t.failNext[id.Color]--
		return nil, ErrFakeConnect
	}

	sess := &FakeSession{
		ID:    id,
		codec: t.Codec,
		frame: device.FrameSink(t.Codec, t.logger, id, sink),
		disc:  make(chan struct{}),
	}
	t.sessions[id.Color] = sess
	return sess, nil
}

// Broadcast implements device.Broadcaster.
func (t *FakeTransport) Broadcast(_ context.Context, cmd protocol.Command) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcast = append(t.broadcast, cmd)
	return nil
}

// Broadcasts returns every command sent through Broadcast.
func (t *FakeTransport) Broadcasts() []protocol.Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Command(nil), t.broadcast...)
}

// FailConnects makes every subsequent connect fail (or succeed again).
func (t *FakeTransport) FailConnects(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failAll = fail
}

// FailNext makes the next n connects to color fail.
func (t *FakeTransport) FailNext(color string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext[color] = n
}

// Connects returns how many times color was dialled.
func (t *FakeTransport) Connects(color string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects[color]
}

// Session returns the latest session opened for color.
func (t *FakeTransport) Session(color string) *FakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[color]
}

// FakeSession records commands and lets tests inject frames or drop the link.
type FakeSession struct {
	ID device.ID

	codec protocol.Codec
	frame func([]byte)

	mu      sync.Mutex
	sent    []protocol.Command
	sendErr error
	posted  int

	disc     chan struct{}
	dropOnce sync.Once
}

// Send implements device.Session.
func (s *FakeSession) Send(ctx context.Context, cmd protocol.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.sent = append(s.sent, cmd)
	return nil
}

// Post implements device.Poster.
func (s *FakeSession) Post(cmd protocol.Command) {
	s.mu.Lock()
	s.posted++
	s.sent = append(s.sent, cmd)
	s.mu.Unlock()
}

// Disconnected implements device.Session.
func (s *FakeSession) Disconnected() <-chan struct{} {
	return s.disc
}

// Close implements device.Session.
func (s *FakeSession) Close() error {
	s.Drop()
	return nil
}

// Drop simulates the link going away.
func (s *FakeSession) Drop() {
	s.dropOnce.Do(func() { close(s.disc) })
}

// SetSendError makes subsequent sends fail with err.
func (s *FakeSession) SetSendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Sent returns every command the session accepted, in order.
func (s *FakeSession) Sent() []protocol.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Command(nil), s.sent...)
}

// Posted returns how many commands came through Post.
func (s *FakeSession) Posted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posted
}

// Inject delivers a raw notification frame.
func (s *FakeSession) Inject(frame []byte) {
	s.frame(frame)
}

// Emit encodes ev as the firmware would and delivers it.
func (s *FakeSession) Emit(ev protocol.DeviceEvent) {
	s.frame(s.codec.Encode(ev))
}

// Touch emits a detection.
func (s *FakeSession) Touch() {
	s.Emit(protocol.Detection(0, 1))
}
