package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/srg/brainmove/internal/device"
	"github.com/srg/brainmove/internal/protocol"
	"github.com/srg/brainmove/internal/testutils"
	"github.com/srg/brainmove/internal/worker"
	"github.com/stretchr/testify/suite"
)

// blockingTransport wraps the fake transport and parks every Send until released.
type blockingTransport struct {
	*testutils.FakeTransport
	gate chan struct{}

	mu   sync.Mutex
	last *blockingSession
}

func (t *blockingTransport) Connect(ctx context.Context, id device.ID, sink device.EventSink) (device.Session, error) {
	sess, err := t.FakeTransport.Connect(ctx, id, sink)
	if err != nil {
		return nil, err
	}
	bs := &blockingSession{Session: sess, gate: t.gate}
	t.mu.Lock()
	t.last = bs
	t.mu.Unlock()
	return bs, nil
}

type blockingSession struct {
	device.Session
	gate chan struct{}

	mu   sync.Mutex
	sent []protocol.Command
}

func (s *blockingSession) Send(ctx context.Context, cmd protocol.Command) error {
	select {
	case <-s.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	s.sent = append(s.sent, cmd)
	s.mu.Unlock()
	return nil
}

func (s *blockingSession) Sent() []protocol.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Command(nil), s.sent...)
}

type IsolateTestSuite struct {
	testutils.BaseSuite

	pool  *worker.Pool
	inner *blockingTransport
	id    device.ID
}

func (s *IsolateTestSuite) SetupTest() {
	s.BaseSuite.SetupTest()
	s.pool = worker.NewPool(s.Logger, 16)
	s.inner = &blockingTransport{FakeTransport: s.Transport, gate: make(chan struct{})}
	s.id = device.ID{Color: "green", Name: "BM-Green", Address: "AA:BB:CC:DD:EE:04"}
}

func (s *IsolateTestSuite) TearDownTest() {
	s.pool.Close()
}

func (s *IsolateTestSuite) TestPostNeverBlocksCaller() {
	// GOAL: Fire-and-forget commands return immediately even while the radio is stuck,
	//       and are delivered in order once it frees up
	//
	// TEST SCENARIO: Radio gated → Post SetCorrect, SoundOk → both return at once →
	//                open gate → commands arrive in submission order

	t := worker.Isolate(s.inner, s.pool, s.Logger)
	sess, err := t.Connect(context.Background(), s.id, func(protocol.DeviceEvent) {})
	s.Require().NoError(err)

	poster, ok := sess.(device.Poster)
	s.Require().True(ok, "isolated sessions MUST support Post")

	start := time.Now()
	poster.Post(protocol.SetCorrect(true))
	poster.Post(protocol.SoundOk)
	s.Less(time.Since(start), 50*time.Millisecond, "Post MUST NOT wait for the radio")

	close(s.inner.gate)

	// an awaited send queues behind the posts on the same lane
	s.Require().NoError(sess.Send(context.Background(), protocol.Stop))

	inner := s.innerSession()
	s.Equal([]protocol.Command{protocol.SetCorrect(true), protocol.SoundOk, protocol.Stop}, inner.Sent())
}

func (s *IsolateTestSuite) TestSendHonoursContext() {
	t := worker.Isolate(s.inner, s.pool, s.Logger)
	sess, err := t.Connect(context.Background(), s.id, func(protocol.DeviceEvent) {})
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.ErrorIs(sess.Send(ctx, protocol.Start), context.DeadlineExceeded)
	close(s.inner.gate)
}

func (s *IsolateTestSuite) TestScanUnsupported() {
	t := worker.Isolate(s.inner, s.pool, s.Logger)
	scanner, ok := t.(device.ScanningDevice)
	s.Require().True(ok)
	s.ErrorIs(scanner.Scan(context.Background(), false, func(device.Advertisement) {}), device.ErrUnsupported)
	close(s.inner.gate)
}

func (s *IsolateTestSuite) innerSession() *blockingSession {
	s.inner.mu.Lock()
	defer s.inner.mu.Unlock()
	return s.inner.last
}

func TestIsolateTestSuite(t *testing.T) {
	suite.Run(t, new(IsolateTestSuite))
}
