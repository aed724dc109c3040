package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/srg/brainmove/internal/device"
	"github.com/srg/brainmove/internal/presentation"
	"github.com/srg/brainmove/internal/protocol"
	"github.com/srg/brainmove/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type advertisement struct {
	name, addr string
}

func (a advertisement) LocalName() string  { return a.name }
func (a advertisement) Addr() string       { return a.addr }
func (a advertisement) RSSI() int          { return -50 }
func (a advertisement) Services() []string { return nil }
func (a advertisement) Connectable() bool  { return true }

// scanningTransport adds discovery to the fake transport.
type scanningTransport struct {
	*testutils.FakeTransport
	advs []device.Advertisement
}

func (t *scanningTransport) Scan(_ context.Context, _ bool, handler func(device.Advertisement)) error {
	for _, adv := range t.advs {
		handler(adv)
	}
	return nil
}

type RegistryTestSuite struct {
	testutils.BaseSuite

	opts     Options
	recorder *presentation.Recorder
	registry *Registry

	clockMu sync.Mutex
	offset  time.Duration
}

func (s *RegistryTestSuite) SetupTest() {
	s.BaseSuite.SetupTest()

	s.opts = DefaultOptions()
	s.opts.Colors = []string{"red", "blue"}
	s.opts.Cone.AutoReconnect = false
	s.opts.KeepaliveInterval = time.Hour
	s.opts.HealthTimeout = 10 * time.Second
	s.opts.ScanInterval = 10 * time.Millisecond
	s.recorder = &presentation.Recorder{}
	s.offset = 0

	s.registry = s.newRegistry(s.Transport)
}

func (s *RegistryTestSuite) newRegistry(t device.Transport) *Registry {
	r := New(t, s.opts, s.recorder, s.Logger)
	r.now = func() time.Time {
		s.clockMu.Lock()
		defer s.clockMu.Unlock()
		return time.Now().Add(s.offset)
	}
	return r
}

func (s *RegistryTestSuite) advance(d time.Duration) {
	s.clockMu.Lock()
	s.offset = d
	s.clockMu.Unlock()
}

func (s *RegistryTestSuite) TearDownTest() {
	if s.registry != nil {
		s.registry.Close()
	}
}

func (s *RegistryTestSuite) connectAll() {
	s.registry.Seed(nil)
	s.Require().NoError(s.registry.ConnectAll(context.Background()))
	s.Require().True(s.registry.AllConnected())
}

func (s *RegistryTestSuite) TestConnectAllEmitsPresence() {
	s.connectAll()

	s.Equal([]string{"red", "blue"}, s.registry.Ready())
	s.Len(s.recorder.Find("device_connected"), 2)
	s.Len(s.recorder.Find("all_devices_connected"), 1)

	s.Require().NoError(s.registry.ConnectAll(context.Background()), "connected cones MUST be skipped")
	s.Equal(1, s.Transport.Connects("red"))
}

func (s *RegistryTestSuite) TestConnectAllReportsFailures() {
	s.registry.Seed(nil)
	s.Transport.FailNext("blue", 1)

	err := s.registry.ConnectAll(context.Background())
	s.ErrorIs(err, testutils.ErrFakeConnect)
	s.Equal([]string{"red"}, s.registry.Ready(), "a failing cone MUST NOT block the others")
	s.False(s.registry.AllConnected())
}

func (s *RegistryTestSuite) TestFanInPreservesArrivalOrder() {
	// GOAL: Detections from every cone reach subscribers as one ordered stream and
	//       update the last-detection cache
	//
	// TEST SCENARIO: red, blue, red touch plus a battery report → detection subscriber
	//                sees red, blue, red → last detection cached per colour

	s.connectAll()
	sub := s.registry.Subscribe(Detections)
	defer sub.Close()

	red := s.Transport.Session("red")
	blue := s.Transport.Session("blue")
	red.Touch()
	blue.Emit(protocol.Battery(2, 77))
	blue.Touch()
	red.Touch()

	var order []string
	for len(order) < 3 {
		select {
		case ev := <-sub.C():
			order = append(order, ev.Device.Color)
		case <-time.After(testutils.DefaultWait):
			s.FailNow("missing detections", "got %v", order)
		}
	}
	s.Equal([]string{"red", "blue", "red"}, order)

	s.WaitFor(func() bool {
		_, ok := s.registry.LastDetection("blue")
		return ok
	}, "blue detection MUST be cached")
	s.WaitFor(func() bool { return len(s.recorder.Find("battery")) == 1 }, "battery MUST be pushed")

	s.registry.ClearDetections()
	_, ok := s.registry.LastDetection("red")
	s.False(ok)
}

func (s *RegistryTestSuite) TestUnauthenticatedFramesNeverSurface() {
	s.connectAll()
	sub := s.registry.Subscribe(nil)
	defer sub.Close()

	frame := s.Transport.Codec.Encode(protocol.Detection(1, 1))
	frame[2] = 0x00
	s.Transport.Session("red").Inject(frame)

	select {
	case ev := <-sub.C():
		s.Failf("unexpected event", "%v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	_, ok := s.registry.LastDetection("red")
	s.False(ok, "rejected frame MUST NOT update the cache")
}

func (s *RegistryTestSuite) TestSetTargetMarksExactlyTheTarget() {
	s.connectAll()

	s.NoError(s.registry.SetTarget("blue"))
	s.Equal([]protocol.Command{protocol.SetCorrect(false)}, s.Transport.Session("red").Sent())
	s.Equal([]protocol.Command{protocol.SetCorrect(true)}, s.Transport.Session("blue").Sent())

	s.NoError(s.registry.ResetTarget("blue"))
	s.Equal(protocol.SetCorrect(false), s.Transport.Session("blue").Sent()[1])

	err := s.registry.SetTarget("green")
	s.ErrorIs(err, device.ErrNotReady, "unknown target MUST be reported")
	s.Error(s.registry.ResetTarget("green"))
}

func (s *RegistryTestSuite) TestStartStopSleep() {
	s.connectAll()

	s.Require().NoError(s.registry.StartAll(context.Background()))
	for _, st := range s.registry.Status() {
		s.True(st.Polling, "%s MUST be polling after StartAll", st.Color)
	}

	s.Require().NoError(s.registry.StopAll(context.Background()))
	for _, st := range s.registry.Status() {
		s.False(st.Polling, "%s MUST NOT be polling after StopAll", st.Color)
	}

	s.Require().NoError(s.registry.SleepAll(context.Background()))
	s.Equal([]protocol.Command{protocol.Sleep}, s.Transport.Broadcasts())
	s.Equal([]protocol.Command{protocol.Start, protocol.Stop, protocol.Sleep}, s.Transport.Session("red").Sent())
}

func (s *RegistryTestSuite) TestSendAllJoinsFailures() {
	s.connectAll()
	s.Transport.Session("red").SetSendError(testutils.ErrFakeConnect)

	err := s.registry.StartAll(context.Background())
	s.ErrorIs(err, testutils.ErrFakeConnect)

	status := s.registry.Status()
	s.False(status[0].Polling, "red MUST NOT be polling when its start failed")
	s.True(status[1].Polling)
}

func (s *RegistryTestSuite) TestDisconnectUpdatesPresence() {
	s.connectAll()
	s.Transport.Session("red").Touch()
	s.WaitFor(func() bool {
		_, ok := s.registry.LastDetection("red")
		return ok
	})

	s.Transport.Session("red").Drop()

	s.WaitFor(func() bool { return len(s.recorder.Find("device_disconnected")) == 1 },
		"disconnect MUST be pushed")
	_, ok := s.registry.LastDetection("red")
	s.False(ok, "disconnect MUST clear the cached detection")

	status := s.registry.Status()
	s.Equal("red", status[0].Color)
	s.False(status[0].Online)
	s.False(status[0].Healthy)
	s.True(status[1].Online)
}

func (s *RegistryTestSuite) TestKeepaliveSweep() {
	// GOAL: Idle cones are pinged and flagged unhealthy once they stay silent
	//       longer than the health timeout
	//
	// TEST SCENARIO: both cones connected → clock +11s → sweep flags both once →
	//                red answers → red healthy again → blue stays flagged

	s.connectAll()

	s.advance(11 * time.Second)
	s.ElementsMatch([]string{"red", "blue"}, s.registry.Sweep())
	s.ElementsMatch([]string{"red", "blue"}, s.registry.Sweep())
	s.Len(s.recorder.Find("device_unhealthy"), 2, "unhealthy MUST be pushed once per cone")
	s.Contains(s.Transport.Session("red").Sent(), protocol.KeepalivePing)

	s.advance(0)
	s.Transport.Session("red").Emit(protocol.Status(1, protocol.StatusPong))
	s.WaitFor(func() bool { return s.registry.Status()[0].Healthy }, "pong MUST restore health")

	s.registry.readySince.Set("blue", time.Now().Add(-time.Minute))
	s.Equal([]string{"blue"}, s.registry.Sweep())
	s.False(s.registry.Status()[1].Healthy)
}

func (s *RegistryTestSuite) TestSweepSkipsPollingCones() {
	s.connectAll()
	s.Require().NoError(s.registry.StartAll(context.Background()))

	s.advance(time.Hour)
	s.Empty(s.registry.Sweep())
	s.NotContains(s.Transport.Session("red").Sent(), protocol.KeepalivePing)
}

func (s *RegistryTestSuite) TestDiscoverEnforcesWhitelist() {
	// GOAL: A trusted address advertising another cone's name is never registered
	//
	// TEST SCENARIO: strict whitelist red=01 blue=02 → 01 advertises BM-Blue, 02 advertises BM-Blue →
	//                only blue registered

	s.registry.Close()
	s.opts.Scan.Strict = true
	s.opts.Scan.Duration = 50 * time.Millisecond
	s.opts.Scan.Trusted = map[string]string{
		"AA:BB:CC:DD:EE:01": "red",
		"AA:BB:CC:DD:EE:02": "blue",
	}
	transport := &scanningTransport{
		FakeTransport: s.Transport,
		advs: []device.Advertisement{
			advertisement{name: "BM-Blue", addr: "AA:BB:CC:DD:EE:01"},
			advertisement{name: "BM-Blue", addr: "AA:BB:CC:DD:EE:02"},
		},
	}
	s.registry = s.newRegistry(transport)

	found, err := s.registry.Discover(context.Background())
	s.Require().NoError(err)
	s.Len(found, 1)

	_, ok := s.registry.Cone("red")
	s.False(ok, "imposter MUST NOT be registered")
	blue, ok := s.registry.Cone("blue")
	s.Require().True(ok)
	s.Equal("AA:BB:CC:DD:EE:02", blue.ID().Address)
	s.NotEmpty(s.recorder.Find("scan_status"))
}

func (s *RegistryTestSuite) TestDiscoverUnsupported() {
	_, err := s.registry.Discover(context.Background())
	s.ErrorIs(err, device.ErrUnsupported)
}

func (s *RegistryTestSuite) TestScanUntilComplete() {
	s.registry.Seed(nil)
	s.Transport.FailNext("blue", 2)

	ctx, cancel := context.WithTimeout(context.Background(), testutils.DefaultWait)
	defer cancel()
	s.Require().NoError(s.registry.ScanUntilComplete(ctx))

	s.True(s.registry.AllConnected())
	s.Equal(3, s.Transport.Connects("blue"))
	s.Equal(1, s.Transport.Connects("red"))
}

func (s *RegistryTestSuite) TestScanUntilCompleteHonoursContext() {
	s.registry.Seed(nil)
	s.Transport.FailConnects(true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.ErrorIs(s.registry.ScanUntilComplete(ctx), context.DeadlineExceeded)
}

func (s *RegistryTestSuite) TestCloseEndsSubscriptions() {
	s.connectAll()
	sub := s.registry.Subscribe(nil)

	s.Require().NoError(s.registry.Close())

	_, open := <-sub.C()
	s.False(open, "subscription MUST be closed")
	s.Empty(s.registry.Ready())
	sub.Close()
	s.registry = nil
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
