package mqtt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/srg/brainmove/internal/device"
	"github.com/srg/brainmove/internal/presentation"
	"github.com/srg/brainmove/internal/protocol"
	"github.com/srg/brainmove/internal/registry"
	"github.com/srg/brainmove/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { <-t.done; return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type published struct {
	topic   string
	payload string
}

type fakeBroker struct {
	opts *paho.ClientOptions

	mu         sync.Mutex
	connectErr error
	connected  bool
	subs       map[string]paho.MessageHandler
	published  []published
}

func (b *fakeBroker) Connect() paho.Token {
	b.mu.Lock()
	err := b.connectErr
	b.connected = err == nil
	b.mu.Unlock()
	if err == nil && b.opts.OnConnect != nil {
		b.opts.OnConnect(nil)
	}
	return doneToken(err)
}

// drop takes the broker away and tells the client, the way paho does on a lost link.
func (b *fakeBroker) drop() {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	b.opts.OnConnectionLost(nil, errors.New("EOF"))
}

// restore brings the broker back and fires paho's connect handler.
func (b *fakeBroker) restore() {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.opts.OnConnect(nil)
}

func (b *fakeBroker) Disconnect(uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, published{topic: topic, payload: payload.(string)})
	return doneToken(nil)
}

func (b *fakeBroker) Subscribe(topic string, _ byte, cb paho.MessageHandler) paho.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = cb
	return doneToken(nil)
}

func (b *fakeBroker) deliver(filter, topic, payload string) {
	b.mu.Lock()
	cb := b.subs[filter]
	b.mu.Unlock()
	cb(nil, fakeMessage{topic: topic, payload: []byte(payload)})
}

func (b *fakeBroker) Published() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.published...)
}

type MQTTTransportTestSuite struct {
	testutils.BaseSuite

	broker          *fakeBroker
	originalFactory func(*paho.ClientOptions) Broker
	transport       *Transport
	red             device.ID
}

func (s *MQTTTransportTestSuite) SetupTest() {
	s.BaseSuite.SetupTest()

	s.broker = &fakeBroker{subs: make(map[string]paho.MessageHandler)}
	s.originalFactory = ClientFactory
	ClientFactory = func(opts *paho.ClientOptions) Broker {
		s.broker.opts = opts
		return s.broker
	}
	s.transport = NewTransport(Config{
		Broker: "tcp://localhost:1883",
		Colors: []string{"red", "blue"},
	}, s.Logger)
	s.red = device.ID{Color: "red", Name: "BM-Red", Address: "bm/red/cmd"}
}

func (s *MQTTTransportTestSuite) TearDownTest() {
	s.transport.Close()
	ClientFactory = s.originalFactory
}

func (s *MQTTTransportTestSuite) TestConnectSubscribesAndRoutes() {
	// GOAL: Inbound topic messages reach the session of their colour as typed events
	//
	// TEST SCENARIO: Connect red → wildcard filters subscribed → bm/red/detect "1" →
	//                detection event → bm/red/battery "80" → battery event

	var got []protocol.DeviceEvent
	_, err := s.transport.Connect(context.Background(), s.red, func(ev protocol.DeviceEvent) {
		got = append(got, ev)
	})
	s.Require().NoError(err)

	s.WaitFor(func() bool {
		s.broker.mu.Lock()
		defer s.broker.mu.Unlock()
		return len(s.broker.subs) == 3
	}, "all wildcard filters MUST be subscribed")

	s.broker.deliver("bm/+/detect", "bm/red/detect", "1")
	s.broker.deliver("bm/+/battery", "bm/red/battery", "80")

	s.Require().Len(got, 2)
	s.True(got[0].Touched())
	s.Equal(uint8(80), got[1].Percent)
}

func (s *MQTTTransportTestSuite) TestRejectsUnknownConesAndPayloads() {
	var got []protocol.DeviceEvent
	_, err := s.transport.Connect(context.Background(), s.red, func(ev protocol.DeviceEvent) {
		got = append(got, ev)
	})
	s.Require().NoError(err)

	s.broker.deliver("bm/+/detect", "bm/purple/detect", "1")
	s.broker.deliver("bm/+/detect", "bm/red/detect", "touched")
	s.broker.deliver("bm/+/battery", "bm/red/battery", "250")
	s.broker.deliver("bm/+/detect", "bm/blue/detect", "1") // known colour, no session

	s.Empty(got, "nothing MUST reach the sink")

	_, err = s.transport.Connect(context.Background(), device.ID{Color: "purple"}, func(protocol.DeviceEvent) {})
	s.ErrorIs(err, device.ErrUnsupported)
}

func (s *MQTTTransportTestSuite) TestSendAndBroadcast() {
	sess, err := s.transport.Connect(context.Background(), s.red, func(protocol.DeviceEvent) {})
	s.Require().NoError(err)

	s.Require().NoError(sess.Send(context.Background(), protocol.SetCorrect(true)))
	sess.(device.Poster).Post(protocol.SoundFail)
	s.Require().NoError(s.transport.Broadcast(context.Background(), protocol.Stop))

	s.Equal([]published{
		{topic: "bm/red/cmd", payload: "correct"},
		{topic: "bm/red/cmd", payload: "sound_fail"},
		{topic: "bm/all/cmd", payload: "stop"},
	}, s.broker.Published())
}

func (s *MQTTTransportTestSuite) TestConnectionLostEndsSessions() {
	// GOAL: Losing the broker ends every session so cones run their reconnect policy
	//
	// TEST SCENARIO: Connect red → broker connection lost → session Disconnected closed → Send fails

	sess, err := s.transport.Connect(context.Background(), s.red, func(protocol.DeviceEvent) {})
	s.Require().NoError(err)

	s.broker.opts.OnConnectionLost(nil, errors.New("EOF"))

	select {
	case <-sess.Disconnected():
	default:
		s.Fail("session MUST be disconnected")
	}
	s.ErrorIs(sess.Send(context.Background(), protocol.Start), device.ErrNotConnected)
}

func (s *MQTTTransportTestSuite) TestBrokerUnreachable() {
	s.broker.connectErr = errors.New("connection refused")

	_, err := s.transport.Connect(context.Background(), s.red, func(protocol.DeviceEvent) {})
	s.Error(err)
	s.Contains(err.Error(), "connection refused")
}

func (s *MQTTTransportTestSuite) TestReconnectReplacesSession() {
	first, err := s.transport.Connect(context.Background(), s.red, func(protocol.DeviceEvent) {})
	s.Require().NoError(err)
	second, err := s.transport.Connect(context.Background(), s.red, func(protocol.DeviceEvent) {})
	s.Require().NoError(err)

	<-first.Disconnected()
	select {
	case <-second.Disconnected():
		s.Fail("new session MUST stay up")
	default:
	}
	s.NoError(first.Close(), "closing a replaced session MUST NOT drop the new one")
	s.NoError(second.Send(context.Background(), protocol.Start))
}

func (s *MQTTTransportTestSuite) TestReconnectHookRunsOnlyAfterRestore() {
	// GOAL: The reconnect hook reports a restored broker connection, not the first one
	//
	// TEST SCENARIO: first Connect → hook silent → broker lost and restored → hook runs once

	var restored atomic.Int32
	s.transport.OnReconnect(func() { restored.Add(1) })

	_, err := s.transport.Connect(context.Background(), s.red, func(protocol.DeviceEvent) {})
	s.Require().NoError(err)
	time.Sleep(20 * time.Millisecond)
	s.Zero(restored.Load(), "the first broker connection MUST NOT count as a reconnect")

	s.broker.drop()
	s.broker.restore()
	s.True(s.WaitFor(func() bool { return restored.Load() == 1 }), "restoring the broker MUST run the hook")
}

func (s *MQTTTransportTestSuite) TestConesComeBackAfterLongBrokerOutage() {
	// GOAL: Cones that exhausted their reconnect attempts during a broker outage are
	//       registered again once paho restores the connection
	//
	// TEST SCENARIO: registry over MQTT, both cones ready → broker down until every cone
	//                gives up → broker restored → both cones ready again

	opts := registry.DefaultOptions()
	opts.Colors = []string{"red", "blue"}
	opts.KeepaliveInterval = time.Hour
	opts.Cone.MaxAttempts = 2
	opts.Cone.ReconnectDelay = time.Millisecond
	opts.Cone.ConnectTimeout = time.Second

	rec := &presentation.Recorder{}
	reg := registry.New(s.transport, opts, rec, s.Logger)
	defer reg.Close()
	reg.Seed(nil)
	s.Require().NoError(reg.ConnectAll(context.Background()))

	allReady := func() bool {
		for _, c := range reg.Cones() {
			if c.State() != device.StateReady {
				return false
			}
		}
		return true
	}
	s.Require().True(allReady())

	s.broker.drop()
	s.Require().True(s.WaitFor(func() bool { return len(rec.Find("device_offline")) == 2 }),
		"every cone MUST give up while the broker is unreachable")

	s.broker.restore()
	s.True(s.WaitFor(allReady), "cones MUST reconnect once the broker is back")

	red, ok := reg.Cone("red")
	s.Require().True(ok)
	s.NoError(red.SendCommand(context.Background(), protocol.Start), "a restored cone MUST accept commands")
}

func TestMQTTTransportTestSuite(t *testing.T) {
	suite.Run(t, new(MQTTTransportTestSuite))
}
