package goble

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-ble/ble"
	"github.com/srg/brainmove/internal/device"
	"github.com/srg/brainmove/internal/protocol"
	"github.com/srg/brainmove/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type fakeAdvertisement struct {
	name, addr string
	rssi       int
}

func (a fakeAdvertisement) LocalName() string  { return a.name }
func (a fakeAdvertisement) Addr() string       { return a.addr }
func (a fakeAdvertisement) RSSI() int          { return a.rssi }
func (a fakeAdvertisement) Services() []string { return []string{ConeServiceUUID} }
func (a fakeAdvertisement) Connectable() bool  { return true }

type fakeClient struct {
	mu          sync.Mutex
	profile     *ble.Profile
	handler     ble.NotificationHandler
	writes      [][]byte
	noRsp       []bool
	cancelled   bool
	unsubbed    bool
	disc        chan struct{}
	discoverErr error
}

func newFakeClient(profile *ble.Profile) *fakeClient {
	return &fakeClient{profile: profile, disc: make(chan struct{})}
}

func (c *fakeClient) DiscoverProfile(bool) (*ble.Profile, error) {
	return c.profile, c.discoverErr
}

func (c *fakeClient) Subscribe(_ *ble.Characteristic, _ bool, h ble.NotificationHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	return nil
}

func (c *fakeClient) Unsubscribe(*ble.Characteristic, bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubbed = true
	return nil
}

func (c *fakeClient) WriteCharacteristic(_ *ble.Characteristic, v []byte, noRsp bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), v...))
	c.noRsp = append(c.noRsp, noRsp)
	return nil
}

func (c *fakeClient) CancelConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
	return nil
}

func (c *fakeClient) Disconnected() <-chan struct{} { return c.disc }

func (c *fakeClient) notify(frame []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(frame)
}

type fakeCentral struct {
	ads     []device.Advertisement
	clients map[string]*fakeClient
	dialErr error
}

func (c *fakeCentral) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	for _, adv := range c.ads {
		handler(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeCentral) Dial(_ context.Context, address string) (GATTClient, error) {
	if c.dialErr != nil {
		return nil, c.dialErr
	}
	client, ok := c.clients[address]
	if !ok {
		return nil, errors.New("device not found")
	}
	return client, nil
}

func coneProfile() *ble.Profile {
	return &ble.Profile{Services: []*ble.Service{{
		UUID: ble.MustParse(ConeServiceUUID),
		Characteristics: []*ble.Characteristic{
			{UUID: ble.MustParse(NotifyCharUUID), Property: ble.CharNotify},
			{UUID: ble.MustParse(WriteCharUUID), Property: ble.CharWrite | ble.CharWriteNR},
		},
	}}}
}

type TransportTestSuite struct {
	testutils.BaseSuite

	central         *fakeCentral
	originalFactory func() (Central, error)
	transport       *Transport
	id              device.ID
}

func (s *TransportTestSuite) SetupTest() {
	s.BaseSuite.SetupTest()

	s.id = device.ID{Color: "blue", Name: "BM-Blue", Address: "AA:BB:CC:DD:EE:02"}
	s.central = &fakeCentral{clients: map[string]*fakeClient{
		s.id.Address: newFakeClient(coneProfile()),
	}}
	s.originalFactory = CentralFactory
	CentralFactory = func() (Central, error) { return s.central, nil }
	s.transport = NewTransport(DefaultOptions(), s.Logger)
}

func (s *TransportTestSuite) TearDownTest() {
	CentralFactory = s.originalFactory
}

func (s *TransportTestSuite) TestConnectDecodesAtBoundary() {
	// GOAL: Notifications are decoded by the adapter and invalid frames are dropped
	//
	// TEST SCENARIO: Connect → valid detection frame → sink gets event →
	//                wrong safety byte frame → sink not called

	var got []protocol.DeviceEvent
	sess, err := s.transport.Connect(context.Background(), s.id, func(ev protocol.DeviceEvent) {
		got = append(got, ev)
	})
	s.Require().NoError(err)
	s.Require().NotNil(sess)

	client := s.central.clients[s.id.Address]
	client.notify([]byte{0x02, 0x02, 0x42, 0x00, 0x01, 0x00, 0x00, 0x00})
	client.notify([]byte{0x02, 0x02, 0x99, 0x00, 0x01, 0x00, 0x00, 0x00})
	client.notify([]byte{0x07})

	s.Require().Len(got, 1, "only the authenticated frame MUST reach the sink")
	s.Equal(protocol.MsgDetection, got[0].Type)
	s.Equal(uint16(1), got[0].Value)
}

func (s *TransportTestSuite) TestSendWritesOpcodes() {
	sess, err := s.transport.Connect(context.Background(), s.id, func(protocol.DeviceEvent) {})
	s.Require().NoError(err)

	s.Require().NoError(sess.Send(context.Background(), protocol.SetCorrect(true)))
	s.Require().NoError(sess.Send(context.Background(), protocol.SoundFail))

	client := s.central.clients[s.id.Address]
	s.Equal([][]byte{{0x04, 0x01}, {0x11}}, client.writes)
	s.Equal([]bool{true, true}, client.noRsp, "default writes MUST be without response")
}

func (s *TransportTestSuite) TestDisconnectPropagates() {
	// GOAL: A link drop reported by the BLE stack closes the session's Disconnected channel
	//
	// TEST SCENARIO: Connect → client Disconnected fires → session Disconnected closed → Send fails

	sess, err := s.transport.Connect(context.Background(), s.id, func(protocol.DeviceEvent) {})
	s.Require().NoError(err)

	close(s.central.clients[s.id.Address].disc)

	s.WaitFor(func() bool {
		select {
		case <-sess.Disconnected():
			return true
		default:
			return false
		}
	}, "session MUST observe the drop")
	s.ErrorIs(sess.Send(context.Background(), protocol.Start), device.ErrNotConnected)
}

func (s *TransportTestSuite) TestCloseCancelsLink() {
	sess, err := s.transport.Connect(context.Background(), s.id, func(protocol.DeviceEvent) {})
	s.Require().NoError(err)

	s.NoError(sess.Close())
	s.NoError(sess.Close())

	client := s.central.clients[s.id.Address]
	s.True(client.cancelled)
	s.True(client.unsubbed)
	<-sess.Disconnected()
}

func (s *TransportTestSuite) TestMissingServiceAborts() {
	s.central.clients[s.id.Address] = newFakeClient(&ble.Profile{})

	_, err := s.transport.Connect(context.Background(), s.id, func(protocol.DeviceEvent) {})
	s.ErrorIs(err, device.ErrUnsupported)
	s.True(s.central.clients[s.id.Address].cancelled, "half-open link MUST be cancelled")
}

func (s *TransportTestSuite) TestDialFailureNormalized() {
	s.central.dialErr = NormalizeError(errors.New("bluetooth is turned off"))

	_, err := s.transport.Connect(context.Background(), s.id, func(protocol.DeviceEvent) {})
	s.ErrorIs(err, device.ErrBluetoothOff)
}

func (s *TransportTestSuite) TestScanForwardsAdvertisements() {
	s.central.ads = []device.Advertisement{fakeAdvertisement{name: "BM-Blue", addr: s.id.Address, rssi: -50}}

	ctx, cancel := context.WithCancel(context.Background())
	var names []string
	err := s.transport.Scan(ctx, false, func(adv device.Advertisement) {
		names = append(names, adv.LocalName())
		cancel()
	})
	s.ErrorIs(err, context.Canceled)
	s.Equal([]string{"BM-Blue"}, names)
}

func TestTransportTestSuite(t *testing.T) {
	suite.Run(t, new(TransportTestSuite))
}

func TestNormalizeErrorMessages(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"central manager has invalid state: have=4 want=5: is Bluetooth turned on?", device.ErrBluetoothOff},
		{"can't init hci: no devices available", device.ErrBluetoothOff},
		{"device not connected", device.ErrNotConnected},
		{"peripheral Disconnected", device.ErrNotConnected},
		{"Device already connected", device.ErrAlreadyConnected},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := NormalizeError(errors.New(tt.msg))
			if !errors.Is(err, tt.want) {
				t.Fatalf("NormalizeError(%q) = %v, want %v", tt.msg, err, tt.want)
			}
		})
	}

	if NormalizeError(nil) != nil {
		t.Fatal("nil MUST stay nil")
	}
	plain := errors.New("something else")
	if NormalizeError(plain) != plain {
		t.Fatal("unknown errors MUST pass through")
	}
}
