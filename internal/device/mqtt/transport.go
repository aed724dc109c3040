// Package mqtt implements the cone transport over an MQTT broker.
//
// Cones publish to <prefix>/<color>/detect|battery|status and listen on
// <prefix>/<color>/cmd plus <prefix>/all/cmd. There is no per-cone link: a
// session is a registration for one colour and lives as long as the broker
// connection does.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/srg/brainmove/internal/device"
	"github.com/srg/brainmove/internal/groutine"
	"github.com/srg/brainmove/internal/protocol"
)

// Config configures the broker connection.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	// Colors lists the cones this host accepts messages from.
	Colors []string
}

// Broker is the part of paho's mqtt.Client the transport uses.
type Broker interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// ClientFactory creates the broker client (can be overridden in tests)
var ClientFactory = func(opts *paho.ClientOptions) Broker {
	return paho.NewClient(opts)
}

// Transport is the MQTT device.Transport.
type Transport struct {
	cfg    Config
	topics protocol.Topics
	known  map[string]bool
	logger *logrus.Logger

	client Broker

	mu       sync.Mutex
	started  bool
	sessions map[string]*session

	// connects counts broker connections; paho calls onConnect from inside
	// Connect, so this stays off mu.
	connects    atomic.Int32
	hookMu      sync.Mutex
	onReconnect func()
}

// NewTransport builds the paho client. Nothing is dialled until the first Connect.
func NewTransport(cfg Config, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "brainmove-host"
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	t := &Transport{
		cfg:      cfg,
		topics:   protocol.NewTopics(cfg.TopicPrefix),
		known:    make(map[string]bool, len(cfg.Colors)),
		logger:   logger,
		sessions: make(map[string]*session),
	}
	for _, c := range cfg.Colors {
		t.known[strings.ToLower(c)] = true
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(paho.Client) { t.onConnect() })
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) { t.onConnectionLost(err) })
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		t.logger.Info("Reconnecting to MQTT broker...")
	})

	t.client = ClientFactory(opts)
	return t
}

func (t *Transport) Name() string { return "mqtt" }

// Topics returns the topic layout in use.
func (t *Transport) Topics() protocol.Topics {
	return t.topics
}

// start connects to the broker once; paho takes over reconnects afterwards.
func (t *Transport) start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		if !t.client.IsConnected() {
			return fmt.Errorf("%w: broker %s unreachable", device.ErrNotConnected, t.cfg.Broker)
		}
		return nil
	}

	t.logger.WithField("broker", t.cfg.Broker).Info("Connecting to MQTT broker...")
	if err := wait(ctx, t.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	t.started = true
	return nil
}

// OnReconnect registers fn to run each time paho restores a dropped broker
// connection. Sessions do not survive the drop, so fn is where owners re-register
// their cones.
func (t *Transport) OnReconnect(fn func()) {
	t.hookMu.Lock()
	t.onReconnect = fn
	t.hookMu.Unlock()
}

func (t *Transport) onConnect() {
	t.logger.WithField("broker", t.cfg.Broker).Info("MQTT client connected")
	t.subscribe()

	if t.connects.Add(1) == 1 {
		return
	}
	t.hookMu.Lock()
	fn := t.onReconnect
	t.hookMu.Unlock()
	if fn == nil {
		return
	}
	groutine.Go(context.Background(), "mqtt-reconnected", func(context.Context) {
		fn()
	})
}

func (t *Transport) subscribe() {
	for _, filter := range t.topics.Subscriptions() {
		filter := filter
		token := t.client.Subscribe(filter, t.cfg.QoS, t.handleMessage)
		// the connect handler must not block on broker round trips
		groutine.Go(context.Background(), "mqtt-subscribe", func(context.Context) {
			if token.WaitTimeout(t.cfg.ConnectTimeout) && token.Error() != nil {
				t.logger.WithFields(logrus.Fields{
					"topic": filter,
					"error": token.Error(),
				}).Error("Failed to subscribe")
				return
			}
			t.logger.WithField("topic", filter).Debug("Subscribed")
		})
	}
}

func (t *Transport) onConnectionLost(err error) {
	t.logger.WithError(err).Warn("MQTT connection lost")

	t.mu.Lock()
	lost := t.sessions
	t.sessions = make(map[string]*session)
	t.mu.Unlock()

	for _, s := range lost {
		s.markDisconnected()
	}
}

// handleMessage routes one inbound message to the session of its colour.
func (t *Transport) handleMessage(_ paho.Client, msg paho.Message) {
	color, typ, err := t.topics.Parse(msg.Topic())
	if err != nil {
		t.logger.WithField("topic", msg.Topic()).Debug("Ignoring message on unexpected topic")
		return
	}
	if !t.known[color] {
		t.logger.WithFields(logrus.Fields{
			"topic": msg.Topic(),
			"color": color,
		}).Warn("Rejected message from unknown cone")
		return
	}

	ev, err := protocol.DecodePayload(typ, msg.Payload())
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"topic":   msg.Topic(),
			"payload": string(msg.Payload()),
			"error":   err,
		}).Debug("Dropped malformed payload")
		return
	}

	t.mu.Lock()
	s := t.sessions[color]
	t.mu.Unlock()
	if s == nil {
		t.logger.WithField("color", color).Debug("No session for cone, dropping event")
		return
	}
	s.sink(ev)
}

// Connect registers a session for id.Color. The broker connection is opened on
// first use.
func (t *Transport) Connect(ctx context.Context, id device.ID, sink device.EventSink) (device.Session, error) {
	color := strings.ToLower(id.Color)
	if !t.known[color] {
		return nil, fmt.Errorf("%w: colour %q is not configured", device.ErrUnsupported, id.Color)
	}
	if err := t.start(ctx); err != nil {
		return nil, err
	}

	s := &session{
		t:     t,
		color: color,
		topic: t.topics.Command(color),
		sink:  sink,
		disc:  make(chan struct{}),
	}

	t.mu.Lock()
	old := t.sessions[color]
	t.sessions[color] = s
	t.mu.Unlock()
	if old != nil {
		old.markDisconnected()
	}

	t.logger.WithFields(logrus.Fields{
		"device": id.String(),
		"topic":  s.topic,
	}).Info("MQTT cone session registered")
	return s, nil
}

// Broadcast publishes cmd on the all-cones topic.
func (t *Transport) Broadcast(ctx context.Context, cmd protocol.Command) error {
	return wait(ctx, t.client.Publish(t.topics.Broadcast(), t.cfg.QoS, false, protocol.Token(cmd)))
}

// Close disconnects from the broker.
func (t *Transport) Close() {
	t.mu.Lock()
	started := t.started
	t.started = false
	t.mu.Unlock()

	if started {
		t.client.Disconnect(250)
		t.logger.Info("Disconnected from MQTT broker")
	}
}

func (t *Transport) release(s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessions[s.color] == s {
		delete(t.sessions, s.color)
	}
}

// wait blocks until token completes or ctx ends.
func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type session struct {
	t     *Transport
	color string
	topic string
	sink  device.EventSink

	disc     chan struct{}
	discOnce sync.Once
}

func (s *session) Send(ctx context.Context, cmd protocol.Command) error {
	select {
	case <-s.disc:
		return device.ErrNotConnected
	default:
	}
	token := s.t.client.Publish(s.topic, s.t.cfg.QoS, false, protocol.Token(cmd))
	if err := wait(ctx, token); err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", cmd, s.topic, err)
	}
	return nil
}

// Post publishes without waiting for the broker.
func (s *session) Post(cmd protocol.Command) {
	token := s.t.client.Publish(s.topic, s.t.cfg.QoS, false, protocol.Token(cmd))
	groutine.Go(context.Background(), "mqtt-post-"+s.color, func(context.Context) {
		if token.WaitTimeout(s.t.cfg.ConnectTimeout) && token.Error() != nil {
			s.t.logger.WithFields(logrus.Fields{
				"topic":   s.topic,
				"command": cmd.String(),
				"error":   token.Error(),
			}).Warn("Posted command failed")
		}
	})
}

func (s *session) Disconnected() <-chan struct{} {
	return s.disc
}

func (s *session) markDisconnected() {
	s.discOnce.Do(func() { close(s.disc) })
}

func (s *session) Close() error {
	s.t.release(s)
	s.markDisconnected()
	return nil
}
