package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/brainmove/internal/device"
	"github.com/srg/brainmove/internal/groutine"
	"github.com/srg/brainmove/internal/protocol"
)

// Cone GATT layout.
const (
	ConeServiceUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a7"
	NotifyCharUUID  = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	WriteCharUUID   = "beb5483e-36e1-4688-b7f5-ea07361b26a9"
)

// Options configures the BLE transport.
type Options struct {
	Codec       protocol.Codec
	ServiceUUID string
	NotifyUUID  string
	WriteUUID   string
	// WriteWithResponse waits for the peripheral to acknowledge each command.
	WriteWithResponse bool
}

// DefaultOptions returns the cone GATT layout with the default safety byte.
func DefaultOptions() Options {
	return Options{
		Codec:       protocol.NewCodec(protocol.DefaultSafetyByte, protocol.LayoutCompact),
		ServiceUUID: ConeServiceUUID,
		NotifyUUID:  NotifyCharUUID,
		WriteUUID:   WriteCharUUID,
	}
}

// Transport is the BLE device.Transport. Every cone gets its own GATT session.
type Transport struct {
	opts   Options
	logger *logrus.Logger

	mu      sync.Mutex
	central Central
}

// NewTransport creates a BLE transport. The radio is opened lazily on first use.
func NewTransport(opts Options, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = ConeServiceUUID
	}
	if opts.NotifyUUID == "" {
		opts.NotifyUUID = NotifyCharUUID
	}
	if opts.WriteUUID == "" {
		opts.WriteUUID = WriteCharUUID
	}
	return &Transport{opts: opts, logger: logger}
}

func (t *Transport) Name() string { return "ble" }

func (t *Transport) getCentral() (Central, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.central != nil {
		return t.central, nil
	}
	c, err := CentralFactory()
	if err != nil {
		t.logger.WithError(err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	t.central = c
	return c, nil
}

// Scan implements device.ScanningDevice.
func (t *Transport) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	c, err := t.getCentral()
	if err != nil {
		return err
	}
	return c.Scan(ctx, allowDup, handler)
}

// Connect dials id.Address, locates the cone characteristics and subscribes to
// notifications. Frames are decoded here; rejected frames never reach sink.
func (t *Transport) Connect(ctx context.Context, id device.ID, sink device.EventSink) (device.Session, error) {
	if strings.TrimSpace(id.Address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	c, err := t.getCentral()
	if err != nil {
		return nil, err
	}

	log := t.logger.WithFields(logrus.Fields{
		"device":  id.String(),
		"address": id.Address,
	})
	log.Debug("Dialing BLE device...")

	client, err := c.Dial(ctx, id.Address)
	if err != nil {
		log.WithError(err).Error("Failed to dial BLE device")
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", id.Address, err)
	}

	abort := func(err error) (device.Session, error) {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			log.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection")
		}
		return nil, err
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		log.WithError(err).Error("Failed to discover profile")
		return abort(fmt.Errorf("failed to discover profile: %w", NormalizeError(err)))
	}

	notify, write := t.findCharacteristics(profile)
	if notify == nil || write == nil {
		log.WithField("service", t.opts.ServiceUUID).Error("Cone characteristics not found")
		return abort(fmt.Errorf("%w: cone service %s not found on %s", device.ErrUnsupported, t.opts.ServiceUUID, id))
	}

	sess := &session{
		id:     id,
		client: client,
		notify: notify,
		write:  write,
		noRsp:  !t.opts.WriteWithResponse,
		logger: t.logger,
		disc:   make(chan struct{}),
	}

	frames := device.FrameSink(t.opts.Codec, t.logger, id, sink)
	err = client.Subscribe(notify, false, func(data []byte) {
		frames(append([]byte(nil), data...))
	})
	if err != nil {
		log.WithError(err).Error("Failed to subscribe to notifications")
		return abort(fmt.Errorf("failed to subscribe: %w", NormalizeError(err)))
	}

	groutine.Go(context.Background(), "ble-disconnect-monitor-"+id.Color, func(context.Context) {
		select {
		case <-client.Disconnected():
			log.Warn("BLE link reported disconnection")
			sess.markDisconnected()
		case <-sess.disc:
		}
	})

	log.Info("BLE cone session established")
	return sess, nil
}

func (t *Transport) findCharacteristics(profile *ble.Profile) (notify, write *ble.Characteristic) {
	if profile == nil {
		return nil, nil
	}
	svcUUID := ble.MustParse(t.opts.ServiceUUID)
	notifyUUID := ble.MustParse(t.opts.NotifyUUID)
	writeUUID := ble.MustParse(t.opts.WriteUUID)

	for _, svc := range profile.Services {
		if !svc.UUID.Equal(svcUUID) {
			continue
		}
		for _, ch := range svc.Characteristics {
			switch {
			case ch.UUID.Equal(notifyUUID):
				notify = ch
			case ch.UUID.Equal(writeUUID):
				write = ch
			}
		}
	}
	return notify, write
}

// session is one GATT link to a cone
type session struct {
	id     device.ID
	client GATTClient
	notify *ble.Characteristic
	write  *ble.Characteristic
	noRsp  bool
	logger *logrus.Logger

	writeMutex sync.Mutex
	disc       chan struct{}
	discOnce   sync.Once
	closeOnce  sync.Once
}

// Send writes the encoded command to the write characteristic.
func (s *session) Send(ctx context.Context, cmd protocol.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.disc:
		return device.ErrNotConnected
	default:
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	payload := protocol.EncodeCommand(cmd)
	if err := s.client.WriteCharacteristic(s.write, payload, s.noRsp); err != nil {
		return NormalizeError(err)
	}
	s.logger.WithFields(logrus.Fields{
		"device":  s.id.String(),
		"command": cmd.String(),
		"payload": payload,
	}).Debug("Command written")
	return nil
}

func (s *session) Disconnected() <-chan struct{} {
	return s.disc
}

func (s *session) markDisconnected() {
	s.discOnce.Do(func() { close(s.disc) })
}

// Close unsubscribes and cancels the link.
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if uerr := s.client.Unsubscribe(s.notify, false); uerr != nil {
			s.logger.WithField("error", uerr).Debug("Unsubscribe failed during close")
		}
		err = NormalizeError(s.client.CancelConnection())
		s.markDisconnected()
	})
	return err
}
