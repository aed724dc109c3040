// Package registry owns the set of cones: it discovers and connects them, merges
// their events into one ordered stream, remembers the last detection per cone,
// and keeps idle cones alive with a periodic keepalive sweep.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/brainmove/internal/device"
	"github.com/srg/brainmove/internal/groutine"
	"github.com/srg/brainmove/internal/presentation"
	"github.com/srg/brainmove/internal/protocol"
	"github.com/srg/brainmove/internal/ringchan"
	"github.com/srg/brainmove/scanner"
	"golang.org/x/sync/errgroup"
)

// Options configures the registry.
type Options struct {
	// Colors are the cones this host manages, in display order.
	Colors            []string
	Cone              device.Options
	Scan              *scanner.ScanOptions
	KeepaliveInterval time.Duration `default:"15s"`
	HealthTimeout     time.Duration `default:"60s"`
	ScanInterval      time.Duration `default:"5s"`
	IntakeSize        int           `default:"256"`
}

// DefaultOptions returns the defaults for the four standard cones.
func DefaultOptions() Options {
	opts := Options{
		Colors: []string{"red", "blue", "yellow", "green"},
		Cone:   device.DefaultOptions(),
		Scan:   scanner.DefaultScanOptions(),
	}
	defaults.SetDefaults(&opts)
	return opts
}

// DeviceStatus is one line of the device listing.
type DeviceStatus struct {
	Name    string `json:"name"`
	Color   string `json:"color"`
	Address string `json:"address"`
	State   string `json:"state"`
	Online  bool   `json:"online"`
	Battery int    `json:"battery"`
	Healthy bool   `json:"healthy"`
	Polling bool   `json:"polling"`
}

// Registry is the set of managed cones.
type Registry struct {
	transport device.Transport
	opts      Options
	sink      presentation.Sink
	logger    *logrus.Logger
	now       func() time.Time

	cones         *hashmap.Map[string, *device.Cone]
	lastDetection *hashmap.Map[string, device.Event]
	readySince    *hashmap.Map[string, time.Time]
	unhealthy     *hashmap.Map[string, bool]

	intake *ringchan.RingChannel[device.Event]

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}

	scanMu    sync.Mutex
	announced atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a registry on transport and starts its fan-in pump and keepalive
// sweep. Close releases both.
func New(transport device.Transport, opts Options, sink presentation.Sink, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	if sink == nil {
		sink = presentation.Discard
	}
	defaults.SetDefaults(&opts)
	if opts.Scan == nil {
		opts.Scan = scanner.DefaultScanOptions()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		transport:     transport,
		opts:          opts,
		sink:          sink,
		logger:        logger,
		now:           time.Now,
		cones:         hashmap.New[string, *device.Cone](),
		lastDetection: hashmap.New[string, device.Event](),
		readySince:    hashmap.New[string, time.Time](),
		unhealthy:     hashmap.New[string, bool](),
		intake:        ringchan.NewRingChannel[device.Event](opts.IntakeSize),
		subs:          make(map[*Subscription]struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}

	r.wg.Add(1)
	groutine.Go(ctx, "registry-fan-in", func(ctx context.Context) {
		defer r.wg.Done()
		r.pump()
	})
	if opts.KeepaliveInterval > 0 {
		r.wg.Add(1)
		groutine.Go(ctx, "registry-keepalive", func(ctx context.Context) {
			defer r.wg.Done()
			r.keepaliveLoop(ctx)
		})
	}
	if rc, ok := transport.(device.Reconnector); ok {
		rc.OnReconnect(r.reconnectDropped)
	}
	return r
}

// reconnectDropped re-registers the cones that gave up while the transport's
// carrier was down. Cones still inside their reconnect loop finish on their own.
func (r *Registry) reconnectDropped() {
	if r.ctx.Err() != nil {
		return
	}
	r.logger.WithField("transport", r.transport.Name()).Info("Transport restored, reconnecting dropped cones")

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if r.opts.Cone.ConnectTimeout > 0 {
		ctx, cancel = context.WithTimeout(r.ctx, r.opts.Cone.ConnectTimeout)
	} else {
		ctx, cancel = context.WithCancel(r.ctx)
	}
	defer cancel()
	if err := r.ConnectAll(ctx); err != nil {
		r.logger.WithError(err).Warn("Not every cone came back after the transport was restored")
	}
}

// Add registers a cone for id, or returns the existing one for its colour.
func (r *Registry) Add(id device.ID) *device.Cone {
	if c, ok := r.cones.Get(id.Color); ok {
		return c
	}
	cone := device.NewCone(id, r.transport, r.opts.Cone, device.Hooks{
		OnEvent:           r.onEvent,
		OnReady:           r.onReady,
		OnDisconnect:      r.onDisconnect,
		OnReconnectFailed: r.onReconnectFailed,
	}, r.logger)

	actual, loaded := r.cones.GetOrInsert(id.Color, cone)
	if !loaded {
		r.logger.WithFields(logrus.Fields{
			"device":  id.String(),
			"color":   id.Color,
			"address": id.Address,
		}).Debug("Cone registered")
	}
	return actual
}

// Seed registers one cone per configured colour without discovery. It is how
// transports that cannot scan learn their cones.
func (r *Registry) Seed(address func(color string) string) {
	for _, color := range r.opts.Colors {
		id := device.ID{Color: color, Name: device.ExpectedName(r.opts.Scan.NamePrefix, color)}
		if address != nil {
			id.Address = address(color)
		}
		r.Add(id)
	}
}

// Cone returns the cone of the given colour.
func (r *Registry) Cone(color string) (*device.Cone, bool) {
	return r.cones.Get(color)
}

// Cones returns every registered cone in configured colour order, unknown colours last.
func (r *Registry) Cones() []*device.Cone {
	out := make([]*device.Cone, 0, r.cones.Len())
	r.cones.Range(func(_ string, c *device.Cone) bool {
		out = append(out, c)
		return true
	})
	slices.SortFunc(out, func(a, b *device.Cone) int {
		return r.rank(a.ID().Color) - r.rank(b.ID().Color)
	})
	return out
}

func (r *Registry) rank(color string) int {
	if i := slices.Index(r.opts.Colors, color); i >= 0 {
		return i
	}
	return len(r.opts.Colors)
}

// Ready returns the colours of cones that can take commands.
func (r *Registry) Ready() []string {
	var ready []string
	for _, c := range r.Cones() {
		if c.IsReady() {
			ready = append(ready, c.ID().Color)
		}
	}
	return ready
}

// AllConnected reports whether every configured colour has a ready cone.
func (r *Registry) AllConnected() bool {
	for _, color := range r.opts.Colors {
		c, ok := r.cones.Get(color)
		if !ok || !c.IsReady() {
			return false
		}
	}
	return len(r.opts.Colors) > 0
}

// Discover scans for cones and registers every accepted one.
func (r *Registry) Discover(ctx context.Context) (map[string]scanner.Candidate, error) {
	scanning, ok := r.transport.(device.ScanningDevice)
	if !ok {
		return nil, fmt.Errorf("%w: %s transport has no discovery", device.ErrUnsupported, r.transport.Name())
	}

	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	s, err := scanner.NewScanner(scanning, r.logger)
	if err != nil {
		return nil, err
	}
	opts := *r.opts.Scan
	if len(opts.Colors) == 0 {
		opts.Colors = r.opts.Colors
	}

	found, err := s.Scan(ctx, &opts, func(phase string) {
		r.sink.Emit("scan_status", presentation.Fields{"status": phase})
	})
	if err != nil {
		r.sink.Emit("scan_status", presentation.Fields{"status": "failed", "error": err.Error()})
		return nil, err
	}
	for _, cand := range found {
		r.Add(cand.ID)
	}
	r.sink.Emit("scan_status", presentation.Fields{
		"status":   "completed",
		"found":    len(found),
		"rejected": len(s.Rejected()),
	})
	return found, nil
}

// ConnectAll connects every registered cone that is not connected yet,
// concurrently. The first failure is returned after all attempts finish.
func (r *Registry) ConnectAll(ctx context.Context) error {
	var g errgroup.Group
	for _, c := range r.Cones() {
		if c.State() != device.StateDisconnected {
			continue
		}
		cone := c
		g.Go(func() error {
			if err := cone.Connect(ctx); err != nil {
				r.logger.WithFields(logrus.Fields{
					"device": cone.ID().String(),
					"error":  err,
				}).Warn("Failed to connect cone")
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// ScanUntilComplete repeats discovery and connection every ScanInterval until
// every configured cone is ready or ctx ends.
func (r *Registry) ScanUntilComplete(ctx context.Context) error {
	_, canScan := r.transport.(device.ScanningDevice)
	for attempt := 1; ; attempt++ {
		r.sink.Emit("scan_status", presentation.Fields{"status": "searching", "attempt": attempt})

		if canScan {
			if _, err := r.Discover(ctx); err != nil && ctx.Err() == nil {
				r.logger.WithError(err).Warn("Discovery failed, retrying")
			}
		}
		if err := r.ConnectAll(ctx); err != nil && ctx.Err() == nil {
			r.logger.WithError(err).Debug("Not every cone connected")
		}
		if r.AllConnected() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.opts.ScanInterval):
		}
	}
}

// StartAll starts polling on every ready cone and waits for the sends.
func (r *Registry) StartAll(ctx context.Context) error {
	return r.sendAll(ctx, protocol.Start)
}

// StopAll stops polling on every ready cone and waits for the sends.
func (r *Registry) StopAll(ctx context.Context) error {
	return r.sendAll(ctx, protocol.Stop)
}

// SleepAll puts every cone to sleep. Transports that can address all cones at
// once reach cones that are not registered as well.
func (r *Registry) SleepAll(ctx context.Context) error {
	if b, ok := r.transport.(device.Broadcaster); ok {
		if err := b.Broadcast(ctx, protocol.Sleep); err != nil {
			return fmt.Errorf("failed to broadcast sleep: %w", err)
		}
	}
	return r.sendAll(ctx, protocol.Sleep)
}

func (r *Registry) sendAll(ctx context.Context, cmd protocol.Command) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, c := range r.Cones() {
		if !c.IsReady() {
			continue
		}
		cone := c
		g.Go(func() error {
			if err := cone.SendCommand(ctx, cmd); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		r.logger.WithFields(logrus.Fields{
			"command": cmd.String(),
			"error":   err,
		}).Warn("Command did not reach every cone")
		return err
	}
	return nil
}

// SetTarget marks the cones of the given colours correct and every other ready
// cone incorrect. The commands are posted, not awaited.
func (r *Registry) SetTarget(colors ...string) error {
	var errs []error
	for _, c := range r.Cones() {
		if !c.IsReady() {
			continue
		}
		correct := slices.Contains(colors, c.ID().Color)
		if err := c.PostCommand(protocol.SetCorrect(correct)); err != nil {
			errs = append(errs, err)
		}
	}
	for _, color := range colors {
		if c, ok := r.cones.Get(color); !ok || !c.IsReady() {
			errs = append(errs, &device.ConnectionError{State: device.NotReady, Msg: fmt.Sprintf("target %s is not ready", color)})
		}
	}
	return errors.Join(errs...)
}

// ResetTarget marks the cone of the given colour incorrect again.
func (r *Registry) ResetTarget(color string) error {
	c, ok := r.cones.Get(color)
	if !ok {
		return fmt.Errorf("%w: no cone %q", device.ErrNotConnected, color)
	}
	return c.PostCommand(protocol.SetCorrect(false))
}

// PlaySound posts a sound cue to one cone, or to every ready cone when color is empty.
func (r *Registry) PlaySound(color string, ok bool) {
	cmd := protocol.SoundFail
	if ok {
		cmd = protocol.SoundOk
	}
	for _, c := range r.Cones() {
		if color != "" && c.ID().Color != color {
			continue
		}
		if err := c.PostCommand(cmd); err != nil {
			r.logger.WithFields(logrus.Fields{
				"device": c.ID().String(),
				"error":  err,
			}).Debug("Sound cue skipped")
		}
	}
}

// LastDetection returns the most recent detection seen from color since it last connected.
func (r *Registry) LastDetection(color string) (device.Event, bool) {
	return r.lastDetection.Get(color)
}

// ClearDetections forgets every cached detection.
func (r *Registry) ClearDetections() {
	r.lastDetection.Range(func(color string, _ device.Event) bool {
		r.lastDetection.Del(color)
		return true
	})
	for _, c := range r.Cones() {
		c.ClearDetection()
	}
}

// Status lists every registered cone in configured colour order.
func (r *Registry) Status() []DeviceStatus {
	cones := r.Cones()
	out := make([]DeviceStatus, 0, len(cones))
	for _, c := range cones {
		snap := c.Snapshot()
		unhealthy, _ := r.unhealthy.Get(snap.ID.Color)
		out = append(out, DeviceStatus{
			Name:    snap.ID.Name,
			Color:   snap.ID.Color,
			Address: snap.ID.Address,
			State:   snap.State.String(),
			Online:  snap.State == device.StateReady,
			Battery: snap.Battery,
			Healthy: snap.State == device.StateReady && !unhealthy,
			Polling: snap.Polling,
		})
	}
	return out
}

// Close stops the sweep and the pump, disconnects every cone and ends all subscriptions.
func (r *Registry) Close() error {
	var errs []error
	r.closeOnce.Do(func() {
		r.cancel()
		for _, c := range r.Cones() {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		r.intake.Close()
		r.wg.Wait()

		r.subsMu.Lock()
		subs := r.subs
		r.subs = make(map[*Subscription]struct{})
		r.subsMu.Unlock()
		for s := range subs {
			s.ch.Close()
		}
	})
	return errors.Join(errs...)
}
