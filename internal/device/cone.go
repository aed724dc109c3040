package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/brainmove/internal/groutine"
	"github.com/srg/brainmove/internal/protocol"
)

// State is the connection state of a Cone.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateReady
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures connection and reconnect behaviour of a Cone.
type Options struct {
	AutoReconnect    bool
	MaxAttempts      int           `default:"4"`
	ReconnectDelay   time.Duration `default:"60s"`
	ConnectTimeout   time.Duration `default:"10s"`
	RequireHandshake bool          // stay Authenticating until the first valid frame
}

// DefaultOptions returns the BLE defaults with auto-reconnect enabled.
func DefaultOptions() Options {
	opts := Options{AutoReconnect: true}
	defaults.SetDefaults(&opts)
	return opts
}

// Hooks are invoked outside the Cone's lock. Any of them may be nil.
type Hooks struct {
	OnEvent           func(Event)
	OnReady           func(ID)
	OnDisconnect      func(ID)
	OnReconnectFailed func(ID, error)
}

// Snapshot is a consistent copy of a Cone's bookkeeping.
type Snapshot struct {
	ID            ID
	State         State
	Authenticated bool
	Polling       bool
	Attempts      int
	Battery       int // -1 until the first battery report
	LastSeen      time.Time
	LastKeepalive time.Time
	LastDetection *Event
}

// Cone is one managed cone.
type Cone struct {
	id        ID
	transport Transport
	opts      Options
	hooks     Hooks
	logger    *logrus.Logger
	now       func() time.Time

	mu            sync.Mutex
	state         State
	session       Session
	authenticated bool
	polling       bool
	attempts      int
	battery       int
	lastSeen      time.Time
	lastKeepalive time.Time
	lastDetection *Event
	closed        bool
	// stopReconnect cancels the running reconnect loop; reconnectDone closes
	// once it has returned.
	stopReconnect context.CancelFunc
	reconnectDone chan struct{}

	reconnecting atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewCone creates a disconnected Cone reachable over transport.
func NewCone(id ID, transport Transport, opts Options, hooks Hooks, logger *logrus.Logger) *Cone {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cone{
		id:        id,
		transport: transport,
		opts:      opts,
		hooks:     hooks,
		logger:    logger,
		now:       time.Now,
		battery:   -1,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ID returns the cone identity.
func (c *Cone) ID() ID {
	return c.id
}

// State returns the current connection state.
func (c *Cone) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsReady reports whether commands can be sent.
func (c *Cone) IsReady() bool {
	return c.State() == StateReady
}

// IsPolling reports whether the cone was started and not stopped since.
func (c *Cone) IsPolling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polling
}

// Snapshot returns a copy of the cone bookkeeping.
func (c *Cone) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		ID:            c.id,
		State:         c.state,
		Authenticated: c.authenticated,
		Polling:       c.polling,
		Attempts:      c.attempts,
		Battery:       c.battery,
		LastSeen:      c.lastSeen,
		LastKeepalive: c.lastKeepalive,
	}
	if c.lastDetection != nil {
		det := *c.lastDetection
		snap.LastDetection = &det
	}
	return snap
}

// Connect opens a session. It fails with ErrAlreadyConnected unless the cone is
// Disconnected, which includes a reconnect loop being in progress.
func (c *Cone) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return &ConnectionError{State: AlreadyConnected, Msg: fmt.Sprintf("%s is %s", c.id, state)}
	}
	c.state = StateConnecting
	c.mu.Unlock()

	sess, ready, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.startWatch(sess)
	if ready {
		c.fireReady()
	}
	return nil
}

// dial opens a transport session and moves the cone to Ready or Authenticating.
func (c *Cone) dial(ctx context.Context) (Session, bool, error) {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"device":    c.id.String(),
		"address":   c.id.Address,
		"transport": c.transport.Name(),
	}).Info("Connecting to cone...")

	connCtx := ctx
	if c.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}

	sess, err := c.transport.Connect(connCtx, c.id, c.handleEvent)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return nil, false, fmt.Errorf("failed to connect to %s: %w", c.id, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sess.Close()
		return nil, false, ErrClosed
	}
	c.session = sess
	c.state = StateConnected
	c.attempts = 0
	c.lastSeen = c.now()
	ready := c.authenticated || !c.opts.RequireHandshake
	if ready {
		c.authenticated = true
		c.state = StateReady
	} else {
		c.state = StateAuthenticating
	}
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"device": c.id.String(),
		"ready":  ready,
	}).Info("Cone connected")
	return sess, ready, nil
}

func (c *Cone) startWatch(sess Session) {
	c.wg.Add(1)
	groutine.Go(c.ctx, "cone-watch-"+c.id.Color, func(ctx context.Context) {
		defer c.wg.Done()
		select {
		case <-sess.Disconnected():
			c.handleDisconnect(sess)
		case <-ctx.Done():
		}
	})
}

func (c *Cone) fireReady() {
	if c.hooks.OnReady != nil {
		c.hooks.OnReady(c.id)
	}
}

// handleEvent is the EventSink handed to the transport.
func (c *Cone) handleEvent(ev protocol.DeviceEvent) {
	now := c.now()

	c.mu.Lock()
	if c.closed || c.state == StateDisconnected || c.state == StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.lastSeen = now
	becameReady := false
	if !c.authenticated {
		c.authenticated = true
		if c.state == StateAuthenticating {
			c.state = StateReady
			becameReady = true
		}
	}
	if ev.IsLiveness() {
		c.lastKeepalive = now
	}

	out := Event{Device: c.id, DeviceEvent: ev, At: now}
	switch ev.Type {
	case protocol.MsgBattery:
		c.battery = int(ev.Percent)
	case protocol.MsgStatus:
		if ev.Status == protocol.StatusSleeping {
			c.polling = false
		}
	case protocol.MsgDetection:
		det := out
		c.lastDetection = &det
	}
	c.mu.Unlock()

	if becameReady {
		c.logger.WithField("device", c.id.String()).Info("Cone authenticated")
		c.fireReady()
	}
	if c.hooks.OnEvent != nil {
		c.hooks.OnEvent(out)
	}
}

// handleDisconnect runs when sess reports a transport-level drop.
func (c *Cone) handleDisconnect(sess Session) {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	c.resetLocked()
	closed := c.closed
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"device":         c.id.String(),
		"auto_reconnect": c.opts.AutoReconnect,
	}).Warn("Cone disconnected")

	if c.hooks.OnDisconnect != nil {
		c.hooks.OnDisconnect(c.id)
	}
	if c.opts.AutoReconnect && !closed {
		c.scheduleReconnect()
	}
}

// resetLocked drops the session and every flag that only holds while connected.
func (c *Cone) resetLocked() {
	c.session = nil
	c.state = StateDisconnected
	c.authenticated = false
	c.polling = false
	c.lastDetection = nil
}

// scheduleReconnect starts the reconnect loop unless one is already running.
func (c *Cone) scheduleReconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	loopCtx, stop := context.WithCancel(c.ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.stopReconnect, c.reconnectDone = stop, done
	c.mu.Unlock()

	c.wg.Add(1)
	groutine.Go(loopCtx, "cone-reconnect-"+c.id.Color, func(ctx context.Context) {
		defer c.wg.Done()
		defer close(done)
		defer stop()
		c.reconnectLoop(ctx)
	})
}

func (c *Cone) reconnectLoop(ctx context.Context) {
	log := c.logger.WithField("device", c.id.String())

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		c.mu.Lock()
		if c.closed || c.state != StateDisconnected && c.state != StateReconnecting {
			c.mu.Unlock()
			c.reconnecting.Store(false)
			return
		}
		c.state = StateReconnecting
		c.attempts = attempt
		c.mu.Unlock()

		timer := time.NewTimer(c.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.mu.Lock()
			c.state = StateDisconnected
			c.mu.Unlock()
			c.reconnecting.Store(false)
			return
		case <-timer.C:
		}

		sess, ready, err := c.dial(ctx)
		if err == nil {
			c.reconnecting.Store(false)
			c.startWatch(sess)
			if ready {
				c.fireReady()
			}
			log.WithField("attempt", attempt).Info("Cone reconnected")
			return
		}

		log.WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": c.opts.MaxAttempts,
			"error":        err,
		}).Warn("Reconnect attempt failed")
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.reconnecting.Store(false)

	err := fmt.Errorf("%w: %s gave up after %d attempts", ErrReconnectExhausted, c.id, c.opts.MaxAttempts)
	log.WithError(err).Error("Cone offline")
	if c.hooks.OnReconnectFailed != nil {
		c.hooks.OnReconnectFailed(c.id, err)
	}
}

// SendCommand writes cmd and waits for the transport to accept it. It fails with
// ErrNotReady, without touching the transport, unless the cone is Ready.
func (c *Cone) SendCommand(ctx context.Context, cmd protocol.Command) error {
	sess, err := c.readySession(cmd)
	if err != nil {
		return err
	}
	if err := sess.Send(ctx, cmd); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", cmd, c.id, err)
	}
	c.notePolling(cmd)
	return nil
}

// PostCommand queues cmd without waiting for the carrier. The same readiness
// rule as SendCommand applies.
func (c *Cone) PostCommand(cmd protocol.Command) error {
	sess, err := c.readySession(cmd)
	if err != nil {
		return err
	}
	if p, ok := sess.(Poster); ok {
		p.Post(cmd)
	} else {
		groutine.Go(c.ctx, "cone-post-"+c.id.Color, func(ctx context.Context) {
			if err := sess.Send(ctx, cmd); err != nil {
				c.logger.WithFields(logrus.Fields{
					"device":  c.id.String(),
					"command": cmd.String(),
					"error":   err,
				}).Warn("Posted command failed")
			}
		})
	}
	c.notePolling(cmd)
	return nil
}

func (c *Cone) readySession(cmd protocol.Command) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.session == nil {
		return nil, &ConnectionError{State: NotReady, Msg: fmt.Sprintf("%s is %s, dropping %s", c.id, c.state, cmd)}
	}
	return c.session, nil
}

func (c *Cone) notePolling(cmd protocol.Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return
	}
	switch cmd.Op {
	case protocol.OpStart:
		c.polling = true
	case protocol.OpStop, protocol.OpSleep:
		c.polling = false
	}
}

// ClearDetection forgets the cached last detection.
func (c *Cone) ClearDetection() {
	c.mu.Lock()
	c.lastDetection = nil
	c.mu.Unlock()
}

// Disconnect stops a running reconnect loop and closes the session without
// scheduling a new one.
func (c *Cone) Disconnect() error {
	c.mu.Lock()
	stop, done := c.stopReconnect, c.reconnectDone
	c.stopReconnect, c.reconnectDone = nil, nil
	c.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}

	c.mu.Lock()
	sess := c.session
	c.resetLocked()
	c.mu.Unlock()

	if sess == nil {
		return nil
	}
	err := sess.Close()
	if c.hooks.OnDisconnect != nil {
		c.hooks.OnDisconnect(c.id)
	}
	if err != nil {
		return fmt.Errorf("failed to close session to %s: %w", c.id, err)
	}
	return nil
}

// Close disconnects, stops any reconnect loop and waits for the cone's goroutines.
func (c *Cone) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	err := c.Disconnect()
	c.cancel()
	c.wg.Wait()
	return err
}
