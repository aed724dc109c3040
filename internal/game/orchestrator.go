package game

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/brainmove/internal/device"
	"github.com/srg/brainmove/internal/groutine"
	"github.com/srg/brainmove/internal/presentation"
	"github.com/srg/brainmove/internal/registry"
)

// ErrConesClosed is returned by a game whose detection stream ended underneath it.
var ErrConesClosed = errors.New("cone registry closed during game")

// Cones is the part of the registry the games drive.
type Cones interface {
	Subscribe(filter func(device.Event) bool) *registry.Subscription
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
	SetTarget(colors ...string) error
	ResetTarget(color string) error
	PlaySound(color string, ok bool)
	ClearDetections()
}

// Options holds the fixed timings of the games.
type Options struct {
	// HardwareDelay is subtracted from every measured reaction time.
	HardwareDelay time.Duration `default:"70ms"`
	// TargetDelay separates announcing a target from arming the cone.
	TargetDelay time.Duration `default:"200ms"`
	// SettleWindow: a cone firing this soon after a round opens is stuck and
	// ignored for the round.
	SettleWindow    time.Duration `default:"30ms"`
	MemoryIntro     time.Duration `default:"3s"`
	NumberDisplay   time.Duration `default:"5s"`
	FallingTick     time.Duration `default:"50ms"`
	BattlePause     time.Duration `default:"1s"`
	TeardownTimeout time.Duration `default:"5s"`
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	var opts Options
	defaults.SetDefaults(&opts)
	return opts
}

// Orchestrator runs at most one game session at a time.
type Orchestrator struct {
	cones  Cones
	store  Store
	sink   presentation.Sink
	logger *logrus.Logger
	opts   Options
	rng    *rand.Rand
	now    func() time.Time

	mu       sync.Mutex
	settings *Settings
	active   *run
	last     *Session

	persisting sync.WaitGroup
}

type run struct {
	session *Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an idle orchestrator. store may be nil, in which case results are
// only logged. Zero timings in opts take their production defaults.
func New(cones Cones, store Store, sink presentation.Sink, opts Options, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	if sink == nil {
		sink = presentation.Discard
	}
	defaults.SetDefaults(&opts)
	return &Orchestrator{
		cones:  cones,
		store:  store,
		sink:   sink,
		logger: logger,
		opts:   opts,
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		now:    time.Now,
	}
}

// Configure validates and stores the settings for the next Play. Settings are
// consumed by the session they start.
func (o *Orchestrator) Configure(s Settings) error {
	s.Colors = append([]string(nil), s.Colors...)
	s.Players = append([]string(nil), s.Players...)
	if len(s.Players) == 0 {
		s.Players = nil
	}
	if err := s.Prepare(); err != nil {
		return err
	}

	o.mu.Lock()
	o.settings = &s
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{
		"colors": s.Colors,
		"rounds": s.Rounds,
		"budget": s.TimeBudget,
	}).Info("Game settings stored")
	return nil
}

// Running reports whether a session is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active != nil
}

// LastSession returns the most recently ended session, or nil.
func (o *Orchestrator) LastSession() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Play starts kind with the configured settings.
func (o *Orchestrator) Play(kind Kind) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil {
		return Result{Status: StatusAlreadyRunning, Message: "a game is already running", SessionID: o.active.session.ID.String()}
	}
	if !kind.Valid() {
		return Result{Status: StatusUnknownGame, Message: fmt.Sprintf("unknown game id %d", int(kind))}
	}
	if o.settings == nil {
		return Result{Status: StatusMissingSettings, Message: "game settings are incomplete, configure the game first"}
	}
	settings := *o.settings
	if kind == ColorBattle {
		if len(settings.Players) != 2 || len(settings.Colors) < 2 {
			return Result{Status: StatusMissingSettings, Message: "color battle needs two players and at least two colours"}
		}
	} else if settings.Player == "" {
		return Result{Status: StatusMissingSettings, Message: "a player name is required"}
	}

	sess := &Session{
		ID:        uuid.New(),
		Kind:      kind,
		Settings:  settings,
		StartedAt: o.now(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{session: sess, cancel: cancel, done: make(chan struct{})}
	o.active = r

	groutine.Go(ctx, "game-"+kind.String(), func(ctx context.Context) {
		o.execute(ctx, r)
	})
	return Result{Status: StatusStarted, Message: "game started", SessionID: sess.ID.String()}
}

// Stop cancels the active session and waits until it has been torn down.
func (o *Orchestrator) Stop() Result {
	o.mu.Lock()
	r := o.active
	o.mu.Unlock()

	if r == nil {
		return Result{Status: StatusNoGameRunning, Message: "no game is running"}
	}
	r.cancel()
	<-r.done
	return Result{Status: StatusStopped, Message: "game stopped", SessionID: r.session.ID.String()}
}

// Wait blocks until the active session ends and returns it.
func (o *Orchestrator) Wait(ctx context.Context) (*Session, error) {
	o.mu.Lock()
	r := o.active
	last := o.last
	o.mu.Unlock()

	if r == nil {
		return last, nil
	}
	select {
	case <-r.done:
		return r.session, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops any session and waits for pending persistence.
func (o *Orchestrator) Close() {
	o.Stop()
	o.persisting.Wait()
}

func (o *Orchestrator) execute(ctx context.Context, r *run) {
	defer close(r.done)
	sess := r.session
	log := o.logger.WithFields(logrus.Fields{
		"session": sess.ID.String(),
		"game":    sess.Kind.String(),
	})

	log.WithField("rounds", sess.Settings.Rounds).Info("Game started")
	o.sink.Emit("game_start", presentation.Fields{
		"session_id": sess.ID.String(),
		"game":       sess.Kind.String(),
		"rounds":     sess.Settings.Rounds,
		"colors":     sess.Settings.Colors,
	})

	err := groutine.Run("game-"+sess.Kind.String(), func() error {
		return o.play(ctx, sess)
	})
	stopped := ctx.Err() != nil

	// teardown must run even though ctx is cancelled
	tctx, cancel := context.WithTimeout(context.Background(), o.opts.TeardownTimeout)
	defer cancel()
	if serr := o.cones.StopAll(tctx); serr != nil {
		log.WithError(serr).Warn("Not every cone stopped polling")
	}
	o.cones.ClearDetections()

	sess.EndedAt = o.now()
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		sess.Status = "failed"
		sess.Err = err
		log.WithError(err).Error("Game failed")
		o.sink.Emit("game_error", presentation.Fields{
			"session_id": sess.ID.String(),
			"error":      err.Error(),
		})
	case stopped:
		sess.Status = "stopped"
		log.Info("Game stopped")
	default:
		sess.Status = "finished"
		log.Info("Game finished")
	}

	if sess.Status != "failed" {
		o.sink.Emit("session_end", presentation.Fields{
			"session_id": sess.ID.String(),
			"game":       sess.Kind.String(),
			"status":     sess.Status,
			"rounds":     len(sess.Results),
		})
		o.handOff(sess, log)
	}

	o.mu.Lock()
	o.active = nil
	o.last = sess
	o.settings = nil
	o.mu.Unlock()
}

func (o *Orchestrator) handOff(sess *Session, log *logrus.Entry) {
	if o.store == nil {
		for _, r := range sess.Results {
			log.WithFields(logrus.Fields{
				"round":   r.Round,
				"player":  r.Player,
				"value":   r.Value,
				"outcome": r.Outcome.String(),
			}).Info("Round result")
		}
		return
	}
	o.persisting.Add(1)
	groutine.Go(context.Background(), "game-persist", func(ctx context.Context) {
		defer o.persisting.Done()
		pctx, cancel := context.WithTimeout(ctx, o.opts.TeardownTimeout)
		defer cancel()
		persist(pctx, o.store, sess, o.logger)
	})
}

func (o *Orchestrator) play(ctx context.Context, sess *Session) error {
	switch sess.Kind {
	case ReactionSprint:
		return o.playReaction(ctx, sess)
	case MemorySequence:
		return o.playMemory(ctx, sess)
	case NumberMatch:
		return o.playNumber(ctx, sess)
	case FallingColor:
		return o.playFalling(ctx, sess)
	case ColorBattle:
		return o.playBattle(ctx, sess)
	default:
		return fmt.Errorf("unknown game %s", sess.Kind)
	}
}

func (o *Orchestrator) pick(colors []string) string {
	return colors[o.rng.IntN(len(colors))]
}

func (o *Orchestrator) shuffled(colors []string) []string {
	out := append([]string(nil), colors...)
	o.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
