package game

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/brainmove/internal/device"
	"github.com/srg/brainmove/internal/presentation"
	"github.com/srg/brainmove/internal/registry"
)

type waitResult int

const (
	touched waitResult = iota
	timedOut
	interrupted
	streamClosed
)

// window is one open round on the detection stream.
type window struct {
	sub    *registry.Subscription
	opened time.Time
	settle time.Duration
	stuck  map[string]bool
	logger *logrus.Logger
}

// open drops detections that arrived before the round and starts its clock.
func (o *Orchestrator) open(sub *registry.Subscription) *window {
	if n := sub.Drain(); n > 0 {
		o.logger.WithField("dropped", n).Debug("Dropped detections from before the round")
	}
	return &window{
		sub:    sub,
		opened: time.Now(),
		settle: o.opts.SettleWindow,
		stuck:  make(map[string]bool),
		logger: o.logger,
	}
}

// accept filters detections that predate the round or come from a stuck cone.
func (w *window) accept(ev device.Event) bool {
	at := ev.At.Sub(w.opened)
	if at < 0 {
		return false
	}
	color := ev.Device.Color
	if w.stuck[color] {
		return false
	}
	if at < w.settle {
		w.stuck[color] = true
		w.logger.WithField("device", ev.Device.String()).Warn("Cone fired as the round opened, ignoring it this round")
		return false
	}
	return true
}

func (w *window) elapsed(ev device.Event) time.Duration {
	return ev.At.Sub(w.opened)
}

func (w *window) since() time.Duration {
	return time.Since(w.opened)
}

// next waits for the next accepted detection until the deadline.
func (w *window) next(ctx context.Context, deadline time.Time) (device.Event, waitResult) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return device.Event{}, timedOut
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return device.Event{}, interrupted
		case <-timer.C:
			return device.Event{}, timedOut
		case ev, ok := <-w.sub.C():
			if !ok {
				return device.Event{}, streamClosed
			}
			if w.accept(ev) {
				return ev, touched
			}
		}
	}
}

// sleep waits d unless ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// singleRound plays one round of the shared pattern: arm target, race a
// detection against the budget and a stop, classify, disarm.
func (o *Orchestrator) singleRound(ctx context.Context, sess *Session, sub *registry.Subscription, round int, target string) (RoundOutcome, error) {
	budget := sess.Settings.TimeBudget
	out := RoundOutcome{Round: round, Target: target}

	if !sleep(ctx, o.opts.TargetDelay) {
		out.Outcome, out.Value = Interrupted(0, budget)
		o.finishRound(sess, out)
		return out, nil
	}
	o.arm(target)

	w := o.open(sub)
	ev, res := w.next(ctx, w.opened.Add(budget))
	switch res {
	case touched:
		out.Touched = ev.Device.Color
		out.Outcome, out.Value = Classify(target, out.Touched, ReactionTime(w.elapsed(ev), o.opts.HardwareDelay), budget)
	case timedOut:
		out.Outcome, out.Value = TimedOut(budget)
	case interrupted:
		out.Outcome, out.Value = Interrupted(w.since(), budget)
	case streamClosed:
		return out, ErrConesClosed
	}

	o.disarm(target)
	o.cue(out)
	o.finishRound(sess, out)
	return out, nil
}

func (o *Orchestrator) arm(targets ...string) {
	if err := o.cones.SetTarget(targets...); err != nil {
		o.logger.WithFields(logrus.Fields{
			"targets": targets,
			"error":   err,
		}).Warn("Target not marked on every cone")
	}
}

func (o *Orchestrator) disarm(targets ...string) {
	for _, t := range targets {
		if err := o.cones.ResetTarget(t); err != nil {
			o.logger.WithFields(logrus.Fields{
				"target": t,
				"error":  err,
			}).Debug("Target not reset")
		}
	}
}

// cue plays the success or failure sound on the cone that matters for out.
func (o *Orchestrator) cue(out RoundOutcome) {
	switch out.Outcome {
	case Correct:
		o.cones.PlaySound(out.Touched, true)
	case Wrong:
		if out.Touched == "" {
			o.cones.PlaySound(out.Target, false)
			return
		}
		o.cones.PlaySound(out.Touched, false)
	case Late:
		o.cones.PlaySound(out.Target, false)
	}
}

func (o *Orchestrator) finishRound(sess *Session, out RoundOutcome) {
	sess.Results = append(sess.Results, out)

	o.logger.WithFields(logrus.Fields{
		"session": sess.ID.String(),
		"round":   out.Round,
		"target":  out.Target,
		"touched": out.Touched,
		"outcome": out.Outcome.String(),
		"value":   out.Value,
	}).Info("Round finished")
	o.sink.Emit("round_end", presentation.Fields{
		"round":      out.Round,
		"max_rounds": sess.Settings.Rounds,
		"target":     out.Target,
		"touched":    out.Touched,
		"outcome":    out.Outcome.String(),
		"value":      out.Value,
	})
}
