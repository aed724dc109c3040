package game

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/brainmove/internal/presentation"
	"github.com/srg/brainmove/internal/registry"
	"golang.org/x/time/rate"
)

func (o *Orchestrator) startPolling(ctx context.Context) {
	if err := o.cones.StartAll(ctx); err != nil && ctx.Err() == nil {
		o.logger.WithError(err).Warn("Not every cone started polling")
	}
}

// playReaction: a random target per round, fixed round count.
func (o *Orchestrator) playReaction(ctx context.Context, sess *Session) error {
	s := sess.Settings
	sub := o.cones.Subscribe(registry.Detections)
	defer sub.Close()
	o.startPolling(ctx)

	for round := 1; round <= s.Rounds && ctx.Err() == nil; round++ {
		target := o.pick(s.Colors)
		o.sink.Emit("chosen_target", presentation.Fields{
			"round":      round,
			"max_rounds": s.Rounds,
			"color":      target,
		})
		out, err := o.singleRound(ctx, sess, sub, round, target)
		if err != nil {
			return err
		}
		if out.Outcome == Stopped {
			break
		}
	}
	return nil
}

// playNumber maps the colours to shuffled numbers 1..n and announces numbers
// instead of colours.
func (o *Orchestrator) playNumber(ctx context.Context, sess *Session) error {
	s := sess.Settings
	order := o.shuffled(s.Colors)
	mapping := make(map[string]int, len(order))
	for i, c := range order {
		mapping[c] = i + 1
	}
	o.logger.WithField("mapping", mapping).Info("Number mapping")
	o.sink.Emit("number_mapping", presentation.Fields{"mapping": mapping})

	sub := o.cones.Subscribe(registry.Detections)
	defer sub.Close()
	if !sleep(ctx, o.opts.NumberDisplay) {
		return nil
	}
	o.startPolling(ctx)

	for round := 1; round <= s.Rounds && ctx.Err() == nil; round++ {
		number := o.rng.IntN(len(order)) + 1
		target := order[number-1]
		o.sink.Emit("chosen_number", presentation.Fields{
			"round":      round,
			"max_rounds": s.Rounds,
			"number":     number,
		})
		out, err := o.singleRound(ctx, sess, sub, round, target)
		if err != nil {
			return err
		}
		if out.Outcome == Stopped {
			break
		}
	}
	return nil
}

// playFalling is a survival game: each round a colour falls from 0% to 100% over
// the budget, and anything but a correct touch ends the session.
func (o *Orchestrator) playFalling(ctx context.Context, sess *Session) error {
	s := sess.Settings
	sub := o.cones.Subscribe(registry.Detections)
	defer sub.Close()
	o.startPolling(ctx)

	limiter := rate.NewLimiter(rate.Every(o.opts.FallingTick), 1)
	for round := 1; round <= s.Rounds && ctx.Err() == nil; round++ {
		target := o.pick(s.Colors)
		o.sink.Emit("falling_color_start", presentation.Fields{
			"round":      round,
			"max_rounds": s.Rounds,
			"color":      target,
			"fall_time":  s.TimeBudget.Seconds(),
		})

		out := RoundOutcome{Round: round, Target: target}
		if !sleep(ctx, o.opts.TargetDelay) {
			out.Outcome, out.Value = Interrupted(0, s.TimeBudget)
			o.finishRound(sess, out)
			break
		}
		o.arm(target)

		var err error
		out, err = o.fall(ctx, sub, limiter, round, target, s.TimeBudget)
		if err != nil {
			return err
		}
		o.disarm(target)
		o.cue(out)
		o.finishRound(sess, out)

		switch out.Outcome {
		case Correct:
			continue
		case Wrong:
			o.sink.Emit("wrong_color", presentation.Fields{"status": "wrong colour", "touched": out.Touched})
		case Late:
			o.sink.Emit("wrong_color", presentation.Fields{"status": "too late"})
		}
		break
	}
	return nil
}

func (o *Orchestrator) fall(ctx context.Context, sub *registry.Subscription, limiter *rate.Limiter, round int, target string, budget time.Duration) (RoundOutcome, error) {
	out := RoundOutcome{Round: round, Target: target}
	w := o.open(sub)

	deadline := time.NewTimer(budget)
	defer deadline.Stop()
	// progress emits are paced by limiter, which the session's rounds share;
	// the unused reservation goes back when the round ends
	next := limiter.Reserve()
	defer func() { next.Cancel() }()
	progress := time.NewTimer(next.Delay())
	defer progress.Stop()

	for {
		select {
		case <-ctx.Done():
			out.Outcome, out.Value = Interrupted(w.since(), budget)
			return out, nil
		case <-deadline.C:
			o.sink.Emit("falling_color_percentage", presentation.Fields{"round": round, "percentage": 100.0})
			out.Outcome, out.Value = TimedOut(budget)
			return out, nil
		case <-progress.C:
			pct := math.Min(100, w.since().Seconds()/budget.Seconds()*100)
			o.sink.Emit("falling_color_percentage", presentation.Fields{
				"round":      round,
				"percentage": math.Round(pct*10) / 10,
			})
			next = limiter.Reserve()
			progress.Reset(next.Delay())
		case ev, ok := <-sub.C():
			if !ok {
				return out, ErrConesClosed
			}
			if !w.accept(ev) {
				continue
			}
			elapsed := w.elapsed(ev)
			out.Touched = ev.Device.Color
			switch {
			case elapsed > budget:
				out.Outcome, out.Value = TimedOut(budget)
			case out.Touched == target:
				out.Outcome, out.Value = Correct, seconds(ReactionTime(elapsed, o.opts.HardwareDelay))
			default:
				// a wrong touch ends the run and is recorded at the fall time
				out.Outcome, out.Value = Wrong, seconds(budget)
			}
			return out, nil
		}
	}
}

// playMemory grows a sequence by one colour per round, shows it, then expects it
// back touch by touch. A mistake, a timeout or a stop ends the session.
func (o *Orchestrator) playMemory(ctx context.Context, sess *Session) error {
	s := sess.Settings
	sub := o.cones.Subscribe(registry.Detections)
	defer sub.Close()

	var sequence []string
	for round := 1; round <= s.Rounds && ctx.Err() == nil; round++ {
		sequence = append(sequence, o.pick(s.Colors))
		o.sink.Emit("round_start", presentation.Fields{"round": round, "max_rounds": s.Rounds})

		out := RoundOutcome{Round: round, Target: sequence[len(sequence)-1]}
		if !o.show(ctx, sequence, s.DisplayInterval) {
			out.Outcome, out.Value = Interrupted(0, s.TimeBudget)
			o.finishRound(sess, out)
			break
		}

		o.startPolling(ctx)
		out, err := o.reproduce(ctx, sub, round, sequence, s.TimeBudget)
		if err != nil {
			return err
		}
		if serr := o.cones.StopAll(ctx); serr != nil && ctx.Err() == nil {
			o.logger.WithError(serr).Warn("Not every cone stopped polling")
		}
		o.cue(out)
		o.finishRound(sess, out)
		if out.Outcome != Correct {
			break
		}
	}
	return nil
}

// show presents the sequence one colour per interval after the intro pause.
func (o *Orchestrator) show(ctx context.Context, sequence []string, interval time.Duration) bool {
	if !sleep(ctx, o.opts.MemoryIntro) {
		return false
	}
	o.sink.Emit("show_start", presentation.Fields{"length": len(sequence)})
	for _, c := range sequence {
		o.sink.Emit("show_color", presentation.Fields{"color": c})
		if !sleep(ctx, interval) {
			return false
		}
	}
	o.sink.Emit("colors_shown", presentation.Fields{"count": len(sequence)})
	return true
}

// reproduce awaits each colour of sequence with its own budget. The value is the
// mean time per touch.
func (o *Orchestrator) reproduce(ctx context.Context, sub *registry.Subscription, round int, sequence []string, budget time.Duration) (RoundOutcome, error) {
	out := RoundOutcome{Round: round, Target: sequence[len(sequence)-1], Outcome: Correct}
	w := o.open(sub)
	step := w.opened
	steps := 0

	for _, expected := range sequence {
		o.arm(expected)
		ev, res := w.next(ctx, step.Add(budget))
		o.disarm(expected)
		steps++

		switch res {
		case touched:
			step = ev.At
			out.Touched = ev.Device.Color
			if out.Touched != expected {
				out.Outcome = Wrong
				out.Target = expected
				o.sink.Emit("wrong_color", presentation.Fields{"status": "game over", "expected": expected, "touched": out.Touched})
			}
		case timedOut:
			step = step.Add(budget)
			out.Outcome = Wrong
			out.Touched = ""
			out.Target = expected
			o.sink.Emit("wrong_color", presentation.Fields{"status": "timeout", "expected": expected})
		case interrupted:
			step = time.Now()
			out.Outcome = Stopped
		case streamClosed:
			return out, ErrConesClosed
		}
		if out.Outcome != Correct {
			break
		}
	}

	mean := ReactionTime(step.Sub(w.opened), o.opts.HardwareDelay) / time.Duration(steps)
	if mean > budget {
		mean = budget
	}
	out.Value = seconds(mean)

	o.logger.WithFields(logrus.Fields{
		"round":   round,
		"length":  len(sequence),
		"steps":   steps,
		"outcome": out.Outcome.String(),
	}).Debug("Sequence attempt finished")
	return out, nil
}

// playBattle runs two players against each other, each with their own colour
// per round, on one shared detection stream.
func (o *Orchestrator) playBattle(ctx context.Context, sess *Session) error {
	s := sess.Settings
	summary := NewBattleSummary(s.Players[PlayerA], s.Players[PlayerB])
	sess.Battle = summary

	sub := o.cones.Subscribe(registry.Detections)
	defer sub.Close()
	o.startPolling(ctx)

	o.sink.Emit("battle_start", presentation.Fields{
		"player_a": s.Players[PlayerA],
		"player_b": s.Players[PlayerB],
		"rounds":   s.Rounds,
	})

	for round := 1; round <= s.Rounds && ctx.Err() == nil; round++ {
		order := o.shuffled(s.Colors)
		colors := [2]string{order[0], order[1]}
		o.sink.Emit("battle_round", presentation.Fields{
			"round":      round,
			"max_rounds": s.Rounds,
			"color_a":    colors[PlayerA],
			"color_b":    colors[PlayerB],
		})

		arbiter := NewArbiter(colors, s.TimeBudget)
		var (
			results [2]PlayerResult
			stopped bool
			err     error
		)
		if !sleep(ctx, o.opts.TargetDelay) {
			results, stopped = arbiter.Abort(0), true
		} else {
			o.arm(colors[PlayerA], colors[PlayerB])
			results, stopped, err = o.battleRound(ctx, sub, arbiter, s.TimeBudget)
			o.disarm(colors[PlayerA], colors[PlayerB])
			if err != nil {
				return err
			}
		}

		o.recordBattleRound(sess, round, colors, results)
		if stopped || !sleep(ctx, o.opts.BattlePause) {
			break
		}
	}

	winner := ""
	if summary.Winner != NoWinner {
		winner = summary.Players[summary.Winner]
	}
	o.logger.WithFields(logrus.Fields{
		"session": sess.ID.String(),
		"wins":    summary.Wins,
		"total":   summary.TotalTime,
		"winner":  winner,
	}).Info("Color battle finished")
	o.sink.Emit("battle_end", presentation.Fields{
		"player_a":     summary.Players[PlayerA],
		"player_b":     summary.Players[PlayerB],
		"correct_a":    summary.Correct[PlayerA],
		"correct_b":    summary.Correct[PlayerB],
		"wins_a":       summary.Wins[PlayerA],
		"wins_b":       summary.Wins[PlayerB],
		"total_time_a": summary.TotalTime[PlayerA],
		"total_time_b": summary.TotalTime[PlayerB],
		"winner":       winner,
		"rounds":       len(summary.Rounds),
	})
	return nil
}

// battleRound feeds detections to the arbiter in arrival order until both
// players are resolved, the budget runs out, or the game is stopped.
func (o *Orchestrator) battleRound(ctx context.Context, sub *registry.Subscription, arbiter *Arbiter, budget time.Duration) ([2]PlayerResult, bool, error) {
	w := o.open(sub)
	deadline := time.NewTimer(budget)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return arbiter.Abort(w.since()), true, nil
		case <-deadline.C:
			return arbiter.Finish(), false, nil
		case ev, ok := <-sub.C():
			if !ok {
				return [2]PlayerResult{}, false, ErrConesClosed
			}
			if !w.accept(ev) {
				continue
			}
			elapsed := w.elapsed(ev)
			if elapsed > budget {
				continue
			}
			if arbiter.Add(Touch{Color: ev.Device.Color, Elapsed: ReactionTime(elapsed, o.opts.HardwareDelay)}) {
				return arbiter.Finish(), false, nil
			}
		}
	}
}

func (o *Orchestrator) recordBattleRound(sess *Session, round int, colors [2]string, results [2]PlayerResult) {
	br := BattleRound{Round: round, Colors: colors, Results: results, Winner: RoundWinner(results)}
	sess.Battle.Record(br)

	for p := PlayerA; p <= PlayerB; p++ {
		sess.Results = append(sess.Results, RoundOutcome{
			Round:   round,
			Player:  p,
			Value:   results[p].Value,
			Outcome: results[p].Outcome,
			Target:  colors[p],
			Touched: results[p].Touched,
		})
		switch results[p].Outcome {
		case Correct:
			o.cones.PlaySound(results[p].Touched, true)
		case Wrong:
			o.cones.PlaySound(results[p].Touched, false)
		}
	}

	winner := ""
	if br.Winner != NoWinner {
		winner = sess.Settings.Players[br.Winner]
	}
	o.logger.WithFields(logrus.Fields{
		"round":     round,
		"outcome_a": results[PlayerA].Outcome.String(),
		"value_a":   results[PlayerA].Value,
		"outcome_b": results[PlayerB].Outcome.String(),
		"value_b":   results[PlayerB].Value,
		"winner":    winner,
	}).Info("Battle round finished")
	o.sink.Emit("battle_round_end", presentation.Fields{
		"round":     round,
		"outcome_a": results[PlayerA].Outcome.String(),
		"outcome_b": results[PlayerB].Outcome.String(),
		"value_a":   results[PlayerA].Value,
		"value_b":   results[PlayerB].Value,
		"winner":    winner,
	})
}
