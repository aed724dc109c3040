package game

import "time"

// ReactionTime subtracts the sensor latency from the measured elapsed time.
func ReactionTime(elapsed, hardwareDelay time.Duration) time.Duration {
	if elapsed <= hardwareDelay {
		return 0
	}
	return elapsed - hardwareDelay
}

// Classify scores a single-player touch. A touch after the budget is Late at the
// budget; a wrong colour is charged the reaction time plus the full budget.
func Classify(target, touched string, reaction, budget time.Duration) (Outcome, float64) {
	switch {
	case reaction > budget:
		return Late, seconds(budget)
	case touched == target:
		return Correct, seconds(reaction)
	default:
		return Wrong, round2(reaction.Seconds() + budget.Seconds())
	}
}

// TimedOut scores a round in which nothing was touched.
func TimedOut(budget time.Duration) (Outcome, float64) {
	return Late, seconds(budget)
}

// Interrupted scores a round cut short by a stop request.
func Interrupted(elapsed, budget time.Duration) (Outcome, float64) {
	if elapsed > budget {
		elapsed = budget
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return Stopped, seconds(elapsed)
}
