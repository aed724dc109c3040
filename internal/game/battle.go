package game

import "time"

// Players in a Color Battle.
const (
	PlayerA  = 0
	PlayerB  = 1
	NoWinner = -1
)

// Touch is one detection inside a battle round, in arrival order.
type Touch struct {
	Color   string
	Elapsed time.Duration // reaction time since the round opened
}

// PlayerResult is one player's score for a battle round.
type PlayerResult struct {
	Outcome  Outcome
	Value    float64
	Resolved bool
	// Elapsed is the reaction time of the resolving touch.
	Elapsed time.Duration
	Touched string
}

// Arbiter attributes an ordered stream of touches to the two players of one
// round. It has no clock and no I/O.
type Arbiter struct {
	colors  [2]string
	budget  time.Duration
	results [2]PlayerResult
}

// NewArbiter starts a round where player A must touch colors[0] and B colors[1].
func NewArbiter(colors [2]string, budget time.Duration) *Arbiter {
	return &Arbiter{colors: colors, budget: budget}
}

// Add attributes one touch and reports whether both players are resolved.
//
// A touch of an unresolved player's colour resolves that player as Correct. Any
// other touch is charged as Wrong (elapsed plus the full budget) to the first
// unresolved player, A before B. Touches after both are resolved are ignored.
func (a *Arbiter) Add(t Touch) bool {
	if a.Done() {
		return true
	}
	for p := PlayerA; p <= PlayerB; p++ {
		if !a.results[p].Resolved && t.Color == a.colors[p] {
			a.results[p] = PlayerResult{
				Outcome:  Correct,
				Value:    seconds(t.Elapsed),
				Resolved: true,
				Elapsed:  t.Elapsed,
				Touched:  t.Color,
			}
			return a.Done()
		}
	}
	for p := PlayerA; p <= PlayerB; p++ {
		if !a.results[p].Resolved {
			a.results[p] = PlayerResult{
				Outcome:  Wrong,
				Value:    round2(t.Elapsed.Seconds() + a.budget.Seconds()),
				Resolved: true,
				Elapsed:  t.Elapsed,
				Touched:  t.Color,
			}
			break
		}
	}
	return a.Done()
}

// Done reports whether both players have a result.
func (a *Arbiter) Done() bool {
	return a.results[PlayerA].Resolved && a.results[PlayerB].Resolved
}

// Finish closes the round at the budget: unresolved players are Late.
func (a *Arbiter) Finish() [2]PlayerResult {
	return a.close(Late, a.budget)
}

// Abort closes the round after a stop request at elapsed: unresolved players are Stopped.
func (a *Arbiter) Abort(elapsed time.Duration) [2]PlayerResult {
	if elapsed > a.budget {
		elapsed = a.budget
	}
	return a.close(Stopped, elapsed)
}

func (a *Arbiter) close(outcome Outcome, at time.Duration) [2]PlayerResult {
	out := a.results
	for p := range out {
		if !out[p].Resolved {
			out[p] = PlayerResult{Outcome: outcome, Value: seconds(at), Elapsed: at}
		}
	}
	return out
}

// Resolve arbitrates a complete round in one call.
func Resolve(colors [2]string, touches []Touch, budget time.Duration) [2]PlayerResult {
	a := NewArbiter(colors, budget)
	for _, t := range touches {
		if a.Add(t) {
			break
		}
	}
	return a.Finish()
}

// RoundWinner returns the Correct player with the smaller reaction time, the only
// Correct player, or NoWinner.
func RoundWinner(r [2]PlayerResult) int {
	aOK := r[PlayerA].Outcome == Correct
	bOK := r[PlayerB].Outcome == Correct
	switch {
	case aOK && bOK:
		switch {
		case r[PlayerA].Elapsed < r[PlayerB].Elapsed:
			return PlayerA
		case r[PlayerB].Elapsed < r[PlayerA].Elapsed:
			return PlayerB
		default:
			return NoWinner
		}
	case aOK:
		return PlayerA
	case bOK:
		return PlayerB
	default:
		return NoWinner
	}
}

// BattleRound is one scored Color Battle round.
type BattleRound struct {
	Round   int             `json:"round"`
	Colors  [2]string       `json:"colors"`
	Results [2]PlayerResult `json:"-"`
	Winner  int             `json:"winner"`
}

// BattleSummary accumulates a Color Battle session.
type BattleSummary struct {
	Players   [2]string     `json:"players"`
	Correct   [2]int        `json:"correct"`
	Wins      [2]int        `json:"wins"`
	TotalTime [2]float64    `json:"total_time"`
	Winner    int           `json:"winner"`
	Rounds    []BattleRound `json:"rounds"`
}

// NewBattleSummary starts an empty summary for two players.
func NewBattleSummary(a, b string) *BattleSummary {
	return &BattleSummary{Players: [2]string{a, b}, Winner: NoWinner}
}

// Record adds a round and updates the session winner.
func (s *BattleSummary) Record(r BattleRound) {
	s.Rounds = append(s.Rounds, r)
	for p := PlayerA; p <= PlayerB; p++ {
		if r.Results[p].Outcome == Correct {
			s.Correct[p]++
		}
		s.TotalTime[p] = round2(s.TotalTime[p] + r.Results[p].Value)
	}
	if r.Winner != NoWinner {
		s.Wins[r.Winner]++
	}
	s.Winner = SessionWinner(s.Wins, s.TotalTime)
}

// SessionWinner picks the player with more round wins, then the lower cumulative
// time, or NoWinner on a full tie.
func SessionWinner(wins [2]int, total [2]float64) int {
	switch {
	case wins[PlayerA] > wins[PlayerB]:
		return PlayerA
	case wins[PlayerB] > wins[PlayerA]:
		return PlayerB
	case total[PlayerA] < total[PlayerB]:
		return PlayerA
	case total[PlayerB] < total[PlayerA]:
		return PlayerB
	default:
		return NoWinner
	}
}
