package game

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func TestResolve(t *testing.T) {
	colors := [2]string{"red", "blue"}

	t.Run("both correct, faster player wins", func(t *testing.T) {
		r := Resolve(colors, []Touch{{Color: "red", Elapsed: ms(400)}, {Color: "blue", Elapsed: ms(600)}}, 5*time.Second)

		assert.Equal(t, Correct, r[PlayerA].Outcome)
		assert.InDelta(t, 0.4, r[PlayerA].Value, 0.001)
		assert.Equal(t, Correct, r[PlayerB].Outcome)
		assert.InDelta(t, 0.6, r[PlayerB].Value, 0.001)
		assert.Equal(t, PlayerA, RoundWinner(r))
	})

	t.Run("arrival order does not decide the player", func(t *testing.T) {
		r := Resolve(colors, []Touch{{Color: "blue", Elapsed: ms(300)}, {Color: "red", Elapsed: ms(500)}}, 5*time.Second)

		assert.Equal(t, Correct, r[PlayerA].Outcome)
		assert.Equal(t, Correct, r[PlayerB].Outcome)
		assert.Equal(t, PlayerB, RoundWinner(r))
	})

	t.Run("unresolved player is late at the budget", func(t *testing.T) {
		r := Resolve(colors, []Touch{{Color: "blue", Elapsed: ms(300)}}, 5*time.Second)

		assert.Equal(t, Late, r[PlayerA].Outcome)
		assert.InDelta(t, 5.0, r[PlayerA].Value, 0.001)
		assert.Equal(t, Correct, r[PlayerB].Outcome)
		assert.InDelta(t, 0.3, r[PlayerB].Value, 0.001)
		assert.Equal(t, PlayerB, RoundWinner(r))
	})

	t.Run("third colour is charged to the first unresolved player", func(t *testing.T) {
		r := Resolve(colors, []Touch{{Color: "green", Elapsed: ms(200)}, {Color: "green", Elapsed: ms(900)}}, 2*time.Second)

		assert.Equal(t, Wrong, r[PlayerA].Outcome)
		assert.InDelta(t, 2.2, r[PlayerA].Value, 0.001)
		assert.Equal(t, "green", r[PlayerA].Touched)
		assert.Equal(t, Wrong, r[PlayerB].Outcome)
		assert.InDelta(t, 2.9, r[PlayerB].Value, 0.001)
		assert.Equal(t, NoWinner, RoundWinner(r))
	})

	t.Run("third colour after A resolved goes to B", func(t *testing.T) {
		r := Resolve(colors, []Touch{{Color: "red", Elapsed: ms(250)}, {Color: "green", Elapsed: ms(400)}}, 2*time.Second)

		assert.Equal(t, Correct, r[PlayerA].Outcome)
		assert.Equal(t, Wrong, r[PlayerB].Outcome)
		assert.Equal(t, PlayerA, RoundWinner(r))
	})

	t.Run("touches after both resolved are ignored", func(t *testing.T) {
		r := Resolve(colors, []Touch{
			{Color: "red", Elapsed: ms(100)},
			{Color: "blue", Elapsed: ms(200)},
			{Color: "red", Elapsed: ms(300)},
		}, 2*time.Second)

		assert.InDelta(t, 0.1, r[PlayerA].Value, 0.001)
		assert.InDelta(t, 0.2, r[PlayerB].Value, 0.001)
	})

	t.Run("equal times are a tie", func(t *testing.T) {
		r := Resolve(colors, []Touch{{Color: "red", Elapsed: ms(300)}, {Color: "blue", Elapsed: ms(300)}}, 2*time.Second)
		assert.Equal(t, NoWinner, RoundWinner(r))
	})
}

func TestArbiterAbort(t *testing.T) {
	a := NewArbiter([2]string{"red", "blue"}, 2*time.Second)
	require.False(t, a.Add(Touch{Color: "red", Elapsed: ms(500)}))

	r := a.Abort(ms(800))
	assert.Equal(t, Correct, r[PlayerA].Outcome, "resolved players MUST keep their result on abort")
	assert.Equal(t, Stopped, r[PlayerB].Outcome)
	assert.InDelta(t, 0.8, r[PlayerB].Value, 0.001)
}

func TestBattleSummary(t *testing.T) {
	s := NewBattleSummary("ann", "bob")
	require.Equal(t, NoWinner, s.Winner)

	rounds := [][]Touch{
		{{Color: "red", Elapsed: ms(400)}, {Color: "blue", Elapsed: ms(600)}},
		{{Color: "blue", Elapsed: ms(300)}},
		{{Color: "red", Elapsed: ms(200)}, {Color: "blue", Elapsed: ms(900)}},
	}
	for i, touches := range rounds {
		colors := [2]string{"red", "blue"}
		r := Resolve(colors, touches, 2*time.Second)
		s.Record(BattleRound{Round: i + 1, Colors: colors, Results: r, Winner: RoundWinner(r)})
	}

	assert.Equal(t, [2]int{2, 3}, s.Correct)
	assert.Equal(t, [2]int{2, 1}, s.Wins)
	assert.InDelta(t, 2.6, s.TotalTime[PlayerA], 0.001)
	assert.InDelta(t, 1.8, s.TotalTime[PlayerB], 0.001)
	assert.Equal(t, PlayerA, s.Winner, "more round wins MUST beat a lower total time")
	assert.Len(t, s.Rounds, 3)
}

func TestSessionWinner(t *testing.T) {
	assert.Equal(t, PlayerB, SessionWinner([2]int{1, 2}, [2]float64{1, 9}))
	assert.Equal(t, PlayerA, SessionWinner([2]int{1, 1}, [2]float64{1.5, 2.5}), "equal wins MUST fall back to the lower total")
	assert.Equal(t, NoWinner, SessionWinner([2]int{1, 1}, [2]float64{2, 2}))
}
