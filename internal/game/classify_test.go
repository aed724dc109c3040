package game

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		touched  string
		reaction time.Duration
		outcome  Outcome
		value    float64
	}{
		{name: "correct inside budget", touched: "red", reaction: 1200 * time.Millisecond, outcome: Correct, value: 1.2},
		{name: "correct at the budget", touched: "red", reaction: 2 * time.Second, outcome: Correct, value: 2.0},
		{name: "late touch is charged the budget", touched: "red", reaction: 2500 * time.Millisecond, outcome: Late, value: 2.0},
		{name: "late wrong touch is still late", touched: "blue", reaction: 2500 * time.Millisecond, outcome: Late, value: 2.0},
		{name: "wrong colour adds the budget", touched: "blue", reaction: time.Second, outcome: Wrong, value: 3.0},
		{name: "instant wrong touch", touched: "blue", reaction: 0, outcome: Wrong, value: 2.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, value := Classify("red", tt.touched, tt.reaction, 2*time.Second)
			assert.Equal(t, tt.outcome, outcome)
			assert.InDelta(t, tt.value, value, 0.001)
		})
	}
}

func TestReactionTime(t *testing.T) {
	assert.Equal(t, 930*time.Millisecond, ReactionTime(time.Second, 70*time.Millisecond))
	assert.Equal(t, time.Duration(0), ReactionTime(50*time.Millisecond, 70*time.Millisecond), "reaction time MUST NOT go negative")
}

func TestTimedOutAndInterrupted(t *testing.T) {
	outcome, value := TimedOut(1500 * time.Millisecond)
	assert.Equal(t, Late, outcome)
	assert.InDelta(t, 1.5, value, 0.001)

	outcome, value = Interrupted(700*time.Millisecond, 2*time.Second)
	assert.Equal(t, Stopped, outcome)
	assert.InDelta(t, 0.7, value, 0.001)

	_, value = Interrupted(3*time.Second, 2*time.Second)
	assert.InDelta(t, 2.0, value, 0.001, "a stop MUST NOT be charged more than the budget")
}
