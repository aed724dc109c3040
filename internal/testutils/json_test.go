package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONAsserter(t *testing.T) {
	// GOAL: Verify JSON comparison with placeholders, ignored fields and extra-key pruning
	//
	// TEST SCENARIO: frame with timestamp → placeholder / ignore → match; differing value → diff reported

	frame := `{"event": "round_end", "payload": {"round": 2, "outcome": "late", "value": 2}, "at": "2026-01-01T00:00:00Z"}`

	t.Run("placeholder matches any value", func(t *testing.T) {
		r := &recorder{}
		assert.True(t, NewJSONAsserter(r).Strict().Assert(frame,
			`{"event": "round_end", "payload": {"round": 2, "outcome": "late", "value": 2}, "at": "<<ANY>>"}`))
		assert.Empty(t, r.failures)
	})

	t.Run("extra keys ignored by default", func(t *testing.T) {
		r := &recorder{}
		assert.True(t, NewJSONAsserter(r).Assert(frame, `{"payload": {"outcome": "late"}}`))
	})

	t.Run("strict mode reports extra keys", func(t *testing.T) {
		r := &recorder{}
		assert.False(t, NewJSONAsserter(r).Strict().Assert(frame, `{"event": "round_end"}`))
		assert.Len(t, r.failures, 1)
	})

	t.Run("ignored fields at any depth", func(t *testing.T) {
		r := &recorder{}
		assert.True(t, NewJSONAsserter(r).Strict().Ignoring("at", "value").Assert(frame,
			`{"event": "round_end", "payload": {"round": 2, "outcome": "late"}}`))
	})

	t.Run("root arrays", func(t *testing.T) {
		r := &recorder{}
		assert.True(t, NewJSONAsserter(r).Assert(`[{"color": "red", "battery": 80}]`, `[{"color": "red"}]`))
		assert.False(t, NewJSONAsserter(r).Assert(`[{"color": "red"}]`, `[{"color": "blue"}]`))
	})

	t.Run("value mismatch", func(t *testing.T) {
		r := &recorder{}
		assert.False(t, NewJSONAsserter(r).Assert(frame, `{"payload": {"outcome": "wrong"}}`))
		if assert.Len(t, r.failures, 1) {
			assert.Contains(t, r.failures[0], "wrong")
		}
	})
}
