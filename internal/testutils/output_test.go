package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct{ failures []string }

func (r *recorder) Helper() {}

func (r *recorder) Errorf(format string, args ...any) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func TestOutputAsserter(t *testing.T) {
	// GOAL: Verify terminal output is compared after stripping colours and padding
	//
	// TEST SCENARIO: coloured padded table → plain expectation → match; changed cell → diff reported

	t.Run("ignores ANSI and trailing padding", func(t *testing.T) {
		r := &recorder{}
		ok := NewOutputAsserter(r).Assert("\x1b[31;1mred\x1b[0m    BM-Red  \n", `
red    BM-Red
`)
		assert.True(t, ok)
		assert.Empty(t, r.failures)
	})

	t.Run("reports a unified diff", func(t *testing.T) {
		r := &recorder{}
		ok := NewOutputAsserter(r).Assert("red  BM-Blue\n", "red  BM-Red\n")
		assert.False(t, ok)
		if assert.Len(t, r.failures, 1) {
			assert.Contains(t, r.failures[0], "-red  BM-Red")
			assert.Contains(t, r.failures[0], "+red  BM-Blue")
		}
	})

	t.Run("keeps ANSI when asked", func(t *testing.T) {
		r := &recorder{}
		assert.False(t, NewOutputAsserter(r, WithANSI).Assert("\x1b[31mred\x1b[0m\n", "red\n"))
	})

	t.Run("skips blank lines", func(t *testing.T) {
		r := &recorder{}
		assert.True(t, NewOutputAsserter(r, WithSkipBlankLines).Assert("a\n\n\nb\n", "a\nb\n"))
	})
}
