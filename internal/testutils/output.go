package testutils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
)

// TestingT is the part of *testing.T an asserter reports through.
type TestingT interface {
	Helper()
	Errorf(format string, args ...any)
}

var ansiSequence = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

// OutputOptions controls how terminal output is normalised before comparing.
type OutputOptions struct {
	KeepANSI         bool // compare escape sequences too
	KeepTrailing     bool // keep tabwriter padding at line ends
	SkipBlankLines   bool
	ColorizeMismatch bool
}

// OutputAsserter compares rendered CLI output line by line and reports a
// unified diff on mismatch.
//
//	testutils.NewOutputAsserter(t).Assert(buf.String(), `
//	COLOR  NAME
//	red    BM-Red
//	`)
type OutputAsserter struct {
	t    TestingT
	opts OutputOptions
}

func NewOutputAsserter(t TestingT, opts ...func(*OutputOptions)) *OutputAsserter {
	a := &OutputAsserter{t: t}
	for _, o := range opts {
		o(&a.opts)
	}
	return a
}

// Assert fails the test when actual differs from expected. A leading newline
// in expected is dropped so raw string literals can start on their own line.
func (a *OutputAsserter) Assert(actual, expected string) bool {
	a.t.Helper()
	if d := a.Diff(actual, strings.TrimPrefix(expected, "\n")); d != "" {
		a.t.Errorf("output mismatch:\n%s", d)
		return false
	}
	return true
}

// Diff returns the unified diff between the normalised texts, or "".
func (a *OutputAsserter) Diff(actual, expected string) string {
	act, exp := a.normalize(actual), a.normalize(expected)
	if act == exp {
		return ""
	}
	edits := myers.ComputeEdits("", exp, act)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", exp, edits))
	if !a.opts.ColorizeMismatch {
		return unified
	}
	return colorize(unified)
}

func (a *OutputAsserter) normalize(text string) string {
	if !a.opts.KeepANSI {
		text = ansiSequence.ReplaceAllString(text, "")
	}
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, l := range lines {
		if !a.opts.KeepTrailing {
			l = strings.TrimRight(l, " \t")
		}
		if a.opts.SkipBlankLines && l == "" {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

func colorize(diff string) string {
	red, green, cyan := color.New(color.FgRed), color.New(color.FgGreen), color.New(color.FgCyan)
	for _, c := range []*color.Color{red, green, cyan} {
		c.EnableColor()
	}
	lines := strings.Split(diff, "\n")
	for i, l := range lines {
		switch {
		case strings.HasPrefix(l, "---"), strings.HasPrefix(l, "+++"), strings.HasPrefix(l, "@@"):
			lines[i] = cyan.Sprint(l)
		case strings.HasPrefix(l, "-"):
			lines[i] = red.Sprint(strings.ReplaceAll(l, " ", "·"))
		case strings.HasPrefix(l, "+"):
			lines[i] = green.Sprint(strings.ReplaceAll(l, " ", "·"))
		}
	}
	return strings.Join(lines, "\n")
}

// WithANSI keeps escape sequences in the comparison.
func WithANSI(o *OutputOptions) { o.KeepANSI = true }

// WithSkipBlankLines drops empty lines on both sides.
func WithSkipBlankLines(o *OutputOptions) { o.SkipBlankLines = true }

// WithColorDiff paints the failure diff.
func WithColorDiff(o *OutputOptions) { o.ColorizeMismatch = true }
