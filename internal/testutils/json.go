package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// AnyValue in an expectation matches whatever the actual document holds.
const AnyValue = "<<ANY>>"

// JSONOptions controls a JSONAsserter.
type JSONOptions struct {
	IgnoreExtraKeys bool `default:"true"`
	IgnoredFields   []string
}

// JSONAsserter compares JSON documents (event frames, --format json output)
// and reports a gojsondiff rendering on mismatch.
type JSONAsserter struct {
	t    TestingT
	opts JSONOptions
}

func NewJSONAsserter(t TestingT) *JSONAsserter {
	a := &JSONAsserter{t: t}
	defaults.SetDefaults(&a.opts)
	return a
}

// Strict compares every key, including ones missing from the expectation.
func (a *JSONAsserter) Strict() *JSONAsserter {
	a.opts.IgnoreExtraKeys = false
	return a
}

// Ignoring drops the named keys at any depth on both sides.
func (a *JSONAsserter) Ignoring(fields ...string) *JSONAsserter {
	a.opts.IgnoredFields = append(a.opts.IgnoredFields, fields...)
	return a
}

func (a *JSONAsserter) Assert(actualJSON, expectedJSON string) bool {
	a.t.Helper()
	if d := a.Diff(actualJSON, expectedJSON); d != "" {
		a.t.Errorf("JSON mismatch:\n%s", d)
		return false
	}
	return true
}

// AssertValue marshals v and compares it.
func (a *JSONAsserter) AssertValue(v any, expectedJSON string) bool {
	a.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		a.t.Errorf("marshal: %v", err)
		return false
	}
	return a.Assert(string(data), expectedJSON)
}

func (a *JSONAsserter) Diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only
	if _, ok := expected.([]any); ok {
		expected = map[string]any{"array": expected}
		actual = map[string]any{"array": actual}
	}

	for _, f := range a.opts.IgnoredFields {
		dropKey(expected, f)
		dropKey(actual, f)
	}
	align(expected, actual, a.opts.IgnoreExtraKeys)

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)
	diff, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}
	out, _ := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true}).Format(diff)
	return out
}

// align resolves AnyValue placeholders and, when pruning, removes actual keys
// the expectation does not mention.
func align(expected, actual any, prune bool) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		if prune {
			for k := range act {
				if _, ok := exp[k]; !ok {
					delete(act, k)
				}
			}
		}
		for k, v := range exp {
			if s, ok := v.(string); ok && s == AnyValue {
				if av, present := act[k]; present {
					exp[k] = av
				}
				continue
			}
			align(v, act[k], prune)
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				align(exp[i], act[i], prune)
			}
		}
	}
}

func dropKey(v any, key string) {
	switch t := v.(type) {
	case map[string]any:
		delete(t, key)
		for _, child := range t {
			dropKey(child, key)
		}
	case []any:
		for _, child := range t {
			dropKey(child, key)
		}
	}
}
