package testutils

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/mcuadros/go-defaults"
	"github.com/stretchr/testify/assert"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// AnyValue in an expected document matches whatever the actual document holds
// at that position, as long as the key exists.
const AnyValue = "<<PRESENCE>>"

// JSONAssertOptions controls how documents are normalized before comparison.
type JSONAssertOptions struct {
	// IgnoreExtraKeys drops object keys that the expected document does not mention.
	IgnoreExtraKeys bool `default:"true"`
	// IgnoreArrayOrder sorts every array before comparison.
	IgnoreArrayOrder bool `default:"false"`
	// IgnoredFields are removed from objects at any depth on both sides.
	IgnoredFields []string
}

// JSONOption is a functional option for JSONAsserter.
type JSONOption func(*JSONAssertOptions)

// WithIgnoreExtraKeys sets whether keys missing from the expected document are ignored.
func WithIgnoreExtraKeys(ignore bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = ignore }
}

// WithIgnoreArrayOrder sets whether arrays are compared as multisets.
func WithIgnoreArrayOrder(ignore bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreArrayOrder = ignore }
}

// WithIgnoredFields removes the named keys before comparison.
func WithIgnoredFields(fields ...string) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoredFields = append(o.IgnoredFields, fields...) }
}

// JSONAsserter compares JSON documents structurally and reports a gojsondiff
// rendering of the difference.
type JSONAsserter struct {
	t       assert.TestingT
	options JSONAssertOptions
}

// NewJSONAsserter creates an asserter with default options plus opts.
func NewJSONAsserter(t assert.TestingT, opts ...JSONOption) *JSONAsserter {
	ja := &JSONAsserter{t: t}
	defaults.SetDefaults(&ja.options)
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

// Options returns a copy of the current options.
func (ja *JSONAsserter) Options() JSONAssertOptions {
	return ja.options
}

// Assert fails the test when actualJSON does not match expectedJSON.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) bool {
	if h, ok := ja.t.(interface{ Helper() }); ok {
		h.Helper()
	}
	diff, err := ja.Diff(actualJSON, expectedJSON)
	if err != nil {
		return assert.Fail(ja.t, err.Error())
	}
	if diff != "" {
		return assert.Fail(ja.t, "JSON documents differ", diff)
	}
	return true
}

// AssertValue marshals v and compares it with expectedJSON.
func (ja *JSONAsserter) AssertValue(v any, expectedJSON string) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return assert.Fail(ja.t, fmt.Sprintf("cannot marshal actual value: %v", err))
	}
	return ja.Assert(string(data), expectedJSON)
}

// Diff returns an empty string when the documents match, or a rendering of the difference.
func (ja *JSONAsserter) Diff(actualJSON, expectedJSON string) (string, error) {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return "", fmt.Errorf("invalid expected JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return "", fmt.Errorf("invalid actual JSON: %w", err)
	}

	// gojsondiff compares objects only
	expected = map[string]any{"root": expected}
	actual = map[string]any{"root": actual}

	for _, f := range ja.options.IgnoredFields {
		dropKey(expected, f)
		dropKey(actual, f)
	}
	if ja.options.IgnoreArrayOrder {
		sortArrays(expected)
		sortArrays(actual)
	}
	fillPlaceholders(expected, actual)
	if ja.options.IgnoreExtraKeys {
		pruneUnexpected(actual, expected)
	}

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)

	diff, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return "", fmt.Errorf("JSON comparison failed: %w", err)
	}
	if !diff.Modified() {
		return "", nil
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	return f.Format(diff)
}

// fillPlaceholders replaces AnyValue in expected with the actual value at the same path.
func fillPlaceholders(expected, actual any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		for k, v := range exp {
			if s, ok := v.(string); ok && s == AnyValue {
				if av, present := act[k]; present {
					exp[k] = av
				}
				continue
			}
			fillPlaceholders(v, act[k])
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				fillPlaceholders(exp[i], act[i])
			}
		}
	}
}

// pruneUnexpected removes keys from actual objects that are absent in expected.
func pruneUnexpected(actual, expected any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		for k := range act {
			if _, keep := exp[k]; !keep {
				delete(act, k)
				continue
			}
			pruneUnexpected(act[k], exp[k])
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				pruneUnexpected(act[i], exp[i])
			}
		}
	}
}

func dropKey(doc any, key string) {
	switch v := doc.(type) {
	case map[string]any:
		delete(v, key)
		for _, child := range v {
			dropKey(child, key)
		}
	case []any:
		for _, child := range v {
			dropKey(child, key)
		}
	}
}

// sortArrays orders every array by the JSON encoding of its elements.
func sortArrays(doc any) {
	switch v := doc.(type) {
	case map[string]any:
		for _, child := range v {
			sortArrays(child)
		}
	case []any:
		for _, child := range v {
			sortArrays(child)
		}
		slices.SortFunc(v, func(a, b any) int {
			ka, _ := json.Marshal(a)
			kb, _ := json.Marshal(b)
			switch {
			case string(ka) < string(kb):
				return -1
			case string(ka) > string(kb):
				return 1
			}
			return 0
		})
	}
}
