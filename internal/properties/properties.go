// Package properties decides whether a dump comes from an expected source
// configuration.
//
// A dump carries a two-column global properties table (name, value). A
// configured subset of those names is extracted into a PropertySet and
// compared, as a whole, with the expected configuration. Acceptance requires
// exact equality: same names, same values. A missing, extra or different
// entry is a rejection, and the rejection carries the full observed set so
// it can be written next to the quarantined file.
package properties

import (
	"fmt"
	"sort"
	"strings"
)

// GlobalPropertiesTable is the dump table the validator reads.
const GlobalPropertiesTable = "global_properties"

// PropertySet maps property names to values.
type PropertySet map[string]string

// Keys returns the property names in sorted order.
func (s PropertySet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether s and other hold the same names with the same values.
func (s PropertySet) Equal(other PropertySet) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		ov, ok := other[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of s.
func (s PropertySet) Clone() PropertySet {
	out := make(PropertySet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// DefaultExpected is the compiled-in expected configuration.
func DefaultExpected() PropertySet {
	return PropertySet{
		"property_name_1": "expected_value_1",
		"property_name_2": "expected_value_2",
	}
}

// Extract projects rows of the global properties table onto the requested
// keys. Column 0 is the name, column 1 the value; rows with fewer than two
// columns are ignored. A duplicate name keeps the last value seen.
//
// A nil or empty rows slice yields an empty (non-nil) set.
func Extract(rows [][]string, keys []string) PropertySet {
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}

	out := make(PropertySet, len(keys))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		if _, ok := want[row[0]]; !ok {
			continue
		}
		out[row[0]] = row[1]
	}
	return out
}

// Rejection is returned by Validate when the observed set does not match.
// It is not a failure of the process; callers route it to quarantine.
type Rejection struct {
	Observed PropertySet
	Expected PropertySet
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("properties: rejected: %s", strings.Join(r.Mismatches(), "; "))
}

// Reason renders the observed set as "key: value" lines sorted by key. The
// output depends only on Observed, so validating the same set twice yields
// the same payload.
func (r *Rejection) Reason() string {
	var b strings.Builder
	for _, k := range r.Observed.Keys() {
		fmt.Fprintf(&b, "%s: %s\n", k, r.Observed[k])
	}
	return b.String()
}

// Mismatches lists the differing names for logs, sorted by name.
func (r *Rejection) Mismatches() []string {
	var out []string
	for _, k := range r.Expected.Keys() {
		got, ok := r.Observed[k]
		switch {
		case !ok:
			out = append(out, fmt.Sprintf("%s missing", k))
		case got != r.Expected[k]:
			out = append(out, fmt.Sprintf("%s=%q want %q", k, got, r.Expected[k]))
		}
	}
	for _, k := range r.Observed.Keys() {
		if _, ok := r.Expected[k]; !ok {
			out = append(out, fmt.Sprintf("%s unexpected", k))
		}
	}
	if len(out) == 0 {
		out = append(out, "no properties")
	}
	return out
}

// Validate returns nil when observed equals expected, otherwise a *Rejection
// holding a copy of observed.
func Validate(observed, expected PropertySet) error {
	if observed.Equal(expected) {
		return nil
	}
	return &Rejection{Observed: observed.Clone(), Expected: expected.Clone()}
}

// Check extracts the expected keys from the global properties rows and
// validates them in one step.
func Check(rows [][]string, expected PropertySet) (PropertySet, error) {
	observed := Extract(rows, expected.Keys())
	return observed, Validate(observed, expected)
}
