// Package conflict performs field-level three-way comparison of artifact payloads.
//
// A draft was copied from some base version. By the time it is promoted the
// production baseline may have moved on. A field conflicts when both the draft
// and the current baseline changed it relative to the base and the two results
// differ. Nested objects are compared per key and reported as dotted paths;
// arrays and scalars are compared as whole values.
package conflict

import (
	"reflect"
	"sort"
	"strings"
)

// Snapshot is one side of the comparison: a numbered version and its decoded payload.
// Number is 0 for "no version" (a draft of a brand new artifact has no base).
type Snapshot struct {
	Number  int
	Payload map[string]any
}

type FieldConflict struct {
	Field          string `json:"field"`
	BaseValue      any    `json:"base_value"`
	DraftValue     any    `json:"draft_value"`
	CurrentValue   any    `json:"current_value"`
	Severity       string `json:"severity"`
	AutoResolvable bool   `json:"auto_resolvable"`
}

type Result struct {
	HasConflict       bool            `json:"has_conflict"`
	BasedOnVersion    int             `json:"based_on_version"`
	CurrentVersion    int             `json:"current_version"`
	ConflictingFields []string        `json:"conflicting_fields"`
	Details           []FieldConflict `json:"details"`
}

// Classifier supplies severity and auto-resolvability for a dotted field path.
type Classifier interface {
	Severity(field string) string
	AutoResolvable(field string) bool
}

type Detector struct {
	Classifier Classifier
}

// Detect compares draft and current against base. When the draft is already
// based on the current version nothing can conflict and the comparison is skipped.
func (d Detector) Detect(base, draft, current Snapshot, draftBasedOn int) Result {
	res := Result{
		BasedOnVersion:    draftBasedOn,
		CurrentVersion:    current.Number,
		ConflictingFields: []string{},
		Details:           []FieldConflict{},
	}
	if draftBasedOn == current.Number {
		return res
	}
	walk(base.Payload, draft.Payload, current.Payload, nil, func(segs []string, b, dr, cur value) {
		if !changed(b, dr) || !changed(b, cur) || equal(dr, cur) {
			return
		}
		path := fieldName(segs)
		fc := FieldConflict{
			Field:        path,
			BaseValue:    b.v,
			DraftValue:   dr.v,
			CurrentValue: cur.v,
			Severity:     "medium",
		}
		if d.Classifier != nil {
			fc.Severity = d.Classifier.Severity(path)
			fc.AutoResolvable = d.Classifier.AutoResolvable(path)
		}
		res.ConflictingFields = append(res.ConflictingFields, path)
		res.Details = append(res.Details, fc)
	})
	sort.Strings(res.ConflictingFields)
	sort.Slice(res.Details, func(i, j int) bool { return res.Details[i].Field < res.Details[j].Field })
	res.HasConflict = len(res.ConflictingFields) > 0
	return res
}

// Prefer picks the winner for fields both sides changed differently.
type Prefer int

const (
	PreferNone Prefer = iota
	PreferDraft
	PreferCurrent
)

// Merge applies the draft's own changes on top of current. Fields only current
// changed keep current's value. Overlapping changes are resolved by prefer;
// with PreferNone they keep current's value and callers are expected to have
// rejected the merge via Detect first.
func Merge(base, draft, current map[string]any, prefer Prefer) map[string]any {
	out := deepCopy(current)
	if out == nil {
		out = map[string]any{}
	}
	walk(base, draft, current, nil, func(segs []string, b, dr, cur value) {
		draftChanged := changed(b, dr)
		currentChanged := changed(b, cur)
		take := false
		switch {
		case draftChanged && !currentChanged:
			take = true
		case draftChanged && currentChanged && !equal(dr, cur):
			take = prefer == PreferDraft
		}
		if !take {
			return
		}
		if dr.ok {
			setPath(out, segs, deepCopyValue(dr.v))
		} else {
			deletePath(out, segs)
		}
	})
	return out
}

// ChangedFields lists the dotted paths that differ between before and after.
func ChangedFields(before, after map[string]any) []string {
	fields := []string{}
	walk(before, after, after, nil, func(segs []string, b, a, _ value) {
		if changed(b, a) {
			fields = append(fields, fieldName(segs))
		}
	})
	sort.Strings(fields)
	return fields
}

type value struct {
	v  any
	ok bool
}

func (v value) object() (map[string]any, bool) {
	m, ok := v.v.(map[string]any)
	return m, ok && v.ok
}

func changed(a, b value) bool {
	return !equal(a, b)
}

func equal(a, b value) bool {
	if a.ok != b.ok {
		return false
	}
	return reflect.DeepEqual(a.v, b.v)
}

// fieldName joins path segments for display. Keys may themselves contain
// dots, so paths are only ever navigated by segment.
func fieldName(segs []string) string {
	return strings.Join(segs, ".")
}

// walk visits every leaf path present in any of the three objects. A key
// recurses when every side that has it holds an object; otherwise it is a leaf.
func walk(base, draft, current map[string]any, prefix []string, visit func(segs []string, b, d, c value)) {
	keys := map[string]struct{}{}
	for _, m := range []map[string]any{base, draft, current} {
		for k := range m {
			keys[k] = struct{}{}
		}
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)
	for _, k := range ordered {
		b, d, c := lookup(base, k), lookup(draft, k), lookup(current, k)
		path := append(prefix[:len(prefix):len(prefix)], k)
		if bo, do, co, ok := objects(b, d, c); ok {
			walk(bo, do, co, path, visit)
			continue
		}
		visit(path, b, d, c)
	}
}

func objects(vals ...value) (map[string]any, map[string]any, map[string]any, bool) {
	out := make([]map[string]any, len(vals))
	present := 0
	for i, v := range vals {
		if !v.ok {
			continue
		}
		m, ok := v.object()
		if !ok {
			return nil, nil, nil, false
		}
		out[i] = m
		present++
	}
	if present < 2 {
		return nil, nil, nil, false
	}
	return out[0], out[1], out[2], true
}

func lookup(m map[string]any, k string) value {
	if m == nil {
		return value{}
	}
	v, ok := m[k]
	return value{v: v, ok: ok}
}

func setPath(m map[string]any, parts []string, v any) {
	cur := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func deletePath(m map[string]any, parts []string) {
	cur := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

func deepCopy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = deepCopyValue(t[i])
		}
		return out
	default:
		return v
	}
}
