package state

// FieldChange records one tracked field that differs between snapshots.
type FieldChange struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// ChangedEntry holds the per-ref deltas for an element present in both
// snapshots, keyed by field name. Only differing fields appear.
type ChangedEntry struct {
	Ref    string                 `json:"ref"`
	Fields map[string]FieldChange `json:"fields"`
}

// StateDiff is the structural difference between two snapshots. Matching
// is ref-based only; no label or identity heuristic is applied.
type StateDiff struct {
	Added   []InteractiveElement `json:"added,omitempty"`
	Removed []InteractiveElement `json:"removed,omitempty"`
	Changed []ChangedEntry       `json:"changed,omitempty"`
}

// Empty reports whether the diff contains no additions, removals or
// changes.
func (d StateDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Diff compares two snapshots by ref. A ref present only in curr is
// added, only in prev is removed; refs in both are compared over the
// fixed tracked-field set (label, disabled, visible, valuePresent, text,
// href) and emit a changed entry iff at least one field differs.
func Diff(prev, curr *CompactState) StateDiff {
	var out StateDiff
	prevByRef := prev.ByRef()
	currByRef := curr.ByRef()

	for _, el := range curr.Interactive {
		before, ok := prevByRef[el.Ref]
		if !ok {
			out.Added = append(out.Added, el)
			continue
		}
		if fields := trackedFieldDelta(before, el); len(fields) > 0 {
			out.Changed = append(out.Changed, ChangedEntry{Ref: el.Ref, Fields: fields})
		}
	}
	for _, el := range prev.Interactive {
		if _, ok := currByRef[el.Ref]; !ok {
			out.Removed = append(out.Removed, el)
		}
	}
	return out
}

func trackedFieldDelta(before, after InteractiveElement) map[string]FieldChange {
	fields := make(map[string]FieldChange)
	if before.Label != after.Label {
		fields["label"] = FieldChange{Before: before.Label, After: after.Label}
	}
	if before.Disabled != after.Disabled {
		fields["disabled"] = FieldChange{Before: before.Disabled, After: after.Disabled}
	}
	if before.Visible != after.Visible {
		fields["visible"] = FieldChange{Before: before.Visible, After: after.Visible}
	}
	if before.ValuePresent != after.ValuePresent {
		fields["valuePresent"] = FieldChange{Before: before.ValuePresent, After: after.ValuePresent}
	}
	if before.Text != after.Text {
		fields["text"] = FieldChange{Before: before.Text, After: after.Text}
	}
	if before.Href != after.Href {
		fields["href"] = FieldChange{Before: before.Href, After: after.Href}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}
