package history

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Change is one field-level difference between two snapshots.
type Change struct {
	Field string
	Old   any
	New   any
}

// Delta is the structured comparison of two snapshots of one historical
// model. Only fields whose values actually differ appear.
type Delta struct {
	Old *Record
	New *Record

	Changes       []Change
	ChangedFields []string
}

type diffOptions struct {
	excluded map[string]struct{}
	included map[string]struct{}
}

// DiffOption adjusts the compared field set.
type DiffOption func(*diffOptions)

// WithDiffExcluded removes fields from the comparison.
func WithDiffExcluded(fields ...string) DiffOption {
	return func(o *diffOptions) {
		for _, f := range fields {
			o.excluded[f] = struct{}{}
		}
	}
}

// WithDiffIncluded restricts the comparison to exactly these fields.
func WithDiffIncluded(fields ...string) DiffOption {
	return func(o *diffOptions) {
		if o.included == nil {
			o.included = map[string]struct{}{}
		}
		for _, f := range fields {
			o.included[f] = struct{}{}
		}
	}
}

// DiffAgainst compares this snapshot (the "new" side) against an older
// snapshot of the same historical model. The default field set is every
// tracked scalar field minus exclusions; many2many fields are compared
// separately as ordered member lists. Comparing snapshots of different
// historical models is a type error.
func (r *Record) DiffAgainst(ctx context.Context, db *gorm.DB, old *Record, opts ...DiffOption) (*Delta, error) {
	if old == nil || old.reg != r.reg {
		return nil, fmt.Errorf("history: %s: %w", r.reg.schema.Table, ErrMismatchedModels)
	}

	o := diffOptions{excluded: map[string]struct{}{}}
	for _, opt := range opts {
		opt(&o)
	}
	selected := func(field string) bool {
		if _, skip := o.excluded[field]; skip {
			return false
		}
		if o.included != nil {
			_, ok := o.included[field]
			return ok
		}
		return true
	}

	delta := &Delta{Old: old, New: r}

	for i, f := range r.reg.includedFields {
		if !selected(f.Name) {
			continue
		}
		col := r.reg.shadow.Fields[i].Column
		oldV, newV := old.row[col], r.row[col]
		if !valuesEqual(oldV, newV) {
			delta.Changes = append(delta.Changes, Change{Field: f.Name, Old: oldV, New: newV})
			delta.ChangedFields = append(delta.ChangedFields, f.Name)
		}
	}

	for _, m2m := range r.reg.shadow.M2M {
		if !selected(m2m.FieldName) {
			continue
		}
		oldMembers, err := m2m.members(ctx, db, old.HistoryID())
		if err != nil {
			return nil, err
		}
		newMembers, err := m2m.members(ctx, db, r.HistoryID())
		if err != nil {
			return nil, err
		}
		if !memberListsEqual(oldMembers, newMembers) {
			delta.Changes = append(delta.Changes, Change{Field: m2m.FieldName, Old: oldMembers, New: newMembers})
			delta.ChangedFields = append(delta.ChangedFields, m2m.FieldName)
		}
	}
	return delta, nil
}

// members loads the membership list snapshotted with one shadow row,
// stripped of the owning-snapshot and owner-row references so only the
// membership itself is compared.
func (d *M2MShadowDef) members(ctx context.Context, db *gorm.DB, historyID any) ([]map[string]any, error) {
	cols := d.diffColumns()

	var rows []map[string]any
	err := db.Session(&gorm.Session{NewDB: true, Context: ctx}).
		Table(d.Table).
		Select(cols).
		Where(quoteIdent(ColHistoryID)+" = ?", historyID).
		Order(strings.Join(cols, ", ")).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history: read join shadow %s: %w", d.Table, err)
	}
	return rows, nil
}

// diffColumns is memberColumns minus the owner-row reference.
func (d *M2MShadowDef) diffColumns() []string {
	var out []string
	for _, c := range d.memberColumns() {
		if c == d.OwnerColumn {
			continue
		}
		out = append(out, c)
	}
	return out
}

func memberListsEqual(a, b []map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for k, av := range a[i] {
			if !valuesEqual(av, b[i][k]) {
				return false
			}
		}
	}
	return true
}

// valuesEqual compares two stored column values, tolerating the width and
// representation drift between driver scans.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(normalizeValue(a), normalizeValue(b))
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	case float64:
		return t
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	default:
		return v
	}
}
