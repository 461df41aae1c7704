package history

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"gorm.io/gorm"
)

// Record is one shadow row: a snapshot of a tracked instance plus
// bookkeeping metadata. Immutable once written, except for the change
// reason.
type Record struct {
	reg *Registration
	row map[string]any
}

// Registration returns the historical model this record belongs to.
func (r *Record) Registration() *Registration { return r.reg }

// Value returns the raw stored value of one shadow column.
func (r *Record) Value(column string) any { return r.row[column] }

func (r *Record) HistoryID() any { return r.row[ColHistoryID] }

func (r *Record) HistoryType() string {
	s, _ := r.row[ColHistoryType].(string)
	return s
}

func (r *Record) HistoryUserID() any { return r.row[ColHistoryUser] }

func (r *Record) ChangeReason() string {
	s, _ := r.row[ColHistoryReason].(string)
	return s
}

// OriginalKey returns the tracked row's primary key at snapshot time.
func (r *Record) OriginalKey() any { return r.row[r.reg.shadow.PKColumn] }

func (r *Record) HistoryDate() time.Time {
	return coerceTime(r.row[ColHistoryDate])
}

// UpdateChangeReason annotates the snapshot after the fact. The only
// mutation a shadow row supports.
func (r *Record) UpdateChangeReason(ctx context.Context, db *gorm.DB, reason string) error {
	sql := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?",
		quoteIdent(r.reg.shadow.Table), quoteIdent(ColHistoryReason), quoteIdent(ColHistoryID))
	if err := db.WithContext(ctx).Exec(sql, reason, r.HistoryID()).Error; err != nil {
		return fmt.Errorf("history: update change reason: %w", err)
	}
	r.row[ColHistoryReason] = reason
	return nil
}

// RevertURL builds the edit-this-version link for admin surfaces.
func (r *Record) RevertURL(base string) string {
	return fmt.Sprintf("%s/%s/%v/", base, r.reg.shadow.Table, r.HistoryID())
}

// Instance reconstructs a tracked-model value from this snapshot's field
// values. Fields excluded from tracking are backfilled from the live row
// when it still exists; when it does not, they are silently left at their
// zero value.
func (r *Record) Instance(ctx context.Context, db *gorm.DB) (any, error) {
	rv := r.reg.newModel()
	if err := r.loadInto(ctx, db, rv.Elem()); err != nil {
		return nil, err
	}
	return rv.Interface(), nil
}

func (r *Record) loadInto(ctx context.Context, db *gorm.DB, rv reflect.Value) error {
	reg := r.reg
	for i, f := range reg.includedFields {
		v := r.row[reg.shadow.Fields[i].Column]
		if v == nil {
			continue
		}
		if err := f.Set(ctx, rv, v); err != nil {
			return fmt.Errorf("history: set %s.%s from snapshot: %w", reg.schema.Table, f.Name, err)
		}
	}
	if len(reg.excludedFields) == 0 {
		return nil
	}

	cols := make([]string, 0, len(reg.excludedFields))
	for _, f := range reg.excludedFields {
		cols = append(cols, f.DBName)
	}
	live := map[string]any{}
	err := db.Session(&gorm.Session{NewDB: true, Context: ctx}).
		Table(reg.schema.Table).
		Select(cols).
		Where(quoteIdent(reg.shadow.PKColumn)+" = ?", r.OriginalKey()).
		Take(&live).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil // live row is gone; excluded fields stay zero
	}
	if err != nil {
		return fmt.Errorf("history: backfill excluded fields for %s: %w", reg.schema.Table, err)
	}
	for _, f := range reg.excludedFields {
		if v, ok := live[f.DBName]; ok && v != nil {
			if err := f.Set(ctx, rv, v); err != nil {
				return fmt.Errorf("history: backfill %s.%s: %w", reg.schema.Table, f.Name, err)
			}
		}
	}
	return nil
}

// M2MMembers returns the membership list snapshotted with this record for
// one tracked many2many field.
func (r *Record) M2MMembers(ctx context.Context, db *gorm.DB, field string) ([]map[string]any, error) {
	def, err := r.reg.m2mDef(field)
	if err != nil {
		return nil, err
	}
	return def.members(ctx, db, r.HistoryID())
}

// Prev returns the strictly adjacent older snapshot for the same original
// key, or nil at the start of the chain.
func (r *Record) Prev(ctx context.Context, db *gorm.DB) (*Record, error) {
	return r.adjacent(ctx, db, false)
}

// Next returns the strictly adjacent newer snapshot for the same original
// key, or nil at the end of the chain.
func (r *Record) Next(ctx context.Context, db *gorm.DB) (*Record, error) {
	return r.adjacent(ctx, db, true)
}

func (r *Record) adjacent(ctx context.Context, db *gorm.DB, forward bool) (*Record, error) {
	def := r.reg.shadow
	date := r.row[ColHistoryDate]
	id := r.HistoryID()

	cmp, order := "<", "DESC"
	if forward {
		cmp, order = ">", "ASC"
	}
	cond := fmt.Sprintf("%s %s ? OR (%s = ? AND %s %s ?)",
		quoteIdent(ColHistoryDate), cmp,
		quoteIdent(ColHistoryDate), quoteIdent(ColHistoryID), cmp)

	var rows []map[string]any
	err := db.Session(&gorm.Session{NewDB: true, Context: ctx}).
		Table(def.Table).
		Where(quoteIdent(def.PKColumn)+" = ?", r.OriginalKey()).
		Where(cond, date, date, id).
		Order(fmt.Sprintf("%s %s, %s %s", quoteIdent(ColHistoryDate), order, quoteIdent(ColHistoryID), order)).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history: adjacent snapshot lookup: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &Record{reg: r.reg, row: rows[0]}, nil
}

// coerceTime tolerates the time representations the supported drivers hand
// back for timestamp columns.
func coerceTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case *time.Time:
		if t != nil {
			return *t
		}
	case string:
		for _, layout := range []string{
			time.RFC3339Nano,
			"2006-01-02 15:04:05.999999999-07:00",
			"2006-01-02 15:04:05.999999999",
			"2006-01-02 15:04:05",
		} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	}
	return time.Time{}
}
