package history

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"gorm.io/gorm"
)

// BulkOption sets batch-level defaults for the bulk capture paths.
// Per-row provider overrides always beat them.
type BulkOption func(*writeDefaults)

// WithDefaultUser sets the acting user for every row of the batch.
func WithDefaultUser(userID any) BulkOption {
	return func(d *writeDefaults) { d.userID = userID }
}

// WithDefaultReason sets the change reason for every row of the batch.
func WithDefaultReason(reason string) BulkOption {
	return func(d *writeDefaults) { d.reason = reason }
}

// WithDefaultDate sets the snapshot timestamp for every row of the batch.
func WithDefaultDate(t time.Time) BulkOption {
	return func(d *writeDefaults) { d.date = t }
}

// BulkCreate inserts the rows and their "+" snapshots in one transaction.
// A failure in either aborts both. rows must be a slice (or pointer to a
// slice) of one tracked model type; generated primary keys are taken from
// the store's RETURNING support.
func (p *Plugin) BulkCreate(ctx context.Context, db *gorm.DB, rows any, opts ...BulkOption) error {
	return p.bulkWrite(ctx, db, rows, ChangeTypeCreated, opts...)
}

// BulkUpdate saves the already-modified rows and their "~" snapshots in one
// transaction. The change type is fixed to "changed" for the whole batch.
func (p *Plugin) BulkUpdate(ctx context.Context, db *gorm.DB, rows any, opts ...BulkOption) error {
	return p.bulkWrite(ctx, db, rows, ChangeTypeChanged, opts...)
}

func (p *Plugin) bulkWrite(ctx context.Context, db *gorm.DB, rows any, changeType string, opts ...BulkOption) error {
	elemType := sliceElemStructType(rows)
	if elemType == nil {
		return fmt.Errorf("history: bulk write needs a slice of tracked models, got %T", rows)
	}
	reg, ok := p.registry.forType(elemType)
	if !ok {
		return fmt.Errorf("history: %s: %w", elemType.Name(), ErrNotRegistered)
	}

	defaults := &writeDefaults{skipM2M: true}
	for _, opt := range opts {
		opt(defaults)
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		live := Skip(tx)
		switch changeType {
		case ChangeTypeCreated:
			if err := live.Create(rows).Error; err != nil {
				return err
			}
		default:
			sv := reflect.Indirect(reflect.ValueOf(rows))
			for i := 0; i < sv.Len(); i++ {
				elem := sv.Index(i)
				var target any
				switch {
				case elem.Kind() == reflect.Ptr:
					target = elem.Interface()
				case elem.CanAddr():
					target = elem.Addr().Interface()
				default:
					ptr := reflect.New(elem.Type())
					ptr.Elem().Set(elem)
					target = ptr.Interface()
				}
				if err := Skip(tx).Save(target).Error; err != nil {
					return err
				}
			}
		}
		if !p.enabled.Load() {
			return nil
		}
		return p.bulkSnapshots(ctx, tx, reg, rows, changeType, defaults)
	})
}

// bulkSnapshots builds the shadow rows for an already-persisted batch and
// inserts them row by row, so generated history ids come back through
// RETURNING and reach the after-write hooks like the single-row path.
func (p *Plugin) bulkSnapshots(ctx context.Context, tx *gorm.DB, reg *Registration, rows any, changeType string, defaults *writeDefaults) error {
	sv := reflect.Indirect(reflect.ValueOf(rows))
	if sv.Kind() != reflect.Slice {
		return fmt.Errorf("history: bulk snapshots need a slice, got %s", sv.Kind())
	}

	shadowRows := make([]map[string]any, 0, sv.Len())
	for i := 0; i < sv.Len(); i++ {
		elem := reflect.Indirect(sv.Index(i))
		if elem.Kind() != reflect.Struct {
			continue
		}
		row, _, err := p.buildRow(ctx, reg, elem, changeType, defaults)
		if err != nil {
			return err
		}
		ev := &RowEvent{Registration: reg, ChangeType: changeType, Row: row}
		if err := runHooks(ctx, p.beforeWrite, ev); err != nil {
			return err
		}
		shadowRows = append(shadowRows, row)
	}
	if len(shadowRows) == 0 {
		return nil
	}

	hdb := p.sessionFor(ctx, tx)
	for _, row := range shadowRows {
		id, err := insertShadowRow(hdb, reg.shadow, row)
		if err != nil {
			return fmt.Errorf("history: bulk insert snapshots into %s: %w", reg.shadow.Table, err)
		}
		row[ColHistoryID] = id
	}

	for _, row := range shadowRows {
		ev := &RowEvent{Registration: reg, ChangeType: changeType, Row: row, HistoryID: row[ColHistoryID]}
		if err := runHooks(ctx, p.afterWrite, ev); err != nil {
			return err
		}
	}
	return nil
}

func sliceElemStructType(rows any) reflect.Type {
	t := reflect.TypeOf(rows)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Slice {
		return nil
	}
	t = t.Elem()
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	return t
}

