package history

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"gorm.io/gorm"
)

// Populate snapshots every current live row of a tracked model as one
// "created" batch — the initial backfill for a model that gained tracking
// after it already had data. It refuses to run when the shadow table
// already holds rows for the model.
func (p *Plugin) Populate(ctx context.Context, db *gorm.DB, model any, batchSize int, opts ...BulkOption) (int, error) {
	reg, err := p.registry.For(model)
	if err != nil {
		return 0, err
	}
	if batchSize <= 0 {
		batchSize = 200
	}

	var existing int64
	if err := db.Session(&gorm.Session{NewDB: true, Context: ctx}).
		Table(reg.shadow.Table).Count(&existing).Error; err != nil {
		return 0, fmt.Errorf("history: count %s: %w", reg.shadow.Table, err)
	}
	if existing > 0 {
		return 0, fmt.Errorf("history: %s has %d rows: %w", reg.shadow.Table, existing, ErrExistingHistory)
	}

	defaults := &writeDefaults{skipM2M: true}
	for _, opt := range opts {
		opt(defaults)
	}

	total := 0
	slicePtr := reflect.New(reflect.SliceOf(reflect.PtrTo(reg.modelType)))
	res := db.Session(&gorm.Session{NewDB: true, Context: ctx}).
		FindInBatches(slicePtr.Interface(), batchSize, func(tx *gorm.DB, _ int) error {
			batch := slicePtr.Elem()
			if len(reg.shadow.M2M) > 0 {
				// Join membership only travels through the single-row path.
				for i := 0; i < batch.Len(); i++ {
					elem := reflect.Indirect(batch.Index(i))
					single := *defaults
					single.skipM2M = false
					if _, err := p.writeSnapshot(ctx, p.sessionFor(ctx, tx), reg, elem, ChangeTypeCreated, &single); err != nil {
						return err
					}
				}
			} else {
				if err := p.bulkSnapshots(ctx, tx, reg, slicePtr.Interface(), ChangeTypeCreated, defaults); err != nil {
					return err
				}
			}
			total += batch.Len()
			return nil
		})
	if res.Error != nil {
		return total, fmt.Errorf("history: populate %s: %w", reg.shadow.Table, res.Error)
	}
	p.log.Info("populated initial history", "table", reg.shadow.Table, "rows", total)
	return total, nil
}

// Purge deletes shadow rows (and their join shadows) older than the
// cutoff. Returns the number of deleted shadow rows.
func (p *Plugin) Purge(ctx context.Context, db *gorm.DB, model any, olderThan time.Time) (int64, error) {
	reg, err := p.registry.For(model)
	if err != nil {
		return 0, err
	}
	def := reg.shadow

	for _, m2m := range def.M2M {
		sub := fmt.Sprintf("DELETE FROM %s WHERE %s IN (SELECT %s FROM %s WHERE %s < ?)",
			quoteIdent(m2m.Table), quoteIdent(ColHistoryID),
			quoteIdent(ColHistoryID), quoteIdent(def.Table), quoteIdent(ColHistoryDate))
		if err := db.WithContext(ctx).Exec(sub, olderThan).Error; err != nil {
			return 0, fmt.Errorf("history: purge join shadows %s: %w", m2m.Table, err)
		}
	}

	res := db.WithContext(ctx).Exec(fmt.Sprintf("DELETE FROM %s WHERE %s < ?",
		quoteIdent(def.Table), quoteIdent(ColHistoryDate)), olderThan)
	if res.Error != nil {
		return 0, fmt.Errorf("history: purge %s: %w", def.Table, res.Error)
	}
	p.log.Info("purged history", "table", def.Table, "rows", res.RowsAffected, "older_than", olderThan)
	return res.RowsAffected, nil
}

// DedupeHistory removes consecutive snapshots within each key's chain
// whose tracked field values did not change — the cleanup for chains
// polluted by no-op saves. Returns the number of deleted rows.
func (p *Plugin) DedupeHistory(ctx context.Context, db *gorm.DB, model any) (int64, error) {
	reg, err := p.registry.For(model)
	if err != nil {
		return 0, err
	}
	def := reg.shadow

	var rows []map[string]any
	err = db.Session(&gorm.Session{NewDB: true, Context: ctx}).
		Table(def.Table).
		Order(fmt.Sprintf("%s, %s ASC, %s ASC",
			quoteIdent(def.PKColumn), quoteIdent(ColHistoryDate), quoteIdent(ColHistoryID))).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("history: scan %s: %w", def.Table, err)
	}

	var duplicates []any
	var prev map[string]any
	for _, row := range rows {
		if prev != nil && valuesEqual(prev[def.PKColumn], row[def.PKColumn]) && sameTrackedValues(def, prev, row) {
			duplicates = append(duplicates, row[ColHistoryID])
		} else {
			prev = row
		}
	}
	if len(duplicates) == 0 {
		return 0, nil
	}

	for _, m2m := range def.M2M {
		if err := db.WithContext(ctx).Exec(fmt.Sprintf("DELETE FROM %s WHERE %s IN ?",
			quoteIdent(m2m.Table), quoteIdent(ColHistoryID)), duplicates).Error; err != nil {
			return 0, fmt.Errorf("history: dedupe join shadows %s: %w", m2m.Table, err)
		}
	}
	res := db.WithContext(ctx).Exec(fmt.Sprintf("DELETE FROM %s WHERE %s IN ?",
		quoteIdent(def.Table), quoteIdent(ColHistoryID)), duplicates)
	if res.Error != nil {
		return 0, fmt.Errorf("history: dedupe %s: %w", def.Table, res.Error)
	}
	p.log.Info("deduplicated history", "table", def.Table, "rows", res.RowsAffected)
	return res.RowsAffected, nil
}

func sameTrackedValues(def *ShadowDef, a, b map[string]any) bool {
	for _, f := range def.Fields {
		if !valuesEqual(a[f.Column], b[f.Column]) {
			return false
		}
	}
	return true
}
