package history

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"gorm.io/gorm"
)

// HistoryQuery is a composable, read-only view over one shadow table.
// Narrowing methods return a modified copy; terminal methods hit the
// database. Default order is (history_date DESC, history_id DESC).
type HistoryQuery struct {
	reg *Registration
	db  *gorm.DB

	key       any
	hasKey    bool
	cutoff    *time.Time
	collapsed bool
}

// History starts a query over this model's shadow table.
func (r *Registration) History(db *gorm.DB) *HistoryQuery {
	return &HistoryQuery{reg: r, db: db}
}

// HistoryFor starts a query for a model's shadow table, failing with
// ErrNotRegistered when the model is not tracked.
func (p *Plugin) HistoryFor(db *gorm.DB, model any) (*HistoryQuery, error) {
	reg, err := p.registry.For(model)
	if err != nil {
		return nil, err
	}
	return reg.History(db), nil
}

// ForKey narrows the query to one original key.
func (q *HistoryQuery) ForKey(pk any) *HistoryQuery {
	out := *q
	out.key = pk
	out.hasKey = true
	return &out
}

// ForInstance narrows the query to the instance's original key.
func (q *HistoryQuery) ForInstance(ctx context.Context, model any) (*HistoryQuery, error) {
	rv := reflect.Indirect(reflect.ValueOf(model))
	pk, ok := q.reg.primaryKeyOf(ctx, rv)
	if !ok {
		return nil, fmt.Errorf("history: %s: %w", q.reg.schema.Table, ErrMissingPrimaryKey)
	}
	return q.ForKey(pk), nil
}

// Before narrows the query to snapshots taken at or before t.
func (q *HistoryQuery) Before(t time.Time) *HistoryQuery {
	out := *q
	cutoff := t
	out.cutoff = &cutoff
	return &out
}

// LatestOfEach collapses the query to the newest snapshot per original
// key, without reconstructing instances. Idempotent: collapsing an already
// collapsed query changes nothing.
func (q *HistoryQuery) LatestOfEach() *HistoryQuery {
	out := *q
	out.collapsed = true
	return &out
}

// Records executes the query and returns the matching shadow rows, newest
// first.
func (q *HistoryQuery) Records(ctx context.Context) ([]*Record, error) {
	var rows []map[string]any
	if err := q.build(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("history: query %s: %w", q.reg.shadow.Table, err)
	}
	out := make([]*Record, len(rows))
	for i, row := range rows {
		out[i] = &Record{reg: q.reg, row: row}
	}
	return out, nil
}

// Count executes the query and returns the number of matching rows.
func (q *HistoryQuery) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := q.build(ctx).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("history: count %s: %w", q.reg.shadow.Table, err)
	}
	return n, nil
}

// Instances executes the query and maps every row to a reconstructed
// tracked-model value. Safe to call on an already collapsed query; the
// mapping itself never double-transforms.
func (q *HistoryQuery) Instances(ctx context.Context) ([]any, error) {
	records, err := q.Records(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(records))
	for _, rec := range records {
		inst, err := rec.Instance(ctx, q.db)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// AsOf reconstructs the tracked-model state at instant t: for every
// distinct original key the newest snapshot taken at or before t, with
// keys whose newest qualifying snapshot is a tombstone excluded entirely.
func (q *HistoryQuery) AsOf(ctx context.Context, t time.Time) ([]any, error) {
	records, err := q.Before(t).LatestOfEach().Records(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(records))
	for _, rec := range records {
		if rec.HistoryType() == ChangeTypeDeleted {
			continue
		}
		inst, err := rec.Instance(ctx, q.db)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// AsOfInstance reconstructs one instance's state at instant t into dest,
// which must carry the original key. ErrNoHistory when the key had no
// snapshot yet at t, or when its newest qualifying snapshot is a
// tombstone.
func (q *HistoryQuery) AsOfInstance(ctx context.Context, t time.Time, dest any) error {
	narrowed, err := q.ForInstance(ctx, dest)
	if err != nil {
		return err
	}
	records, err := narrowed.Before(t).LatestOfEach().Records(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 || records[0].HistoryType() == ChangeTypeDeleted {
		return fmt.Errorf("history: %s key %v at %s: %w",
			q.reg.schema.Table, narrowed.key, t.Format(time.RFC3339), ErrNoHistory)
	}
	return records[0].loadInto(ctx, q.db, reflect.Indirect(reflect.ValueOf(dest)))
}

// MostRecent loads the newest snapshot's reconstruction into dest, which
// must carry the original key. ErrNoHistory when the chain is empty.
func (q *HistoryQuery) MostRecent(ctx context.Context, dest any) error {
	narrowed, err := q.ForInstance(ctx, dest)
	if err != nil {
		return err
	}
	records, err := narrowed.Records(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("history: %s key %v: %w", q.reg.schema.Table, narrowed.key, ErrNoHistory)
	}
	return records[0].loadInto(ctx, q.db, reflect.Indirect(reflect.ValueOf(dest)))
}

func (q *HistoryQuery) build(ctx context.Context) *gorm.DB {
	def := q.reg.shadow
	s := q.db.Session(&gorm.Session{NewDB: true, Context: ctx}).Table(def.Table)
	if q.hasKey {
		s = s.Where(quoteIdent(def.PKColumn)+" = ?", q.key)
	}
	if q.cutoff != nil {
		s = s.Where(quoteIdent(ColHistoryDate)+" <= ?", *q.cutoff)
	}
	if q.collapsed {
		sub, args := q.collapseSubquery()
		s = s.Where(quoteIdent(ColHistoryID)+" IN ("+sub+")", args...)
	}
	return s.Order(fmt.Sprintf("%s DESC, %s DESC", quoteIdent(ColHistoryDate), quoteIdent(ColHistoryID)))
}

// collapseSubquery ranks snapshots per original key by the chain order and
// keeps the newest; both supported dialects handle the window function.
func (q *HistoryQuery) collapseSubquery() (string, []any) {
	def := q.reg.shadow
	where := ""
	var args []any
	if q.hasKey {
		where = " WHERE " + quoteIdent(def.PKColumn) + " = ?"
		args = append(args, q.key)
	}
	if q.cutoff != nil {
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += quoteIdent(ColHistoryDate) + " <= ?"
		args = append(args, *q.cutoff)
	}
	sub := fmt.Sprintf(
		"SELECT %s FROM (SELECT %s, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s DESC, %s DESC) AS rn FROM %s%s) ranked WHERE rn = 1",
		quoteIdent(ColHistoryID),
		quoteIdent(ColHistoryID),
		quoteIdent(def.PKColumn),
		quoteIdent(ColHistoryDate), quoteIdent(ColHistoryID),
		quoteIdent(def.Table),
		where)
	return sub, args
}
