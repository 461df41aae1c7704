package history

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/yungbote/gormhistory/logger"
)

// Plugin is the snapshot capture engine. Installed with db.Use, it reacts
// to create/update/delete statements on tracked models and writes one
// shadow row per affected instance, inside the same transaction as the
// live write.
type Plugin struct {
	registry *Registry
	log      *logger.Logger
	enabled  atomic.Bool

	// historyDB, when set, receives the shadow writes instead of the
	// transaction performing the live write.
	historyDB *gorm.DB

	clock          func() time.Time
	userResolver   func(ctx context.Context) any
	reasonResolver func(ctx context.Context) string

	beforeWrite []Hook
	afterWrite  []Hook
	beforeM2M   []Hook
	afterM2M    []Hook

	tracer trace.Tracer
}

func New(registry *Registry, baseLog *logger.Logger, opts ...Option) *Plugin {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	p := &Plugin{
		registry: registry,
		log:      baseLog.With("component", "HistoryPlugin"),
		clock:    func() time.Time { return time.Now().UTC() },
		tracer:   otel.Tracer("gormhistory"),
	}
	p.enabled.Store(true)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Plugin) Name() string { return "gormhistory" }

// Initialize registers the lifecycle callbacks. Called by db.Use.
//
// The Before constraint pins the capture inside the statement's own
// transaction: an After-only callback is sorted behind
// gorm:commit_or_rollback_transaction, where the live row is already
// committed and a snapshot failure can no longer abort it.
func (p *Plugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Create().After("gorm:create").
		Before("gorm:commit_or_rollback_transaction").
		Register("gormhistory:after_create", p.callbackFor(ChangeTypeCreated)); err != nil {
		return err
	}
	if err := db.Callback().Update().After("gorm:update").
		Before("gorm:commit_or_rollback_transaction").
		Register("gormhistory:after_update", p.callbackFor(ChangeTypeChanged)); err != nil {
		return err
	}
	if err := db.Callback().Delete().After("gorm:delete").
		Before("gorm:commit_or_rollback_transaction").
		Register("gormhistory:after_delete", p.callbackFor(ChangeTypeDeleted)); err != nil {
		return err
	}
	return nil
}

// Registry exposes the tracked-model registry.
func (p *Plugin) Registry() *Registry { return p.registry }

// SetEnabled flips the global kill switch at runtime.
func (p *Plugin) SetEnabled(enabled bool) { p.enabled.Store(enabled) }

// Enabled reports the kill switch state.
func (p *Plugin) Enabled() bool { return p.enabled.Load() }

func (p *Plugin) callbackFor(changeType string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		// Kill switch first, before any other logic.
		if !p.enabled.Load() {
			return
		}
		if db.Error != nil {
			return
		}
		stmt := db.Statement
		if stmt == nil || stmt.Schema == nil {
			return
		}
		// Raw saves (deserialization, fixtures) never produce a snapshot.
		if stmt.SkipHooks {
			return
		}
		reg, tracked := p.registry.ForTable(stmt.Schema.Table)
		if !tracked {
			return
		}
		if v, ok := db.Get(skipSetting); ok {
			if b, _ := v.(bool); b {
				// Consume the flag so it cannot leak into later saves on
				// the same session.
				stmt.Settings.Delete(skipSetting)
				return
			}
		}
		if changeType != ChangeTypeCreated && db.RowsAffected == 0 {
			return
		}

		ctx := stmt.Context
		tx := p.sessionFor(ctx, db)

		capture := func(rv reflect.Value) error {
			pk, ok := reg.primaryKeyOf(ctx, rv)
			if !ok {
				// Statement-level updates without a loaded instance carry
				// no key and are not captured.
				return nil
			}
			if changeType == ChangeTypeDeleted && reg.opts.cascadeDelete {
				return p.deleteChain(ctx, tx, reg, pk)
			}
			_, err := p.writeSnapshot(ctx, tx, reg, rv, changeType, nil)
			return err
		}

		rv := stmt.ReflectValue
		var err error
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			for i := 0; i < rv.Len(); i++ {
				elem := reflect.Indirect(rv.Index(i))
				if elem.Kind() != reflect.Struct {
					continue
				}
				if err = capture(elem); err != nil {
					break
				}
			}
		case reflect.Struct:
			err = capture(rv)
		}
		if err != nil {
			p.log.Error("snapshot capture failed",
				"table", stmt.Schema.Table, "change_type", changeType, "error", err)
			_ = db.AddError(err)
		}
	}
}

// SnapshotChange writes an explicit "changed" snapshot for a tracked
// instance, including the current many2many membership. Use it after
// association mutations (add/remove/clear), which do not flow through the
// model lifecycle callbacks.
func (p *Plugin) SnapshotChange(ctx context.Context, db *gorm.DB, model any) error {
	// Kill switch first, matching the callback path.
	if !p.enabled.Load() {
		return nil
	}
	reg, err := p.registry.For(model)
	if err != nil {
		return err
	}
	rv := reflect.Indirect(reflect.ValueOf(model))
	tx := p.sessionFor(ctx, db)
	_, err = p.writeSnapshot(ctx, tx, reg, rv, ChangeTypeChanged, nil)
	return err
}

// writeDefaults carries bulk-path batch defaults; per-row providers beat
// them.
type writeDefaults struct {
	userID any
	reason string
	date   time.Time
	// skipM2M suppresses the join-table snapshot, used by the bulk paths.
	skipM2M bool
}

// writeSnapshot builds and persists one shadow row, running hooks and the
// m2m batch copy around the insert.
func (p *Plugin) writeSnapshot(ctx context.Context, tx *gorm.DB, reg *Registration, rv reflect.Value, changeType string, defaults *writeDefaults) (any, error) {
	ctx, span := p.tracer.Start(ctx, "gormhistory.capture", trace.WithAttributes(
		attribute.String("history.table", reg.shadow.Table),
		attribute.String("history.change_type", changeType)))
	defer span.End()

	row, pk, err := p.buildRow(ctx, reg, rv, changeType, defaults)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	ev := &RowEvent{Registration: reg, ChangeType: changeType, Row: row}
	if err := runHooks(ctx, p.beforeWrite, ev); err != nil {
		span.RecordError(err)
		return nil, err
	}

	historyID, err := insertShadowRow(tx, reg.shadow, row)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("history: insert snapshot for %s: %w", reg.schema.Table, err)
	}
	ev.HistoryID = historyID

	if defaults == nil || !defaults.skipM2M {
		if err := p.copyM2M(ctx, tx, reg, pk, historyID); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	if err := runHooks(ctx, p.afterWrite, ev); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return historyID, nil
}

// buildRow projects the live instance plus resolved metadata into shadow
// column values.
func (p *Plugin) buildRow(ctx context.Context, reg *Registration, rv reflect.Value, changeType string, defaults *writeDefaults) (map[string]any, any, error) {
	row := make(map[string]any, len(reg.shadow.Fields)+len(reg.shadow.Bookkeeping))

	for i, f := range reg.includedFields {
		v, _ := f.ValueOf(ctx, rv)
		row[reg.shadow.Fields[i].Column] = v
	}

	pk, ok := reg.primaryKeyOf(ctx, rv)
	if !ok {
		return nil, nil, fmt.Errorf("history: %s: %w", reg.schema.Table, ErrMissingPrimaryKey)
	}

	instance := providerOf(rv)

	date := p.clock()
	if t, ok := SnapshotTimeFromContext(ctx); ok {
		date = t
	}
	if defaults != nil && !defaults.date.IsZero() {
		date = defaults.date
	}
	if dp, ok := instance.(DateProvider); ok {
		if t := dp.HistoryDate(); !t.IsZero() {
			date = t
		}
	}

	userID := p.resolveUser(ctx, instance, defaults)
	reason := p.resolveReason(ctx, instance, defaults)

	row[ColHistoryDate] = date
	row[ColHistoryType] = changeType
	if userID != nil {
		if reg.opts.userTable != "" {
			row[ColHistoryUser] = userID
		} else {
			row[ColHistoryUser] = userIDString(userID)
		}
	} else {
		row[ColHistoryUser] = nil
	}
	if reason != "" {
		row[ColHistoryReason] = reason
	} else {
		row[ColHistoryReason] = nil
	}
	if reg.shadow.RelatedColumn != "" {
		row[reg.shadow.RelatedColumn] = pk
	}
	return row, pk, nil
}

func (p *Plugin) resolveUser(ctx context.Context, instance any, defaults *writeDefaults) any {
	if up, ok := instance.(UserIDProvider); ok {
		if v := up.HistoryUserID(); v != nil {
			return v
		}
	}
	if v, ok := ActorFromContext(ctx); ok {
		return v
	}
	if defaults != nil && defaults.userID != nil {
		return defaults.userID
	}
	if p.userResolver != nil {
		return p.userResolver(ctx)
	}
	return nil
}

func (p *Plugin) resolveReason(ctx context.Context, instance any, defaults *writeDefaults) string {
	if rp, ok := instance.(ReasonProvider); ok {
		if r := rp.HistoryChangeReason(); r != "" {
			return r
		}
	}
	if r, ok := ReasonFromContext(ctx); ok {
		return r
	}
	if defaults != nil && defaults.reason != "" {
		return defaults.reason
	}
	if p.reasonResolver != nil {
		return p.reasonResolver(ctx)
	}
	return ""
}

// copyM2M snapshots the current membership of every tracked many2many
// field into shadow join rows referencing the owning snapshot.
func (p *Plugin) copyM2M(ctx context.Context, tx *gorm.DB, reg *Registration, pk any, historyID any) error {
	for _, def := range reg.shadow.M2M {
		memberCols := def.memberColumns()

		var members []map[string]any
		err := tx.
			Table(def.JoinTable).
			Where(def.OwnerColumn+" = ?", pk).
			Order(strings.Join(memberCols, ", ")).
			Find(&members).Error
		if err != nil {
			return fmt.Errorf("history: read join table %s: %w", def.JoinTable, err)
		}
		if len(members) == 0 {
			continue
		}

		rows := make([]map[string]any, 0, len(members))
		for _, m := range members {
			row := make(map[string]any, len(memberCols)+1)
			row[ColHistoryID] = historyID
			for _, col := range memberCols {
				row[col] = m[col]
			}
			rows = append(rows, row)
		}

		ev := &RowEvent{Registration: reg, HistoryID: historyID, M2MRows: rows}
		if err := runHooks(ctx, p.beforeM2M, ev); err != nil {
			return err
		}
		if err := tx.Table(def.Table).Create(&rows).Error; err != nil {
			return fmt.Errorf("history: insert join snapshots into %s: %w", def.Table, err)
		}
		if err := runHooks(ctx, p.afterM2M, ev); err != nil {
			return err
		}
	}
	return nil
}

// deleteChain removes every shadow row (and its join shadows) for one
// original key. The cascade-delete-history alternative to tombstones.
func (p *Plugin) deleteChain(ctx context.Context, tx *gorm.DB, reg *Registration, pk any) error {
	def := reg.shadow
	for _, m2m := range def.M2M {
		sub := fmt.Sprintf("DELETE FROM %s WHERE %s IN (SELECT %s FROM %s WHERE %s = ?)",
			quoteIdent(m2m.Table), quoteIdent(ColHistoryID),
			quoteIdent(ColHistoryID), quoteIdent(def.Table), quoteIdent(def.PKColumn))
		if err := tx.Exec(sub, pk).Error; err != nil {
			return fmt.Errorf("history: cascade delete join shadows %s: %w", m2m.Table, err)
		}
	}
	del := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(def.Table), quoteIdent(def.PKColumn))
	if err := tx.Exec(del, pk).Error; err != nil {
		return fmt.Errorf("history: cascade delete chain %s: %w", def.Table, err)
	}
	return nil
}

// sessionFor returns the handle shadow writes go through: a session on the
// same connection (and transaction) as the live write, or the dedicated
// history database when one is configured. NewDB together with the context
// makes every chained call start from an empty statement; calling
// WithContext on the returned handle instead would clone the caller's
// in-flight statement, leaking its clauses and bind vars into the shadow
// insert.
func (p *Plugin) sessionFor(ctx context.Context, db *gorm.DB) *gorm.DB {
	if p.historyDB != nil {
		return p.historyDB.Session(&gorm.Session{NewDB: true, Context: ctx})
	}
	return db.Session(&gorm.Session{NewDB: true, Context: ctx})
}

// insertShadowRow persists one shadow row and returns its history id,
// relying on the store returning generated keys (RETURNING) for the
// auto-increment strategy. tx must come from sessionFor.
func insertShadowRow(tx *gorm.DB, def *ShadowDef, row map[string]any) (any, error) {
	auto := def.IDStrategy == IDAutoIncrement

	var id any
	if !auto {
		if _, present := row[ColHistoryID]; !present {
			row[ColHistoryID] = uuid.New()
		}
		id = row[ColHistoryID]
	}

	cols := make([]string, 0, len(row))
	args := make([]any, 0, len(row))
	marks := make([]string, 0, len(row))
	for _, c := range def.Columns() {
		if auto && c.Column == ColHistoryID {
			continue
		}
		v, present := row[c.Column]
		if !present {
			continue
		}
		cols = append(cols, quoteIdent(c.Column))
		args = append(args, v)
		marks = append(marks, "?")
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(def.Table), strings.Join(cols, ", "), strings.Join(marks, ", "))

	if auto {
		sql += " RETURNING " + quoteIdent(ColHistoryID)
		var generated int64
		if err := tx.Raw(sql, args...).Scan(&generated).Error; err != nil {
			return nil, err
		}
		return generated, nil
	}
	if err := tx.Exec(sql, args...).Error; err != nil {
		return nil, err
	}
	return id, nil
}

// providerOf returns the instance as an interface value so the per-row
// override interfaces can be asserted, preferring the addressable form for
// pointer-receiver implementations.
func providerOf(rv reflect.Value) any {
	if rv.CanAddr() {
		return rv.Addr().Interface()
	}
	if rv.CanInterface() {
		return rv.Interface()
	}
	return nil
}

func userIDString(v any) any {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
