package history

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// DateIndexMode selects how the history_date column is indexed.
type DateIndexMode int

const (
	// DateIndexPlain puts a plain index on history_date. The default.
	DateIndexPlain DateIndexMode = iota
	// DateIndexComposite indexes (history_date, original key) together.
	// Mutually exclusive with the plain index.
	DateIndexComposite
	// DateIndexNone leaves history_date unindexed.
	DateIndexNone
)

// IDStrategy selects how history_id values are produced.
type IDStrategy int

const (
	// IDAutoIncrement lets the database assign a bigint history_id.
	IDAutoIncrement IDStrategy = iota
	// IDUUID generates a UUID history_id on the client.
	IDUUID
)

const defaultAccessorName = "history"

// modelOptions is the resolved per-model configuration built from
// TrackOptions at registration time.
type modelOptions struct {
	tableName     string
	excluded      map[string]struct{}
	manyToMany    []string
	fileFields    map[string]struct{}
	orderFields   map[string]struct{}
	noDBIndex     map[string]struct{}
	filePathLimit int

	idStrategy    IDStrategy
	dateIndex     DateIndexMode
	textReason    bool
	cascadeDelete bool
	inherit       bool

	relatedName  string
	accessorName string

	userTable      string
	userColumn     string
	userColumnType string
	userConstraint bool

	extraFields []FieldDef
}

func defaultModelOptions() modelOptions {
	return modelOptions{
		excluded:     map[string]struct{}{},
		fileFields:   map[string]struct{}{},
		orderFields:  map[string]struct{}{},
		noDBIndex:    map[string]struct{}{},
		accessorName: defaultAccessorName,
	}
}

// TrackOption configures one tracked model at registration time.
type TrackOption func(*modelOptions)

// WithTableName overrides the shadow table name. Colliding with the live
// table name is a configuration error surfaced by Track.
func WithTableName(name string) TrackOption {
	return func(o *modelOptions) { o.tableName = name }
}

// WithExcludedFields removes the named struct fields from the shadow table.
// Excluded values are backfilled from the live row on reconstruction.
func WithExcludedFields(names ...string) TrackOption {
	return func(o *modelOptions) {
		for _, n := range names {
			o.excluded[n] = struct{}{}
		}
	}
}

// WithManyToMany snapshots the membership of the named many2many fields
// alongside every snapshot of the owner.
func WithManyToMany(fields ...string) TrackOption {
	return func(o *modelOptions) { o.manyToMany = append(o.manyToMany, fields...) }
}

// WithFileFields marks string fields that hold file/blob storage paths.
// Their shadow columns degrade to plain path text; bytes are never copied.
func WithFileFields(names ...string) TrackOption {
	return func(o *modelOptions) {
		for _, n := range names {
			o.fileFields[n] = struct{}{}
		}
	}
}

// WithFilePathLimit bounds shadow file-path columns to n characters instead
// of unbounded text.
func WithFilePathLimit(n int) TrackOption {
	return func(o *modelOptions) { o.filePathLimit = n }
}

// WithOrderPositionFields marks integer proxy fields that carry an ordering
// position; their shadow columns become plain integers.
func WithOrderPositionFields(names ...string) TrackOption {
	return func(o *modelOptions) {
		for _, n := range names {
			o.orderFields[n] = struct{}{}
		}
	}
}

// WithNoDBIndex drops the index the default transform would put on the
// named shadow columns.
func WithNoDBIndex(columns ...string) TrackOption {
	return func(o *modelOptions) {
		for _, c := range columns {
			o.noDBIndex[c] = struct{}{}
		}
	}
}

// WithUUIDHistoryID switches history_id to a client-generated UUID primary
// key instead of an auto-incrementing bigint.
func WithUUIDHistoryID() TrackOption {
	return func(o *modelOptions) { o.idStrategy = IDUUID }
}

// WithDateIndexMode selects the index policy for history_date.
func WithDateIndexMode(mode DateIndexMode) TrackOption {
	return func(o *modelOptions) { o.dateIndex = mode }
}

// WithTextReason stores history_change_reason as unbounded text instead of
// varchar(100).
func WithTextReason() TrackOption {
	return func(o *modelOptions) { o.textReason = true }
}

// WithCascadeDeleteHistory deletes the whole shadow chain when the tracked
// row is deleted, instead of writing a tombstone snapshot.
func WithCascadeDeleteHistory() TrackOption {
	return func(o *modelOptions) { o.cascadeDelete = true }
}

// WithInherit marks a primary-key-less embeddable struct as an inheritable
// tracking template. Without it, tracking such a struct is skipped with a
// warning.
func WithInherit() TrackOption {
	return func(o *modelOptions) { o.inherit = true }
}

// WithRelatedName adds a direct, constraint-free relation column from the
// shadow table back to the still-existing live row. The name must not
// collide with the history accessor name.
func WithRelatedName(name string) TrackOption {
	return func(o *modelOptions) { o.relatedName = name }
}

// WithAccessorName overrides the accessor name the related-name collision
// check guards ("history" by default).
func WithAccessorName(name string) TrackOption {
	return func(o *modelOptions) { o.accessorName = name }
}

// WithUserModel declares history_user_id as a relation to the given user
// table and column, with columnType naming the SQL type of that column
// (e.g. "uuid", "bigint"). When constraint is false the reference carries
// no database-level FK, which is required when the user table lives in a
// different physical database.
func WithUserModel(table, column, columnType string, constraint bool) TrackOption {
	return func(o *modelOptions) {
		o.userTable = table
		o.userColumn = column
		o.userColumnType = columnType
		o.userConstraint = constraint
	}
}

// WithExtraFields appends caller-supplied bookkeeping columns to the shadow
// table (and, for join shadows, to every join shadow table). Malformed
// definitions are a configuration error surfaced by Track.
func WithExtraFields(fields ...FieldDef) TrackOption {
	return func(o *modelOptions) { o.extraFields = append(o.extraFields, fields...) }
}

// Option configures the capture plugin.
type Option func(*Plugin)

// WithEnabled sets the global kill switch. When disabled the plugin writes
// nothing, checked before any other logic on every event.
func WithEnabled(enabled bool) Option {
	return func(p *Plugin) { p.enabled.Store(enabled) }
}

// WithHistoryDB writes shadow rows through a separate database handle
// instead of the transaction that performed the live write. Atomicity with
// the live write is lost; use it only to keep history in a separate
// physical database.
func WithHistoryDB(db *gorm.DB) Option {
	return func(p *Plugin) { p.historyDB = db }
}

// WithUserResolver supplies the fallback "current acting user" resolver,
// consulted when neither the row nor the context carries one.
func WithUserResolver(fn func(ctx context.Context) any) Option {
	return func(p *Plugin) { p.userResolver = fn }
}

// WithReasonResolver supplies the fallback change-reason resolver.
func WithReasonResolver(fn func(ctx context.Context) string) Option {
	return func(p *Plugin) { p.reasonResolver = fn }
}

// WithClock overrides the capture timestamp source. Mostly for tests.
func WithClock(fn func() time.Time) Option {
	return func(p *Plugin) { p.clock = fn }
}
