package history

import (
	"context"
	"fmt"
	"reflect"

	"gorm.io/gorm/schema"
)

// Bookkeeping column names shared by every shadow table.
const (
	ColHistoryID     = "history_id"
	ColHistoryDate   = "history_date"
	ColHistoryType   = "history_type"
	ColHistoryUser   = "history_user_id"
	ColHistoryReason = "history_change_reason"
)

// Change types recorded in history_type. Exactly three variants.
const (
	ChangeTypeCreated = "+"
	ChangeTypeChanged = "~"
	ChangeTypeDeleted = "-"
)

// ShadowDef is the synthesized description of one shadow table. It is built
// once at registration time and consumed by the DDL generator, the capture
// engine, and the query layer.
type ShadowDef struct {
	Table string

	// Fields holds the transformed copies of the tracked model's columns,
	// in declaration order. The tracked primary key travels here as the
	// original-key column (non-unique, indexed).
	Fields []FieldDef

	// Bookkeeping holds the synthesized history_* columns plus any extra
	// caller-supplied fields and the optional related-name column.
	Bookkeeping []FieldDef

	PKColumn   string // original-key column name, e.g. "id"
	PKField    string // struct field name of the tracked primary key
	IDStrategy IDStrategy
	DateIndex  DateIndexMode

	// RelatedColumn is the optional direct relation back to the live row,
	// "" when not configured.
	RelatedColumn string

	M2M []*M2MShadowDef
}

// Columns returns every column of the shadow table in insert order.
func (d *ShadowDef) Columns() []FieldDef {
	out := make([]FieldDef, 0, len(d.Fields)+len(d.Bookkeeping))
	out = append(out, d.Bookkeeping...)
	out = append(out, d.Fields...)
	return out
}

// M2MShadowDef describes the shadow table for one tracked many2many join
// table: the join columns minus the surrogate key, plus a mandatory
// reference to the owning snapshot.
type M2MShadowDef struct {
	FieldName   string // m2m field on the tracked model
	Table       string
	JoinTable   string
	OwnerColumn string // join column referencing the tracked row
	Fields      []FieldDef
}

// Registration binds one tracked model to its shadow definition. Instances
// are created by Registry.Track and are read-only afterwards.
type Registration struct {
	registry  *Registry
	model     any
	modelType reflect.Type
	schema    *schema.Schema
	shadow    *ShadowDef
	opts      modelOptions

	// includedFields are the tracked schema fields that travel into the
	// shadow table, in declaration order.
	includedFields []*schema.Field
	// excludedFields are backfilled from the live row on reconstruction.
	excludedFields []*schema.Field
	// relationTables maps FK column -> referenced table, for diff/display.
	relationColumns map[string]string
}

// Model returns the prototype the registration was created from.
func (r *Registration) Model() any { return r.model }

// Schema returns the parsed GORM schema of the tracked model.
func (r *Registration) Schema() *schema.Schema { return r.schema }

// Shadow returns the synthesized shadow definition.
func (r *Registration) Shadow() *ShadowDef { return r.shadow }

// TableName returns the shadow table name.
func (r *Registration) TableName() string { return r.shadow.Table }

// CascadeDeleteHistory reports whether deletes wipe the chain instead of
// writing a tombstone.
func (r *Registration) CascadeDeleteHistory() bool { return r.opts.cascadeDelete }

// newModel allocates a zero value of the tracked model type.
func (r *Registration) newModel() reflect.Value {
	return reflect.New(r.modelType)
}

// primaryKeyOf extracts the tracked primary key value from an instance
// reflect value. The second return is false when the key is zero.
func (r *Registration) primaryKeyOf(ctx context.Context, rv reflect.Value) (any, bool) {
	pf := r.schema.PrioritizedPrimaryField
	if pf == nil {
		return nil, false
	}
	v, zero := pf.ValueOf(ctx, rv)
	return v, !zero
}

// m2mDef returns the shadow join definition for a tracked m2m field.
func (r *Registration) m2mDef(field string) (*M2MShadowDef, error) {
	for _, d := range r.shadow.M2M {
		if d.FieldName == field {
			return d, nil
		}
	}
	return nil, fmt.Errorf("field %q is not a tracked many2many field on %s", field, r.schema.Table)
}
