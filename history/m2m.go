package history

import (
	"fmt"

	"gorm.io/gorm/schema"
)

// synthesizeM2M builds the shadow definition for the join table backing one
// tracked many2many field. The join table's own surrogate key is dropped;
// every shadow join row is keyed to the owning snapshot via history_id
// instead.
func synthesizeM2M(r *Registry, sch *schema.Schema, fieldName string, opts modelOptions) (*M2MShadowDef, error) {
	var rel *schema.Relationship
	for _, candidate := range sch.Relationships.Many2Many {
		if candidate.Name == fieldName {
			rel = candidate
			break
		}
	}
	if rel == nil || rel.JoinTable == nil {
		return nil, fmt.Errorf("history: %s: %q is not a many2many field", sch.Table, fieldName)
	}

	def := &M2MShadowDef{
		FieldName: fieldName,
		JoinTable: rel.JoinTable.Table,
		Table:     r.prefix + rel.JoinTable.Table,
	}

	for _, ref := range rel.References {
		if ref.OwnPrimaryKey && ref.ForeignKey != nil {
			def.OwnerColumn = ref.ForeignKey.DBName
		}
	}
	if def.OwnerColumn == "" {
		return nil, fmt.Errorf("history: %s: cannot resolve owner column of join table %s", sch.Table, rel.JoinTable.Table)
	}

	// history_id first: mandatory reference to the owning snapshot. Its
	// concrete type follows the owner's id strategy.
	owner := FieldDef{
		Column:  ColHistoryID,
		Kind:    KindScalar,
		NotNull: true,
		Index:   true,
	}
	if opts.idStrategy == IDUUID {
		owner.TypeHint = "uuid"
		owner.DataType = schema.String
	} else {
		owner.DataType = schema.Int
		owner.Size = 64
	}
	def.Fields = append(def.Fields, owner)

	transform := transformOptions{}
	for _, f := range rel.JoinTable.Fields {
		if f.DBName == "" {
			continue
		}
		if f.AutoIncrement {
			continue // surrogate key of the join table is not copied
		}
		fd := fieldDefFromSchema(f)
		def.Fields = append(def.Fields, transformField(fd, transform))
	}

	seen := map[string]struct{}{}
	for _, f := range def.Fields {
		seen[f.Column] = struct{}{}
	}
	for _, extra := range opts.extraFields {
		if extra.Column == "" {
			return nil, fmt.Errorf("history: %s: extra join field with empty column: %w", sch.Table, ErrInvalidExtraFields)
		}
		if _, dup := seen[extra.Column]; dup {
			return nil, fmt.Errorf("history: %s: extra field %q duplicates a join column of %s: %w", sch.Table, extra.Column, def.Table, ErrInvalidExtraFields)
		}
		seen[extra.Column] = struct{}{}
		def.Fields = append(def.Fields, extra)
	}
	return def, nil
}

// memberColumns returns the join columns that describe the membership
// itself: everything except the owning-snapshot reference. Used both by the
// capture engine (to copy the live join row) and the diff engine (to
// compare member lists without spurious key differences).
func (d *M2MShadowDef) memberColumns() []string {
	out := make([]string, 0, len(d.Fields)-1)
	for _, f := range d.Fields {
		if f.Column == ColHistoryID {
			continue
		}
		out = append(out, f.Column)
	}
	return out
}
