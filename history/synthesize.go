package history

import (
	"fmt"
	"reflect"

	"gorm.io/gorm/schema"
)

// synthesize builds the Registration for one tracked model: included-field
// selection, field transformation, bookkeeping columns, naming, and the m2m
// shadow definitions. Called with the registry lock held.
func synthesize(r *Registry, mt reflect.Type, sch *schema.Schema, opts modelOptions) (*Registration, error) {
	table := opts.tableName
	if table == "" {
		table = r.prefix + sch.Table
	}
	if table == sch.Table {
		return nil, fmt.Errorf("history: %s: %w", sch.Table, ErrTableNameConflict)
	}
	if opts.relatedName != "" && opts.relatedName == opts.accessorName {
		return nil, fmt.Errorf("history: %s: related name %q: %w", sch.Table, opts.relatedName, ErrRelatedNameConflict)
	}

	reg := &Registration{
		model:           reflect.New(mt).Interface(),
		modelType:       mt,
		schema:          sch,
		opts:            opts,
		relationColumns: map[string]string{},
	}

	// FK columns on the tracked schema, for relation-kind classification.
	type relMeta struct {
		table  string
		column string
		self   bool
	}
	relations := map[string]relMeta{}
	for _, rel := range sch.Relationships.BelongsTo {
		for _, ref := range rel.References {
			if ref.ForeignKey == nil || ref.ForeignKey.Schema != sch {
				continue
			}
			meta := relMeta{table: rel.FieldSchema.Table}
			if ref.PrimaryKey != nil {
				meta.column = ref.PrimaryKey.DBName
			}
			meta.self = rel.FieldSchema.Table == sch.Table
			relations[ref.ForeignKey.DBName] = meta
		}
	}

	transform := transformOptions{
		noDBIndex:     opts.noDBIndex,
		filePathLimit: opts.filePathLimit,
	}

	def := &ShadowDef{
		Table:      table,
		IDStrategy: opts.idStrategy,
		DateIndex:  opts.dateIndex,
	}

	pk := sch.PrioritizedPrimaryField
	def.PKColumn = pk.DBName
	def.PKField = pk.Name

	for _, f := range sch.Fields {
		if f.DBName == "" {
			continue // association struct fields and m2m slices
		}
		if _, skip := opts.excluded[f.Name]; skip {
			reg.excludedFields = append(reg.excludedFields, f)
			continue
		}
		fd := fieldDefFromSchema(f)
		if meta, ok := relations[f.DBName]; ok {
			fd.Kind = KindRelation
			fd.References = meta.table
			fd.ReferencesColumn = meta.column
			fd.SelfReference = meta.self
			fd.DBConstraint = true
			reg.relationColumns[f.DBName] = meta.table
		}
		if _, ok := opts.fileFields[f.Name]; ok {
			fd.Kind = KindFileRef
		}
		if _, ok := opts.orderFields[f.Name]; ok {
			fd.Kind = KindOrderPosition
		}
		def.Fields = append(def.Fields, transformField(fd, transform))
		reg.includedFields = append(reg.includedFields, f)
	}

	bookkeeping, err := bookkeepingFields(sch, opts)
	if err != nil {
		return nil, err
	}
	def.Bookkeeping = bookkeeping
	if opts.relatedName != "" {
		def.RelatedColumn = opts.relatedName + "_id"
	}

	for _, fieldName := range opts.manyToMany {
		m2m, err := synthesizeM2M(r, sch, fieldName, opts)
		if err != nil {
			return nil, err
		}
		def.M2M = append(def.M2M, m2m)
	}

	reg.shadow = def
	return reg, nil
}

// bookkeepingFields synthesizes the history_* columns plus the optional
// related-name column and caller-supplied extras.
func bookkeepingFields(sch *schema.Schema, opts modelOptions) ([]FieldDef, error) {
	var out []FieldDef

	id := FieldDef{
		Column:     ColHistoryID,
		Kind:       KindScalar,
		NotNull:    true,
		PrimaryKey: true,
	}
	switch opts.idStrategy {
	case IDUUID:
		id.TypeHint = "uuid"
		id.DataType = schema.String
	default:
		id.DataType = schema.Int
		id.Size = 64
		id.AutoIncrement = true
	}
	out = append(out, id)

	date := FieldDef{
		Column:   ColHistoryDate,
		Kind:     KindScalar,
		DataType: schema.Time,
		NotNull:  true,
		Index:    opts.dateIndex == DateIndexPlain,
	}
	out = append(out, date)

	out = append(out, FieldDef{
		Column:   ColHistoryType,
		Kind:     KindScalar,
		DataType: schema.String,
		Size:     1,
		NotNull:  true,
	})

	reason := FieldDef{
		Column:   ColHistoryReason,
		Kind:     KindScalar,
		DataType: schema.String,
	}
	if !opts.textReason {
		reason.Size = 100
	}
	out = append(out, reason)

	user := FieldDef{
		Column: ColHistoryUser,
		Kind:   KindScalar,
		Index:  true,
	}
	if opts.userTable != "" {
		// Relation strategy: nullable reference to the user table, set-null
		// on delete so deleting an author never breaks their history.
		user.Kind = KindRelation
		user.References = opts.userTable
		user.ReferencesColumn = opts.userColumn
		user.DBConstraint = opts.userConstraint
		user.TypeHint = opts.userColumnType
		user.DataType = schema.String
	} else {
		// Plain scalar strategy: the user id is stored without relational
		// wiring, valid even when the user table lives in another database.
		user.DataType = schema.String
		user.Size = 191
	}
	out = append(out, user)

	if opts.relatedName != "" {
		pk := sch.PrioritizedPrimaryField
		related := fieldDefFromSchema(pk)
		related.Name = ""
		related.Column = opts.relatedName + "_id"
		related.Kind = KindRelation
		related.References = sch.Table
		related.ReferencesColumn = pk.DBName
		related.DBConstraint = false
		out = append(out, transformField(related, transformOptions{}))
	}

	seen := map[string]struct{}{}
	for _, f := range out {
		seen[f.Column] = struct{}{}
	}
	for _, extra := range opts.extraFields {
		if extra.Column == "" {
			return nil, fmt.Errorf("history: %s: extra field with empty column: %w", sch.Table, ErrInvalidExtraFields)
		}
		if _, dup := seen[extra.Column]; dup {
			return nil, fmt.Errorf("history: %s: extra field %q duplicates a history column: %w", sch.Table, extra.Column, ErrInvalidExtraFields)
		}
		seen[extra.Column] = struct{}{}
		out = append(out, extra)
	}
	return out, nil
}
