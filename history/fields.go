package history

import (
	"gorm.io/gorm/schema"
)

// FieldKind is the closed set of column categories the transformer
// dispatches over.
type FieldKind int

const (
	KindScalar FieldKind = iota
	KindAutoIncrement
	KindRelation
	KindFileRef
	KindOrderPosition
)

// FieldDef describes one column of a live or shadow table. It is a plain
// value object derived from GORM's parsed schema; the synthesizer and the
// DDL generator consume it, the transformer rewrites it.
type FieldDef struct {
	Name   string // struct field name on the tracked model, "" for synthesized columns
	Column string
	Kind   FieldKind

	DataType  schema.DataType
	Size      int
	TypeHint  string // explicit column type from the model tag, e.g. "uuid"
	Collation string

	NotNull       bool
	Unique        bool
	PrimaryKey    bool
	AutoIncrement bool
	Index         bool

	AutoCreateTime bool
	AutoUpdateTime bool

	// Relation metadata (KindRelation only).
	References       string // referenced table
	ReferencesColumn string
	SelfReference    bool
	DBConstraint     bool
}

// fieldDefFromSchema builds the descriptor for one parsed GORM field.
// Fields that have no database column (association struct fields, m2m
// slices) are not representable and must be filtered by the caller.
func fieldDefFromSchema(f *schema.Field) FieldDef {
	def := FieldDef{
		Name:          f.Name,
		Column:        f.DBName,
		Kind:          KindScalar,
		DataType:      f.DataType,
		Size:          f.Size,
		NotNull:       f.NotNull,
		Unique:        f.Unique,
		PrimaryKey:    f.PrimaryKey,
		AutoIncrement: f.AutoIncrement,
	}
	if f.AutoCreateTime != 0 {
		def.AutoCreateTime = true
	}
	if f.AutoUpdateTime != 0 {
		def.AutoUpdateTime = true
	}
	if t, ok := f.TagSettings["TYPE"]; ok {
		def.TypeHint = t
	}
	if c, ok := f.TagSettings["COLLATE"]; ok {
		def.Collation = c
	}
	if _, ok := f.TagSettings["INDEX"]; ok {
		def.Index = true
	}
	if _, ok := f.TagSettings["UNIQUEINDEX"]; ok {
		def.Index = true
		def.Unique = true
	}
	if f.AutoIncrement {
		def.Kind = KindAutoIncrement
	}
	return def
}
