package history

import "gorm.io/gorm/schema"

// transformOptions carries the per-model knobs the transformer honors.
type transformOptions struct {
	// noDBIndex lists shadow columns that must not carry an index even
	// though the default transform would add one.
	noDBIndex map[string]struct{}
	// filePathLimit > 0 turns file-reference columns into bounded varchar
	// columns instead of unbounded text.
	filePathLimit int
}

// transformField rewrites one live-table field descriptor into its shadow
// counterpart. Pure; the input is not modified.
//
// The contract, applied in order: order-position proxies become plain
// integers; relation fields lose their DB constraint and uniqueness but stay
// indexed and become nullable, with self references resolving to the tracked
// table; scalars lose auto-increment, auto-now behaviors, collation
// overrides, and primary-key/unique flags (downgraded to a plain index).
func transformField(in FieldDef, opts transformOptions) FieldDef {
	out := in

	switch in.Kind {
	case KindOrderPosition:
		out.Kind = KindScalar
		out.DataType = schema.Int
		out.Size = 32
		out.TypeHint = ""
		out.PrimaryKey = false
		out.Unique = false
		out.AutoIncrement = false

	case KindRelation:
		out.DBConstraint = false
		out.NotNull = false
		out.Unique = false
		out.PrimaryKey = false
		out.AutoIncrement = false
		out.Index = true
		if in.SelfReference {
			// A self-referential FK keeps pointing at the live table, never
			// at the shadow table.
			out.SelfReference = false
		}

	case KindFileRef:
		// Only the path travels into history; file bytes are never copied.
		out.Kind = KindScalar
		out.DataType = schema.String
		out.TypeHint = ""
		if opts.filePathLimit > 0 {
			out.Size = opts.filePathLimit
		} else {
			out.Size = 0
		}
		fallthrough

	default:
		if out.Kind == KindAutoIncrement || out.AutoIncrement {
			out.Kind = KindScalar
			out.AutoIncrement = false
			if out.DataType == "" {
				out.DataType = schema.Int
			}
		}
		out.AutoCreateTime = false
		out.AutoUpdateTime = false
		out.Collation = ""
		if out.PrimaryKey || out.Unique {
			out.PrimaryKey = false
			out.Unique = false
			out.Index = true
		}
	}

	if _, drop := opts.noDBIndex[out.Column]; drop {
		out.Index = false
	}
	return out
}
