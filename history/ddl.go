package history

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// migrateShadow creates the shadow table, its indexes, and the shadow join
// tables for one registration. Existing tables are left untouched.
func migrateShadow(ctx context.Context, db *gorm.DB, reg *Registration) error {
	dialect := db.Dialector.Name()

	for _, stmt := range shadowDDL(reg.shadow, dialect) {
		if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	for _, m2m := range reg.shadow.M2M {
		for _, stmt := range m2mDDL(m2m, dialect) {
			if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
				return fmt.Errorf("exec %q: %w", stmt, err)
			}
		}
	}
	return nil
}

// shadowDDL renders the CREATE TABLE / CREATE INDEX statements for one
// shadow table on the given dialect ("postgres" or "sqlite").
func shadowDDL(def *ShadowDef, dialect string) []string {
	cols := def.Columns()
	lines := make([]string, 0, len(cols))
	for _, c := range cols {
		lines = append(lines, columnDDL(c, dialect))
	}

	var stmts []string
	stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
		quoteIdent(def.Table), strings.Join(lines, ",\n  ")))

	for _, c := range cols {
		if !c.Index || c.PrimaryKey {
			continue
		}
		stmts = append(stmts, indexDDL(def.Table, c.Column))
	}
	if def.DateIndex == DateIndexComposite {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s, %s)",
			quoteIdent("idx_"+def.Table+"_"+ColHistoryDate+"_"+def.PKColumn),
			quoteIdent(def.Table), quoteIdent(ColHistoryDate), quoteIdent(def.PKColumn)))
	}
	return stmts
}

func m2mDDL(def *M2MShadowDef, dialect string) []string {
	lines := make([]string, 0, len(def.Fields))
	for _, c := range def.Fields {
		lines = append(lines, columnDDL(c, dialect))
	}
	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
		quoteIdent(def.Table), strings.Join(lines, ",\n  "))}
	stmts = append(stmts, indexDDL(def.Table, ColHistoryID))
	return stmts
}

func indexDDL(table, column string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		quoteIdent("idx_"+table+"_"+column), quoteIdent(table), quoteIdent(column))
}

func columnDDL(c FieldDef, dialect string) string {
	var b strings.Builder
	b.WriteString(quoteIdent(c.Column))
	b.WriteString(" ")
	b.WriteString(sqlType(c, dialect))
	if c.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
		if c.AutoIncrement && dialect == "sqlite" {
			b.WriteString(" AUTOINCREMENT")
		}
	}
	if c.NotNull && !c.PrimaryKey {
		b.WriteString(" NOT NULL")
	}
	if c.Kind == KindRelation && c.DBConstraint && c.References != "" && c.ReferencesColumn != "" {
		b.WriteString(fmt.Sprintf(" REFERENCES %s(%s) ON DELETE SET NULL",
			quoteIdent(c.References), quoteIdent(c.ReferencesColumn)))
	}
	return b.String()
}

// sqlType maps a field descriptor to a concrete column type. Explicit type
// hints from the model tag win, except where the dialect cannot represent
// them.
func sqlType(c FieldDef, dialect string) string {
	if c.AutoIncrement && c.PrimaryKey {
		if dialect == "postgres" {
			return "bigserial"
		}
		return "integer" // sqlite rowid alias
	}
	if c.TypeHint != "" {
		hint := strings.ToLower(c.TypeHint)
		if dialect == "sqlite" {
			switch {
			case hint == "uuid":
				return "text"
			case strings.Contains(hint, "json"):
				return "text"
			case strings.Contains(hint, "serial"):
				return "integer"
			}
		}
		return hint
	}
	switch c.DataType {
	case schema.Bool:
		return "boolean"
	case schema.Int, schema.Uint:
		if c.Size > 0 && c.Size <= 32 {
			return "integer"
		}
		return "bigint"
	case schema.Float:
		if dialect == "postgres" {
			return "double precision"
		}
		return "real"
	case schema.String:
		if c.Size > 0 {
			return fmt.Sprintf("varchar(%d)", c.Size)
		}
		return "text"
	case schema.Time:
		if dialect == "postgres" {
			return "timestamptz"
		}
		return "datetime"
	case schema.Bytes:
		if dialect == "postgres" {
			return "bytea"
		}
		return "blob"
	case "json", "jsonb":
		if dialect == "postgres" {
			return "jsonb"
		}
		return "text"
	}
	return "text"
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
