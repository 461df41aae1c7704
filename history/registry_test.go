package history

import (
	"errors"
	"testing"

	"gorm.io/gorm/schema"

	"github.com/yungbote/gormhistory/logger"
)

// AuditBase is a primary-key-less embeddable carrying shared tracking
// options through WithInherit.
type AuditBase struct {
	Secret string
}

type Widget struct {
	AuditBase
	ID   uint `gorm:"primaryKey"`
	Name string
}

func TestTrackSynthesizesShadowDef(t *testing.T) {
	reg := NewRegistry(logger.Nop())
	pollReg := reg.MustTrack(&Poll{})

	def := pollReg.Shadow()
	if def.Table != "historical_polls" {
		t.Fatalf("shadow table = %q", def.Table)
	}
	if def.PKColumn != "id" || def.PKField != "ID" {
		t.Fatalf("pk = (%q, %q)", def.PKColumn, def.PKField)
	}

	wantBookkeeping := []string{ColHistoryID, ColHistoryDate, ColHistoryType, ColHistoryReason, ColHistoryUser}
	if len(def.Bookkeeping) != len(wantBookkeeping) {
		t.Fatalf("bookkeeping columns = %d, want %d", len(def.Bookkeeping), len(wantBookkeeping))
	}
	for i, want := range wantBookkeeping {
		if def.Bookkeeping[i].Column != want {
			t.Fatalf("bookkeeping[%d] = %q, want %q", i, def.Bookkeeping[i].Column, want)
		}
	}

	// The original key travels as a plain, indexed, non-unique column.
	if def.Fields[0].Column != "id" {
		t.Fatalf("first tracked column = %q", def.Fields[0].Column)
	}
	if def.Fields[0].PrimaryKey || def.Fields[0].AutoIncrement || def.Fields[0].Unique {
		t.Fatal("original key kept its constraints in the shadow table")
	}
	if !def.Fields[0].Index {
		t.Fatal("original key column must be indexed")
	}
}

func TestTrackDuplicateFails(t *testing.T) {
	reg := NewRegistry(logger.Nop())
	reg.MustTrack(&Poll{})
	if _, err := reg.Track(&Poll{}); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestTrackTableNameConflict(t *testing.T) {
	reg := NewRegistry(logger.Nop())
	if _, err := reg.Track(&Poll{}, WithTableName("polls")); !errors.Is(err, ErrTableNameConflict) {
		t.Fatalf("expected ErrTableNameConflict, got %v", err)
	}
}

func TestTrackRelatedNameConflict(t *testing.T) {
	reg := NewRegistry(logger.Nop())
	if _, err := reg.Track(&Poll{}, WithRelatedName("history")); !errors.Is(err, ErrRelatedNameConflict) {
		t.Fatalf("expected ErrRelatedNameConflict, got %v", err)
	}

	// A non-colliding name synthesizes the direct relation column.
	reg2 := NewRegistry(logger.Nop())
	pollReg, err := reg2.Track(&Poll{}, WithRelatedName("current"))
	if err != nil {
		t.Fatalf("track with related name: %v", err)
	}
	if pollReg.Shadow().RelatedColumn != "current_id" {
		t.Fatalf("related column = %q, want current_id", pollReg.Shadow().RelatedColumn)
	}
	found := false
	for _, f := range pollReg.Shadow().Bookkeeping {
		if f.Column == "current_id" {
			found = true
			if f.DBConstraint {
				t.Fatal("related column must not carry a DB constraint")
			}
		}
	}
	if !found {
		t.Fatal("related column missing from bookkeeping")
	}
}

func TestTrackExtraFieldValidation(t *testing.T) {
	reg := NewRegistry(logger.Nop())
	_, err := reg.Track(&Poll{}, WithExtraFields(FieldDef{Column: ""}))
	if !errors.Is(err, ErrInvalidExtraFields) {
		t.Fatalf("empty column: expected ErrInvalidExtraFields, got %v", err)
	}

	reg2 := NewRegistry(logger.Nop())
	_, err = reg2.Track(&Poll{}, WithExtraFields(FieldDef{Column: ColHistoryID}))
	if !errors.Is(err, ErrInvalidExtraFields) {
		t.Fatalf("duplicate column: expected ErrInvalidExtraFields, got %v", err)
	}

	reg3 := NewRegistry(logger.Nop())
	pollReg, err := reg3.Track(&Poll{}, WithExtraFields(FieldDef{Column: "tenant_id", DataType: schema.String, Size: 64}))
	if err != nil {
		t.Fatalf("valid extra field: %v", err)
	}
	found := false
	for _, f := range pollReg.Shadow().Bookkeeping {
		if f.Column == "tenant_id" {
			found = true
		}
	}
	if !found {
		t.Fatal("extra field missing from bookkeeping columns")
	}
}

func TestManyToManyExtraFieldValidation(t *testing.T) {
	reg := NewRegistry(logger.Nop())
	_, err := reg.Track(&Document{}, WithManyToMany("Tags"),
		WithExtraFields(FieldDef{Column: "tag_id", DataType: schema.String}))
	if !errors.Is(err, ErrInvalidExtraFields) {
		t.Fatalf("join column collision: expected ErrInvalidExtraFields, got %v", err)
	}
}

func TestUUIDHistoryIDStrategy(t *testing.T) {
	reg := NewRegistry(logger.Nop())
	pollReg := reg.MustTrack(&Poll{}, WithUUIDHistoryID())

	id := pollReg.Shadow().Bookkeeping[0]
	if id.Column != ColHistoryID {
		t.Fatalf("first bookkeeping column = %q", id.Column)
	}
	if id.AutoIncrement {
		t.Fatal("uuid strategy must not auto-increment")
	}
	if id.TypeHint != "uuid" {
		t.Fatalf("uuid strategy type hint = %q", id.TypeHint)
	}
}

func TestTextReasonAndDateIndexModes(t *testing.T) {
	reg := NewRegistry(logger.Nop())
	pollReg := reg.MustTrack(&Poll{}, WithTextReason(), WithDateIndexMode(DateIndexNone))

	var reason, date FieldDef
	for _, f := range pollReg.Shadow().Bookkeeping {
		switch f.Column {
		case ColHistoryReason:
			reason = f
		case ColHistoryDate:
			date = f
		}
	}
	if reason.Size != 0 {
		t.Fatalf("text reason should be unbounded, size = %d", reason.Size)
	}
	if date.Index {
		t.Fatal("DateIndexNone must leave history_date unindexed")
	}
}

func TestUserModelRelation(t *testing.T) {
	reg := NewRegistry(logger.Nop())
	pollReg := reg.MustTrack(&Poll{}, WithUserModel("users", "id", "bigint", true))

	var user FieldDef
	for _, f := range pollReg.Shadow().Bookkeeping {
		if f.Column == ColHistoryUser {
			user = f
		}
	}
	if user.Kind != KindRelation {
		t.Fatal("user column should be a relation under the user-model strategy")
	}
	if user.References != "users" || user.ReferencesColumn != "id" {
		t.Fatalf("user reference = %s(%s)", user.References, user.ReferencesColumn)
	}
	if !user.DBConstraint {
		t.Fatal("constraint requested but not recorded")
	}
	if user.TypeHint != "bigint" {
		t.Fatalf("user column type = %q", user.TypeHint)
	}
}

func TestPKLessStructIsSkipped(t *testing.T) {
	reg := NewRegistry(logger.Nop())
	got, err := reg.Track(&AuditBase{})
	if err != nil {
		t.Fatalf("track pk-less: %v", err)
	}
	if got != nil {
		t.Fatal("pk-less struct without WithInherit must be skipped")
	}
}

func TestInheritTemplateAppliesToEmbedder(t *testing.T) {
	reg := NewRegistry(logger.Nop())
	if _, err := reg.Track(&AuditBase{}, WithInherit(), WithExcludedFields("Secret")); err != nil {
		t.Fatalf("track template: %v", err)
	}
	widgetReg := reg.MustTrack(&Widget{})

	for _, f := range widgetReg.Shadow().Fields {
		if f.Column == "secret" {
			t.Fatal("template exclusion not inherited by embedder")
		}
	}
}

func TestForAndForTable(t *testing.T) {
	reg := NewRegistry(logger.Nop())
	pollReg := reg.MustTrack(&Poll{})

	got, err := reg.For(&Poll{})
	if err != nil || got != pollReg {
		t.Fatalf("For = (%v, %v)", got, err)
	}
	if _, err := reg.For(&Tag{}); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	if byTable, ok := reg.ForTable("polls"); !ok || byTable != pollReg {
		t.Fatal("ForTable lookup failed")
	}
	if _, ok := reg.ForTable("tags"); ok {
		t.Fatal("ForTable matched an untracked table")
	}
}

func TestAllPreservesRegistrationOrder(t *testing.T) {
	reg := NewRegistry(logger.Nop())
	first := reg.MustTrack(&Poll{})
	second := reg.MustTrack(&Tag{})

	all := reg.All()
	if len(all) != 2 || all[0] != first || all[1] != second {
		t.Fatalf("All() order broken: %v", all)
	}
}

func TestCustomTablePrefix(t *testing.T) {
	reg := NewRegistry(logger.Nop(), WithTablePrefix("hist_"))
	pollReg := reg.MustTrack(&Poll{})
	if pollReg.TableName() != "hist_polls" {
		t.Fatalf("table = %q", pollReg.TableName())
	}
}

func TestManyToManySynthesis(t *testing.T) {
	reg := NewRegistry(logger.Nop())
	docReg := reg.MustTrack(&Document{}, WithManyToMany("Tags"))

	def := docReg.Shadow()
	if len(def.M2M) != 1 {
		t.Fatalf("expected 1 m2m shadow, got %d", len(def.M2M))
	}
	m2m := def.M2M[0]
	if m2m.Table != "historical_document_tags" || m2m.JoinTable != "document_tags" {
		t.Fatalf("m2m tables = (%q, %q)", m2m.Table, m2m.JoinTable)
	}
	if m2m.OwnerColumn != "document_id" {
		t.Fatalf("owner column = %q", m2m.OwnerColumn)
	}
	if m2m.Fields[0].Column != ColHistoryID {
		t.Fatalf("first join shadow column = %q", m2m.Fields[0].Column)
	}
	cols := m2m.memberColumns()
	if len(cols) != 2 {
		t.Fatalf("member columns = %v", cols)
	}

	// Tracking a non-m2m field name is a configuration error.
	reg2 := NewRegistry(logger.Nop())
	if _, err := reg2.Track(&Document{}, WithManyToMany("Title")); err == nil {
		t.Fatal("expected error for non-m2m field")
	}
}
