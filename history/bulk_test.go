package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yungbote/gormhistory/logger"
)

func TestBulkCreate(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	reg := NewRegistry(logger.Nop())
	pollReg := reg.MustTrack(&Poll{})
	clock := newFakeClock()
	p := installPlugin(t, db, reg, WithClock(clock.Now))

	rows := []*Poll{
		{Question: "one"},
		{Question: "two"},
		{Question: "three"},
		{Question: "four"},
	}
	err := p.BulkCreate(ctx, db, rows,
		WithDefaultUser("importer"),
		WithDefaultReason("initial import"))
	if err != nil {
		t.Fatalf("bulk create: %v", err)
	}

	if n := countTable(t, db, "polls"); n != 4 {
		t.Fatalf("live rows = %d, want 4", n)
	}
	records, err := pollReg.History(db).Records(ctx)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("snapshots = %d, want 4", len(records))
	}
	for _, rec := range records {
		if rec.HistoryType() != ChangeTypeCreated {
			t.Fatalf("bulk create snapshot type = %q", rec.HistoryType())
		}
		if got, _ := rec.HistoryUserID().(string); got != "importer" {
			t.Fatalf("batch default user = %v", rec.HistoryUserID())
		}
		if rec.ChangeReason() != "initial import" {
			t.Fatalf("batch default reason = %q", rec.ChangeReason())
		}
	}
}

func TestBulkCreateHandsGeneratedIDsToHooks(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	reg := NewRegistry(logger.Nop())
	reg.MustTrack(&Poll{})
	p := installPlugin(t, db, reg)

	var ids []any
	p.AfterWrite(func(_ context.Context, ev *RowEvent) error {
		ids = append(ids, ev.HistoryID)
		return nil
	})

	rows := []*Poll{{Question: "a"}, {Question: "b"}}
	if err := p.BulkCreate(ctx, db, rows); err != nil {
		t.Fatalf("bulk create: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("after-write hooks ran %d times, want 2", len(ids))
	}
	for i, id := range ids {
		if id == nil {
			t.Fatalf("row %d: generated history id missing from the hook event", i)
		}
	}
}

func TestBulkUpdateUsesSingleChangeType(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	reg := NewRegistry(logger.Nop())
	pollReg := reg.MustTrack(&Poll{})
	clock := newFakeClock()
	p := installPlugin(t, db, reg, WithClock(clock.Now))

	rows := []*Poll{{Question: "a"}, {Question: "b"}}
	if err := p.BulkCreate(ctx, db, rows); err != nil {
		t.Fatalf("bulk create: %v", err)
	}

	clock.Advance(time.Second)
	rows[0].Question = "a2"
	rows[1].Question = "b2"
	batchDate := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	if err := p.BulkUpdate(ctx, db, rows, WithDefaultDate(batchDate)); err != nil {
		t.Fatalf("bulk update: %v", err)
	}

	records, err := pollReg.History(db).ForKey(rows[0].ID).Records(ctx)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("snapshots for first row = %d, want 2", len(records))
	}
	// Newest snapshot carries the batch change type and date.
	if records[0].HistoryType() != ChangeTypeChanged {
		t.Fatalf("bulk update snapshot type = %q", records[0].HistoryType())
	}
	if !records[0].HistoryDate().UTC().Equal(batchDate) {
		t.Fatalf("batch date = %v, want %v", records[0].HistoryDate(), batchDate)
	}
	if got, _ := records[0].Value("question").(string); got != "a2" {
		t.Fatalf("updated question = %q", got)
	}

	var live Poll
	if err := db.First(&live, rows[0].ID).Error; err != nil {
		t.Fatalf("reload live: %v", err)
	}
	if live.Question != "a2" {
		t.Fatalf("live row not updated: %q", live.Question)
	}
}

func TestBulkCreateRollsBackOnHookError(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	reg := NewRegistry(logger.Nop())
	reg.MustTrack(&Poll{})
	p := installPlugin(t, db, reg)

	boom := errors.New("no snapshots today")
	p.BeforeWrite(func(context.Context, *RowEvent) error { return boom })

	rows := []*Poll{{Question: "x"}, {Question: "y"}}
	if err := p.BulkCreate(ctx, db, rows); !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if n := countTable(t, db, "polls"); n != 0 {
		t.Fatalf("live rows survived the aborted batch: %d", n)
	}
	if n := countTable(t, db, "historical_polls"); n != 0 {
		t.Fatalf("shadow rows survived the aborted batch: %d", n)
	}
}

func TestBulkWriteRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	reg := NewRegistry(logger.Nop())
	reg.MustTrack(&Poll{})
	p := installPlugin(t, db, reg)

	if err := p.BulkCreate(ctx, db, &Poll{Question: "not a slice"}); err == nil {
		t.Fatal("expected error for non-slice input")
	}

	tags := []*Tag{{Name: "untracked"}}
	if err := p.BulkCreate(ctx, db, tags); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestBulkDisabledStillWritesLiveRows(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	reg := NewRegistry(logger.Nop())
	pollReg := reg.MustTrack(&Poll{})
	p := installPlugin(t, db, reg)
	p.SetEnabled(false)

	rows := []*Poll{{Question: "quiet bulk"}}
	if err := p.BulkCreate(ctx, db, rows); err != nil {
		t.Fatalf("bulk create: %v", err)
	}
	if n := countTable(t, db, "polls"); n != 1 {
		t.Fatalf("live rows = %d, want 1", n)
	}
	if n, _ := pollReg.History(db).Count(ctx); n != 0 {
		t.Fatalf("disabled plugin wrote %d snapshots", n)
	}
}
