package history

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yungbote/gormhistory/logger"
)

type Poll struct {
	ID       uint `gorm:"primaryKey"`
	Question string
	PubDate  time.Time
}

type Author struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

type Article struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Title    string
	Meta     datatypes.JSON
	Secret   string
	AuthorID *uint
	Author   *Author
}

type Tag struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

type Document struct {
	ID    uint  `gorm:"primaryKey"`
	Title string
	Tags  []Tag `gorm:"many2many:document_tags"`
}

// Note carries per-row capture overrides through the provider interfaces.
type Note struct {
	ID   uint `gorm:"primaryKey"`
	Body string

	Editor  string `gorm:"-"`
	Because string `gorm:"-"`
}

func (n *Note) HistoryUserID() any {
	if n.Editor == "" {
		return nil
	}
	return n.Editor
}

func (n *Note) HistoryChangeReason() string { return n.Because }

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Author{}, &Poll{}, &Tag{}, &Document{}, &Article{}, &Note{}); err != nil {
		t.Fatalf("migrate live tables: %v", err)
	}
	return db
}

// fakeClock is a deterministic capture timestamp source. Advance between
// writes to give snapshots distinct, ordered timestamps.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.now = c.now.Add(d)
	return c.now
}

func installPlugin(t *testing.T, db *gorm.DB, reg *Registry, opts ...Option) *Plugin {
	t.Helper()
	p := New(reg, logger.Nop(), opts...)
	if err := db.Use(p); err != nil {
		t.Fatalf("install plugin: %v", err)
	}
	if err := reg.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate shadow tables: %v", err)
	}
	return p
}

func countTable(t *testing.T, db *gorm.DB, table string) int64 {
	t.Helper()
	var n int64
	if err := db.Table(table).Count(&n).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
