package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/gormhistory/internal/db"
	"github.com/yungbote/gormhistory/internal/utils"
	"github.com/yungbote/gormhistory/logger"
)

// histctl is the operational companion for deployments that track history:
// list shadow tables, count their rows, trim snapshots past the retention
// window, drop consecutive no-change snapshots, and check whether a table
// still needs its initial populate. It works on the tables directly so it
// does not need the application's model definitions.

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// bookkeepingColumns are excluded when comparing two snapshots for dedupe.
var bookkeepingColumns = map[string]bool{
	"history_id":            true,
	"history_date":          true,
	"history_type":          true,
	"history_user_id":       true,
	"history_change_reason": true,
}

func main() {
	var action string
	var table string
	var prefix string
	var keyColumn string
	var olderThan string
	flag.StringVar(&action, "action", "tables", "one of: tables, count, purge, dedupe, populate-check")
	flag.StringVar(&table, "table", "", "shadow table to operate on")
	flag.StringVar(&prefix, "prefix", "historical_", "shadow table name prefix")
	flag.StringVar(&keyColumn, "key", "id", "original-key column of the shadow table (dedupe)")
	flag.StringVar(&olderThan, "older-than", "", "RFC3339 cutoff; purge removes snapshots before it")
	flag.Parse()

	mode := utils.GetEnv("APP_ENV", "development", nil)
	log, err := logger.New(mode)
	if err != nil {
		fmt.Printf("init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	pg, err := db.NewPostgresService(log)
	if err != nil {
		fmt.Printf("connect: %v\n", err)
		os.Exit(1)
	}
	gdb := pg.DB()

	switch action {
	case "tables":
		var names []string
		err := gdb.Raw(
			`SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_name LIKE ? ORDER BY table_name`,
			prefix+"%",
		).Scan(&names).Error
		if err != nil {
			fmt.Printf("list tables: %v\n", err)
			os.Exit(1)
		}
		for _, n := range names {
			fmt.Println(n)
		}
		fmt.Printf("done; tables=%d\n", len(names))

	case "count":
		requireIdent("-table", table)
		var n int64
		if err := gdb.Table(table).Count(&n).Error; err != nil {
			fmt.Printf("count %s: %v\n", table, err)
			os.Exit(1)
		}
		fmt.Printf("%s rows=%d\n", table, n)

	case "purge":
		requireIdent("-table", table)
		if olderThan == "" {
			fmt.Println("purge requires -older-than")
			os.Exit(1)
		}
		cutoff, err := time.Parse(time.RFC3339, strings.TrimSpace(olderThan))
		if err != nil {
			fmt.Printf("parse -older-than: %v\n", err)
			os.Exit(1)
		}
		res := gdb.Exec(fmt.Sprintf(`DELETE FROM %q WHERE "history_date" < ?`, table), cutoff)
		if res.Error != nil {
			fmt.Printf("purge %s: %v\n", table, res.Error)
			os.Exit(1)
		}
		fmt.Printf("done; purged=%d\n", res.RowsAffected)

	case "dedupe":
		requireIdent("-table", table)
		requireIdent("-key", keyColumn)
		removed, err := dedupe(gdb, table, keyColumn)
		if err != nil {
			fmt.Printf("dedupe %s: %v\n", table, err)
			os.Exit(1)
		}
		fmt.Printf("done; removed=%d\n", removed)

	case "populate-check":
		requireIdent("-table", table)
		live := strings.TrimPrefix(table, prefix)
		var shadowRows, liveRows int64
		if err := gdb.Table(table).Count(&shadowRows).Error; err != nil {
			fmt.Printf("count %s: %v\n", table, err)
			os.Exit(1)
		}
		if err := gdb.Table(live).Count(&liveRows).Error; err != nil {
			fmt.Printf("count %s: %v\n", live, err)
			os.Exit(1)
		}
		fmt.Printf("%s rows=%d, %s rows=%d\n", live, liveRows, table, shadowRows)
		if shadowRows == 0 && liveRows > 0 {
			fmt.Println("populate needed: live rows exist but no history")
			os.Exit(2)
		}
		fmt.Println("ok")

	default:
		fmt.Printf("unknown action %q\n", action)
		os.Exit(1)
	}
}

func requireIdent(name, v string) {
	if v == "" || !identPattern.MatchString(v) {
		fmt.Printf("a valid %s is required\n", name)
		os.Exit(1)
	}
}

// dedupe removes consecutive snapshots within each key's chain whose
// non-bookkeeping values did not change.
func dedupe(gdb *gorm.DB, table, keyColumn string) (int64, error) {
	var rows []map[string]any
	err := gdb.Table(table).
		Order(fmt.Sprintf(`%q, "history_date" ASC, "history_id" ASC`, keyColumn)).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}

	var duplicates []any
	var prev map[string]any
	for _, row := range rows {
		if prev != nil && render(prev[keyColumn]) == render(row[keyColumn]) && sameValues(prev, row) {
			duplicates = append(duplicates, row["history_id"])
		} else {
			prev = row
		}
	}
	if len(duplicates) == 0 {
		return 0, nil
	}
	res := gdb.Exec(fmt.Sprintf(`DELETE FROM %q WHERE "history_id" IN ?`, table), duplicates)
	return res.RowsAffected, res.Error
}

func sameValues(a, b map[string]any) bool {
	for k, av := range a {
		if bookkeepingColumns[k] {
			continue
		}
		if render(av) != render(b[k]) {
			return false
		}
	}
	return true
}

func render(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}
