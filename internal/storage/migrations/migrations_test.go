package migrations

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRun(t *testing.T) {
	db := openTestDB(t)

	// 首次执行迁移
	if err := Run(db); err != nil {
		t.Fatalf("first migration run: %v", err)
	}

	// 验证版本 (should be the number of migration scripts)
	version, err := Version(db)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	// 001_processes.sql, 002_process_host.sql
	expectedVersion := 2
	if version != expectedVersion {
		t.Errorf("version = %d, want %d", version, expectedVersion)
	}

	// 验证表已创建
	tables := []string{"processes", "_migrations"}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestRun_Idempotent(t *testing.T) {
	db := openTestDB(t)

	// 执行两次迁移
	if err := Run(db); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := Run(db); err != nil {
		t.Fatalf("second run: %v", err)
	}

	// 版本应该不变
	version, err := Version(db)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	// Should be the number of migration scripts
	expectedVersion := 2
	if version != expectedVersion {
		t.Errorf("version = %d, want %d", version, expectedVersion)
	}

	// 确认只有对应数量的迁移记录
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != expectedVersion {
		t.Errorf("migration count = %d, want %d", count, expectedVersion)
	}
}

func TestPending(t *testing.T) {
	db := openTestDB(t)

	// 创建迁移表但不执行迁移
	if err := ensureMigrationsTable(db); err != nil {
		t.Fatalf("ensure migrations table: %v", err)
	}

	// 应该有待执行的迁移
	pending, err := Pending(db)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	// Number of migration scripts
	expectedPending := 2
	if len(pending) != expectedPending {
		t.Fatalf("pending count = %d, want %d", len(pending), expectedPending)
	}

	// 执行迁移后
	if err := Run(db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	if pending[0].Name != "001_processes.sql" || pending[1].Version != 2 {
		t.Errorf("pending = %+v", pending)
	}

	pending, err = Pending(db)
	if err != nil {
		t.Fatalf("get pending after run: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending count after run = %d, want 0", len(pending))
	}
}

func TestVersion_EmptyDB(t *testing.T) {
	db := openTestDB(t)

	// 创建迁移表
	if err := ensureMigrationsTable(db); err != nil {
		t.Fatalf("ensure migrations table: %v", err)
	}

	// 空数据库版本应该是 0
	version, err := Version(db)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if version != 0 {
		t.Errorf("version = %d, want 0", version)
	}
}

func TestRun_ProcessHostColumn(t *testing.T) {
	db := openTestDB(t)
	if err := Run(db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	rows, err := db.Query("PRAGMA table_info(processes)")
	if err != nil {
		t.Fatalf("table_info: %v", err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notnull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if name == "host" {
			found = true
		}
	}
	if !found {
		t.Error("processes.host column missing")
	}
}

func TestParseVersion(t *testing.T) {
	v, err := parseVersion("002_process_host.sql")
	if err != nil || v != 2 {
		t.Errorf("parseVersion = %d, %v", v, err)
	}
	for _, name := range []string{"readme.sql", "abc_processes.sql", "000_zero.sql"} {
		if _, err := parseVersion(name); err == nil {
			t.Errorf("parseVersion(%q): expected error", name)
		}
	}
}

func TestHistory(t *testing.T) {
	db := openTestDB(t)
	if err := Run(db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	history, err := History(db)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2", len(history))
	}
	if history[1].Name != "002_process_host.sql" {
		t.Errorf("history[1].Name = %q", history[1].Name)
	}
	if history[0].AppliedAt.IsZero() {
		t.Error("applied_at not recorded")
	}
}

func TestLoad_RejectsBadScripts(t *testing.T) {
	tests := []struct {
		name    string
		fsys    fstest.MapFS
		wantErr string
	}{
		{
			name: "duplicate version",
			fsys: fstest.MapFS{
				"scripts/001_a.sql": {Data: []byte("SELECT 1;")},
				"scripts/001_b.sql": {Data: []byte("SELECT 1;")},
			},
			wantErr: "share version 1",
		},
		{
			name: "unnumbered",
			fsys: fstest.MapFS{
				"scripts/processes.sql": {Data: []byte("SELECT 1;")},
			},
			wantErr: "invalid migration filename",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(openTestDB(t), tt.fsys)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("run() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_SortsByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"scripts/010_late.sql":  {Data: []byte("CREATE TABLE late (id INTEGER);")},
		"scripts/002_early.sql": {Data: []byte("CREATE TABLE early (id INTEGER);")},
		"scripts/notes.txt":     {Data: []byte("ignored")},
	}
	all, err := load(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(all) != 2 || all[0].Version != 2 || all[1].Version != 10 {
		t.Errorf("load = %+v", all)
	}
}
