// Package storage keeps the process journal in a local SQLite database.
package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"procvisor/internal/config"
	"procvisor/internal/storage/migrations"

	_ "modernc.org/sqlite"
)

// pragmas are applied by the driver to every pooled connection. busy_timeout
// and foreign_keys are per-connection settings, so running them once through
// db.Exec would only cover whichever connection happened to serve the call.
var pragmas = []string{
	"journal_mode(WAL)",
	"foreign_keys(ON)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
}

// DB 封装进程日志数据库连接
type DB struct {
	*sql.DB
	path string
}

// Open 打开数据库并执行迁移
// path 为空时使用 ~/.procvisor/journal.db
func Open(path string) (*DB, error) {
	if path == "" {
		p, err := config.DefaultDataPath()
		if err != nil {
			return nil, fmt.Errorf("default data path: %w", err)
		}
		path = p
	}

	expandedPath, err := config.ExpandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expandedPath), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(expandedPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &DB{DB: db, path: expandedPath}, nil
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// Path 返回数据库文件路径
func (db *DB) Path() string {
	return db.path
}

// SchemaVersion 返回已应用的最高迁移版本
func (db *DB) SchemaVersion() (int, error) {
	return migrations.Version(db.DB)
}

// CountByState 按状态统计记录数
func (db *DB) CountByState() (map[string]int, error) {
	rows, err := db.Query("SELECT state, COUNT(*) FROM processes GROUP BY state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}
