package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound 表示记录不存在
var ErrNotFound = errors.New("not found")

// 进程记录状态
const (
	StateRunning = "running"
	StateExited  = "exited"
	StateKilled  = "killed"
	StateLost    = "lost" // 记录为运行中但进程已不存在且不再被跟踪
)

// ProcessRecord 进程日志实体
type ProcessRecord struct {
	ID         string     `json:"id"`
	PID        int        `json:"pid"`
	Host       string     `json:"host"`
	ExecPath   string     `json:"exec_path"`
	Args       []string   `json:"args"`
	Visible    bool       `json:"visible"`
	State      string     `json:"state"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
	StdoutPath string     `json:"stdout_path,omitempty"`
	StderrPath string     `json:"stderr_path,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	ExitedAt   *time.Time `json:"exited_at,omitempty"`
}

// ProcessFilter 查询条件，零值字段不参与过滤
type ProcessFilter struct {
	State string
	PID   int
	Host  string
	Limit int
}

var hostname = localHostname()

func localHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

// Hostname 返回写入记录时使用的主机名
func Hostname() string {
	return hostname
}

// 时间统一以 UTC 写入，保证按字符串比较时顺序正确
const processColumns = `id, pid, host, exec_path, args, visible, state, exit_code, error,
	stdout_path, stderr_path, started_at, exited_at`

// InsertProcess 写入一条 running 记录。ID 为空时生成 uuid，Host 为空时使用本机名。
func (db *DB) InsertProcess(rec *ProcessRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Host == "" {
		rec.Host = hostname
	}
	if rec.State == "" {
		rec.State = StateRunning
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	if rec.Args == nil {
		rec.Args = []string{}
	}

	args, err := json.Marshal(rec.Args)
	if err != nil {
		return err
	}

	_, err = db.Exec(
		`INSERT INTO processes (`+processColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PID, rec.Host, rec.ExecPath, string(args), rec.Visible, rec.State,
		nullableInt(rec.ExitCode), rec.Error, rec.StdoutPath, rec.StderrPath,
		rec.StartedAt.UTC(), nullableTime(rec.ExitedAt),
	)
	return err
}

// MarkProcessExited 记录进程退出。state 为 exited 或 killed。
func (db *DB) MarkProcessExited(id, state string, exitCode int, errMsg string, at time.Time) error {
	result, err := db.Exec(
		"UPDATE processes SET state = ?, exit_code = ?, error = ?, exited_at = ? WHERE id = ?",
		state, exitCode, errMsg, at.UTC(), id,
	)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// MarkProcessLost 将仍为 running 的记录标记为 lost
func (db *DB) MarkProcessLost(id string, at time.Time) error {
	result, err := db.Exec(
		"UPDATE processes SET state = ?, exited_at = ? WHERE id = ? AND state = ?",
		StateLost, at.UTC(), id, StateRunning,
	)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// GetProcess 获取单条记录
func (db *DB) GetProcess(id string) (*ProcessRecord, error) {
	row := db.QueryRow("SELECT "+processColumns+" FROM processes WHERE id = ?", id)
	rec, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListProcesses 按启动时间倒序列出记录
func (db *DB) ListProcesses(f ProcessFilter) ([]*ProcessRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	if f.PID != 0 {
		where = append(where, "pid = ?")
		args = append(args, f.PID)
	}
	if f.Host != "" {
		where = append(where, "host = ?")
		args = append(args, f.Host)
	}

	query := "SELECT " + processColumns + " FROM processes"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ProcessRecord
	for rows.Next() {
		rec, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListRunningProcesses 列出本机所有 running 记录
func (db *DB) ListRunningProcesses() ([]*ProcessRecord, error) {
	return db.ListProcesses(ProcessFilter{State: StateRunning, Host: hostname})
}

// PruneProcesses 删除 before 之前结束的记录，返回删除条数。running 记录不会被删除。
func (db *DB) PruneProcesses(before time.Time) (int64, error) {
	result, err := db.Exec(
		"DELETE FROM processes WHERE state != ? AND exited_at IS NOT NULL AND exited_at < ?",
		StateRunning, before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProcess(row rowScanner) (*ProcessRecord, error) {
	var (
		rec      ProcessRecord
		args     string
		exitCode sql.NullInt64
		exitedAt sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.PID, &rec.Host, &rec.ExecPath, &args, &rec.Visible, &rec.State,
		&exitCode, &rec.Error, &rec.StdoutPath, &rec.StderrPath, &rec.StartedAt, &exitedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(args), &rec.Args); err != nil {
		return nil, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	if exitedAt.Valid {
		t := exitedAt.Time
		rec.ExitedAt = &t
	}
	return &rec, nil
}

func expectAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC()
}
