package storage

import (
	"github.com/rs/zerolog"

	"procvisor/internal/procutil"
	"procvisor/pkg/logger"
)

// Journal 将 procutil 生命周期事件写入 processes 表
type Journal struct {
	db  *DB
	log *zerolog.Logger
}

var _ procutil.Observer = (*Journal)(nil)

// NewJournal 创建进程日志
func NewJournal(db *DB) *Journal {
	return &Journal{db: db, log: logger.Component("journal")}
}

// ProcessStarted 写入 running 记录
func (j *Journal) ProcessStarted(info procutil.Info) {
	rec := &ProcessRecord{
		ID:         info.ID,
		PID:        int(info.PID),
		ExecPath:   info.Path,
		Args:       info.Args,
		Visible:    info.Visible,
		State:      StateRunning,
		StdoutPath: info.StdoutPath,
		StderrPath: info.StderrPath,
		StartedAt:  info.StartedAt,
	}
	if err := j.db.InsertProcess(rec); err != nil {
		j.log.Error().Err(err).Str("id", info.ID).Int("pid", int(info.PID)).Msg("journal insert failed")
	}
}

// ProcessExited 记录退出状态
func (j *Journal) ProcessExited(info procutil.Info) {
	state := StateExited
	if info.State == procutil.StateKilled {
		state = StateKilled
	}
	err := j.db.MarkProcessExited(info.ID, state, info.ExitCode, info.Error, info.ExitedAt)
	if err != nil {
		j.log.Error().Err(err).Str("id", info.ID).Int("pid", int(info.PID)).Msg("journal update failed")
	}
}
