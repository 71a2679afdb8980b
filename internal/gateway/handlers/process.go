package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"procvisor/internal/procutil"
	"procvisor/internal/storage"
)

// ProcessManager is the part of procutil.Manager the handlers use.
type ProcessManager interface {
	Spawn(execPath, cmdLine string, visible bool) (procutil.Handle, error)
	IsAlive(h procutil.Handle) bool
	Kill(h procutil.Handle) error
	Stop(ctx context.Context, h procutil.Handle, grace time.Duration) error
	Wait(ctx context.Context, h procutil.Handle) error
	WaitTimeout(h procutil.Handle, d time.Duration) bool
	Get(h procutil.Handle) (procutil.Info, bool)
	List() []procutil.Info
}

// JournalReader lists journal rows.
type JournalReader interface {
	ListProcesses(f storage.ProcessFilter) ([]*storage.ProcessRecord, error)
}

// MaxWaitTimeout caps the timeout accepted by the wait endpoint.
const MaxWaitTimeout = 10 * time.Minute

// ProcessHandler handles process lifecycle endpoints.
type ProcessHandler struct {
	manager ProcessManager
	journal JournalReader
}

// NewProcessHandler creates a process handler. journal may be nil.
func NewProcessHandler(manager ProcessManager, journal JournalReader) *ProcessHandler {
	return &ProcessHandler{manager: manager, journal: journal}
}

// RegisterRoutes registers process routes on the router.
func (h *ProcessHandler) RegisterRoutes(router *mux.Router) {
	sub := router.PathPrefix("/api/v1").Subrouter()

	sub.HandleFunc("/processes", h.HandleSpawn).Methods("POST")
	sub.HandleFunc("/processes", h.HandleList).Methods("GET")
	sub.HandleFunc("/processes/{pid:[0-9]+}", h.HandleGet).Methods("GET")
	sub.HandleFunc("/processes/{pid:[0-9]+}/kill", h.HandleKill).Methods("POST")
	sub.HandleFunc("/processes/{pid:[0-9]+}/stop", h.HandleStop).Methods("POST")
	sub.HandleFunc("/processes/{pid:[0-9]+}/wait", h.HandleWait).Methods("POST")

	sub.HandleFunc("/journal", h.HandleJournal).Methods("GET")
}

// SpawnRequest is the body of POST /api/v1/processes. Either CmdLine (TAB
// separated, as accepted by procutil) or Args may be given.
type SpawnRequest struct {
	ExecPath string   `json:"exec_path"`
	CmdLine  string   `json:"cmd_line,omitempty"`
	Args     []string `json:"args,omitempty"`
	Visible  bool     `json:"visible,omitempty"`
}

// SpawnResponse is returned after a successful spawn.
type SpawnResponse struct {
	PID int    `json:"pid"`
	ID  string `json:"id,omitempty"`
}

// StatusResponse describes a pid, tracked or not.
type StatusResponse struct {
	PID     int            `json:"pid"`
	Alive   bool           `json:"alive"`
	Tracked bool           `json:"tracked"`
	Exists  bool           `json:"exists"`
	Process *procutil.Info `json:"process,omitempty"`
}

// WaitResponse reports the outcome of a wait.
type WaitResponse struct {
	PID    int  `json:"pid"`
	Exited bool `json:"exited"`
}

// HandleSpawn starts a process.
func (h *ProcessHandler) HandleSpawn(w http.ResponseWriter, r *http.Request) {
	var req SpawnRequest
	if err := DecodeJSON(r, &req); err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.ExecPath == "" {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "exec_path is required")
		return
	}
	if req.CmdLine != "" && len(req.Args) > 0 {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "cmd_line and args are mutually exclusive")
		return
	}

	cmdLine := req.CmdLine
	if len(req.Args) > 0 {
		cmdLine = "\t" + strings.Join(req.Args, "\t")
	}

	log := zerolog.Ctx(r.Context())
	pid, err := h.manager.Spawn(req.ExecPath, cmdLine, req.Visible)
	if err != nil {
		log.Warn().Err(err).Str("exec_path", req.ExecPath).Msg("spawn rejected")
		if errors.Is(err, procutil.ErrEmptyCommand) {
			SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
			return
		}
		SendError(w, http.StatusUnprocessableEntity, ErrCodeSpawnFailed, err.Error())
		return
	}

	log.Info().Int("pid", int(pid)).Str("exec_path", req.ExecPath).Msg("spawned via API")

	resp := SpawnResponse{PID: int(pid)}
	if info, ok := h.manager.Get(pid); ok {
		resp.ID = info.ID
	}
	SendJSON(w, http.StatusCreated, resp)
}

// HandleList returns the processes tracked in memory.
func (h *ProcessHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	SendJSON(w, http.StatusOK, map[string]any{
		"processes": h.manager.List(),
	})
}

// HandleGet reports the status of a pid.
func (h *ProcessHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidVar(w, r)
	if !ok {
		return
	}

	resp := StatusResponse{PID: int(pid), Alive: h.manager.IsAlive(pid)}
	if info, tracked := h.manager.Get(pid); tracked {
		resp.Tracked = true
		resp.Exists = info.Alive()
		resp.Process = &info
	} else {
		resp.Exists = procutil.PIDExists(int(pid))
	}
	SendJSON(w, http.StatusOK, resp)
}

// HandleKill forcibly terminates a process.
func (h *ProcessHandler) HandleKill(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidVar(w, r)
	if !ok {
		return
	}
	zerolog.Ctx(r.Context()).Info().Int("pid", int(pid)).Msg("kill requested")
	if err := h.manager.Kill(pid); err != nil {
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	h.sendStatus(w, pid)
}

// HandleStop asks a process to exit, killing it after ?grace=.
func (h *ProcessHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidVar(w, r)
	if !ok {
		return
	}
	grace, err := DurationParam(r, "grace", 0)
	if err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	zerolog.Ctx(r.Context()).Info().Int("pid", int(pid)).Dur("grace", grace).Msg("stop requested")
	if err := h.manager.Stop(r.Context(), pid, grace); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			SendError(w, http.StatusGatewayTimeout, ErrCodeGatewayTimeout, err.Error())
			return
		}
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	h.sendStatus(w, pid)
}

// HandleWait waits for a process to exit. Without ?timeout= it waits until
// the process exits or the client goes away.
func (h *ProcessHandler) HandleWait(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidVar(w, r)
	if !ok {
		return
	}
	timeout, err := DurationParam(r, "timeout", -1)
	if err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	if timeout > MaxWaitTimeout {
		timeout = MaxWaitTimeout
	}

	var exited bool
	if timeout < 0 {
		exited = h.manager.Wait(r.Context(), pid) == nil
	} else {
		exited = h.manager.WaitTimeout(pid, timeout)
	}
	SendJSON(w, http.StatusOK, WaitResponse{PID: int(pid), Exited: exited})
}

// HandleJournal lists journal rows. Query: state, pid, limit.
func (h *ProcessHandler) HandleJournal(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "journal disabled")
		return
	}

	q := r.URL.Query()
	filter := storage.ProcessFilter{State: q.Get("state"), Limit: 100}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("pid"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid pid")
			return
		}
		filter.PID = n
	}
	switch filter.State {
	case "", storage.StateRunning, storage.StateExited, storage.StateKilled, storage.StateLost:
	default:
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid state")
		return
	}

	records, err := h.journal.ListProcesses(filter)
	if err != nil {
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if records == nil {
		records = []*storage.ProcessRecord{}
	}
	SendJSON(w, http.StatusOK, map[string]any{
		"processes": records,
	})
}

func (h *ProcessHandler) sendStatus(w http.ResponseWriter, pid procutil.Handle) {
	resp := StatusResponse{PID: int(pid), Alive: h.manager.IsAlive(pid)}
	if info, ok := h.manager.Get(pid); ok {
		resp.Tracked = true
		resp.Process = &info
	}
	SendJSON(w, http.StatusOK, resp)
}

func pidVar(w http.ResponseWriter, r *http.Request) (procutil.Handle, bool) {
	pid, err := strconv.Atoi(mux.Vars(r)["pid"])
	if err != nil || pid <= 0 {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid pid")
		return 0, false
	}
	return procutil.Handle(pid), true
}
