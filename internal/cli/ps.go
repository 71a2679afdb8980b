package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"procvisor/internal/gateway"
	"procvisor/internal/procutil"
	"procvisor/internal/storage"
)

// PsOptions ps 命令选项
type PsOptions struct {
	State string
	Limit int
	JSON  bool
	Live  bool
}

// NewPsCmd creates the ps command.
func NewPsCmd() *cobra.Command {
	opts := &PsOptions{}

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List supervised processes",
		Long: `List processes from the journal, newest first.

With --live the processes tracked by a running "procvisor serve" are listed
instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPs(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.State, "state", "", "filter by state (running, exited, killed, lost)")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum number of rows")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&opts.Live, "live", false, "query the running server instead of the journal")

	return cmd
}

// psRow is one line of ps output, from either source.
type psRow struct {
	ID       string
	PID      int
	State    string
	ExitCode *int
	Started  time.Time
	Command  string
}

func runPs(cmd *cobra.Command, opts *PsOptions) error {
	cliCtx, err := requireCLIContext(cmd)
	if err != nil {
		return err
	}

	var rows []psRow
	var raw any
	if opts.Live {
		infos, err := gateway.NewClient(cliCtx.Config.Server).Processes(cmd.Context())
		if err != nil {
			return fmt.Errorf("query server: %w", err)
		}
		infos = filterInfos(infos, opts.State, opts.Limit)
		rows = rowsFromInfos(infos)
		raw = infos
	} else {
		db, err := cliCtx.GetStorage()
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		records, err := db.ListProcesses(storage.ProcessFilter{State: opts.State, Limit: opts.Limit})
		if err != nil {
			return err
		}
		rows = rowsFromRecords(records)
		raw = records
	}

	out := cmd.OutOrStdout()
	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(raw)
	}
	writeRows(out, rows, isTerminal(out))
	return nil
}

func rowsFromRecords(records []*storage.ProcessRecord) []psRow {
	rows := make([]psRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, psRow{
			ID:       r.ID,
			PID:      r.PID,
			State:    r.State,
			ExitCode: r.ExitCode,
			Started:  r.StartedAt,
			Command:  commandString(r.ExecPath, r.Args),
		})
	}
	return rows
}

func rowsFromInfos(infos []procutil.Info) []psRow {
	rows := make([]psRow, 0, len(infos))
	for _, info := range infos {
		row := psRow{
			ID:      info.ID,
			PID:     int(info.PID),
			State:   info.State,
			Started: info.StartedAt,
			Command: commandString(info.Path, info.Args),
		}
		if !info.Alive() {
			code := info.ExitCode
			row.ExitCode = &code
		}
		rows = append(rows, row)
	}
	return rows
}

// commandString renders argv, which already starts with the executable.
func commandString(path string, argv []string) string {
	if len(argv) == 0 {
		return path
	}
	return strings.Join(argv, " ")
}

func filterInfos(infos []procutil.Info, state string, limit int) []procutil.Info {
	out := infos[:0]
	for _, info := range infos {
		if state != "" && info.State != state {
			continue
		}
		out = append(out, info)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// writeRows prints an aligned table for terminals and tab separated values
// otherwise, so the output can be piped into cut or awk.
func writeRows(out io.Writer, rows []psRow, table bool) {
	if !table {
		for _, r := range rows {
			fmt.Fprintf(out, "%s\t%d\t%s\t%s\t%s\t%s\n",
				r.ID, r.PID, r.State, exitCodeString(r.ExitCode), r.Started.Format(time.RFC3339), r.Command)
		}
		return
	}

	if len(rows) == 0 {
		fmt.Fprintln(out, "No processes.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPID\tSTATE\tEXIT\tSTARTED\tCOMMAND")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			shortID(r.ID), r.PID, r.State, exitCodeString(r.ExitCode),
			r.Started.Local().Format("2006-01-02 15:04:05"), truncate(r.Command, 60))
	}
	tw.Flush()
}

func exitCodeString(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *code)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
