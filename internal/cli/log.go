package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/txmon/internal/txlog"
)

// LogEntry is the JSON form of a log row.
type LogEntry struct {
	XID      string    `json:"xid"`
	PID      int       `json:"pid"`
	State    string    `json:"state"`
	Started  time.Time `json:"started"`
	Updated  time.Time `json:"updated,omitzero"`
	Deadline time.Time `json:"deadline,omitzero"`
}

// NewLogCommand creates the log command group.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect the transaction log",
	}
	cmd.AddCommand(newLogListCommand(rootOpts))
	return cmd
}

func newLogListCommand(rootOpts *RootOptions) *cobra.Command {
	var db string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the rows of a transaction log",
		Long: `List the rows of a transaction log, oldest first.

Rows belong to transactions that are active, decided but not yet finished,
or that ended with a heuristic outcome and wait for an operator.

Example:
  txmon log list --db /var/lib/txmon/tx.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := txlog.Open(db)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open transaction log", err)
			}
			defer log.Close()

			entries, err := txlog.Collect(log.Scan(cmd.Context()))
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read transaction log", err)
			}
			rows := make([]LogEntry, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, LogEntry{
					XID:      e.XID.String(),
					PID:      e.PID,
					State:    e.State.String(),
					Started:  e.Started,
					Updated:  e.Updated,
					Deadline: e.Deadline,
				})
			}
			return rootOpts.formatter(cmd).Success(rows, func(w io.Writer) {
				renderLog(w, rows, time.Now())
			})
		},
	}
	cmd.Flags().StringVar(&db, "db", "txmon.db", "path to the transaction log")
	return cmd
}

func renderLog(w io.Writer, rows []LogEntry, now time.Time) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "Log is empty.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "XID\tSTATE\tPID\tSTARTED\tDEADLINE")
	for _, r := range rows {
		deadline := "-"
		if !r.Deadline.IsZero() {
			deadline = humanize.RelTime(r.Deadline, now, "ago", "from now")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.XID, r.State, r.PID, humanize.RelTime(r.Started, now, "ago", "from now"), deadline)
	}
	tw.Flush()
}
