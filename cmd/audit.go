// File: cmd/audit.go
package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/audit"
	"github.com/xkilldash9x/uipilot/internal/observability"
)

func newAuditCmd() *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the append-only run log",
	}
	auditCmd.AddCommand(newAuditListCmd())
	auditCmd.AddCommand(newAuditTailCmd())
	return auditCmd
}

func newAuditListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show recorded runs, newest last",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := audit.NewLog(observability.GetLogger(), cfg.Audit().Path).Read()
			if err != nil {
				return err
			}
			if limit > 0 && len(entries) > limit {
				entries = entries[len(entries)-limit:]
			}
			if len(entries) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No runs recorded in %s\n", cfg.Audit().Path)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderRuns(entries))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Show only the last N runs (0 for all)")
	return cmd
}

func newAuditTailCmd() *cobra.Command {
	var fromStart bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the run log and print runs as they finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return audit.Follow(cmd.Context(), observability.GetLogger(), cfg.Audit().Path, fromStart, func(r schemas.RunResult) error {
				writeRunLine(out, r)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "Print existing entries before following")
	return cmd
}

var runColumns = []string{"Time", "Run", "Context", "Parameter", "Result", "Failed state", "Artifact", "Size", "Elapsed"}

func renderRuns(entries []schemas.RunResult) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(runColumns))
	for i, c := range runColumns {
		header[i] = c
	}
	tw.AppendHeader(header)

	for _, r := range entries {
		tw.AppendRow(table.Row{
			r.Timestamp,
			shortID(r.RunID),
			r.Params.ContextID,
			r.Params.Parameter,
			outcomeLabel(r),
			string(r.FailedState),
			filepath.Base(r.ArtifactPath),
			sizeLabel(r),
			strconv.FormatInt(r.ElapsedMs, 10) + "ms",
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 8, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 9, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

func writeRunLine(w io.Writer, r schemas.RunResult) {
	if r.Success {
		fmt.Fprintf(w, "%s  %s  OK    %s (%d bytes)\n", r.Timestamp, shortID(r.RunID), r.ArtifactPath, r.SizeBytes)
		return
	}
	fmt.Fprintf(w, "%s  %s  FAIL  %s at %s: %s\n", r.Timestamp, shortID(r.RunID), r.ErrorKind, orDash(string(r.FailedState)), r.Error)
}

func outcomeLabel(r schemas.RunResult) string {
	if r.Success {
		return "ok"
	}
	return r.ErrorKind
}

func sizeLabel(r schemas.RunResult) string {
	if !r.Success {
		return ""
	}
	return strconv.FormatInt(r.SizeBytes, 10)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
