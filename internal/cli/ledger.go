package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"slot-upload-daemon/internal/recording"
)

// LedgerCmd groups the ledger inspection and repair commands.
func LedgerCmd(cfgPath string, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or repair the recording ledger",
	}

	var pendingOnly bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recordings and their upload state",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cfgPath, logger)
			if err != nil {
				return err
			}
			defer e.Close()

			recs, err := e.records.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FILE\tSTATUS\tSIZE\tATTEMPTS\tLAST ERROR")
			for _, rec := range recs {
				if pendingOnly && rec.Status == recording.StatusUploaded {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", rec.FileName, recordState(rec), sizeLabel(rec), rec.UploadAttempts, lastError(rec))
			}
			return w.Flush()
		},
	}
	listCmd.Flags().BoolVar(&pendingOnly, "pending", false, "only show recordings that are not uploaded")

	var output string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export the ledger as JSON keyed by file name",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cfgPath, logger)
			if err != nil {
				return err
			}
			defer e.Close()

			snap, err := e.store.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
	exportCmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")

	resetCmd := &cobra.Command{
		Use:   "reset <file>",
		Short: "Clear the attempts and error of a recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cfgPath, logger)
			if err != nil {
				return err
			}
			defer e.Close()

			rec, err := e.records.ResetUploadStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s reset to %s.\n", rec.FileName, rec.Status)
			return nil
		},
	}

	cmd.AddCommand(listCmd, exportCmd, resetCmd)
	return cmd
}

// HistoryCmd lists successful uploads, newest first.
func HistoryCmd(cfgPath string, logger *slog.Logger) *cobra.Command {
	var limit int
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the upload history",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cfgPath, logger)
			if err != nil {
				return err
			}
			defer e.Close()

			if rebuild {
				n, err := e.records.RebuildHistory(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "History rebuilt from %d uploaded recordings.\n", n)
			}

			hist, err := e.store.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(hist) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No uploads yet.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UPLOADED AT\tFILE\tSIZE\tDATE")
			for _, h := range hist {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", h.UploadedAt.In(e.loc).Format(time.DateTime), h.FileName, h.FileSizeBytes, h.OriginalDate)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of entries, 0 for all")
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "regenerate the history from the ledger first")
	return cmd
}

func recordState(rec recording.Record) string {
	switch {
	case !rec.FileExists:
		return "MISSING"
	case rec.IsRecordingFailed():
		return "RECORDING_FAILED"
	case rec.IsForced():
		return "FORCE_PENDING"
	}
	return string(rec.Status)
}

func sizeLabel(rec recording.Record) string {
	if !rec.FileExists {
		return "-"
	}
	return fmt.Sprintf("%d", rec.FileSizeBytes)
}

func lastError(rec recording.Record) string {
	if rec.LastUploadError == nil || rec.IsForced() {
		return ""
	}
	return *rec.LastUploadError
}
