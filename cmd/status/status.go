package status

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/callsync/internal/app"
	"github.com/tphakala/callsync/internal/conf"
	"github.com/tphakala/callsync/internal/datastore"
	"github.com/tphakala/callsync/internal/datastore/entities"
	"github.com/tphakala/callsync/internal/syncstatus"
)

// Command creates the command that summarizes the store's sync state.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		failed  bool
		pending string
		limit   int
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync status counts and list failed or pending records",
		Long: `Show how many records are in each sync status.

Examples:
  callsync status
  callsync status --failed --limit=20
  callsync status --pending=recording`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			ctx := cmd.Context()

			var records []entities.CallRecord
			switch {
			case failed:
				records, err = a.Store.ListFailed(ctx, limit)
			case pending != "":
				kind, kerr := datastore.ParsePendingKind(pending)
				if kerr != nil {
					return kerr
				}
				records, err = a.Store.ListPending(ctx, kind)
			default:
				counts, cerr := a.Store.CountByStatus(ctx)
				if cerr != nil {
					return cerr
				}
				if asJSON {
					return printJSON(counts)
				}
				printCounts(counts)
				return nil
			}
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(records)
			}
			printRecords(records)
			return nil
		},
	}

	cmd.Flags().BoolVar(&failed, "failed", false, "List records with a FAILED axis")
	cmd.Flags().StringVar(&pending, "pending", "", "List pending records: metadata, recording or any")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of failed records to list (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printCounts(counts *datastore.StatusCounts) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "AXIS\tSTATUS\tRECORDS")
	for _, s := range slices.Sorted(maps.Keys(counts.Metadata)) {
		_, _ = fmt.Fprintf(w, "metadata\t%s\t%d\n", s, counts.Metadata[s])
	}
	for _, s := range slices.Sorted(maps.Keys(counts.Recording)) {
		_, _ = fmt.Fprintf(w, "recording\t%s\t%d\n", s, counts.Recording[s])
	}
}

func printRecords(records []entities.CallRecord) {
	if len(records) == 0 {
		fmt.Println("No records.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "ID\tCALLED AT\tNUMBER\tMETADATA\tRECORDING\tERROR")
	for i := range records {
		r := &records[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CompositeID,
			r.CallTime().Format(time.DateTime),
			r.NormalizedNumber,
			r.MetadataSyncStatus,
			r.RecordingSyncStatus,
			lastError(r))
	}
}

func lastError(r *entities.CallRecord) string {
	switch {
	case r.RecordingSyncStatus == syncstatus.RecordingFailed && r.SyncError != nil:
		return *r.SyncError
	case r.MetadataSyncStatus == syncstatus.MetadataFailed && r.MetadataSyncError != nil:
		return *r.MetadataSyncError
	}
	return ""
}
