package syncpass

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tphakala/callsync/internal/app"
	"github.com/tphakala/callsync/internal/conf"
)

// Command creates the command that runs a single sync pass.
func Command(settings *conf.Settings) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			orch, err := a.Orchestrator(cmd.Context())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if settings.Sync.PassTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, settings.Sync.PassTimeout)
				defer cancel()
			}
			report := orch.RunPass(ctx)

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			fmt.Println(report.Summary())
			for _, e := range report.Errors {
				fmt.Println("  error:", e)
			}
			if report.Failures() > 0 {
				fmt.Println("Run 'callsync status --failed' to list failed records.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the pass report as JSON")

	return cmd
}
