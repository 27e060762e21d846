package deletecall

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/callsync/internal/app"
	"github.com/tphakala/callsync/internal/conf"
)

// Command creates the command that deletes call records from the local
// store.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <composite-id>...",
		Short: "Delete call records from the local store",
		Long: `Delete call records from the local store and rebuild the per-person totals.
A compressed copy made for upload is removed; the original recording file is
kept. Records whose recording is being compressed or uploaded are refused.

Examples:
  callsync delete device:1042`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			var failed int
			for _, id := range args {
				if _, err := a.Store.DeleteCall(cmd.Context(), id); err != nil {
					fmt.Printf("%s: %v\n", id, err)
					failed++
					continue
				}
				fmt.Printf("%s: deleted\n", id)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d records could not be deleted", failed, len(args))
			}
			return nil
		},
	}

	return cmd
}
