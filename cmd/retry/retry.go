package retry

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/callsync/internal/app"
	"github.com/tphakala/callsync/internal/conf"
	"github.com/tphakala/callsync/internal/syncer"
)

// Command creates the command that resets failed records for another pass.
func Command(settings *conf.Settings) *cobra.Command {
	var axisName string

	cmd := &cobra.Command{
		Use:   "retry <composite-id>...",
		Short: "Reset failed records so the next pass retries them",
		Long: `Reset the FAILED metadata and/or recording status of one or more call
records back to PENDING. The records are picked up by the next sync pass.

Examples:
  callsync retry device:1042
  callsync retry --axis=recording device:1042 device:1043`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			axis, err := syncer.ParseAxis(axisName)
			if err != nil {
				return err
			}

			a, err := app.New(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			retrier := a.Retrier()
			var failed int
			for _, id := range args {
				res, err := retrier.Retry(cmd.Context(), id, axis)
				if err != nil {
					fmt.Printf("%s: %v\n", id, err)
					failed++
					continue
				}
				fmt.Printf("%s: metadata reset=%t, recording reset=%t\n", id, res.Metadata, res.Recording)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d records could not be retried", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&axisName, "axis", string(syncer.AxisAll), "Status axis to reset: metadata, recording or all")

	return cmd
}
