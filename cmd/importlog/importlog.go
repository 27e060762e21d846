package importlog

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/callsync/internal/app"
	"github.com/tphakala/callsync/internal/conf"
)

// Command creates the command that imports call-log export files.
func Command(settings *conf.Settings) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "import <export.json>...",
		Short: "Import call-log exports into the local store",
		Long: `Import call-log exports (a JSON array or JSON lines) into the local store.
Importing the same export again is a no-op; edited entries are refreshed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if source != "" {
				settings.Import.Source = source
			}

			a, err := app.New(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			im := a.Importer()
			for _, path := range args {
				res, err := im.ImportFile(cmd.Context(), path)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d read, %d inserted, %d updated, %d unchanged, %d skipped\n",
					path, res.Read, res.Inserted, res.Updated, res.Unchanged, res.Skipped())
				for _, p := range res.Problems {
					fmt.Printf("  entry %d: %v\n", p.Entry, p.Err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Source discriminator for entries that do not name one (default from config)")

	return cmd
}
