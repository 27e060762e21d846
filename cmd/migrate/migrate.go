package migrate

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/callsync/internal/app"
	"github.com/tphakala/callsync/internal/conf"
	"github.com/tphakala/callsync/internal/datastore"
)

// Command creates the command that applies pending schema migrations.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Opening the app migrates the store.
			a, err := app.New(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			applied, err := datastore.AppliedVersions(cmd.Context(), a.Store.DB())
			if err != nil {
				return err
			}
			for _, m := range datastore.Migrations() {
				state := "pending"
				if applied[m.Version] {
					state = "applied"
				}
				fmt.Printf("%3d  %-28s %s\n", m.Version, m.Name, state)
			}
			return nil
		},
	}

	return cmd
}
