package run

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/callsync/internal/app"
	"github.com/tphakala/callsync/internal/conf"
)

// Command creates the command that runs callsync as a service.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		watch  bool
		listen string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync scheduler, inbox watcher and control API",
		Long:  "Run callsync until interrupted: sync passes on the configured interval, import call-log exports dropped into the inbox and serve the local control API.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Flags override the config file only when given.
			if cmd.Flags().Changed("watch") {
				settings.Import.Watch = watch
			}
			if cmd.Flags().Changed("listen") {
				settings.API.Enabled = true
				settings.API.Listen = listen
			}

			a, err := app.New(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return a.Run(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Watch the inbox directory for call-log exports")
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address of the control API, enables it")

	return cmd
}
