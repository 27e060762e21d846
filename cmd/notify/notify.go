package notify

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/callsync/internal/conf"
	"github.com/tphakala/callsync/internal/logger"
	notifier "github.com/tphakala/callsync/internal/notify"
)

// Command returns a cobra command that sends a test message through the
// configured notification services.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		title   string
		message string
		urls    []string
	)

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Send a test notification",
		Long: `Send a test message through the notification services configured under
notify.urls, or through the URLs given with --url.

Examples:
  # Use the configured services
  callsync notify

  # Try a service URL before adding it to the config
  callsync notify --url="ntfy://ntfy.sh/my-callsync-topic" --message="Hello"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ns := settings.Notify
			if len(urls) > 0 {
				ns.URLs = urls
			}
			ns.Enabled = true

			log := logger.NewSlogLogger(cmd.ErrOrStderr(), logger.LogLevelWarn, nil)
			n, err := notifier.New(&ns, log)
			if err != nil {
				return err
			}
			if err := n.Send(title, message); err != nil {
				return fmt.Errorf("failed to send notification: %w", err)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Notification sent to %d service(s)\n", len(ns.URLs))
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "callsync: test notification", "Notification title")
	cmd.Flags().StringVar(&message, "message", "This is a test notification from callsync", "Notification message")
	cmd.Flags().StringSliceVar(&urls, "url", nil, "Service URL to send to instead of notify.urls (repeatable)")

	return cmd
}
