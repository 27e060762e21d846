package compress

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/callsync/internal/compressor"
	"github.com/tphakala/callsync/internal/conf"
	"github.com/tphakala/callsync/internal/logger"
)

// Command creates the command that compresses a single recording, for
// checking the compression settings.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compress <input> <output>",
		Short: "Compress one recording with the configured settings",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.NewSlogLogger(cmd.ErrOrStderr(), logLevel(settings), nil)
			c := compressor.NewFromSettings(&settings.Compression, log)

			outcome := c.Compress(cmd.Context(), args[0], args[1])
			fmt.Println(outcome.String())
			if !outcome.HasOutput() {
				return fmt.Errorf("no output written: %w", outcome.Err)
			}
			return nil
		},
	}

	return cmd
}

func logLevel(settings *conf.Settings) logger.LogLevel {
	if settings.Debug {
		return logger.LogLevelDebug
	}
	return logger.LogLevelWarn
}
