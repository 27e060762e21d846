package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/callsync/cmd/compress"
	"github.com/tphakala/callsync/cmd/configcmd"
	"github.com/tphakala/callsync/cmd/deletecall"
	"github.com/tphakala/callsync/cmd/importlog"
	"github.com/tphakala/callsync/cmd/migrate"
	"github.com/tphakala/callsync/cmd/notify"
	"github.com/tphakala/callsync/cmd/persons"
	"github.com/tphakala/callsync/cmd/retry"
	"github.com/tphakala/callsync/cmd/run"
	"github.com/tphakala/callsync/cmd/status"
	"github.com/tphakala/callsync/cmd/syncpass"
	"github.com/tphakala/callsync/internal/conf"
)

// RootCommand creates and returns the root command. settings is filled from
// the config file before any sub-command runs.
func RootCommand(settings *conf.Settings) *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "callsync",
		Short:         "Local-first call log sync",
		Long:          "callsync keeps a local call-log store and syncs call metadata and compressed recordings to a remote.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: search ./, ~/.config/callsync, /etc/callsync)")
	debug := rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")

	configCmd := configcmd.Command(&configPath)
	subcommands := []*cobra.Command{
		run.Command(settings),
		syncpass.Command(settings),
		retry.Command(settings),
		deletecall.Command(settings),
		persons.Command(settings),
		importlog.Command(settings),
		status.Command(settings),
		migrate.Command(settings),
		compress.Command(settings),
		notify.Command(settings),
		configCmd,
	}
	rootCmd.AddCommand(subcommands...)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// config init must work without a valid config file
		if cmd.HasParent() && cmd.Parent() == configCmd {
			return nil
		}
		return initialize(settings, configPath, *debug)
	}

	return rootCmd
}

// initialize loads the config file into settings, keeping runtime values.
func initialize(settings *conf.Settings, configPath string, debug bool) error {
	loaded, err := conf.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	loaded.Version = settings.Version
	loaded.Debug = loaded.Debug || debug
	*settings = *loaded
	return nil
}
