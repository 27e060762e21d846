package configcmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tphakala/callsync/internal/conf"
)

// defaultConfigFile is written by config init when no path is given.
const defaultConfigFile = "config.yaml"

// Command creates the config parent command. configPath is the value of the
// root --config flag.
func Command(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and check callsync config files",
	}

	cmd.AddCommand(initCommand(configPath), validateCommand(configPath))

	return cmd
}

func initCommand(configPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with default values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if path == "" {
				path = defaultConfigFile
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := conf.SaveYAMLConfig(path, conf.Defaults()); err != nil {
				return err
			}
			fmt.Printf("Wrote default config to %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

func validateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := conf.Load(*configPath); err != nil {
				return err
			}
			fmt.Println("Config is valid.")
			return nil
		},
	}
}
