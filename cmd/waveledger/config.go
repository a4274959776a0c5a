package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/waveledger/internal/config"
)

var configUser bool

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify waveledger configuration.

Without arguments, displays every setting and where it came from.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the value in the project config, or in
the user config with --user.

User configuration is stored at ~/.config/waveledger/config.yaml
Project-specific overrides can be placed in .waveledger.yaml
Every key can be overridden with a WAVELEDGER_* environment variable.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch len(args) {
		case 0:
			return displayAllConfig(cmd)
		case 1:
			return displayConfigKey(cmd, args[0])
		default:
			return setConfigKey(cmd, args[0], args[1])
		}
	},
}

func init() {
	configCmd.Flags().BoolVar(&configUser, "user", false, "Write to the user config instead of the project config")
}

func displayAllConfig(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	for _, s := range config.Describe(cfg) {
		src := color.New(color.FgHiBlack).Sprintf("(%s)", s.Source)
		fmt.Fprintf(out, "%-26s %-32s %s\n", s.Key, s.Value, src)
	}
	return nil
}

func displayConfigKey(cmd *cobra.Command, key string) error {
	for _, s := range config.Describe(cfg) {
		if s.Key == key {
			fmt.Fprintln(cmd.OutOrStdout(), s.Value)
			return nil
		}
	}
	return fmt.Errorf("unknown config key %q (run 'waveledger config' to list keys)", key)
}

func setConfigKey(cmd *cobra.Command, key, value string) error {
	path := config.GetProjectConfigPath()
	if path == "" {
		path = config.ProjectFile
	}
	if configUser {
		path = config.GetUserConfigPath()
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := config.SetKey(path, key, value); err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), "✓", fmt.Sprintf("Set %s in %s", key, path), color.FgGreen)
	if env := config.EnvVar(key); os.Getenv(env) != "" {
		printStatus(cmd.ErrOrStderr(), "!", fmt.Sprintf("%s is set and overrides this value", env), color.FgYellow)
	}
	return nil
}
