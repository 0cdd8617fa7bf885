package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/nvandessel/simregress/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage simregress configuration",
		Long: `View and modify simregress configuration settings.

Configuration is stored in ~/.simregress/config.yaml. Environment variables
(SIMREGRESS_*) override the file; flags and the suite file override both.

Examples:
  simregress config list                          # Show all settings
  simregress config get timeout                   # Get a specific setting
  simregress config set executable /opt/nemo/bin/nemosim
  simregress config set env.OMP_NUM_THREADS 1     # Extra simulator environment`,
	}

	cmd.AddCommand(
		newConfigListCmd(),
		newConfigGetCmd(),
		newConfigSetCmd(),
	)

	return cmd
}

func newConfigListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all configuration settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(cfg)
			}

			path, _ := config.Path()
			fmt.Fprintf(out, "Configuration (%s):\n\n", path)
			for _, key := range config.Keys() {
				value, _ := cfg.Get(key)
				fmt.Fprintf(out, "  %-22s %s\n", key+":", displayValue(value))
			}
			if len(cfg.Env) > 0 {
				names := make([]string, 0, len(cfg.Env))
				for name := range cfg.Env {
					names = append(names, name)
				}
				sort.Strings(names)
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Simulator environment:")
				for _, name := range names {
					fmt.Fprintf(out, "  %-22s %s\n", "env."+name+":", cfg.Env[name])
				}
			}
			return nil
		},
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			key := args[0]

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			value, found := cfg.Get(key)
			if !found {
				return fmt.Errorf("unknown configuration key: %s (valid: %s, env.<NAME>)", key, strings.Join(config.Keys(), ", "))
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"key":   key,
					"value": value,
				})
			}
			fmt.Fprintf(out, "%s = %s\n", key, displayValue(value))
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			key, value := args[0], args[1]

			path, err := config.Path()
			if err != nil {
				return err
			}

			// Start from the file alone so environment overrides are not
			// persisted.
			cfg := config.Default()
			if loaded, err := config.LoadFromFile(path); err == nil {
				cfg = loaded
			} else if !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if err := cfg.Set(key, value); err != nil {
				return err
			}
			if err := config.Save(path, cfg); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				newValue, _ := cfg.Get(key)
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"status": "updated",
					"key":    key,
					"value":  newValue,
					"path":   path,
				})
			}
			fmt.Fprintf(out, "Set %s = %s in %s\n", key, value, path)
			return nil
		},
	}
}

func displayValue(v any) string {
	if s, ok := v.(string); ok && s == "" {
		return "(not set)"
	}
	return fmt.Sprintf("%v", v)
}
