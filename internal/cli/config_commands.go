package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rescale/cloudstore/internal/config"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage cloudstore configuration",
		Long: `Configuration management commands for cloudstore.

Commands:
  init  - Write the effective configuration to the config file
  show  - Display current configuration
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file",
		Long: `Write the effective configuration (defaults, the existing file and any
global flags) to the config file.

Use --force to overwrite an existing file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}

			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Configuration already exists at: %s\n", path)
					fmt.Fprintln(cmd.OutOrStdout(), "Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")

	return cmd
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long:  `Display the effective configuration. Secrets are masked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "[s3]")
			fmt.Fprintf(out, "  region:            %s\n", cfg.S3.Region)
			fmt.Fprintf(out, "  endpoint:          %s\n", orDefault(cfg.S3.Endpoint, "(AWS)"))
			fmt.Fprintf(out, "  path_style:        %t\n", cfg.S3.PathStyle)
			fmt.Fprintf(out, "  access_key_id:     %s\n", maskSecret(cfg.S3.AccessKeyID))
			fmt.Fprintf(out, "  anonymous:         %t\n", cfg.S3.Anonymous)
			fmt.Fprintln(out, "[gcs]")
			fmt.Fprintf(out, "  endpoint:          %s\n", orDefault(cfg.GCS.Endpoint, "(Google)"))
			fmt.Fprintf(out, "  credentials_file:  %s\n", orDefault(cfg.GCS.CredentialsFile, "(application default)"))
			fmt.Fprintf(out, "  anonymous:         %t\n", cfg.GCS.Anonymous)
			fmt.Fprintln(out, "[transfer]")
			fmt.Fprintf(out, "  api_concurrency:      %d\n", cfg.Transfer.APIConcurrency)
			fmt.Fprintf(out, "  internal_concurrency: %d\n", cfg.Transfer.InternalConcurrency)
			fmt.Fprintf(out, "  max_attempts:         %d\n", cfg.Transfer.MaxAttempts)
			fmt.Fprintf(out, "  stubborn:             %t\n", cfg.Transfer.Stubborn)
			fmt.Fprintf(out, "  chunk_size:           %d\n", cfg.Transfer.ChunkSize)
			fmt.Fprintln(out, "[keys]")
			fmt.Fprintf(out, "  directory:         %s\n", cfg.Keys.Directory)
			fmt.Fprintln(out, "[logging]")
			fmt.Fprintf(out, "  level:             %s\n", cfg.Logging.Level)
			fmt.Fprintf(out, "  log_file:          %s\n", orDefault(cfg.Logging.File, "(none)"))
			return nil
		},
	}
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

// configPath returns --config when given, else the default location.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// maskSecret shows only the last 4 characters.
func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
