// Package cli provides the command-line interface for cloudstore.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/config"
	"github.com/rescale/cloudstore/internal/fips"
	"github.com/rescale/cloudstore/internal/logging"
	"github.com/rescale/cloudstore/internal/version"
)

var (
	// Global flags
	cfgFile             string
	verbose             bool
	apiConcurrency      int
	internalConcurrency int
	maxAttempts         int
	stubborn            bool
	keyDir              string
	endpoint            string

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cloudstore",
		Short: "Chunked parallel S3/GCS transfers with client-side encryption",
		Long: `cloudstore ` + version.Version + ` - Built: ` + version.BuildTime + `
Moves large files to and from S3-compatible and GCS-compatible object storage.

Files are split into parts that transfer in parallel, each retried on its own.
Objects can be encrypted for up to four RSA public keys, and every transfer
is verified against the backend checksum (multipart ETag or CRC32C).

Objects are addressed as s3://bucket/key or gs://bucket/key.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg = loaded

			l, err := logging.NewLogger(logging.Options{
				Level:      cfg.Logging.Level,
				File:       cfg.Logging.File,
				MaxSizeMB:  50,
				MaxBackups: 3,
			})
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			logger = l
			logger.Debug().Str("version", version.Version).Bool("fips", fips.Enabled()).Msg("starting")
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Close()
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "Configuration file path (default ~/.config/cloudstore/config)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	flags.IntVar(&apiConcurrency, "api-concurrency", 0, "Parallel backend calls (overrides config)")
	flags.IntVar(&internalConcurrency, "internal-concurrency", 0, "Parallel orchestration tasks (overrides config)")
	flags.IntVar(&maxAttempts, "max-attempts", 0, "Attempts per operation before giving up (overrides config)")
	flags.BoolVar(&stubborn, "stubborn", false, "Also retry client (4xx) errors")
	flags.StringVar(&keyDir, "key-dir", "", "Directory holding <alias>.pem key files (overrides config)")
	flags.StringVar(&endpoint, "endpoint", "", "Storage endpoint URL for S3-compatible or GCS-compatible services")

	rootCmd.Version = version.Version + " (" + version.BuildTime + ", " + fips.Status() + ")"
	return rootCmd
}

// loadConfig reads the config file and applies flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	c, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("api-concurrency") {
		c.Transfer.APIConcurrency = apiConcurrency
	}
	if flags.Changed("internal-concurrency") {
		c.Transfer.InternalConcurrency = internalConcurrency
	}
	if flags.Changed("max-attempts") {
		c.Transfer.MaxAttempts = maxAttempts
	}
	if flags.Changed("stubborn") {
		c.Transfer.Stubborn = stubborn
	}
	if keyDir != "" {
		c.Keys.Directory = keyDir
	}
	if endpoint != "" {
		c.S3.Endpoint = endpoint
		c.GCS.Endpoint = endpoint
	}
	if verbose {
		c.Logging.Level = "debug"
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

// Execute runs the CLI.
func Execute() error {
	rootContext, cancelFunc = context.WithCancel(context.Background())
	defer cancelFunc()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// loop so repeated Ctrl+C does not kill cleanup
	go func() {
		for sig := range sigChan {
			if sig != nil {
				fmt.Fprintf(os.Stderr, "\nReceived signal %v, cancelling transfer...\n", sig)
				fmt.Fprintf(os.Stderr, "Please wait for cleanup to complete.\n")
				cancelFunc()
			}
		}
	}()

	rootCmd := NewRootCmd()
	AddCommands(rootCmd)
	err := rootCmd.Execute()

	signal.Stop(sigChan)
	close(sigChan)

	return err
}

// ExitCode maps a command error to the process exit status: 0 on success,
// 2 for usage errors (bad arguments, missing keys or files), 1 otherwise.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case storage.IsUsageError(err):
		return 2
	default:
		return 1
	}
}

// AddCommands adds all subcommands to the root command.
func AddCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newDownloadCmd())
	rootCmd.AddCommand(newExistsCmd())
	rootCmd.AddCommand(newCopyCmd())
	rootCmd.AddCommand(newRenameCmd())
	rootCmd.AddCommand(newDeleteCmd())
	rootCmd.AddCommand(newAddKeyCmd())
	rootCmd.AddCommand(newRemoveKeyCmd())
	rootCmd.AddCommand(newPendingCmd())
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newConfigCmd())
}

// GetLogger returns the global CLI logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}

// GetContext returns the global CLI context with signal handling.
// This context will be cancelled when the user presses Ctrl+C.
func GetContext() context.Context {
	if rootContext == nil {
		return context.Background()
	}
	return rootContext
}
