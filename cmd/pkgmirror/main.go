// Package main implements the pkgmirror command-line tool for mirroring
// package indexes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/pkgmirror/pkgmirror/internal/mirror"
)

const (
	defaultConfigPath = "/etc/pkgmirror/mirror.toml"

	exitPartialFailure = 2
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "pkgmirror",
	Short: "Mirror a package index incrementally",
	Long: `pkgmirror maintains a local mirror of a package index and its release
files, tracking the upstream change serial so each run transfers only
what changed since the last one.

Find more information at: https://github.com/pkgmirror/pkgmirror`,
}

var syncCmd = &cobra.Command{
	Use:   "sync [package-names...]",
	Short: "Synchronize the mirror with upstream",
	Long: `Synchronizes the mirror with the upstream index.

Usage:
  # Incremental sync of everything changed since the last run
  pkgmirror sync

  # Sync only specific packages, without touching the serial counters
  pkgmirror sync django requests

  # Ignore the changelog and reconcile the full upstream listing
  pkgmirror sync --force-check

  # Use a custom configuration file
  pkgmirror sync --config /path/to/mirror.toml

  # Suppress progress output
  pkgmirror sync --quiet

Exit status is 0 when every package committed, 2 when some packages
were excluded and will be retried next run, and 1 when the run aborted
without committing anything.`,
	Run: runSync,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <package-names...>",
	Short: "Remove packages from the mirror",
	Long: `Removes the named packages from the mirror: their release files,
listing pages, mirrored metadata, and the committed records.  The
removed paths are written to the diff file.

Examples:
  pkgmirror delete left-pad`,
	Args: cobra.MinimumNArgs(1),
	Run:  runDelete,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-check committed files against their records",
	Long: `Walks every committed package record and re-checks the stored release
files with the configured comparison method.

Examples:
  pkgmirror verify
  pkgmirror verify --delete`,
	Run: runVerify,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("pkgmirror %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress progress output")

	syncCmd.Flags().Bool("force-check", false, "reconcile the full upstream listing even when the serials match")
	verifyCmd.Flags().Bool("delete", false, "delete files that fail verification so the next sync re-fetches them")
}

// formatError returns a human-friendly error message, optionally with
// stack trace.
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}
	if flattened := errors.FlattenDetails(err); flattened != "" {
		return flattened
	}
	return err.Error()
}

// loadConfig decodes and validates the configuration file, applying
// log settings and command-line overrides.  It exits on any problem.
func loadConfig(cmd *cobra.Command) *mirror.Config {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config := mirror.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			slog.Info("Please create a configuration file at the default location or specify one with the --config flag.")
			os.Exit(1)
		}
		slog.Error("failed to decode config file",
			"error", formatError(err, verboseErrors), "path", configPath)
		os.Exit(1)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		slog.Error("configuration contains unknown keys",
			"keys", strings.Join(keys, ", "), "path", configPath)
		os.Exit(1)
	}

	if err := config.Log.Apply(); err != nil {
		slog.Error("failed to apply log config", "error", err)
		os.Exit(1)
	}
	if logLevel != "" {
		config.Log.Level = logLevel
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply command-line log level", "level", logLevel, "error", err)
			os.Exit(1)
		}
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		config.Log.Level = "error"
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply quiet log level", "error", err)
			os.Exit(1)
		}
	}

	if err := config.Check(); err != nil {
		slog.Error("configuration is not valid",
			"error", formatError(err, verboseErrors), "path", configPath)
		os.Exit(1)
	}
	return config
}

// runContext returns a context canceled by SIGINT or SIGTERM.
func runContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSync(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	quiet, _ := cmd.Flags().GetBool("quiet")
	forceCheck, _ := cmd.Flags().GetBool("force-check")
	config := loadConfig(cmd)

	ctx, cancel := runContext()
	defer cancel()

	coord, err := mirror.NewCoordinator(ctx, config, quiet)
	if err != nil {
		slog.Error("failed to initialize", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
	defer func() {
		if err := coord.Close(); err != nil {
			slog.Warn("failed to close backend", "error", err)
		}
	}()

	run, err := coord.Sync(ctx, args, forceCheck)
	if err != nil {
		slog.Error("sync failed", "error", formatError(err, verboseErrors))
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}
	if run.Outcome == mirror.OutcomePartialFailure {
		for _, re := range run.Errors {
			slog.Warn("package excluded", "package", re.Package, "file", re.File, "error", re.Message)
		}
		os.Exit(exitPartialFailure)
	}
}

func runDelete(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := loadConfig(cmd)

	ctx, cancel := runContext()
	defer cancel()

	coord, err := mirror.NewCoordinator(ctx, config, true)
	if err != nil {
		slog.Error("failed to initialize", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
	defer func() {
		if err := coord.Close(); err != nil {
			slog.Warn("failed to close backend", "error", err)
		}
	}()

	removed, err := coord.Delete(ctx, args)
	if err != nil {
		slog.Error("delete failed", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
	slog.Info("delete finished", "packages", len(args), "paths", len(removed))
}

func runVerify(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	deleteBad, _ := cmd.Flags().GetBool("delete")
	config := loadConfig(cmd)

	ctx, cancel := runContext()
	defer cancel()

	coord, err := mirror.NewCoordinator(ctx, config, true)
	if err != nil {
		slog.Error("failed to initialize", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
	defer func() {
		if err := coord.Close(); err != nil {
			slog.Warn("failed to close backend", "error", err)
		}
	}()

	report, err := coord.Verify(ctx, deleteBad)
	if err != nil {
		slog.Error("verify failed", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
	if report.Corrupt > 0 {
		os.Exit(1)
	}
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config := mirror.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			os.Exit(1)
		}
		slog.Error("failed to decode config file",
			"error", formatError(err, verboseErrors), "path", configPath)
		os.Exit(1)
	}

	var validationErrors []error

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		validationErrors = append(validationErrors,
			errors.New("unknown keys: "+strings.Join(keys, ", ")))
	}
	if err := config.Log.Apply(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "log config"))
	}
	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "config"))
	}

	if len(validationErrors) > 0 {
		slog.Error("the toml configuration file is not valid")
		for _, err := range validationErrors {
			slog.Error(err.Error())
		}
		os.Exit(1)
	}

	slog.Info("the toml configuration file passes validation checks")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
