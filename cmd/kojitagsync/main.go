package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/schaermu/kojitagsync/internal/config"
	"github.com/schaermu/kojitagsync/internal/git"
	"github.com/schaermu/kojitagsync/internal/hub"
	"github.com/schaermu/kojitagsync/internal/tagsync"
	"github.com/schaermu/kojitagsync/internal/webhook"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Sync flags
	dryRun     bool
	outputFmt  string
	selectTags []string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kojitagsync",
	Short: "Reconcile Koji tag package lists with declarations",
	Long: `kojitagsync keeps the package lists of Koji tags in line with declaration
files. Each declaration names a tag and, per owner, the packages the tag
should carry and whether they are blocked.

It can run as a oneshot sync or as a webhook daemon that re-syncs when the
repository holding the declarations is pushed.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile all declared tags once",
	Long: `Sync loads the declarations, reads the package list of every declared tag
and submits the additions, removals, block changes and owner changes needed
to match, one strict multicall per tag.

Each change is printed as one line. With --dry-run nothing is submitted.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve performs an initial sync and then listens for GitHub push webhooks,
re-running the sync when the configured repository changes.`,
	RunE: runServe,
}

var createTagCmd = &cobra.Command{
	Use:   "create-tag TAG...",
	Short: "Create empty tags on a file hub",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCreateTag,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "kojitagsync %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/kojitagsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	syncCmd.Flags().StringVarP(&outputFmt, "output", "o", "text", "output format (text, json)")
	syncCmd.Flags().StringSliceVar(&selectTags, "tag", nil, "only reconcile the named tags (repeatable)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(createTagCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("invalid output format %q (must be text or json)", outputFmt)
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := newEngine(cfg, logger, dryRun)
	engine.SelectTags(selectTags...)

	report, runErr := engine.Run(ctx)
	if report != nil {
		if err := writeReport(cmd.OutOrStdout(), report, outputFmt); err != nil {
			return err
		}
	}
	if runErr != nil {
		logger.Error("sync failed", "error", runErr)
		return runErr
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve is not enabled in the configuration")
	}

	server, err := webhook.NewServer(cfg, newEngine(cfg, logger, false), logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}
	return server.Start(ctx)
}

func runCreateTag(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Hub.Type != config.HubFile {
		return fmt.Errorf("create-tag only works with the file hub, configured hub is %s", cfg.Hub.Type)
	}

	session := hub.NewFileSession(cfg.Hub.StateFile)
	for _, tag := range args {
		if err := session.CreateTag(ctx, tag); err != nil {
			return fmt.Errorf("failed to create tag %s: %w", tag, err)
		}
		logger.Info("tag created", "tag", tag, "state_file", cfg.Hub.StateFile)
	}
	return nil
}

// newEngine wires the configured hub session and git client into an engine
func newEngine(cfg *config.Config, logger *slog.Logger, dryRun bool) *tagsync.Engine {
	var gitClient git.Client
	if cfg.HasRepo() {
		gitClient = git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	}
	return tagsync.NewEngine(cfg, gitClient, newSession(cfg), logger, dryRun)
}

func newSession(cfg *config.Config) hub.Session {
	if cfg.Hub.Type == config.HubFile {
		return hub.NewFileSession(cfg.Hub.StateFile)
	}
	return hub.NewCLISession(cfg.Hub.Command, cfg.Hub.Profile)
}

// writeReport prints the change lines of every tag, or the whole report as JSON
func writeReport(w io.Writer, report *tagsync.Report, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	for _, res := range report.Results {
		for _, line := range res.StdoutLines {
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
	}
	return nil
}

// setupLogger logs to stderr so stdout only carries the change lines
func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if logFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "kojitagsync", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"hub", cfg.Hub.Type,
		"declarations", cfg.DeclarationsPath(),
		"repo", cfg.Repo.URL,
		"auth", cfg.AuthMethod(),
		"state_dir", cfg.Paths.StateDir,
		"concurrency", cfg.Sync.Concurrency)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
