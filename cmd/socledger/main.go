// Package main is the CLI entry point for socledger, the tamper-evident
// audit trail and time-window access gate of the SOC incident platform.
//
// Every security-relevant action (creating or updating an incident,
// changing a role, uploading evidence) is appended to a SHA-256 hash
// chain with AES-256 encrypted details. Auditors read, verify, and export
// the chain over HTTP or from this CLI.
//
// CLI commands (cobra):
//
//	socledger serve              - Start the HTTP API
//	socledger audit list         - List audit records
//	socledger audit show ID      - Show one record
//	socledger audit record       - Append a record from the command line
//	socledger audit verify       - Verify the hash chain
//	socledger audit export       - Export the log (jsonl, json, csv)
//	socledger access check       - Evaluate a role against the rule table
//	socledger access rules       - Print the rule table
//	socledger keygen             - Generate a details encryption key
//	socledger token              - Mint a development bearer token
//	socledger config init|show   - Write or print config.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/socledger/socledger/internal/audit"
	"github.com/socledger/socledger/internal/config"
	"github.com/socledger/socledger/internal/envelope"
	"github.com/socledger/socledger/internal/identity"
	"github.com/socledger/socledger/internal/metrics"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

// defaultConfigDir returns ~/.socledger, where config.yaml, the rule
// table, the user directory, and the SQLite database live.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".socledger"
	}
	return filepath.Join(home, ".socledger")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var (
	configDir string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "socledger",
	Short: "socledger: tamper-evident audit trail and access gate for the SOC platform",
	Long: `socledger records security-relevant actions of the SOC incident platform
in a SHA-256 hash chain with encrypted details, and decides whether a role
may perform an action on a resource at the current time.

Run 'socledger config init' once, export the key variables it names, then
'socledger serve'.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(),
		"Path to the socledger config and state directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(accessCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(configCmd)
}

// ============================================================================
// Shared wiring
// ============================================================================

// newLogger returns a text logger on stderr; -v lowers the level to debug.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func configPath() string {
	return filepath.Join(configDir, "config.yaml")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openStore opens the backend selected by store.driver.
func openStore(ctx context.Context, cfg *config.Config) (audit.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		s, err := audit.OpenPostgres(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
		s, err := audit.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// newResolver chains the local user directory with the auth platform's
// admin API when one is configured.
func newResolver(cfg *config.Config, logger *slog.Logger) (*identity.Directory, identity.Chain, error) {
	dir, err := identity.LoadDirectory(cfg.Identity.Directory)
	if err != nil {
		return nil, nil, err
	}
	chain := identity.Chain{dir}
	if cfg.Identity.AdminURL != "" {
		key := config.ServiceKey(cfg)
		if key == "" {
			logger.Warn("identity.admin_url set but service key is empty; admin lookups disabled",
				"env", cfg.Identity.ServiceKeyEnv)
		} else {
			chain = append(chain, identity.NewAdminAPI(cfg.Identity.AdminURL, key, nil, logger))
		}
	}
	return dir, chain, nil
}

// logDeps carries the pieces openLog wires together, for callers that
// need more than the Log itself.
type logDeps struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	directory *identity.Directory
}

// openLog wires config, key, store, and resolver into an audit.Log.
// onAppend may be nil.
func openLog(ctx context.Context, onAppend func(audit.Entry)) (*audit.Log, *logDeps, error) {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	key, err := config.SecretKey(cfg)
	if err != nil {
		return nil, nil, err
	}
	sealer, err := envelope.New(key)
	if err != nil {
		return nil, nil, err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit store: %w", err)
	}

	dir, resolver, err := newResolver(cfg, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	m := metrics.New()
	l, err := audit.New(audit.Options{
		Store:      store,
		Sealer:     sealer,
		Resolver:   resolver,
		Logger:     logger,
		Metrics:    m,
		QueueSize:  cfg.Audit.QueueSize,
		MaxRetries: cfg.Audit.MaxAppendRetries,
		OnAppend:   onAppend,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return l, &logDeps{cfg: cfg, logger: logger, metrics: m, directory: dir}, nil
}
