// cmd/durandal-mcp is the entry point for the Durandal MCP (Model Context
// Protocol) memory server. It serves line-delimited JSON-RPC 2.0 on
// stdin/stdout and keeps every memory in a local SQLite file (or PostgreSQL
// when DATABASE_URL is set).
//
// Startup sequence:
//  1. Parse command-line flags (unknown flags are warned about and ignored).
//  2. Load configuration from environment variables.
//  3. Build the logger. ALL logging goes to stderr; stdout carries only
//     JSON-RPC response frames.
//  4. Open the durable store and wrap it in the cache tier.
//  5. Start the background file watcher and update check.
//  6. Serve JSON-RPC 2.0 requests until stdin closes or a signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/api/mcp"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/cache"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/config"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/logging"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/selftest"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/storage"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/storage/postgres"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/storage/sqlite"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/update"
	"github.com/Wawtawsha/durandal-memory-bridge-sub003/pkg/types"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

const usage = `durandal-mcp - persistent memory server for AI assistants (MCP over stdio)

Usage:
  durandal-mcp [flags]

Flags:
  -h, --help          Show this help and exit
  -v, --version       Print the version and exit
      --test          Run the self-test against a scratch database and exit
      --debug         Force debug-level logging
      --verbose       Verbose console output
      --log-file PATH Write JSON logs to PATH (rotated at 10 MB)
      --log-level LVL Log level: debug, info, warn, error
      --config PATH   Optional YAML config file

Environment:
  DATABASE_PATH       SQLite file (default ./durandal-mcp-memory.db)
  DATABASE_URL        PostgreSQL DSN; selects the PostgreSQL backend
  LOG_LEVEL, DEBUG, VERBOSE, LOG_FILE, ERROR_LOG_FILE, LOG_MCP_TOOLS
  UPDATE_CHECK_ENABLED, UPDATE_CHECK_INTERVAL, UPDATE_NOTIFICATION,
  AUTO_UPDATE, NO_UPDATE_CHECK, NO_UPDATE_NOTIFIER

Unknown flags are ignored so that client launch configs with extra arguments
still start the server.
`

// cliOptions holds the flag values that override environment configuration.
type cliOptions struct {
	runSelfTest bool
	debug       bool
	verbose     bool
	logFile     string
	logLevel    string
	configPath  string
}

// parseArgs walks the argument list by hand. The server must start even when
// launched with flags it does not know (clients ship launch configs for many
// server versions), so unknown flags produce a warning instead of an error.
func parseArgs(args []string) (cliOptions, []string) {
	var opts cliOptions
	var unknown []string

	for i := 0; i < len(args); i++ {
		switch arg := args[i]; arg {
		case "-h", "--help":
			fmt.Print(usage)
			os.Exit(0)
		case "-v", "--version":
			fmt.Printf("durandal-mcp %s\n", version)
			os.Exit(0)
		case "--test":
			opts.runSelfTest = true
		case "--debug":
			opts.debug = true
		case "--verbose":
			opts.verbose = true
		case "--log-file":
			if i+1 < len(args) {
				i++
				opts.logFile = args[i]
			}
		case "--log-level":
			if i+1 < len(args) {
				i++
				opts.logLevel = args[i]
			}
		case "--config":
			if i+1 < len(args) {
				i++
				opts.configPath = args[i]
			}
		default:
			if strings.HasPrefix(arg, "-") {
				unknown = append(unknown, arg)
			}
		}
	}
	return opts, unknown
}

func main() {
	// Redirect the default logger to stderr so that any incidental log calls
	// from imported packages never pollute the stdout JSON-RPC stream.
	log.SetOutput(os.Stderr)

	opts, unknown := parseArgs(os.Args[1:])

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "durandal-mcp: %v\n", err)
		os.Exit(1)
	}

	// Flags win over environment.
	if opts.debug {
		cfg.Log.Level = "debug"
	}
	if opts.verbose {
		cfg.Log.Verbose = true
	}
	if opts.logFile != "" {
		cfg.Log.File = opts.logFile
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "durandal-mcp: logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	for _, f := range unknown {
		logger.Warn("ignoring unknown flag", zap.String("flag", f))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logging.WithLogger(ctx, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	if opts.runSelfTest {
		if err := selftest.Run(ctx, logger); err != nil {
			logger.Error("self-test failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	// Open the durable store. DATABASE_URL selects PostgreSQL; the embedded
	// SQLite file is the default.
	var inner storage.Store
	if cfg.Storage.DatabaseURL != "" {
		inner, err = postgres.Open(cfg.Storage.DatabaseURL)
		logger.Info("using PostgreSQL backend")
	} else {
		inner, err = sqlite.Open(cfg.Storage.DatabasePath)
		logger.Info("using SQLite backend", zap.String("path", cfg.Storage.DatabasePath))
	}
	if err != nil {
		e := types.AsError(err)
		logger.Error("failed to open storage", zap.Error(err), zap.String("hint", e.Hint))
		os.Exit(1)
	}
	defer inner.Close()

	tier, err := cache.New(cfg.Cache.Capacity, cfg.Cache.SearchTTL)
	if err != nil {
		logger.Error("failed to build cache", zap.Error(err))
		os.Exit(1)
	}
	store := cache.Wrap(inner, tier)

	// Watch the SQLite file for writes from other processes (backups,
	// sqlite3 sessions) so cached search results do not go stale.
	if cfg.Storage.DatabaseURL == "" {
		if watcher, werr := cache.NewWatcher(cfg.Storage.DatabasePath, tier); werr != nil {
			logger.Warn("database watcher unavailable", zap.Error(werr))
		} else {
			defer watcher.Close()
			go watcher.Run(ctx)
		}
	}

	go update.NewChecker(cfg.Update, version, logger).Run(ctx)

	srv := mcp.NewServer(store, mcp.WithConfig(cfg), mcp.WithVersion(version))
	transport := mcp.NewStdioTransport(srv, os.Stdin, os.Stdout, logger,
		cfg.Server.MaxInFlight, cfg.Server.ShutdownGrace)

	logger.Info("ready, serving JSON-RPC 2.0 on stdin/stdout",
		zap.String("version", version),
		zap.String("session_id", srv.SessionID()))

	if err := transport.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("transport stopped", zap.Error(err))
	}

	tier.LogStats(ctx)
}
