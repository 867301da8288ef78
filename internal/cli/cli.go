// Package cli implements the sheetpress command-line interface.
package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/matzehuels/sheetpress/internal/metrics"
	"github.com/matzehuels/sheetpress/pkg/buildinfo"
	"github.com/matzehuels/sheetpress/pkg/config"
	"github.com/matzehuels/sheetpress/pkg/errors"
	"github.com/matzehuels/sheetpress/pkg/hostfile"
	"github.com/matzehuels/sheetpress/pkg/journal"
	"github.com/matzehuels/sheetpress/pkg/lock"
	"github.com/matzehuels/sheetpress/pkg/observability"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// appName is the application name used for directories and display.
	appName = "sheetpress"

	// journalFile is the rule journal inside the state directory.
	journalFile = "journal.db"
)

// Log levels exported for use in main.go.
const (
	LogDebug = log.DebugLevel
	LogInfo  = log.InfoLevel
)

// =============================================================================
// CLI - Central CLI State
// =============================================================================

// CLI holds shared state for all commands.
type CLI struct {
	Logger *log.Logger

	// Out receives human-facing output. Nil means stdout.
	Out io.Writer

	configPath string
	envFiles   []string
}

// New creates a new CLI instance with a default logger.
func New(w io.Writer, level log.Level) *CLI {
	return &CLI{Logger: newLogger(w, level)}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

func (c *CLI) out() io.Writer {
	if c.Out == nil {
		return os.Stdout
	}
	return c.Out
}

// RootCommand creates the root cobra command with all subcommands registered.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          appName,
		Short:        "sheetpress prints drawing sheets to PDF and merges them",
		Long:         `sheetpress applies temporary graphic overrides to a set of sheets, renders each sheet to PDF through an external renderer, merges the results into one document, and removes the overrides again.`,
		Version:      buildinfo.Version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SetContext(withLogger(cmd.Context(), c.Logger))
		},
	}

	root.SetVersionTemplate(buildinfo.Template())
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (default ./"+config.FileName+")")
	root.PersistentFlags().StringSliceVar(&c.envFiles, "env-file", nil, "load environment variables from file (default ./.env)")

	root.AddCommand(c.printCommand())
	root.AddCommand(c.sheetsCommand())
	root.AddCommand(c.mergeCommand())
	root.AddCommand(c.cleanupCommand())
	root.AddCommand(c.completionCommand())

	return root
}

// =============================================================================
// Configuration
// =============================================================================

// loadConfig reads .env files, the config file and SHEETPRESS_* overrides.
func (c *CLI) loadConfig() (*config.Config, error) {
	if err := config.LoadEnv(c.envFiles...); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "load env")
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if cfg.Path() != "" {
		c.Logger.Debug("loaded config", "path", cfg.Path())
	}
	return cfg, nil
}

func openDocument(path string) (*hostfile.Document, error) {
	if path == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "no project document (set document in %s or pass --doc)", config.FileName)
	}
	doc, err := hostfile.Load(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidInput, err, "open project document")
	}
	return doc, nil
}

// =============================================================================
// Collaborator Factories
// =============================================================================

// openJournal opens the SQLite rule journal. Without a configured path it
// uses the state directory, and falls back to a null journal if there is none.
func (c *CLI) openJournal(path string) (journal.Journal, error) {
	if path == "" {
		dir, err := stateDir()
		if err != nil {
			c.Logger.Warn("no state directory, orphaned rules will not be recoverable", "error", err)
			return journal.NewNullJournal(), nil
		}
		path = filepath.Join(dir, journalFile)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidPath, err, "create journal directory")
	}
	j, err := journal.NewSQLiteJournal(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "open journal")
	}
	return j, nil
}

// newLocker builds the renderer lock for the configured backend. The returned
// close function releases backend connections.
func (c *CLI) newLocker(ctx context.Context, cfg config.Lock) (lock.Locker, func(), error) {
	switch cfg.Backend {
	case config.LockRedis:
		client, err := lock.DialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "connect to redis")
		}
		return lock.NewRedisLocker(client, ""), func() { client.Close() }, nil
	case config.LockNone:
		return lock.NullLocker{}, func() {}, nil
	}

	dir := cfg.Dir
	if dir == "" {
		state, err := stateDir()
		if err != nil {
			return nil, nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "lock directory")
		}
		dir = filepath.Join(state, "locks")
	}
	l, err := lock.NewFileLocker(dir)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrCodeInvalidPath, err, "create lock directory")
	}
	return l, func() {}, nil
}

// installMetrics registers a Prometheus recorder for the batch hooks when a
// metrics file is configured. The returned flush writes the textfile.
func (c *CLI) installMetrics(path string) (flush func()) {
	if path == "" {
		return func() {}
	}
	rec := metrics.NewRecorder(nil)
	observability.SetBatchHooks(rec)
	return func() {
		observability.Reset()
		if err := rec.WriteTextfile(path); err != nil {
			c.Logger.Warn("write metrics", "path", path, "error", err)
			return
		}
		c.Logger.Debug("wrote metrics", "path", path)
	}
}

// =============================================================================
// Paths
// =============================================================================

// stateDir returns the state directory using XDG standard (~/.local/state/sheetpress/).
func stateDir() (string, error) {
	if stateHome := os.Getenv("XDG_STATE_HOME"); stateHome != "" {
		return filepath.Join(stateHome, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "state", appName), nil
}
