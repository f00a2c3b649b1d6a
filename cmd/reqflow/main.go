package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/reqflow/internal/app"
	"github.com/rendis/reqflow/internal/logging"
	"github.com/rendis/reqflow/internal/store"
	"github.com/rendis/reqflow/internal/transport"
)

// Exit codes.
const (
	exitFailed = 1 // a run or validation failed
	exitConfig = 2 // configuration or usage error
)

// exitError carries the process exit code of a command failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(err error) error { return &exitError{code: exitConfig, err: err} }

// errRunFailed is returned after a report was written for an unsuccessful run.
var errRunFailed = errors.New("run failed")

var (
	cfg    Config
	logger *slog.Logger

	flagLogLevel  string
	flagLogFormat string
	flagHistoryDB string
	flagPlugins   []string
)

var rootCmd = &cobra.Command{
	Use:           "reqflow",
	Short:         "Run HTTP, GraphQL and WebSocket request workflows",
	Long:          "reqflow executes declarative request workflows: ordered by dependencies, templated with variables, checked by assertions.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := loadConfig()
		if err != nil {
			return configErr(err)
		}
		flags := cmd.Flags()
		if flags.Changed("log-level") {
			loaded.LogLevel = flagLogLevel
		}
		if flags.Changed("log-format") {
			loaded.LogFormat = flagLogFormat
		}
		if flags.Changed("history-db") {
			loaded.HistoryDB = flagHistoryDB
		}
		if flags.Changed("plugin") {
			loaded.Plugins = flagPlugins
		}
		if err := loaded.check(); err != nil {
			return configErr(err)
		}
		cfg = loaded
		logger = logging.New(cfg.LogLevel, cfg.LogFormat)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flagLogFormat, "log-format", "", "log format: text or json")
	pf.StringVar(&flagHistoryDB, "history-db", "", "run history database path")
	pf.StringSliceVar(&flagPlugins, "plugin", nil, "plugin executable (repeatable)")

	rootCmd.AddCommand(runCmd, validateCmd, graphCmd, historyCmd, scheduleCmd, mcpCmd, initCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}

	code := exitFailed
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
	}
	if !errors.Is(err, errRunFailed) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
}

// newService wires the application service. withHistory opens the
// history database; the returned close func releases it.
func newService(withHistory bool) (*app.Service, func(), error) {
	var st store.Store
	closeFn := func() {}
	if withHistory {
		opened, err := openHistory()
		if err != nil {
			return nil, nil, err
		}
		st = opened
		closeFn = func() { _ = opened.Close() }
	}

	svc, err := app.New(app.Deps{
		Transport: transport.NewDefaultRegistry(cfg.httpConfig()),
		Plugins:   cfg.pluginConfigs(),
		Store:     st,
		Logger:    logger,
	})
	if err != nil {
		closeFn()
		return nil, nil, configErr(err)
	}
	return svc, closeFn, nil
}

func openHistory() (*store.LibSQLStore, error) {
	if err := os.MkdirAll(dirOf(cfg.HistoryDB), 0o700); err != nil {
		return nil, configErr(fmt.Errorf("create history dir: %w", err))
	}
	st, err := store.NewLibSQLStore(cfg.HistoryDB)
	if err != nil {
		return nil, configErr(err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		_ = st.Close()
		return nil, configErr(fmt.Errorf("migrate history: %w", err))
	}
	return st, nil
}
