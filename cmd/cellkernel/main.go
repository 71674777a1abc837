// Command cellkernel runs code in a long-lived interpreter, one cell at a
// time, from the command line or as an MCP server.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deixis/cellkernel"
	"github.com/deixis/cellkernel/internal/config"
	"github.com/deixis/cellkernel/internal/logging"
)

var (
	// Global flags.
	workspace string
	logLevel  string

	// Set by PersistentPreRunE.
	logger *zap.Logger
	loaded *config.LoadResult
)

var rootCmd = &cobra.Command{
	Use:   "cellkernel",
	Short: "Run code in a long-lived interpreter, one cell at a time",
	Long: `cellkernel drives a Julia interpreter over a local socket. Each cell is
submitted as one request; its streams, rich displays and errors come back
as structured output. The interpreter starts on first use and keeps its
state until it exits or is restarted.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if workspace == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("determining workspace: %w", err)
			}
			workspace = wd
		}
		abs, err := filepath.Abs(workspace)
		if err != nil {
			return fmt.Errorf("resolving workspace: %w", err)
		}
		workspace = abs

		loaded, err = config.Load(workspace)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := logLevel
		if level == "" {
			level = loaded.Config.LogLevel()
		}
		logger, err = logging.New(level)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		logger.Debug("config loaded",
			zap.String("workspace", workspace),
			zap.String("root", loaded.RepoRoot),
			zap.String("path", loaded.Path))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), cellkernel.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error, off (default: from config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// errCellFailed is returned by run when the cell itself failed; the
// transcript has already been printed.
type errCellFailed struct{}

func (errCellFailed) Error() string { return "cell failed" }

func exitCode(err error) int {
	if errors.As(err, &errCellFailed{}) {
		return 1
	}
	fmt.Fprintf(os.Stderr, "cellkernel: %v\n", err)
	return 2
}
