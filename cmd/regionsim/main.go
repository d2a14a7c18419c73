// Command regionsim runs region similarity sessions without the desktop
// shell.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"region-similarity/internal/config"
	"region-similarity/internal/logging"
	"region-similarity/internal/session"
)

var (
	verbose bool

	logger *zap.Logger
	env    config.Env
)

var rootCmd = &cobra.Command{
	Use:   "regionsim",
	Short: "Find places that look like a reference region, or cluster a region",
	Long: `regionsim replays a session spec exported by the desktop app:
it builds the spec's aliases and features, runs the search or clustering
and exports the result.

Credentials come from GOOGLE_APPLICATION_CREDENTIALS (a .env file in the
working directory or in ~/.region-similarity is read first).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		env = config.LoadEnv()
		var err error
		logger, err = logging.New(verbose || env.DevMode)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.AddCommand(runCmd, tilesCmd, bandsCmd, searchCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, session.UserMessage(err))
		os.Exit(1)
	}
}

// execute runs the command tree, turning a panic into an error.
func execute(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("internal error: %v", p)
		}
	}()
	return rootCmd.ExecuteContext(ctx)
}
