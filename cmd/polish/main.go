package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := newRootCmd(logger).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "polish",
		Short:         "Iteratively polish a repository's code quality with an LLM agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCmd(logger),
		newSessionsCmd(logger),
		newInitCmd(),
		newStopHookCmd(logger),
	)

	return root
}

// exitCodeFor maps a run error to the CLI exit codes named in spec.md §6:
// 0 target reached, 1 plateau/max-iterations below target, 2 fatal error.
// Non-run commands that fail reach here too; they always exit 1 since
// exitError is only ever wrapped around the run command's outcome.
func exitCodeFor(err error) int {
	var ee *exitError
	if ok := asExitError(err, &ee); ok {
		return ee.code
	}
	return 1
}

// exitError lets cmdRun signal an exact exit code through cobra's RunE,
// which otherwise collapses every non-nil error to an identical failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func asExitError(err error, target **exitError) bool {
	for err != nil {
		if ee, ok := err.(*exitError); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
