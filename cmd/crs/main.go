package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile  string
	logLevel string
	version  = "dev" // Will be set by build flags
)

// Admin-command exit codes (0 success is implicit).
const (
	exitBadInput    = 2
	exitUnreachable = 3
	exitKeyConflict = 4
)

// exitError carries a specific process exit code out of a RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func badInput(format string, args ...interface{}) error {
	return &exitError{code: exitBadInput, err: fmt.Errorf(format, args...)}
}

func backendUnreachable(err error) error {
	return &exitError{code: exitUnreachable, err: fmt.Errorf("backend unreachable: %w", err)}
}

func keyConflict(format string, args ...interface{}) error {
	return &exitError{code: exitKeyConflict, err: fmt.Errorf(format, args...)}
}

var rootCmd = &cobra.Command{
	Use:   "crs",
	Short: "Cyber reasoning system orchestration plane",
	Long: `crs hosts the orchestration plane of the cyber reasoning system: the
worker fleets (downloader, builder, fuzzer-merge, patch router, GC), the
per-task scheduler and submitter actors, the inbound task API, and the
queue/registry admin surface.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// Commands are defined in separate files:
// - serve-* subcommands in serve.go
// - queue/registry admin subcommands in admin.go

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}
