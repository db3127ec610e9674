// Command governor runs and operates the self-play training governor.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/config"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

// Exit codes.
const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
	exitHalted = 3
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint.
func Run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args[1:])
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(context.Background())
	if err == nil {
		return exitOK
	}
	_, _ = fmt.Fprintf(stderr, "governor: %v\n", err)

	var mce *config.MissingConfigError
	switch {
	case errors.As(err, &mce):
		return exitConfig
	case contracts.IsHalt(err):
		return exitHalted
	}
	return exitError
}

// app carries what every subcommand shares.
type app struct {
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "governor",
		Short:         "Autonomous self-play training governor",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			configureLogging(stderr)
		},
	}
	root.AddCommand(
		a.newServeCmd(),
		a.newTrainCmd(),
		a.newBudgetCmd(),
		a.newKillSwitchCmd(),
		a.newPersonasCmd(),
		a.newScenarioCmd(),
		a.newAnalyticsCmd(),
		a.newBreakthroughsCmd(),
		a.newGatesCmd(),
		a.newAuditCmd(),
		a.newTokenCmd(),
	)
	return root
}

func configureLogging(w io.Writer) {
	var level slog.Level
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

// services loads configuration and wires the components. The caller closes
// the result.
func (a *app) services(cmd *cobra.Command) (*Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewServices(cmd.Context(), cfg)
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
