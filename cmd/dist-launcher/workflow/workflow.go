// Package workflow implements "dist-launcher workflow" commands.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ml-infra/dist-launcher/pkg/logutil"
	"github.com/ml-infra/dist-launcher/workflow"
)

var (
	path     string
	event    string
	branch   string
	logLevel string
)

// NewCommand implements "dist-launcher workflow" command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:        "workflow",
		Short:      "CI workflow commands",
		SuggestFor: []string{"wf", "workflows"},
	}
	cmd.PersistentFlags().StringVarP(&path, "path", "p", "", "workflow definition file path")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", logutil.DefaultLogLevel, "log level")
	cmd.AddCommand(
		newValidate(),
		newRun(),
	)
	return cmd
}

func newValidate() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validates a workflow definition",
		Run:   validateFunc,
	}
}

func validateFunc(cmd *cobra.Command, args []string) {
	wf, err := workflow.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load workflow %q (%v)\n", path, err)
		os.Exit(1)
	}
	if err = wf.Validate(); err != nil {
		fmt.Printf("\n*********************************\n")
		fmt.Printf("'dist-launcher workflow validate' fail %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\n*********************************\n")
	fmt.Printf("'dist-launcher workflow validate' success\n")
}

func newRun() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs a workflow for one repository event",
		Run:   runFunc,
	}
	cmd.PersistentFlags().StringVar(&event, "event", workflow.EventPush, "event kind ('push' or 'pull_request')")
	cmd.PersistentFlags().StringVar(&branch, "branch", "main", "branch the event happened on")
	return cmd
}

func runFunc(cmd *cobra.Command, args []string) {
	wf, err := workflow.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load workflow %q (%v)\n", path, err)
		os.Exit(1)
	}

	lcfg := logutil.AddOutputPaths(logutil.GetDefaultZapLoggerConfig(), nil, nil)
	lcfg.Level = zap.NewAtomicLevelAt(logutil.ConvertToZapLevel(logLevel))
	lg, err := lcfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger (%v)\n", err)
		os.Exit(1)
	}

	r := workflow.NewRunner(lg, os.Stderr)
	res, err := r.Run(context.Background(), wf, workflow.Event{Kind: event, Branch: branch})
	if res != nil {
		d, jerr := json.MarshalIndent(res, "", "  ")
		if jerr == nil {
			fmt.Printf("\n%s\n", string(d))
		}
	}
	if err != nil {
		fmt.Printf("\n*********************************\n")
		fmt.Printf("'dist-launcher workflow run' fail %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\n*********************************\n")
	fmt.Printf("'dist-launcher workflow run' success\n")
}
