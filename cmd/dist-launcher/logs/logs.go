// Package logs implements "dist-launcher logs" command.
package logs

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ml-infra/dist-launcher/launchconfig"
	"github.com/ml-infra/dist-launcher/launcher"
	"github.com/ml-infra/dist-launcher/pkg/fileutil"
)

var path string

// NewCommand implements "dist-launcher logs" command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:        "logs",
		Short:      "Fetch job output files from every node",
		SuggestFor: []string{"log", "output"},
		Run:        logsFunc,
	}
	cmd.PersistentFlags().StringVarP(&path, "path", "p", "", "launch configuration file path")
	return cmd
}

func logsFunc(cmd *cobra.Command, args []string) {
	if !fileutil.Exist(path) {
		fmt.Fprintf(os.Stderr, "cannot find configuration %q\n", path)
		os.Exit(1)
	}

	cfg, err := launchconfig.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration %q (%v)\n", path, err)
		os.Exit(1)
	}

	ts, err := launcher.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create launcher %v\n", err)
		os.Exit(1)
	}

	if err = ts.FetchOutputs(); err != nil {
		fmt.Printf("\n*********************************\n")
		fmt.Printf("'dist-launcher logs' fail %v\n", err)
		os.Exit(1)
	}

	for node, paths := range ts.Outputs() {
		fmt.Printf("%s:\n", node)
		for _, p := range paths {
			fmt.Printf("  %s\n", p)
		}
	}

	fmt.Printf("\n*********************************\n")
	fmt.Printf("'dist-launcher logs' success\n")
}
