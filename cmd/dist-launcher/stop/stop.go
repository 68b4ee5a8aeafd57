// Package stop implements "dist-launcher stop" command.
package stop

import (
	"fmt"
	"os"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/ml-infra/dist-launcher/launchconfig"
	"github.com/ml-infra/dist-launcher/launcher"
	"github.com/ml-infra/dist-launcher/pkg/fileutil"
)

var (
	path         string
	enablePrompt bool
)

// NewCommand implements "dist-launcher stop" command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:        "stop",
		Short:      "Stop a running distributed training job",
		SuggestFor: []string{"stp"},
		Run:        stopFunc,
	}
	cmd.PersistentFlags().StringVarP(&path, "path", "p", "", "launch configuration file path")
	cmd.PersistentFlags().BoolVarP(&enablePrompt, "enable-prompt", "e", true, "'true' to enable prompt mode")
	return cmd
}

func stopFunc(cmd *cobra.Command, args []string) {
	if !fileutil.Exist(path) {
		fmt.Fprintf(os.Stderr, "cannot find configuration %q\n", path)
		os.Exit(1)
	}

	cfg, err := launchconfig.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration %q (%v)\n", path, err)
		os.Exit(1)
	}

	txt, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read configuration %q (%v)\n", path, err)
		os.Exit(1)
	}
	println()
	fmt.Println(string(txt))
	println()

	if enablePrompt {
		prompt := promptui.Select{
			Label: "Ready to stop the training job, should we continue?",
			Items: []string{
				"No, cancel it!",
				"Yes, let's stop!",
			},
		}
		idx, answer, err := prompt.Run()
		if err != nil {
			panic(err)
		}
		if idx != 1 {
			fmt.Printf("returning 'stop' [index %d, answer %q]\n", idx, answer)
			return
		}
	}

	ts, err := launcher.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create launcher %v\n", err)
		os.Exit(1)
	}

	if err = ts.Stop(); err != nil {
		fmt.Printf("\n*********************************\n")
		fmt.Printf("'dist-launcher stop' fail %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\n*********************************\n")
	fmt.Printf("'dist-launcher stop' success\n")
}
