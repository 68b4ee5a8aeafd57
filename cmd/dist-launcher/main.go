// dist-launcher starts and stops distributed training jobs.
package main

import (
	"fmt"
	"os"

	"github.com/ml-infra/dist-launcher/cmd/dist-launcher/create"
	"github.com/ml-infra/dist-launcher/cmd/dist-launcher/logs"
	"github.com/ml-infra/dist-launcher/cmd/dist-launcher/stop"
	"github.com/ml-infra/dist-launcher/cmd/dist-launcher/version"
	"github.com/ml-infra/dist-launcher/cmd/dist-launcher/workflow"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:        "dist-launcher",
	Short:      "distributed training launcher CLI",
	SuggestFor: []string{"dist-launch"},
}

func init() {
	cobra.EnablePrefixMatching = true
}

func init() {
	rootCmd.AddCommand(
		create.NewCommand(),
		stop.NewCommand(),
		logs.NewCommand(),
		workflow.NewCommand(),
		version.NewCommand(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dist-launcher failed %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}
