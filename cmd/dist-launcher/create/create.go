// Package create implements "dist-launcher create" commands.
package create

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/ml-infra/dist-launcher/launchconfig"
	"github.com/ml-infra/dist-launcher/launcher"
	"github.com/ml-infra/dist-launcher/pkg/fileutil"
	"github.com/ml-infra/dist-launcher/pkg/randutil"
)

var (
	path         string
	autoPath     bool
	enablePrompt bool
	dryRun       bool
)

// NewCommand implements "dist-launcher create" command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:        "create",
		Short:      "launch create commands",
		SuggestFor: []string{"creat"},
	}
	cmd.PersistentFlags().StringVarP(&path, "path", "p", "", "launch configuration file path")
	cmd.PersistentFlags().BoolVarP(&autoPath, "auto-path", "a", false, "'true' to auto-generate path for create config/job, overwrites existing --path value")
	cmd.PersistentFlags().BoolVarP(&enablePrompt, "enable-prompt", "e", true, "'true' to enable prompt mode")
	cmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "'true' to generate scripts and log commands without executing them")
	cmd.AddCommand(
		newCreateConfig(),
		newCreateJob(),
	)
	return cmd
}

func newCreateConfig() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Writes a dist-launcher configuration with default values",
		Long:  "Configuration values are overwritten by environment variables.",
		Run:   createConfigFunc,
	}
}

func createConfigFunc(cmd *cobra.Command, args []string) {
	if autoPath {
		path = filepath.Join(os.TempDir(), randutil.String(15)+".yaml")
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "'--path' flag is not specified")
		os.Exit(1)
	}
	cfg := launchconfig.NewDefault()
	cfg.ConfigPath = path
	cfg.Sync()

	fmt.Printf("\n*********************************\n")
	fmt.Printf("overwriting config file from environment variables...\n")
	err := cfg.UpdateFromEnvs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from environment variables: %v", err)
		os.Exit(1)
	}

	if err = cfg.ValidateAndSetDefaults(); err != nil {
		fmt.Printf("\n*********************************\n")
		fmt.Printf("'dist-launcher create config' fail %v\n", err)
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

	fmt.Printf("\n*********************************\n")
	fmt.Printf("'dist-launcher create config' success\n")
}

func newCreateJob() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Launch a distributed training job",
		Long:  "Configuration values are overwritten by environment variables.",
		Run:   createJobFunc,
	}
	return cmd
}

func createJobFunc(cmd *cobra.Command, args []string) {
	if autoPath {
		path = filepath.Join(os.TempDir(), randutil.String(15)+".yaml")
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "'--path' flag is not specified")
		os.Exit(1)
	}

	var cfg *launchconfig.Config
	var err error
	if fileutil.Exist(path) {
		cfg, err = launchconfig.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load configuration %q (%v)\n", path, err)
			os.Exit(1)
		}
		if err = cfg.ValidateAndSetDefaults(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to validate configuration %q (%v)\n", path, err)
			os.Exit(1)
		}
	} else {
		fmt.Fprintf(os.Stderr, "cannot find configuration %q; writing...\n", path)
		cfg = launchconfig.NewDefault()
		cfg.ConfigPath = path
	}

	fmt.Printf("\n*********************************\n")
	fmt.Printf("overwriting config file from environment variables...\n")
	err = cfg.UpdateFromEnvs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from environment variables: %v\n", err)
		os.Exit(1)
	}

	if err = cfg.ValidateAndSetDefaults(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to validate configuration %q (%v)\n", path, err)
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

	if enablePrompt && !dryRun {
		prompt := promptui.Select{
			Label: "Ready to launch the training job, should we continue?",
			Items: []string{
				"No, cancel it!",
				"Yes, let's launch!",
			},
		}
		idx, answer, err := prompt.Run()
		if err != nil {
			panic(err)
		}
		if idx != 1 {
			fmt.Printf("returning 'create' [index %d, answer %q]\n", idx, answer)
			return
		}
	}

	ts, err := launcher.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create launcher %v\n", err)
		os.Exit(1)
	}

	if err = ts.Launch(dryRun); err != nil {
		fmt.Printf("\n*********************************\n")
		fmt.Printf("'dist-launcher create job' fail %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\n*********************************\n")
	fmt.Printf("'dist-launcher create job' success\n")
}
