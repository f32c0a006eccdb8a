package cmd

import (
	"fmt"
	"os"

	"github.com/maxkimambo/chainbuild/internal/errors"
	"github.com/maxkimambo/chainbuild/internal/logger"
	"github.com/spf13/cobra"
)

var (
	configPath   string
	workflowPath string
	debug        bool
	verbose      bool
	jsonLogs     bool
	quiet        bool
	version      = "v0.1.0"

	rootCmd = &cobra.Command{
		Use:   "chainbuild",
		Short: "Run package build chains as a dependency graph",
		Long: `Run package build chains described by a workflow document.

Tasks run as soon as their dependencies have succeeded. Successful results are
stamped on disk and reused by later runs, so an interrupted chain resumes where
it stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Setup(verbose || debug, jsonLogs, quiet)
		},
	}
)

// Execute runs the root command and prints errors the way the CLI formats them.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil && !errors.Is(err, errRunFailed) {
		fmt.Fprint(os.Stderr, errors.FormatForCLI(err))
	}
	return err
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-error output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
}
