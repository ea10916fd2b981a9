// Package cmd provides the command-line interface of vmsim.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tebeka/atexit"
)

// envPrefix is prepended to the upper-cased flag names to find the
// environment variables that override flag defaults.
const envPrefix = "VMSIM_"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vmsim",
	Short: "vmsim exercises a demand-paged virtual memory manager.",
	Long: `vmsim exercises a demand-paged virtual memory manager with ` +
		`synthetic user threads. Flag defaults can be overridden by ` +
		`VMSIM_* environment variables or a .env file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return applyEnv(cmd.Flags())
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

// applyEnv loads .env if present and sets every flag that was not given on
// the command line from its environment variable.
func applyEnv(flags *pflag.FlagSet) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return err
	}

	var errs []string

	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}

		name := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))

		value, ok := os.LookupEnv(name)
		if !ok {
			return
		}

		if err := flags.Set(f.Name, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	})

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}

	return nil
}
