// Package cmd implements the switchyard command line.
package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/switchyard/internal/config"
	"github.com/Iron-Ham/switchyard/internal/errors"
)

// Execute runs the root command and reports a failure on stderr.
func Execute() error {
	return execute(newRootCmd())
}

func execute(root *cobra.Command) error {
	err := root.Execute()
	if err != nil {
		printError(root.ErrOrStderr(), err)
	}
	return err
}

// printError labels err with its severity. Internal errors also carry
// their category, and transient ones a hint that retrying may help.
func printError(w io.Writer, err error) {
	p := newPalette(isTerminal(w))
	label := errors.GetSeverity(err).String()
	if cat := errors.Category(err); cat != nil && !errors.IsUserFacing(err) {
		label += " [" + cat.Error() + "]"
	}
	fmt.Fprintf(w, "%s: %v\n", p.warn.Render(label), err)
	if errors.IsRetryable(err) {
		fmt.Fprintln(w, p.label.Render("The operation is transient and may succeed if retried."))
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "switchyard",
		Short: "Process, channel and collaboration core for multi-surface hosts",
		Long: `Switchyard supervises isolated processes, routes typed messages between
them, manages a large set of suspendable work units and coordinates shared
state between units.

Configuration is read from $XDG_CONFIG_HOME/switchyard/config.yaml and
SWITCHYARD_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initConfig(cfgFile)
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is $XDG_CONFIG_HOME/switchyard/config.yaml)")

	root.AddCommand(
		newRunCmd(),
		newStatsCmd(),
		newConfigCmd(),
		newStoreCmd(),
	)
	return root
}

func initConfig(cfgFile string) {
	viper.Reset()
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SWITCHYARD")
	// SWITCHYARD_SUSPENSION_STRATEGY sets suspension.strategy
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
