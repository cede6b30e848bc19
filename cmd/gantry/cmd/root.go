package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "Gantry is a command line tool for running and inspecting CI pipelines",
	Long: `gantry is the command-line interface for the Gantry pipeline engine.

Gantry executes a pipeline's job graph in dependency order, skipping jobs
whose branch predicate does not match, caching declared artifacts by input
fingerprint, and fanning image jobs out across target platforms.

Common workflows:

  Validate a pipeline file:
    gantry validate .gantry.yml

  Execute a pipeline against the current checkout:
    gantry run .gantry.yml --revision $(git rev-parse HEAD) --branch main

  List recent runs recorded by the daemon:
    gantry runs

  Check the status of a run:
    gantry status <run-id>

  Fetch a job's logs:
    gantry logs <run-id> <job-name>

Configuration:
  Set the daemon endpoint via environment variables or a config file:
    GANTRY_URL    Daemon API endpoint (default: http://localhost:6161)`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".gantry"
		viper.AddConfigPath(home)
		viper.SetConfigName(".gantry")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "GANTRY_VARNAME"
	viper.SetEnvPrefix("GANTRY")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.gantry.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "Gantry daemon URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}
