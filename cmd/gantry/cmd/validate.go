package cmd

import (
	"errors"

	"gantry/internal/pipeline"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [pipeline-file]",
	Short: "Validate a pipeline file",
	Long:  `Parse a pipeline file, check it against the schema, and verify the job graph: dependency references must resolve, the graph must be acyclic, and each job's shape must match its kind.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := pipeline.Load(args[0])
		if err != nil {
			var cfgErr *pipeline.ConfigurationError
			if errors.As(err, &cfgErr) {
				cmd.Printf("%s✗%s %s is not a valid pipeline: %s\n", colorRed, colorReset, args[0], cfgErr.Reason)
				return err
			}
			cmd.Printf("%s✗%s %v\n", colorRed, colorReset, err)
			return err
		}

		cmd.Printf("%s✓%s %s is valid: pipeline %q with %d jobs\n",
			colorGreen, colorReset, args[0], p.Name, len(p.Jobs))
		for _, job := range p.Jobs {
			if len(job.Needs) > 0 {
				cmd.Printf("  %s (%s) needs %v\n", job.Name, job.Kind, job.Needs)
			} else {
				cmd.Printf("  %s (%s)\n", job.Name, job.Kind)
			}
		}
		return nil
	},
}

func init() {
	validateCmd.SilenceUsage = true
	validateCmd.SilenceErrors = true
	rootCmd.AddCommand(validateCmd)
}
