package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var logsCmd = &cobra.Command{
	Use:   "logs [run_id] [job_name]",
	Short: "Fetch logs for a job",
	Long:  `Fetch the captured output of one job within a run. Logs are kept for every job that started, including failed ones.`,
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		runID, jobName := args[0], args[1]

		client := NewRunClient(viper.GetString("url"))
		logs, err := client.GetJobLogs(runID, jobName)
		if err != nil {
			cmd.Printf("Error fetching logs: %v\n", err)
			return
		}

		for _, log := range logs {
			cmd.Print(log.Content)
			if len(log.Content) > 0 && log.Content[len(log.Content)-1] != '\n' {
				cmd.Println()
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
}
