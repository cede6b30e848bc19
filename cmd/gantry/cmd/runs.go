package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent runs",
	Long:  `List the most recent pipeline runs recorded by the daemon, newest first.`,
	Run: func(cmd *cobra.Command, args []string) {
		client := NewRunClient(viper.GetString("url"))
		runs, err := client.ListRuns(runsLimit)
		if err != nil {
			cmd.Printf("Failed to list runs: %v\n", err)
			return
		}

		if len(runs) == 0 {
			cmd.Println("No runs recorded.")
			return
		}

		cmd.Printf("%s%-36s  %-20s  %-12s  %-10s  %s%s\n",
			colorBold, "ID", "PIPELINE", "BRANCH", "STATUS", "STARTED", colorReset)
		for _, run := range runs {
			cmd.Printf("%-36s  %-20s  %-12s  %s%-10s%s  %s ago\n",
				run.ID, run.Pipeline, run.Branch,
				statusColor(run.Status), run.Status, colorReset,
				relativeTime(run.CreatedAt))
		}
	},
}

func statusColor(status string) string {
	switch status {
	case "succeeded":
		return colorGreen
	case "failed":
		return colorRed
	case "running", "cancelled":
		return colorYellow
	default:
		return colorDim
	}
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to list")
}
