package cmd

import (
	"fmt"
	"time"

	"gantry/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status [run_id]",
	Short: "Get status of a run",
	Long:  `Retrieve detailed status information for a pipeline run, including its aggregate state (pending, running, succeeded, failed, cancelled) and the outcome of every job in the graph.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runID := args[0]

		client := NewRunClient(viper.GetString("url"))
		run, err := client.GetRun(runID)
		if err != nil {
			cmd.Printf("Failed to fetch run: %v\n", err)
			return
		}

		printStatus(cmd, run)
	},
}

func printStatus(cmd *cobra.Command, run *api.RunResponse) {
	// Header with status icon
	icon := statusIcon(run.Status)
	cmd.Printf("%s %sRun Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s        %s\n", colorDim, colorReset, run.ID)
	cmd.Printf("%sPipeline:%s  %s\n", colorDim, colorReset, run.Pipeline)
	cmd.Printf("%sRevision:%s  %s\n", colorDim, colorReset, run.Revision)
	cmd.Printf("%sBranch:%s    %s\n", colorDim, colorReset, run.Branch)
	cmd.Printf("%sStatus:%s    %s\n", colorDim, colorReset, colorizeStatus(run.Status))

	cmd.Printf("%sStarted:%s   %s\n", colorDim, colorReset, formatTimeWithRelative(&run.CreatedAt))
	if run.FinishedAt != nil {
		duration := run.FinishedAt.Sub(run.CreatedAt)
		cmd.Printf("%sFinished:%s  %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(run.FinishedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s  -\n", colorDim, colorReset)
	}

	if len(run.Jobs) == 0 {
		return
	}

	cmd.Println()
	cmd.Printf("%sJobs%s\n", colorBold, colorReset)
	for _, job := range run.Jobs {
		cmd.Printf("  %s %-20s %s\n", statusIcon(job.Status), job.Name, jobDetail(job))
	}
}

// jobDetail renders the part of a job line that varies by outcome.
func jobDetail(job api.JobResult) string {
	switch job.Status {
	case "skipped":
		return fmt.Sprintf("%sskipped (%s)%s", colorDim, job.SkipReason, colorReset)
	case "failed":
		detail := fmt.Sprintf("%sfailed (%s)%s", colorRed, job.FailureClass, colorReset)
		if job.ExitCode != nil {
			detail += fmt.Sprintf(" exit %d", *job.ExitCode)
		}
		return detail
	case "succeeded":
		if job.StartedAt != nil && job.FinishedAt != nil {
			return fmt.Sprintf("%s%s%s", colorGreen, formatDuration(job.FinishedAt.Sub(*job.StartedAt)), colorReset)
		}
		return colorGreen + "succeeded" + colorReset
	default:
		return job.Status
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case "succeeded":
		return colorGreen + "✓" + colorReset
	case "failed":
		return colorRed + "✗" + colorReset
	case "cancelled":
		return colorYellow + "⊘" + colorReset
	case "running":
		return colorYellow + "⏳" + colorReset
	case "pending":
		return colorCyan + "◯" + colorReset
	case "skipped":
		return colorDim + "−" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "succeeded":
		return icon + " " + colorGreen + status + colorReset
	case "failed":
		return icon + " " + colorRed + status + colorReset
	case "running", "cancelled":
		return icon + " " + colorYellow + status + colorReset
	case "pending":
		return icon + " " + colorCyan + status + colorReset
	default:
		return status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
