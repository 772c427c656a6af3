package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"boardgen/pkg/api"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status [execution_id]",
	Short: "Get status of an execution",
	Long: `Retrieve the state of an execution: its status (pending, running, completed,
failed, stopped), unit counters, produced styles, per-style errors and cost.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := organizationClient(cmd)
		if client == nil {
			return
		}

		execution, err := client.GetExecution(cmd.Context(), args[0])
		if err != nil {
			printAPIError(cmd, "Status", err)
			return
		}

		switch statusOutput {
		case "yaml":
			out, err := toYAML(execution)
			if err != nil {
				cmd.Printf("Failed to render execution: %v\n", err)
				return
			}
			cmd.Print(out)
		case "json":
			out, _ := json.MarshalIndent(execution, "", "  ")
			cmd.Println(string(out))
		default:
			printStatus(cmd, *execution)
		}
	},
}

// toYAML renders v with its JSON field names.
func toYAML(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func printStatus(cmd *cobra.Command, execution api.ExecutionResponse) {
	// Header with status icon
	icon := statusIcon(execution.Status)
	cmd.Printf("%s %sExecution Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, execution.ID)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(execution.Status))

	s := execution.Stats
	processed := s.Created + s.Updated + s.Skipped + s.ErrorsCount
	cmd.Printf("%sProgress:%s    %d/%d (created %d, updated %d, skipped %d, errors %d)\n", colorDim, colorReset,
		processed, s.TotalCandidates, s.Created, s.Updated, s.Skipped, s.ErrorsCount)

	cmd.Printf("%sEstimate:%s    %s credits (%s)\n", colorDim, colorReset,
		humanize.Comma(execution.EstimatedCredits), formatCost(execution.EstimatedCost))
	if execution.ActualCost != nil {
		cmd.Printf("%sActual:%s      %s%s%s\n", colorDim, colorReset, colorCyan, formatCost(*execution.ActualCost), colorReset)
	}

	// Error (if present)
	if execution.Error != nil {
		cmd.Printf("%sError:%s       %s%s%s\n", colorDim, colorReset, colorRed, *execution.Error, colorReset)
	}

	cmd.Printf("%sCreated:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&execution.CreatedAt))
	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(execution.StartedAt))

	// Duration if both times available
	if execution.StartedAt != nil && execution.CompletedAt != nil {
		duration := execution.CompletedAt.Sub(*execution.StartedAt)
		if execution.DurationMs != nil {
			duration = time.Duration(*execution.DurationMs) * time.Millisecond
		}
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(execution.CompletedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(execution.CompletedAt))
	}

	if len(execution.GeneratedUnits) > 0 {
		cmd.Printf("\n%sGenerated (%d):%s\n", colorBold, len(execution.GeneratedUnits), colorReset)
		for _, u := range execution.GeneratedUnits {
			cmd.Printf("  %s✓%s %s %s%s%s\n", colorGreen, colorReset, u.Name, colorDim, u.ExternalReference, colorReset)
		}
	}
	if len(execution.UnitErrors) > 0 {
		cmd.Printf("\n%sErrors (%d):%s\n", colorBold, len(execution.UnitErrors), colorReset)
		for _, e := range execution.UnitErrors {
			cmd.Printf("  %s✗%s %s [%s] %s\n", colorRed, colorReset, e.UnitID, e.Step, e.Message)
		}
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
	case "completed":
		return colorGreen + "✓" + colorReset
	case "failed":
		return colorRed + "✗" + colorReset
	case "running":
		return colorYellow + "⏳" + colorReset
	case "pending":
		return colorCyan + "◯" + colorReset
	case "stopped":
		return colorDim + "■" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "completed":
		return icon + " " + colorGreen + status + colorReset
	case "failed":
		return icon + " " + colorRed + status + colorReset
	case "running":
		return icon + " " + colorYellow + status + colorReset
	case "pending":
		return icon + " " + colorCyan + status + colorReset
	case "stopped":
		return icon + " " + colorDim + status + colorReset
	default:
		return status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return fmt.Sprintf("%s %s(%s)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, humanize.Time(*t), colorReset)
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
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text", "Output format: text, yaml or json")
	rootCmd.AddCommand(statusCmd)
}
