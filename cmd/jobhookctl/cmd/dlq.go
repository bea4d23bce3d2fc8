package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/jobhook/internal/deadletter"
)

// dlqCmd represents the dlq command
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Manage the dead-letter archive",
	Long:  `List, inspect, retry and clear archived deliveries.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter entries, newest first",
	Long: `List dead-letter entries, newest first.

Example:
  jobhookctl dlq list --limit 20 --offset 20`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset))

		var page deadletter.Page
		if _, err := doJSON(http.MethodGet, "/dead-letters?"+q.Encode(), nil, &page); err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, page)
			return nil
		}
		fmt.Fprintf(out, "Dead-letter entries (%d total):\n", page.Total)
		if len(page.Entries) == 0 {
			fmt.Fprintln(out, "  No entries found")
			return nil
		}
		for i, e := range page.Entries {
			fmt.Fprintf(out, "\n  Entry %d:\n", page.Offset+i+1)
			printEntry(cmd, &e, "    ")
		}
		return nil
	},
}

var dlqGetCmd = &cobra.Command{
	Use:   "get [entry-id]",
	Short: "Show one dead-letter entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var e deadletter.Entry
		_, err := doJSON(http.MethodGet, "/dead-letters/"+url.PathEscape(args[0]), nil, &e)
		if isStatus(err, http.StatusNotFound) {
			return fmt.Errorf("dead-letter entry %s not found", args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to get dead letter: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, e)
			return nil
		}
		printEntry(cmd, &e, "")
		if len(e.Payload) > 0 {
			fmt.Fprintf(out, "Payload: %s\n", e.Payload)
		}
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry [entry-id]",
	Short: "Revive a dead-lettered delivery",
	Long: `Send the entry back for delivery. On success the entry is removed
from the archive and the job restarts under a new delivery ID.

Example:
  jobhookctl dlq retry job-1_1700000000000`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp deadletter.RetryResponse
		_, err := doJSON(http.MethodPost, "/dead-letters/"+url.PathEscape(args[0])+"/retry", nil, &resp)
		if isStatus(err, http.StatusNotFound) {
			return fmt.Errorf("dead-letter entry %s not found", args[0])
		}
		if isStatus(err, http.StatusConflict) {
			return fmt.Errorf("retry rejected: %s", resp.Message)
		}
		if err != nil {
			return fmt.Errorf("failed to retry dead letter: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
			return nil
		}
		fmt.Fprintf(out, "Retry scheduled: %s\n", resp.Message)
		if resp.RetryID != "" {
			fmt.Fprintf(out, "  New delivery ID: %s\n", resp.RetryID)
		}
		return nil
	},
}

var dlqClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every dead-letter entry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to clear the archive without --yes")
		}
		var res struct {
			Cleared int `json:"cleared"`
		}
		if _, err := doJSON(http.MethodDelete, "/dead-letters", nil, &res); err != nil {
			return fmt.Errorf("failed to clear dead letters: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, res)
			return nil
		}
		fmt.Fprintf(out, "Cleared %d entries\n", res.Cleared)
		return nil
	},
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise the dead-letter archive",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st deadletter.Stats
		if _, err := doJSON(http.MethodGet, "/dead-letters/stats", nil, &st); err != nil {
			return fmt.Errorf("failed to get dead-letter stats: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, st)
			return nil
		}
		fmt.Fprintf(out, "Dead-letter entries: %d\n", st.Total)
		if st.Scanned < st.Total {
			fmt.Fprintf(out, "  (stats cover the first %d)\n", st.Scanned)
		}
		fmt.Fprintf(out, "  Oldest: %s\n", formatTime(st.Oldest))
		fmt.Fprintf(out, "  Newest: %s\n", formatTime(st.Newest))

		reasons := make([]string, 0, len(st.ByReason))
		for r := range st.ByReason {
			reasons = append(reasons, string(r))
		}
		sort.Strings(reasons)
		if len(reasons) > 0 {
			fmt.Fprintln(out, "  By reason:")
			for _, r := range reasons {
				fmt.Fprintf(out, "    %s: %d\n", r, st.ByReason[deadletter.Reason(r)])
			}
		}

		days := make([]string, 0, len(st.ByDay))
		for d := range st.ByDay {
			days = append(days, d)
		}
		sort.Strings(days)
		if len(days) > 0 {
			fmt.Fprintln(out, "  By day:")
			for _, d := range days {
				fmt.Fprintf(out, "    %s: %d\n", d, st.ByDay[d])
			}
		}
		return nil
	},
}

func printEntry(cmd *cobra.Command, e *deadletter.Entry, indent string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%sEntry ID: %s\n", indent, e.ID)
	fmt.Fprintf(out, "%sJob ID: %s\n", indent, e.JobID)
	fmt.Fprintf(out, "%sDelivery ID: %s\n", indent, e.DeliveryID)
	fmt.Fprintf(out, "%sTarget: %s\n", indent, e.TargetURL)
	fmt.Fprintf(out, "%sReason: %s (%s, %s)\n", indent, e.Reason, e.Category, e.Severity)
	fmt.Fprintf(out, "%sAttempts: %d/%d\n", indent, e.Attempts, e.MaxAttempts)
	if e.LastResponse != nil {
		fmt.Fprintf(out, "%sLast HTTP Status: %d\n", indent, e.LastResponse.Status)
	}
	if e.FinalError != nil {
		fmt.Fprintf(out, "%sError: %s\n", indent, e.FinalError.Message)
	}
	fmt.Fprintf(out, "%sArchived: %s\n", indent, formatTime(&e.CreatedAt))
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqGetCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	dlqCmd.AddCommand(dlqClearCmd)
	dlqCmd.AddCommand(dlqStatsCmd)

	dlqListCmd.Flags().Int("limit", 50, "maximum number of entries")
	dlqListCmd.Flags().Int("offset", 0, "number of entries to skip")

	dlqClearCmd.Flags().Bool("yes", false, "confirm clearing the whole archive")
}
