package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/austindbirch/jobhook/internal/deadletter"
	"github.com/austindbirch/jobhook/internal/engine"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Send and inspect webhook deliveries",
	Long:  `Send job completions, check delivery status, retry and archive deliveries.`,
}

var sendCmd = &cobra.Command{
	Use:   "send [target-url] [payload-json]",
	Short: "Deliver a job completion to a target",
	Long: `Hand a job completion to the engine. The payload must carry a jobId.

Example:
  jobhookctl delivery send https://example.com/hook '{"jobId":"job-1","state":"completed"}'
  jobhookctl delivery send https://example.com/hook '{"jobId":"job-2"}' --async -H X-Tenant=acme`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := parseJSON(args[1])
		if err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		headerPairs, _ := cmd.Flags().GetStringArray("header")
		headers, err := parseHeaders(headerPairs)
		if err != nil {
			return err
		}
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		async, _ := cmd.Flags().GetBool("async")

		ev := engine.Event{
			TargetURL:    args[0],
			ExtraHeaders: headers,
			MaxAttempts:  maxAttempts,
			Payload:      payload,
		}
		path := "/deliveries"
		if async {
			path += "?async=true"
		}

		out := cmd.OutOrStdout()
		if async {
			var queued map[string]any
			if _, err := doJSON(http.MethodPost, path, ev, &queued); err != nil {
				return fmt.Errorf("failed to enqueue delivery: %w", err)
			}
			if outputJSON {
				printOutput(out, queued)
			} else {
				fmt.Fprintln(out, "Queued for delivery")
			}
			return nil
		}

		var rep engine.Report
		if _, err := doJSON(http.MethodPost, path, ev, &rep); err != nil {
			return fmt.Errorf("failed to send delivery: %w", err)
		}
		if outputJSON {
			printOutput(out, rep)
			return nil
		}
		printReport(cmd, &rep)
		return nil
	},
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Get delivery status and attempts for a job",
	Long: `Get the delivery status and attempt history for a job.

Example:
  jobhookctl delivery status job-123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in engine.Inspection
		_, err := doJSON(http.MethodGet, "/deliveries/"+url.PathEscape(args[0]), nil, &in)
		if isStatus(err, http.StatusNotFound) {
			return fmt.Errorf("no delivery found for job %s", args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to get delivery status: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, in)
			return nil
		}

		st := in.Status
		fmt.Fprintf(out, "Delivery %s for job %s:\n", st.ID, st.JobID)
		fmt.Fprintf(out, "  State: %s\n", st.State)
		fmt.Fprintf(out, "  Target: %s\n", st.TargetURL)
		fmt.Fprintf(out, "  Attempts: %d/%d\n", st.Attempts, st.MaxAttempts)
		fmt.Fprintf(out, "  Created: %s\n", formatTime(&st.Timestamps.Created))
		if st.Timestamps.NextRetry != nil {
			fmt.Fprintf(out, "  Next retry: %s\n", formatTime(st.Timestamps.NextRetry))
		}
		if st.Timestamps.Delivered != nil {
			fmt.Fprintf(out, "  Delivered: %s\n", formatTime(st.Timestamps.Delivered))
		}
		if st.LastError != nil {
			fmt.Fprintf(out, "  Last error: %s (%s)\n", st.LastError.Message, st.LastError.Kind)
		}

		if len(in.Attempts) == 0 {
			fmt.Fprintln(out, "  No attempts recorded")
			return nil
		}
		for _, a := range in.Attempts {
			fmt.Fprintf(out, "\n  Attempt %d:\n", a.Attempt)
			fmt.Fprintf(out, "    At: %s\n", formatTime(&a.At))
			fmt.Fprintf(out, "    Success: %v\n", a.Success)
			fmt.Fprintf(out, "    Duration: %dms\n", a.DurationMs)
			if a.Response != nil {
				fmt.Fprintf(out, "    HTTP Status: %d\n", a.Response.Status)
			}
			if a.Error != nil {
				fmt.Fprintf(out, "    Error: %s\n", a.Error.Message)
			}
		}
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [job-id]",
	Short: "Trigger a manual retry for a job",
	Long: `Ask the engine to retry a delivery now. Delivered jobs are refused.

Example:
  jobhookctl delivery retry job-123 --reason manual`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		var resp deadletter.RetryResponse
		_, err := doJSON(http.MethodPost, "/retry-webhook/"+url.PathEscape(args[0]), deadletter.RetryRequest{
			WebhookID: args[0],
			Reason:    reason,
			Metadata:  map[string]string{"source": "jobhookctl"},
		}, &resp)
		if err != nil && !isStatus(err, http.StatusUnprocessableEntity) {
			return fmt.Errorf("failed to retry delivery: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
		} else if resp.Success {
			fmt.Fprintf(out, "Retry scheduled: %s\n", resp.Message)
			if resp.ScheduledAt != nil {
				fmt.Fprintf(out, "  Scheduled at: %s\n", formatTime(resp.ScheduledAt))
			}
		}
		if !resp.Success {
			return fmt.Errorf("retry refused: %s", resp.Message)
		}
		return nil
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive [job-id]",
	Short: "Move a delivery into the dead-letter archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var entry deadletter.Entry
		_, err := doJSON(http.MethodPost, "/deliveries/"+url.PathEscape(args[0])+"/archive", nil, &entry)
		if err != nil {
			return fmt.Errorf("failed to archive delivery: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, entry)
			return nil
		}
		fmt.Fprintf(out, "Archived job %s as %s\n", entry.JobID, entry.ID)
		return nil
	},
}

func printReport(cmd *cobra.Command, rep *engine.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job %s: %s\n", rep.JobID, rep.Result)
	if rep.DeliveryID != "" {
		fmt.Fprintf(out, "  Delivery ID: %s\n", rep.DeliveryID)
	}
	if rep.Attempt > 0 {
		fmt.Fprintf(out, "  Attempt: %d\n", rep.Attempt)
	}
	if rep.Message != "" {
		fmt.Fprintf(out, "  Message: %s\n", rep.Message)
	}
	if rep.Error != nil {
		fmt.Fprintf(out, "  Error: %s\n", rep.Error.Message)
	}
	if rep.NextRetry != nil {
		fmt.Fprintf(out, "  Next retry: %s\n", formatTime(rep.NextRetry))
	}
	if rep.Entry != nil {
		fmt.Fprintf(out, "  Dead-letter entry: %s (%s)\n", rep.Entry.ID, rep.Entry.Reason)
	}
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(sendCmd)
	deliveryCmd.AddCommand(statusCmd)
	deliveryCmd.AddCommand(retryCmd)
	deliveryCmd.AddCommand(archiveCmd)

	sendCmd.Flags().StringArrayP("header", "H", nil, "extra header sent to the target (key=value, repeatable)")
	sendCmd.Flags().Int("max-attempts", 0, "attempt budget (0 uses the server default)")
	sendCmd.Flags().Bool("async", false, "enqueue through NSQ instead of delivering inline")

	retryCmd.Flags().String("reason", "manual", "retry reason (manual, system, admin)")
}
