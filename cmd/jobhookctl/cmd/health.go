package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/jobhook/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the jobhook API",
	Long:  `Check the health of the jobhook API and its backing store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := checkHealth()
		if err != nil && st == nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, st)
		} else if st.OK {
			fmt.Fprintf(out, "✓ Service is healthy (store: %s)\n", st.Backend)
		} else {
			fmt.Fprintf(out, "✗ Service is unhealthy: %s\n", st.Message)
		}
		if !st.OK {
			return fmt.Errorf("service unhealthy")
		}
		return nil
	},
}

// checkHealth calls /healthz. A 503 still returns the decoded status.
func checkHealth() (*health.Status, error) {
	var st health.Status
	_, err := doJSON(http.MethodGet, "/healthz", nil, &st)
	if err != nil && !isStatus(err, http.StatusServiceUnavailable) {
		return nil, err
	}
	return &st, err
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
