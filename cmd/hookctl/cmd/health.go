package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookgate/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the ingest service",
	Long:  `Query /healthz and report the status of each dependency check.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var status health.Status
		err := newClient().do(ctx, http.MethodGet, "/healthz", nil, nil, &status)
		var apiErr *APIError
		if err != nil {
			if !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable {
				return fmt.Errorf("health check failed: %w", err)
			}
			// A 503 still carries the per-check status body.
			_ = json.Unmarshal([]byte(apiErr.Message), &status)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, status)
			return nil
		}
		if err != nil {
			fmt.Fprintln(out, "✗ Service is unhealthy")
		} else {
			fmt.Fprintln(out, "✓ Service is healthy")
		}
		for name, ok := range status.Checks {
			mark := "✓"
			if !ok {
				mark = "✗"
			}
			fmt.Fprintf(out, "  %s %s\n", mark, name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
