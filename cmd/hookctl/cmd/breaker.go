package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookgate/internal/breaker"
)

type breakerView struct {
	URL string `json:"url"`
	Key string `json:"key"`
	breaker.Circuit
}

// breakerCmd represents the breaker command
var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect and reset per-endpoint circuit breakers",
}

var breakerStatusCmd = &cobra.Command{
	Use:   "status [target-url]",
	Short: "Show the circuit state for a target URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var v breakerView
		if err := newClient().do(ctx, http.MethodGet, "/v1/breakers?url="+url.QueryEscape(args[0]), nil, nil, &v); err != nil {
			return fmt.Errorf("failed to get breaker state: %w", err)
		}
		printBreaker(cmd.OutOrStdout(), v)
		return nil
	},
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset [target-url]",
	Short: "Force a circuit back to CLOSED",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var v breakerView
		if err := newClient().do(ctx, http.MethodPost, "/v1/breakers/reset", nil, map[string]string{"url": args[0]}, &v); err != nil {
			return fmt.Errorf("failed to reset breaker: %w", err)
		}
		printBreaker(cmd.OutOrStdout(), v)
		return nil
	},
}

func printBreaker(out io.Writer, v breakerView) {
	if outputJSON {
		printOutput(out, v)
		return
	}
	fmt.Fprintf(out, "Circuit for %s: %s\n", v.URL, v.State)
	fmt.Fprintf(out, "  Key: %s\n", v.Key)
	fmt.Fprintf(out, "  Consecutive failures: %d\n", v.ConsecutiveFailures)
	if v.State == breaker.HalfOpen {
		fmt.Fprintf(out, "  Half-open successes: %d\n", v.HalfOpenSuccesses)
	}
	if v.RetryAfter != nil {
		fmt.Fprintf(out, "  Retry after: %s (in %s)\n", v.RetryAfter.Local().Format(timeLayout),
			time.Until(*v.RetryAfter).Round(time.Second))
	}
}

func init() {
	rootCmd.AddCommand(breakerCmd)
	breakerCmd.AddCommand(breakerStatusCmd)
	breakerCmd.AddCommand(breakerResetCmd)
}
