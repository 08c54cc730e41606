package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookgate/internal/delivery"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect webhook deliveries",
	Long:  `Show delivery attempts for an event and list dead letters.`,
}

var attemptsCmd = &cobra.Command{
	Use:   "attempts [event-id]",
	Short: "List delivery attempts for an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		attempts, err := fetchAttempts(args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, map[string]any{"attempts": attempts})
			return nil
		}
		fmt.Fprintf(out, "Delivery attempts for event %s:\n", args[0])
		if len(attempts) == 0 {
			fmt.Fprintln(out, "  No delivery attempts found")
			return nil
		}
		for _, a := range attempts {
			fmt.Fprintf(out, "\n  Attempt %d (%s):\n", a.AttemptNumber, a.Outcome)
			fmt.Fprintf(out, "    Subscription: %s\n", a.SubscriptionID)
			fmt.Fprintf(out, "    Target: %s\n", a.TargetURL)
			if a.StatusCode > 0 {
				fmt.Fprintf(out, "    HTTP Status: %d\n", a.StatusCode)
			}
			if a.Error != "" {
				fmt.Fprintf(out, "    Error: %s\n", a.Error)
			}
			fmt.Fprintf(out, "    Circuit: %s\n", a.CircuitState)
			fmt.Fprintf(out, "    Duration: %s\n", a.Duration)
			fmt.Fprintf(out, "    At: %s\n", a.Timestamp.Local().Format(timeLayout))
		}
		return nil
	},
}

func fetchAttempts(eventID string) ([]delivery.Attempt, error) {
	ctx, cancel := requestContext()
	defer cancel()

	var resp struct {
		Attempts []delivery.Attempt `json:"attempts"`
	}
	if err := newClient().do(ctx, http.MethodGet, "/v1/events/"+url.PathEscape(eventID)+"/attempts", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get delivery attempts: %w", err)
	}
	return resp.Attempts, nil
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List dead letters",
	Long: `List deliveries that exhausted their attempts, newest first.

Example:
  hookctl delivery dlq --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		ctx, cancel := requestContext()
		defer cancel()

		var resp struct {
			DeadLetters []delivery.DeadLetter `json:"dead_letters"`
		}
		if err := newClient().do(ctx, http.MethodGet, "/v1/dead-letters?limit="+strconv.Itoa(limit), nil, nil, &resp); err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
			return nil
		}
		fmt.Fprintln(out, "Dead letters:")
		if len(resp.DeadLetters) == 0 {
			fmt.Fprintln(out, "  No entries found")
			return nil
		}
		for i, d := range resp.DeadLetters {
			fmt.Fprintf(out, "\n  Entry %d:\n", i+1)
			fmt.Fprintf(out, "    Event: %s (%s)\n", d.EventID, d.EventType)
			fmt.Fprintf(out, "    Subscription: %s\n", d.SubscriptionID)
			fmt.Fprintf(out, "    Target: %s\n", d.TargetURL)
			fmt.Fprintf(out, "    Attempts: %d\n", d.Attempts)
			if d.HTTPStatus > 0 {
				fmt.Fprintf(out, "    Last HTTP Status: %d\n", d.HTTPStatus)
			}
			if d.LastError != "" {
				fmt.Fprintf(out, "    Last Error: %s\n", d.LastError)
			}
			fmt.Fprintf(out, "    Dead Lettered: %s\n", d.At.Local().Format(timeLayout))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(attemptsCmd)
	deliveryCmd.AddCommand(dlqCmd)

	dlqCmd.Flags().Int("limit", 20, "maximum number of results")
}
