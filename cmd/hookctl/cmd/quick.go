package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookgate/internal/delivery"
)

// quickCmd represents a set of quick commands for common workflows
var quickCmd = &cobra.Command{
	Use:   "quick",
	Short: "Quick operations for common tasks",
}

var quickSetupCmd = &cobra.Command{
	Use:   "setup [event-type] [target-url]",
	Short: "Create a subscription and send it a test event",
	Long: `Create a subscription, emit one test event and wait for its first
delivery attempt.

Example:
  hookctl quick setup reservation.created http://receiver:8081/hook --secret whsec_demo`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType, target := args[0], args[1]
		secret, _ := cmd.Flags().GetString("secret")
		wait, _ := cmd.Flags().GetDuration("wait")
		out := cmd.OutOrStdout()

		sub, err := createSubscription(eventType, target, secret, 0, nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "✅ Created subscription: %s\n", sub.ID)

		ev, err := emitEvent(eventType, `{"test":true}`, emitOptions{Source: "hookctl-quick-setup"})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "✅ Emitted event: %s\n", ev.EventID)

		attempts, err := waitForAttempt(ev.EventID, sub.ID, wait)
		if err != nil {
			return err
		}

		if outputJSON {
			printOutput(out, map[string]any{"subscription": sub, "event": ev, "attempts": attempts})
			return nil
		}
		if len(attempts) == 0 {
			fmt.Fprintf(out, "⏳ No delivery attempt within %s, check the worker\n", wait)
			return nil
		}
		a := attempts[len(attempts)-1]
		fmt.Fprintf(out, "📬 Attempt %d: %s", a.AttemptNumber, a.Outcome)
		if a.StatusCode > 0 {
			fmt.Fprintf(out, " (HTTP %d)", a.StatusCode)
		}
		fmt.Fprintln(out)
		fmt.Fprintf(out, "\nSecret for the receiver: %s\n", sub.Secret)
		return nil
	},
}

// waitForAttempt polls until subscriptionID has at least one recorded attempt
// for eventID or the wait runs out.
func waitForAttempt(eventID, subscriptionID string, wait time.Duration) ([]delivery.Attempt, error) {
	deadline := time.Now().Add(wait)
	for {
		all, err := fetchAttempts(eventID)
		if err != nil {
			return nil, err
		}
		var mine []delivery.Attempt
		for _, a := range all {
			if a.SubscriptionID == subscriptionID {
				mine = append(mine, a)
			}
		}
		if len(mine) > 0 || time.Now().After(deadline) {
			return mine, nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func init() {
	rootCmd.AddCommand(quickCmd)
	quickCmd.AddCommand(quickSetupCmd)

	quickSetupCmd.Flags().String("secret", "", "signing secret (generated when empty)")
	quickSetupCmd.Flags().Duration("wait", 10*time.Second, "how long to wait for the first attempt")
}
