package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookgate/internal/subscription"
)

type createdSubscription struct {
	subscription.Subscription
	Secret string `json:"secret"`
}

// subscriptionCmd represents the subscription command
var subscriptionCmd = &cobra.Command{
	Use:     "subscription",
	Aliases: []string{"sub"},
	Short:   "Manage webhook subscriptions",
	Long:    `Create, list and disable subscriptions that route an event type to a target URL.`,
}

var createSubscriptionCmd = &cobra.Command{
	Use:   "create [event-type] [target-url]",
	Short: "Create a new webhook subscription",
	Long: `Create a subscription. A signing secret is generated when --secret is
not given and is only shown once.

Example:
  hookctl subscription create reservation.created https://example.com/hook --max-attempts 3 --delay 10s --delay 1m`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		delays, _ := cmd.Flags().GetStringSlice("delay")

		sub, err := createSubscription(args[0], args[1], secret, maxAttempts, delays)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, sub)
			return nil
		}
		fmt.Fprintf(out, "Created subscription: %s\n", sub.ID)
		fmt.Fprintf(out, "  Event Type: %s\n", sub.EventType)
		fmt.Fprintf(out, "  Target URL: %s\n", sub.TargetURL)
		fmt.Fprintf(out, "  Secret: %s\n", sub.Secret)
		fmt.Fprintln(out, "  (store the secret now, it is not shown again)")
		return nil
	},
}

func createSubscription(eventType, targetURL, secret string, maxAttempts int, delays []string) (createdSubscription, error) {
	ctx, cancel := requestContext()
	defer cancel()

	req := map[string]any{"event_type": eventType, "target_url": targetURL}
	if secret != "" {
		req["secret"] = secret
	}
	if maxAttempts > 0 {
		req["max_attempts"] = maxAttempts
	}
	if len(delays) > 0 {
		req["delay_schedule"] = delays
	}

	var sub createdSubscription
	if err := newClient().do(ctx, http.MethodPost, "/v1/subscriptions", nil, req, &sub); err != nil {
		return sub, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

var listSubscriptionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType, _ := cmd.Flags().GetString("event-type")
		ctx, cancel := requestContext()
		defer cancel()

		path := "/v1/subscriptions"
		if eventType != "" {
			path += "?event_type=" + url.QueryEscape(eventType)
		}
		var resp struct {
			Subscriptions []subscription.Subscription `json:"subscriptions"`
		}
		if err := newClient().do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
			return nil
		}
		if len(resp.Subscriptions) == 0 {
			fmt.Fprintln(out, "No subscriptions found")
			return nil
		}
		for _, s := range resp.Subscriptions {
			state := "active"
			if !s.Active {
				state = "disabled"
			}
			fmt.Fprintf(out, "%s  %-28s  %-8s  %s\n", s.ID, s.EventType, state, s.TargetURL)
		}
		return nil
	},
}

var disableSubscriptionCmd = &cobra.Command{
	Use:   "disable [subscription-id]",
	Short: "Stop delivering to a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		if err := newClient().do(ctx, http.MethodPost, "/v1/subscriptions/"+url.PathEscape(args[0])+"/disable", nil, nil, nil); err != nil {
			return fmt.Errorf("failed to disable subscription: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Disabled subscription: %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(subscriptionCmd)
	subscriptionCmd.AddCommand(createSubscriptionCmd)
	subscriptionCmd.AddCommand(listSubscriptionsCmd)
	subscriptionCmd.AddCommand(disableSubscriptionCmd)

	createSubscriptionCmd.Flags().String("secret", "", "signing secret (generated when empty)")
	createSubscriptionCmd.Flags().Int("max-attempts", 0, "delivery attempts before dead-lettering (server default when 0)")
	createSubscriptionCmd.Flags().StringSlice("delay", nil, "retry delay schedule, repeatable (e.g. --delay 30s --delay 5m)")
	listSubscriptionsCmd.Flags().String("event-type", "", "filter by event type")
}
