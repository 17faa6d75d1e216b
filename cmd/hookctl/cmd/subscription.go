package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

// subscriptionCmd represents the subscription command
var subscriptionCmd = &cobra.Command{
	Use:     "subscription",
	Aliases: []string{"sub"},
	Short:   "Manage webhook subscriptions",
	Long:    `Create, inspect, update, and toggle webhook subscriptions.`,
}

// subscriptionCreateCmd represents the subscription create command
var subscriptionCreateCmd = &cobra.Command{
	Use:   "create [tenant-id] [url] [event-types-csv]",
	Short: "Create a webhook subscription",
	Long: `Create a webhook subscription for a tenant. When no secret is given
the server generates one and returns it exactly once in the response.

Example:
  hookctl subscription create tn_123 https://example.com/hook appointment.created,appointment.cancelled`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		description, _ := cmd.Flags().GetString("description")
		secret, _ := cmd.Flags().GetString("secret")

		body := map[string]any{
			"tenant_id":   args[0],
			"url":         args[1],
			"event_types": splitCSV(args[2]),
		}
		if name != "" {
			body["name"] = name
		}
		if description != "" {
			body["description"] = description
		}
		if secret != "" {
			body["secret"] = secret
		}
		if cmd.Flags().Changed("max-retries") {
			n, _ := cmd.Flags().GetInt("max-retries")
			body["max_retries"] = n
		}
		if cmd.Flags().Changed("retry-delay") {
			n, _ := cmd.Flags().GetInt("retry-delay")
			body["retry_delay_seconds"] = n
		}

		resp, err := doRequest(http.MethodPost, "/v1/subscriptions", body)
		if err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Created subscription: %s\n", field(resp, "id"))
			if s := field(resp, "secret"); s != "" {
				fmt.Printf("  Secret (save it, shown only once): %s\n", s)
			}
		}
		return nil
	},
}

// subscriptionGetCmd represents the subscription get command
var subscriptionGetCmd = &cobra.Command{
	Use:   "get [subscription-id]",
	Short: "Get a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest(http.MethodGet, "/v1/subscriptions/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return fmt.Errorf("failed to get subscription: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

// subscriptionListCmd represents the subscription list command
var subscriptionListCmd = &cobra.Command{
	Use:   "list [tenant-id]",
	Short: "List subscriptions for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest(http.MethodGet, "/v1/subscriptions?tenant_id="+url.QueryEscape(args[0]), nil)
		if err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

// subscriptionUpdateCmd represents the subscription update command
var subscriptionUpdateCmd = &cobra.Command{
	Use:   "update [subscription-id]",
	Short: "Update a subscription",
	Long: `Update a subscription's mutable attributes. In-flight deliveries keep
their snapshotted URL; a rotated secret applies to the next attempt.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		for _, f := range []struct{ flag, key string }{
			{"name", "name"},
			{"description", "description"},
			{"url", "url"},
			{"secret", "secret"},
		} {
			if v, _ := cmd.Flags().GetString(f.flag); v != "" {
				body[f.key] = v
			}
		}
		if v, _ := cmd.Flags().GetString("event-types"); v != "" {
			body["event_types"] = splitCSV(v)
		}
		if cmd.Flags().Changed("max-retries") {
			n, _ := cmd.Flags().GetInt("max-retries")
			body["max_retries"] = n
		}
		if cmd.Flags().Changed("retry-delay") {
			n, _ := cmd.Flags().GetInt("retry-delay")
			body["retry_delay_seconds"] = n
		}
		if len(body) == 0 {
			return fmt.Errorf("no fields to update")
		}

		resp, err := doRequest(http.MethodPatch, "/v1/subscriptions/"+url.PathEscape(args[0]), body)
		if err != nil {
			return fmt.Errorf("failed to update subscription: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

// subscriptionActivateCmd represents the subscription activate command
var subscriptionActivateCmd = &cobra.Command{
	Use:   "activate [subscription-id]",
	Short: "Activate a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest(http.MethodPost, "/v1/subscriptions/"+url.PathEscape(args[0])+"/activate", nil)
		if err != nil {
			return fmt.Errorf("failed to activate subscription: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

// subscriptionDeactivateCmd represents the subscription deactivate command
var subscriptionDeactivateCmd = &cobra.Command{
	Use:   "deactivate [subscription-id]",
	Short: "Deactivate a subscription",
	Long: `Deactivate a subscription. Future events stop matching it; deliveries
already created continue to completion.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest(http.MethodPost, "/v1/subscriptions/"+url.PathEscape(args[0])+"/deactivate", nil)
		if err != nil {
			return fmt.Errorf("failed to deactivate subscription: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(subscriptionCmd)
	subscriptionCmd.AddCommand(subscriptionCreateCmd)
	subscriptionCmd.AddCommand(subscriptionGetCmd)
	subscriptionCmd.AddCommand(subscriptionListCmd)
	subscriptionCmd.AddCommand(subscriptionUpdateCmd)
	subscriptionCmd.AddCommand(subscriptionActivateCmd)
	subscriptionCmd.AddCommand(subscriptionDeactivateCmd)

	subscriptionCreateCmd.Flags().String("name", "", "subscription name")
	subscriptionCreateCmd.Flags().String("description", "", "subscription description")
	subscriptionCreateCmd.Flags().String("secret", "", "signing secret (generated when omitted)")
	subscriptionCreateCmd.Flags().Int("max-retries", 0, "retry ceiling per delivery")
	subscriptionCreateCmd.Flags().Int("retry-delay", 0, "backoff base in seconds")

	subscriptionUpdateCmd.Flags().String("name", "", "subscription name")
	subscriptionUpdateCmd.Flags().String("description", "", "subscription description")
	subscriptionUpdateCmd.Flags().String("url", "", "destination URL")
	subscriptionUpdateCmd.Flags().String("secret", "", "rotate the signing secret")
	subscriptionUpdateCmd.Flags().String("event-types", "", "comma separated event types")
	subscriptionUpdateCmd.Flags().Int("max-retries", 0, "retry ceiling per delivery")
	subscriptionUpdateCmd.Flags().Int("retry-delay", 0, "backoff base in seconds")
}
