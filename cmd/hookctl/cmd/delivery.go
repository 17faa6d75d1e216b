package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect and replay deliveries",
	Long:  `Inspect delivery attempts and replay finished deliveries.`,
}

// deliveryGetCmd represents the delivery get command
var deliveryGetCmd = &cobra.Command{
	Use:   "get [delivery-id]",
	Short: "Get a delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest(http.MethodGet, "/v1/deliveries/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return fmt.Errorf("failed to get delivery: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

// deliveryListCmd represents the delivery list command
var deliveryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deliveries",
	Long: `List deliveries filtered by tenant, subscription, event, or status.

Example:
  hookctl delivery list --tenant tn_123 --status exhausted --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if v, _ := cmd.Flags().GetString("tenant"); v != "" {
			q.Set("tenant_id", v)
		}
		if v, _ := cmd.Flags().GetString("subscription"); v != "" {
			q.Set("subscription_id", v)
		}
		if v, _ := cmd.Flags().GetString("event"); v != "" {
			q.Set("event_id", v)
		}
		if v, _ := cmd.Flags().GetString("status"); v != "" {
			q.Set("status", v)
		}
		if n, _ := cmd.Flags().GetInt("limit"); n > 0 {
			q.Set("limit", fmt.Sprintf("%d", n))
		}

		resp, err := doRequest(http.MethodGet, "/v1/deliveries?"+q.Encode(), nil)
		if err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

// deliveryReplayCmd represents the delivery replay command
var deliveryReplayCmd = &cobra.Command{
	Use:   "replay [delivery-id]",
	Short: "Replay a finished delivery",
	Long: `Replay a delivered or exhausted delivery as a fresh pending delivery.
The new delivery re-snapshots the subscription's current URL and starts its
attempt count from zero.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest(http.MethodPost, "/v1/deliveries/"+url.PathEscape(args[0])+"/replay", nil)
		if err != nil {
			return fmt.Errorf("failed to replay delivery: %w", err)
		}
		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Replay delivery created: %s\n", field(resp, "id"))
			fmt.Printf("  Replays: %s\n", field(resp, "replay_of"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(deliveryGetCmd)
	deliveryCmd.AddCommand(deliveryListCmd)
	deliveryCmd.AddCommand(deliveryReplayCmd)

	deliveryListCmd.Flags().String("tenant", "", "filter by tenant id")
	deliveryListCmd.Flags().String("subscription", "", "filter by subscription id")
	deliveryListCmd.Flags().String("event", "", "filter by event id")
	deliveryListCmd.Flags().String("status", "", "filter by status (pending, delivering, delivered, exhausted)")
	deliveryListCmd.Flags().Int("limit", 10, "max rows returned")
}
