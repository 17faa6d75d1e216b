package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish webhook events",
	Long:  `Publish webhook events into the delivery pipeline.`,
}

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish [tenant-id] [event-type] [payload-json]",
	Short: "Publish a webhook event",
	Long: `Publish a webhook event with a JSON payload.

Example:
  hookctl event publish tn_123 appointment.created '{"id":"apt_789","patient":"John Doe"}'`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID := args[0]
		eventType := args[1]
		payloadJSON := args[2]

		idempotencyKey, _ := cmd.Flags().GetString("idempotency-key")

		if !json.Valid([]byte(payloadJSON)) {
			return fmt.Errorf("invalid payload JSON")
		}

		body := map[string]any{
			"tenant_id":  tenantID,
			"event_type": eventType,
			"payload":    json.RawMessage(payloadJSON),
		}
		if idempotencyKey != "" {
			body["idempotency_key"] = idempotencyKey
		}

		resp, err := doRequest(http.MethodPost, "/v1/events", body)
		if err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Published event: %s\n", field(resp, "event_id"))
			fmt.Printf("  Fanout count: %v\n", resp["fanout_count"])
			if dup, ok := resp["duplicate"].(bool); ok && dup {
				fmt.Println("  Duplicate: already fanned out, no new deliveries")
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(publishCmd)

	// Flags for publish
	publishCmd.Flags().String("idempotency-key", "", "idempotency key for deduplication")
}
