package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check dispatcher health",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest(http.MethodGet, "/healthz", nil)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if outputJSON {
			printOutput(resp)
		} else if ok, _ := resp["ok"].(bool); ok {
			fmt.Println("OK")
		} else {
			fmt.Printf("UNHEALTHY: %s\n", field(resp, "message"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
