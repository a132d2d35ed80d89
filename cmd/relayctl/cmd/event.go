package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/upscript/marketing-relay/internal/store"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish and inspect relay events",
	Long:  `Publish test events and inspect event state and attempt history.`,
}

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish [tenant-code] [event-kind] [payload-json]",
	Short: "Publish an event directly into the relay",
	Long: `Publish an event by inserting it into the relay database. The worker
picks it up on its next claim cycle.

Example:
  relayctl event publish bosley purchase '{"order_id":"ord-1","order_revenue":120.5}'`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantCode := args[0]
		eventKind := args[1]
		payloadJSON := args[2]

		idempotencyKey, _ := cmd.Flags().GetString("idempotency-key")

		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return fmt.Errorf("invalid payload JSON: %w", err)
		}
		if idempotencyKey == "" {
			if orderID, ok := payload["order_id"].(string); ok && orderID != "" {
				idempotencyKey = orderID
			} else {
				// Test events without an order reference still need a unique key.
				idempotencyKey = uuid.NewString()
			}
		}

		st, ctx, cleanup, err := getStore()
		if err != nil {
			return err
		}
		defer cleanup()

		id, inserted, err := st.InsertEvent(ctx, store.NewEvent{
			IdempotencyKey: idempotencyKey,
			TenantCode:     tenantCode,
			Kind:           eventKind,
			Payload:        payload,
			SourceSystem:   "relayctl",
		})
		if err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}

		if outputJSON {
			printOutput(map[string]any{"event_id": id, "inserted": inserted})
		} else if inserted {
			fmt.Printf("Published event: %s\n", id)
		} else {
			fmt.Printf("Duplicate idempotency key, existing event: %s\n", id)
		}

		return nil
	},
}

// getCmd represents the event get command
var getCmd = &cobra.Command{
	Use:   "get [event-id]",
	Short: "Show one event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, ctx, cleanup, err := getStore()
		if err != nil {
			return err
		}
		defer cleanup()

		ev, err := st.GetEvent(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get event: %w", err)
		}

		if outputJSON {
			printOutput(ev)
			return nil
		}

		fmt.Printf("Event: %s\n", ev.ID)
		fmt.Printf("  Tenant: %s\n", ev.TenantCode)
		fmt.Printf("  Kind: %s\n", ev.Kind)
		fmt.Printf("  Status: %s\n", ev.Status)
		fmt.Printf("  Retry count: %d\n", ev.RetryCount)
		if ev.NextRetryAt != nil {
			fmt.Printf("  Next retry: %s\n", ev.NextRetryAt)
		}
		if ev.LastError != "" {
			fmt.Printf("  Last error: %s\n", ev.LastError)
		}
		fmt.Printf("  Created: %s\n", ev.CreatedAt)
		return nil
	},
}

// attemptsCmd represents the event attempts command
var attemptsCmd = &cobra.Command{
	Use:   "attempts [event-id]",
	Short: "Show the attempt history of an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, ctx, cleanup, err := getStore()
		if err != nil {
			return err
		}
		defer cleanup()

		attempts, err := st.ListAttempts(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to list attempts: %w", err)
		}

		if outputJSON {
			printOutput(attempts)
			return nil
		}

		if len(attempts) == 0 {
			fmt.Println("No attempts recorded")
			return nil
		}
		for _, a := range attempts {
			result := "FAIL"
			if a.Success {
				result = "OK"
			}
			fmt.Printf("#%d %s %s [%s] http=%d %dms", a.Seq, result, a.Destination, a.DestinationKind, a.HTTPStatus, a.DurationMS)
			if a.ErrorMessage != "" {
				fmt.Printf(" error=%q", a.ErrorMessage)
			}
			fmt.Printf(" at %s\n", a.AttemptedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(publishCmd)
	eventCmd.AddCommand(getCmd)
	eventCmd.AddCommand(attemptsCmd)

	// Flags for publish
	publishCmd.Flags().String("idempotency-key", "", "idempotency key for deduplication (defaults to payload order_id)")
}
