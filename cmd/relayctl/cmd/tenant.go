package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/upscript/marketing-relay/internal/store"
)

// tenantCmd represents the tenant command
var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Flip tenant kill switches",
	Long: `Enable or disable event relaying for a tenant. While a tenant is
disabled, its events fail with a configuration error instead of being
retried.`,
}

var tenantEnableCmd = &cobra.Command{
	Use:   "enable [tenant-code]",
	Short: "Enable relaying for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTenantActive(args[0], true) },
}

var tenantDisableCmd = &cobra.Command{
	Use:   "disable [tenant-code]",
	Short: "Disable relaying for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTenantActive(args[0], false) },
}

func setTenantActive(code string, active bool) error {
	st, ctx, cleanup, err := getStore()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := st.SetTenantActive(ctx, code, active); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("tenant %q not found", code)
		}
		return err
	}

	state := "disabled"
	if active {
		state = "enabled"
	}
	fmt.Printf("Tenant %s %s\n", code, state)
	return nil
}

func init() {
	rootCmd.AddCommand(tenantCmd)
	tenantCmd.AddCommand(tenantEnableCmd)
	tenantCmd.AddCommand(tenantDisableCmd)
}
