package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/upscript/marketing-relay/internal/store"
)

// platformCmd represents the platform command
var platformCmd = &cobra.Command{
	Use:   "platform",
	Short: "Flip platform kill switches",
	Long: `Enable or disable a destination platform globally. While a platform
is disabled, its direct destinations are skipped for every tenant.`,
}

var platformEnableCmd = &cobra.Command{
	Use:   "enable [platform-code]",
	Short: "Enable a platform globally",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setPlatformActive(args[0], true) },
}

var platformDisableCmd = &cobra.Command{
	Use:   "disable [platform-code]",
	Short: "Disable a platform globally",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setPlatformActive(args[0], false) },
}

func setPlatformActive(code string, active bool) error {
	st, ctx, cleanup, err := getStore()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := st.SetPlatformActive(ctx, code, active); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("platform %q not found", code)
		}
		return err
	}

	state := "disabled"
	if active {
		state = "enabled"
	}
	fmt.Printf("Platform %s %s\n", code, state)
	return nil
}

func init() {
	rootCmd.AddCommand(platformCmd)
	platformCmd.AddCommand(platformEnableCmd)
	platformCmd.AddCommand(platformDisableCmd)
}
