package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/upscript/marketing-relay/internal/config"
	"github.com/upscript/marketing-relay/internal/db"
	"github.com/upscript/marketing-relay/internal/store"
)

var (
	cfgFile    string
	dsn        string
	timeout    time.Duration
	outputJSON bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "Marketing Relay CLI - operate the event relay",
	Long: `relayctl is the operator tool for the marketing event relay.

You can use it to publish test events, inspect event state and attempt
history, and flip tenant and platform kill switches. It talks directly to
the relay database, so it needs network access to Postgres.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.relayctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres DSN (defaults to the DB_* environment)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "operation timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	// Bind flags to viper
	viper.BindPFlag("dsn", rootCmd.PersistentFlags().Lookup("dsn"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".relayctl")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	if !rootCmd.PersistentFlags().Changed("dsn") {
		if s := viper.GetString("dsn"); s != "" {
			dsn = s
		}
	}
	if !rootCmd.PersistentFlags().Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !rootCmd.PersistentFlags().Changed("json") {
		outputJSON = viper.GetBool("json")
	}
}

// getStore connects to Postgres and returns the store plus a cleanup func.
func getStore() (*store.Store, context.Context, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	target := dsn
	if target == "" {
		target = config.FromEnv().DSN()
	}

	pool, err := db.Connect(ctx, target)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("failed to connect: %w", err)
	}

	cleanup := func() {
		pool.Close()
		cancel()
	}
	return store.New(pool), ctx, cleanup, nil
}

// printOutput prints the response in the requested format
func printOutput(v interface{}) {
	if outputJSON {
		jsonData, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
			return
		}
		fmt.Println(string(jsonData))
	} else {
		fmt.Printf("%+v\n", v)
	}
}
