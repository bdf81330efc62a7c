package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fitjourney/subscriptions/internal/controlplane"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "subscriptions",
	Short:   "FitJourney subscription service",
	Long:    `Receives payment provider webhooks and activates subscriptions on FitJourney accounts, holding purchases for buyers who have not signed up yet.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlplane.Run(cmd.Context(), Version)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlplane.Run(cmd.Context(), Version)
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire subscriptions whose period has ended, once",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := controlplane.RunExpire(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Expired %d subscription(s)\n", n)
		return nil
	},
}

var (
	resolveProvider string
	resolveVariant  string
	resolveProduct  string
	resolveAmount   int64
	resolvePlans    string
)

var resolveTierCmd = &cobra.Command{
	Use:   "resolve-tier",
	Short: "Show which tier a purchase would grant",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver, err := controlplane.LoadResolver(resolvePlans)
		if err != nil {
			return err
		}
		res := resolver.ResolveFor(resolveProvider, resolveVariant, resolveProduct, resolveAmount)
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "subscriptions %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	resolveTierCmd.Flags().StringVar(&resolveProvider, "provider", "", "payment provider (lemonsqueezy, payhip, stripe)")
	resolveTierCmd.Flags().StringVar(&resolveVariant, "variant", "", "variant label from the provider")
	resolveTierCmd.Flags().StringVar(&resolveProduct, "product", "", "product label from the provider")
	resolveTierCmd.Flags().Int64Var(&resolveAmount, "amount", 0, "amount paid in minor units (cents)")
	resolveTierCmd.Flags().StringVar(&resolvePlans, "plans", os.Getenv("SUBS_PLANS_FILE"), "YAML plan table (defaults to built-in plans)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(expireCmd)
	rootCmd.AddCommand(resolveTierCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
