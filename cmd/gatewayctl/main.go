package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/coreason-ai/gateway/cmd/gatewayctl/commands"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gatewayctl",
		Short: "Gateway operations CLI",
		Long:  "Operational tooling for the egress gateway: inspect and manage per-project token budgets in Redis.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&commands.RedisURL, "redis-url", os.Getenv("REDIS_URL"), "Redis URL (defaults to REDIS_URL)")

	rootCmd.AddCommand(commands.NewBudgetCommand())

	return rootCmd
}
