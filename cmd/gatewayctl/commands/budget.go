package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// RedisURL is set by the root command's persistent flag.
var RedisURL string

func newRedisClient() (*redis.Client, error) {
	if RedisURL == "" {
		return nil, fmt.Errorf("redis URL not configured; set --redis-url or REDIS_URL")
	}
	opt, err := redis.ParseURL(RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return redis.NewClient(opt), nil
}

func remainingKey(projectID string) string {
	return fmt.Sprintf("budget:%s:remaining", projectID)
}

func usageKey(projectID string) string {
	return fmt.Sprintf("usage:%s:total", projectID)
}

// NewBudgetCommand creates the budget management command
func NewBudgetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Manage project budgets",
		Long:  "View and set per-project token budgets and usage counters",
	}

	cmd.AddCommand(newBudgetStatusCommand())
	cmd.AddCommand(newBudgetSetCommand())
	cmd.AddCommand(newBudgetResetUsageCommand())

	return cmd
}

func newBudgetStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show remaining budget and total usage for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newRedisClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			ctx := context.Background()
			projectID := args[0]

			remaining, err := client.Get(ctx, remainingKey(projectID)).Result()
			if err == redis.Nil {
				remaining = "(unset)"
			} else if err != nil {
				return fmt.Errorf("failed to read budget: %w", err)
			}

			usage, err := client.Get(ctx, usageKey(projectID)).Result()
			if err == redis.Nil {
				usage = "0"
			} else if err != nil {
				return fmt.Errorf("failed to read usage: %w", err)
			}

			fmt.Printf("Project:   %s\n", projectID)
			fmt.Printf("Remaining: %s\n", remaining)
			fmt.Printf("Used:      %s\n", usage)
			return nil
		},
	}
}

func newBudgetSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <project-id> <tokens>",
		Short: "Set the remaining token budget for a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid token amount %q: %w", args[1], err)
			}

			client, err := newRedisClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			projectID := args[0]
			if err := client.Set(context.Background(), remainingKey(projectID), tokens, 0).Err(); err != nil {
				return fmt.Errorf("failed to set budget: %w", err)
			}

			fmt.Printf("Budget for %s set to %d tokens\n", projectID, tokens)
			return nil
		},
	}
}

func newBudgetResetUsageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-usage <project-id>",
		Short: "Reset the usage counter for a project to zero",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("project-id is required")
			}

			client, err := newRedisClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			projectID := args[0]
			if err := client.Del(context.Background(), usageKey(projectID)).Err(); err != nil {
				return fmt.Errorf("failed to reset usage: %w", err)
			}

			fmt.Printf("Usage counter for %s reset\n", projectID)
			return nil
		},
	}
}
