package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Inspect or clear the shared rate-limit window",
}

var ratelimitShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the remaining cooldown",
	Args:  cobra.NoArgs,
	RunE:  runRatelimit(false),
}

var ratelimitClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "End the cooldown now",
	Long:  "Removes the rate-limit window so every process resumes marketplace calls.",
	Args:  cobra.NoArgs,
	RunE:  runRatelimit(true),
}

func init() {
	rootCmd.AddCommand(ratelimitCmd)
	ratelimitCmd.AddCommand(ratelimitShowCmd, ratelimitClearCmd)
}

func runRatelimit(reset bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		logger := setupLogger(debug)

		cfg, err := loadConfig(cfgPath)
		if err != nil {
			return err
		}
		ctx := context.Background()
		st, err := openStores(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()
		coord := newCoordinator(cfg, st, logger)

		out := cmd.OutOrStdout()
		if reset {
			if err := coord.Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "rate-limit window cleared")
			return nil
		}

		left, err := coord.Remaining(ctx)
		if err != nil {
			return err
		}
		if left <= 0 {
			fmt.Fprintln(out, "no rate limit active")
			return nil
		}
		fmt.Fprintf(out, "rate limited for another %s (until %s)\n",
			left.Round(time.Second), time.Now().Add(left).Format(time.RFC3339))
		return nil
	}
}
