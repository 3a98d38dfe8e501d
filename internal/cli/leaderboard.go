package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var leaderboardLimit int

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Display users ranked by points",
	RunE: func(cmd *cobra.Command, args []string) error {
		if leaderboardLimit < 0 {
			return fmt.Errorf("--limit cannot be negative")
		}
		return getApp().Leaderboard(cmd.Context(), leaderboardLimit)
	},
}

func init() {
	leaderboardCmd.Flags().IntVar(&leaderboardLimit, "limit", 20, "Number of users to display (0 for all)")
}
