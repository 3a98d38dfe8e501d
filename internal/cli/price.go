package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"oracle-market/internal/app"
)

var (
	priceFeed       string
	priceComparator string
	priceTarget     float64
)

var priceCmd = &cobra.Command{
	Use:     "oracle-price",
	Short:   "Read a Chainlink feed and optionally evaluate a condition against it",
	Example: "  oraclemarket oracle-price --feed BTC/USD --comparator '>' --target 100000",
	RunE: func(cmd *cobra.Command, args []string) error {
		if priceFeed == "" {
			return errors.New("--feed is required")
		}
		opts := app.PriceOptions{Feed: priceFeed, Comparator: priceComparator}
		if cmd.Flags().Changed("target") {
			if priceComparator == "" {
				return errors.New("--target requires --comparator")
			}
			target := priceTarget
			opts.Target = &target
		}
		return getApp().OraclePrice(cmd.Context(), opts)
	},
}

func init() {
	priceCmd.Flags().StringVar(&priceFeed, "feed", "", "Feed to read, e.g. ETH/USD")
	priceCmd.Flags().StringVar(&priceComparator, "comparator", "", "Comparator to evaluate: >, >=, <, <=")
	priceCmd.Flags().Float64Var(&priceTarget, "target", 0, "Target value for the comparator")
}
