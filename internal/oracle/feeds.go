package oracle

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// FeedType is the only oracle kind claims can carry today.
const FeedType = "chainlink_price"

// Chainlink aggregator proxies on Ethereum mainnet.
var feeds = map[string]common.Address{
	"ETH/USD":  common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"),
	"BTC/USD":  common.HexToAddress("0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c"),
	"LINK/USD": common.HexToAddress("0x2c1d072e956AFFC0D435Cb7AC38EF18d24d9127c"),
}

// FeedAddress returns the aggregator for a feed name.
func FeedAddress(feed string) (common.Address, bool) {
	addr, ok := feeds[feed]
	return addr, ok
}

// ValidFeed reports whether the feed is known.
func ValidFeed(feed string) bool {
	_, ok := feeds[feed]
	return ok
}

// FeedNames lists supported feeds in stable order.
func FeedNames() []string {
	names := make([]string, 0, len(feeds))
	for name := range feeds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
