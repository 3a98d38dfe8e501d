package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

	defaultTimeout = 10 * time.Second
)

var (
	ErrInvalidFeed       = errors.New("invalid oracle feed")
	ErrInvalidComparator = errors.New("invalid comparator")
	ErrOracleUnavailable = errors.New("oracle unavailable")
	errNoEndpoints       = errors.New("no rpc endpoints configured")
)

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// UnavailableError is returned once every endpoint has failed.
type UnavailableError struct {
	Feed     string
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("oracle unavailable for %s after %d endpoint(s): %v", e.Feed, e.Attempts, e.Err)
}

// Unwrap yields the last underlying cause.
func (e *UnavailableError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrOracleUnavailable) match.
func (e *UnavailableError) Is(target error) bool { return target == ErrOracleUnavailable }

// Caller is the subset of an RPC client the oracle needs.
type Caller interface {
	ethereum.ContractCaller
	Close()
}

// Dialer opens a Caller for an endpoint.
type Dialer func(ctx context.Context, endpoint string) (Caller, error)

// DialEthclient is the production Dialer.
func DialEthclient(ctx context.Context, endpoint string) (Caller, error) {
	return ethclient.DialContext(ctx, endpoint)
}

// Options parameterise the oracle client.
type Options struct {
	Endpoints []string
	Timeout   time.Duration
	Network   string
	Dialer    Dialer
}

// Price is a normalised aggregator reading.
type Price struct {
	Feed      string  `json:"feed"`
	Value     float64 `json:"value"`
	UpdatedAt int64   `json:"updated_at"`
	Endpoint  string  `json:"-"`
}

// Client reads Chainlink aggregators through an ordered endpoint list.
type Client struct {
	opts   Options
	logger zerolog.Logger
}

// New builds an oracle client.
func New(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = DialEthclient
	}
	return &Client{opts: opts, logger: logger.With().Str("component", "oracle").Logger()}
}

// Network is a display label for the chain the feeds live on.
func (c *Client) Network() string { return c.opts.Network }

// ProviderLabel is the hostname of the endpoint tried first.
func (c *Client) ProviderLabel() string {
	if len(c.opts.Endpoints) == 0 {
		return "none"
	}
	first := c.opts.Endpoints[0]
	if u, err := url.Parse(first); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return first
}

// Fetch returns the latest value of a feed. Endpoints are tried once each, in
// order; the first success wins.
func (c *Client) Fetch(ctx context.Context, feed string) (Price, error) {
	addr, ok := FeedAddress(feed)
	if !ok {
		return Price{}, fmt.Errorf("%w: %q", ErrInvalidFeed, feed)
	}

	lastErr := errNoEndpoints
	attempts := 0
	for i, endpoint := range c.opts.Endpoints {
		attempts++
		price, err := c.fetchFrom(ctx, endpoint, addr)
		if err == nil {
			price.Feed = feed
			return price, nil
		}
		lastErr = err
		c.logger.Warn().Err(err).
			Str("feed", feed).
			Int("attempt", i+1).
			Str("endpoint", hostOf(endpoint)).
			Msg("oracle endpoint failed")
		if ctx.Err() != nil {
			break
		}
	}

	return Price{}, &UnavailableError{Feed: feed, Attempts: attempts, Err: lastErr}
}

func (c *Client) fetchFrom(parent context.Context, endpoint string, addr common.Address) (Price, error) {
	ctx, cancel := context.WithTimeout(parent, c.opts.Timeout)
	defer cancel()

	client, err := c.opts.Dialer(ctx, endpoint)
	if err != nil {
		return Price{}, fmt.Errorf("dial: %w", err)
	}
	defer client.Close()

	decOut, err := call(ctx, client, addr, "decimals")
	if err != nil {
		return Price{}, err
	}
	decimals, ok := decOut[0].(uint8)
	if !ok {
		return Price{}, errors.New("failed to decode decimals output")
	}

	roundOut, err := call(ctx, client, addr, "latestRoundData")
	if err != nil {
		return Price{}, err
	}
	if len(roundOut) != 5 {
		return Price{}, errors.New("unexpected latestRoundData response")
	}
	answer, ok := roundOut[1].(*big.Int)
	if !ok {
		return Price{}, errors.New("failed to decode answer")
	}
	updatedAt, ok := roundOut[3].(*big.Int)
	if !ok {
		return Price{}, errors.New("failed to decode updatedAt")
	}

	value, _ := decimal.NewFromBigInt(answer, -int32(decimals)).Float64()
	return Price{Value: value, UpdatedAt: updatedAt.Int64(), Endpoint: endpoint}, nil
}

func call(ctx context.Context, client Caller, addr common.Address, method string) ([]any, error) {
	payload, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	out, err := aggregatorABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty %s response", method)
	}
	return out, nil
}

func hostOf(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return endpoint
}
