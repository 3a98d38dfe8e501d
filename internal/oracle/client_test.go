package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
)

type fakeCaller struct {
	decimals uint8
	answer   *big.Int
	updated  int64
	err      error
	block    bool
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return roundResponse(msg.Data, f.decimals, f.answer, f.updated)
}

func (f *fakeCaller) Close() {}

func roundResponse(data []byte, decimals uint8, answer *big.Int, updated int64) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, aggregatorABI.Methods["decimals"].ID):
		return aggregatorABI.Methods["decimals"].Outputs.Pack(decimals)
	case bytes.HasPrefix(data, aggregatorABI.Methods["latestRoundData"].ID):
		return aggregatorABI.Methods["latestRoundData"].Outputs.Pack(
			big.NewInt(7), answer, big.NewInt(updated), big.NewInt(updated), big.NewInt(7),
		)
	}
	return nil, errors.New("unexpected selector")
}

func dialerFor(callers map[string]Caller, dialErrs map[string]error) Dialer {
	return func(ctx context.Context, endpoint string) (Caller, error) {
		if err, ok := dialErrs[endpoint]; ok {
			return nil, err
		}
		return callers[endpoint], nil
	}
}

func TestFetchFallsBackToNextEndpoint(t *testing.T) {
	client := New(Options{
		Endpoints: []string{"https://primary.example", "https://backup.example"},
		Timeout:   time.Second,
		Dialer: dialerFor(
			map[string]Caller{"https://backup.example": &fakeCaller{decimals: 8, answer: big.NewInt(312345000000), updated: 1700000000}},
			map[string]error{"https://primary.example": errors.New("connection refused")},
		),
	}, zerolog.Nop())

	price, err := client.Fetch(context.Background(), "ETH/USD")
	if err != nil {
		t.Fatalf("应回退到第二个节点: %v", err)
	}
	if price.Value != 3123.45 {
		t.Fatalf("价格应为 3123.45, 实际 %v", price.Value)
	}
	if price.UpdatedAt != 1700000000 || price.Endpoint != "https://backup.example" {
		t.Fatalf("返回值不正确: %+v", price)
	}
}

func TestFetchAllEndpointsFail(t *testing.T) {
	last := errors.New("rate limited")
	client := New(Options{
		Endpoints: []string{"https://a.example", "https://b.example"},
		Dialer: dialerFor(
			map[string]Caller{"https://b.example": &fakeCaller{err: last}},
			map[string]error{"https://a.example": errors.New("dns")},
		),
	}, zerolog.Nop())

	_, err := client.Fetch(context.Background(), "BTC/USD")
	if !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("应返回 ErrOracleUnavailable, 实际 %v", err)
	}
	if !errors.Is(err, last) {
		t.Fatalf("应携带最后一次错误, 实际 %v", err)
	}
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) || unavailable.Attempts != 2 {
		t.Fatalf("尝试次数应为 2: %v", err)
	}
}

func TestFetchUnknownFeedMakesNoCall(t *testing.T) {
	dialed := false
	client := New(Options{
		Endpoints: []string{"https://a.example"},
		Dialer: func(ctx context.Context, endpoint string) (Caller, error) {
			dialed = true
			return nil, errors.New("unreachable")
		},
	}, zerolog.Nop())

	if _, err := client.Fetch(context.Background(), "DOGE/USD"); !errors.Is(err, ErrInvalidFeed) {
		t.Fatalf("未知 feed 应返回 ErrInvalidFeed, 实际 %v", err)
	}
	if dialed {
		t.Fatal("未知 feed 不应发起网络请求")
	}
}

func TestFetchTimesOutSlowEndpoint(t *testing.T) {
	client := New(Options{
		Endpoints: []string{"https://slow.example", "https://fast.example"},
		Timeout:   50 * time.Millisecond,
		Dialer: dialerFor(map[string]Caller{
			"https://slow.example": &fakeCaller{block: true},
			"https://fast.example": &fakeCaller{decimals: 8, answer: big.NewInt(1500000000), updated: 1},
		}, nil),
	}, zerolog.Nop())

	start := time.Now()
	price, err := client.Fetch(context.Background(), "LINK/USD")
	if err != nil {
		t.Fatalf("慢节点超时后应使用下一个节点: %v", err)
	}
	if price.Value != 15 {
		t.Fatalf("价格应为 15, 实际 %v", price.Value)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("单节点超时未生效")
	}
}

func TestFetchNoEndpoints(t *testing.T) {
	client := New(Options{}, zerolog.Nop())
	if _, err := client.Fetch(context.Background(), "ETH/USD"); !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("无节点时应返回 ErrOracleUnavailable, 实际 %v", err)
	}
}

func TestFetchOverJSONRPC(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("解析请求体失败: %v", err)
			return
		}
		if req.Method != "eth_call" {
			t.Errorf("仅应调用 eth_call, 实际 %s", req.Method)
			return
		}
		var args struct {
			To    string        `json:"to"`
			Input hexutil.Bytes `json:"input"`
			Data  hexutil.Bytes `json:"data"`
		}
		_ = json.Unmarshal(req.Params[0], &args)
		if !strings.EqualFold(args.To, "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419") {
			t.Errorf("合约地址不正确: %s", args.To)
		}
		data := args.Input
		if len(data) == 0 {
			data = args.Data
		}
		out, err := roundResponse(data, 8, big.NewInt(250000000000), 1710000000)
		if err != nil {
			t.Errorf("未知调用: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  hexutil.Encode(out),
		})
	}))
	defer srv.Close()

	client := New(Options{Endpoints: []string{srv.URL}, Timeout: 2 * time.Second}, zerolog.Nop())
	price, err := client.Fetch(context.Background(), "ETH/USD")
	if err != nil {
		t.Fatalf("JSON-RPC 读取失败: %v", err)
	}
	if price.Value != 2500 || price.UpdatedAt != 1710000000 {
		t.Fatalf("返回值不正确: %+v", price)
	}
}

func TestProviderLabel(t *testing.T) {
	client := New(Options{Endpoints: []string{"https://mainnet.infura.io/v3/secret", "https://eth.llamarpc.com"}}, zerolog.Nop())
	if got := client.ProviderLabel(); got != "mainnet.infura.io" {
		t.Fatalf("provider label 应为主机名, 实际 %s", got)
	}
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		value      float64
		comparator string
		target     float64
		want       bool
	}{
		{3000, ">", 2500, true},
		{2500, ">", 2500, false},
		{2500, ">=", 2500, true},
		{2000, "<", 2500, true},
		{2500, "<=", 2500, true},
		{2600, "<=", 2500, false},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.value, tc.comparator, tc.target)
		if err != nil {
			t.Fatalf("%v %s %v 不应报错: %v", tc.value, tc.comparator, tc.target, err)
		}
		if got != tc.want {
			t.Fatalf("%v %s %v 应为 %v", tc.value, tc.comparator, tc.target, tc.want)
		}
	}

	if _, err := Evaluate(1, "==", 1); !errors.Is(err, ErrInvalidComparator) {
		t.Fatalf("未知比较符应返回 ErrInvalidComparator, 实际 %v", err)
	}
}
