package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"oracle-market/internal/notify"
	"oracle-market/internal/oracle"
	"oracle-market/internal/settlement"
	"oracle-market/internal/storage"
)

type fakeOracle struct {
	prices map[string]float64
	err    error
}

func (f *fakeOracle) Fetch(ctx context.Context, feed string) (oracle.Price, error) {
	if f.err != nil {
		return oracle.Price{}, f.err
	}
	v, ok := f.prices[feed]
	if !ok {
		return oracle.Price{}, &oracle.UnavailableError{Feed: feed, Attempts: 1, Err: errors.New("no data")}
	}
	return oracle.Price{Feed: feed, Value: v, UpdatedAt: 1700000000}, nil
}

func (f *fakeOracle) Network() string       { return "Ethereum Mainnet" }
func (f *fakeOracle) ProviderLabel() string { return "eth.llamarpc.com" }

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc      *Service
	store    *storage.MemoryStore
	oracle   *fakeOracle
	notifier *recordingNotifier
	clock    *clock
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryStore()
	fo := &fakeOracle{prices: map[string]float64{"ETH/USD": 3200, "BTC/USD": 60000}}
	rec := &recordingNotifier{}
	engine := settlement.NewEngine(store, fo, zerolog.Nop(), settlement.WithClock(c.Now))
	svc := New(store, engine, fo, rec, Options{Now: c.Now}, zerolog.Nop())

	for _, name := range users {
		if err := store.AddUser(context.Background(), storage.User{Username: name, DisplayName: name, Points: 1000, CreatedAt: c.Now()}); err != nil {
			t.Fatalf("写入用户失败: %v", err)
		}
	}
	return &fixture{svc: svc, store: store, oracle: fo, notifier: rec, clock: c}
}

func strPtr(s string) *string { return &s }

func (f *fixture) oracleClaim(t *testing.T, owner, feed, comparator string, target any, due time.Time) ClaimView {
	t.Helper()
	view, err := f.svc.CreateClaim(context.Background(), CreateClaimRequest{
		Title:          feed + " " + comparator,
		Description:    "price condition",
		Category:       "crypto",
		ResolutionType: storage.ResolutionOracle,
		ResolutionDate: &due,
		Oracle:         &OracleInput{Type: "chainlink_price", Feed: feed, Comparator: comparator, Target: target},
		CreatedBy:      strPtr(owner),
	})
	if err != nil {
		t.Fatalf("创建 oracle claim 失败: %v", err)
	}
	return view
}

func (f *fixture) manualClaim(t *testing.T, owner string) ClaimView {
	t.Helper()
	view, err := f.svc.CreateClaim(context.Background(), CreateClaimRequest{
		Title:       "Team A wins",
		Description: "final match",
		Category:    "sports",
		CreatedBy:   strPtr(owner),
	})
	if err != nil {
		t.Fatalf("创建手动 claim 失败: %v", err)
	}
	return view
}

func TestCreateClaimOracle(t *testing.T) {
	f := newFixture(t, "alice")
	view := f.oracleClaim(t, "alice", "ETH/USD", ">", "3000.5", f.clock.Now().Add(time.Hour))

	if !strings.HasPrefix(view.ID, "claim-") || len(view.ID) != len("claim-")+8 {
		t.Fatalf("claim id 格式错误: %s", view.ID)
	}
	if view.Oracle == nil || view.Oracle.Target != 3000.5 {
		t.Fatalf("target 应解析为数字: %+v", view.Oracle)
	}
	if view.Odds.Yes != 50 || view.PositionCount != 0 {
		t.Fatalf("新 claim 应为中性赔率: %+v", view)
	}
}

func TestCreateClaimValidation(t *testing.T) {
	f := newFixture(t, "alice")
	now := f.clock.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)
	valid := func() CreateClaimRequest {
		return CreateClaimRequest{
			Title: "t", Description: "d", Category: "c",
			ResolutionType: storage.ResolutionOracle,
			ResolutionDate: &future,
			Oracle:         &OracleInput{Type: "chainlink_price", Feed: "ETH/USD", Comparator: ">", Target: 1.0},
		}
	}

	cases := map[string]func(r *CreateClaimRequest){
		"missing title":       func(r *CreateClaimRequest) { r.Title = " " },
		"missing date":        func(r *CreateClaimRequest) { r.ResolutionDate = nil },
		"past date":           func(r *CreateClaimRequest) { r.ResolutionDate = &past },
		"missing oracle":      func(r *CreateClaimRequest) { r.Oracle = nil },
		"wrong type":          func(r *CreateClaimRequest) { r.Oracle.Type = "uma" },
		"missing target":      func(r *CreateClaimRequest) { r.Oracle.Target = nil },
		"unknown feed":        func(r *CreateClaimRequest) { r.Oracle.Feed = "DOGE/USD" },
		"bad comparator":      func(r *CreateClaimRequest) { r.Oracle.Comparator = "==" },
		"non numeric target":  func(r *CreateClaimRequest) { r.Oracle.Target = "lots" },
		"nan target":          func(r *CreateClaimRequest) { r.Oracle.Target = "NaN" },
		"infinite target":     func(r *CreateClaimRequest) { r.Oracle.Target = "Infinity" },
		"negative inf float":  func(r *CreateClaimRequest) { r.Oracle.Target = math.Inf(-1) },
		"bad resolution type": func(r *CreateClaimRequest) { r.ResolutionType = "vote" },
	}
	for name, mutate := range cases {
		req := valid()
		mutate(&req)
		if _, err := f.svc.CreateClaim(context.Background(), req); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: 应返回校验错误, 实际 %v", name, err)
		}
	}

	claims, _ := f.store.ListClaims(context.Background())
	if len(claims) != 0 {
		t.Fatalf("校验失败时不应写入 claim, 实际 %d", len(claims))
	}
}

func TestCreateClaimUnknownCreator(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateClaim(context.Background(), CreateClaimRequest{
		Title: "t", Description: "d", Category: "c", CreatedBy: strPtr("nobody"),
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("未知创建者应返回 ErrNotFound, 实际 %v", err)
	}
}

func TestCreateManualClaimDropsOracleConfig(t *testing.T) {
	f := newFixture(t)
	view, err := f.svc.CreateClaim(context.Background(), CreateClaimRequest{
		Title: "t", Description: "d", Category: "c",
		ResolutionType: storage.ResolutionManual,
		Oracle:         &OracleInput{Type: "chainlink_price", Feed: "ETH/USD", Comparator: ">", Target: 1.0},
	})
	if err != nil {
		t.Fatalf("创建失败: %v", err)
	}
	if view.Oracle != nil || view.ResolutionDate != nil {
		t.Fatalf("手动 claim 不应保留 oracle 配置: %+v", view.Claim)
	}
}

func TestPlacePosition(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	claim := f.manualClaim(t, "alice")
	ctx := context.Background()

	pos, err := f.svc.PlacePosition(ctx, PlacePositionRequest{
		ClaimID: claim.ID, Username: "bob", Side: storage.SideNo, Stake: 50, Confidence: 0.6, Reasoning: strPtr("   "),
	})
	if err != nil {
		t.Fatalf("下注失败: %v", err)
	}
	if !strings.HasPrefix(pos.ID, "pos-") || pos.Reasoning != nil {
		t.Fatalf("仓位字段错误: %+v", pos)
	}
	bob, _ := f.store.GetUser(ctx, "bob")
	if bob.Points != 950 {
		t.Fatalf("bob 应被扣除 50, 实际 %v", bob.Points)
	}

	view, _ := f.svc.GetClaim(ctx, claim.ID)
	if view.PositionCount != 1 || view.TotalStaked != 50 || view.Odds.No != 100 {
		t.Fatalf("claim 统计错误: %+v", view)
	}
}

func TestPlacePositionRejects(t *testing.T) {
	f := newFixture(t, "alice")
	claim := f.manualClaim(t, "alice")
	ctx := context.Background()
	long := strings.Repeat("x", 501)

	cases := []struct {
		name string
		req  PlacePositionRequest
		want error
	}{
		{"no user", PlacePositionRequest{ClaimID: claim.ID, Side: storage.SideYes, Stake: 1, Confidence: 0.5}, ErrUnauthorized},
		{"bad side", PlacePositionRequest{ClaimID: claim.ID, Username: "alice", Side: "maybe", Stake: 1, Confidence: 0.5}, ErrValidation},
		{"zero stake", PlacePositionRequest{ClaimID: claim.ID, Username: "alice", Side: storage.SideYes, Stake: 0, Confidence: 0.5}, ErrValidation},
		{"low confidence", PlacePositionRequest{ClaimID: claim.ID, Username: "alice", Side: storage.SideYes, Stake: 1, Confidence: 0.49}, ErrValidation},
		{"high confidence", PlacePositionRequest{ClaimID: claim.ID, Username: "alice", Side: storage.SideYes, Stake: 1, Confidence: 1}, ErrValidation},
		{"long reasoning", PlacePositionRequest{ClaimID: claim.ID, Username: "alice", Side: storage.SideYes, Stake: 1, Confidence: 0.5, Reasoning: &long}, ErrValidation},
		{"unknown user", PlacePositionRequest{ClaimID: claim.ID, Username: "zed", Side: storage.SideYes, Stake: 1, Confidence: 0.5}, storage.ErrNotFound},
		{"unknown claim", PlacePositionRequest{ClaimID: "claim-missing", Username: "alice", Side: storage.SideYes, Stake: 1, Confidence: 0.5}, storage.ErrNotFound},
		{"overdraft", PlacePositionRequest{ClaimID: claim.ID, Username: "alice", Side: storage.SideYes, Stake: 1000.5, Confidence: 0.5}, storage.ErrInsufficientPoints},
	}
	for _, tc := range cases {
		if _, err := f.svc.PlacePosition(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: 期望 %v, 实际 %v", tc.name, tc.want, err)
		}
	}

	if _, err := f.svc.ResolveClaim(ctx, claim.ID, "alice", storage.SideYes); err != nil {
		t.Fatalf("结算失败: %v", err)
	}
	if _, err := f.svc.PlacePosition(ctx, PlacePositionRequest{ClaimID: claim.ID, Username: "alice", Side: storage.SideYes, Stake: 1, Confidence: 0.5}); !errors.Is(err, ErrValidation) {
		t.Fatalf("已结算 claim 不应接受下注, 实际 %v", err)
	}
	alice, _ := f.store.GetUser(ctx, "alice")
	if alice.Points != 1000 {
		t.Fatalf("拒绝的下注不应扣分, 实际 %v", alice.Points)
	}
}

func TestResolveClaimEndToEnd(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	claim := f.manualClaim(t, "carol")
	ctx := context.Background()

	_, _ = f.svc.PlacePosition(ctx, PlacePositionRequest{ClaimID: claim.ID, Username: "alice", Side: storage.SideYes, Stake: 100, Confidence: 0.9})
	_, _ = f.svc.PlacePosition(ctx, PlacePositionRequest{ClaimID: claim.ID, Username: "bob", Side: storage.SideNo, Stake: 50, Confidence: 0.6})

	if _, err := f.svc.ResolveClaim(ctx, claim.ID, "alice", storage.SideYes); !errors.Is(err, ErrForbidden) {
		t.Fatalf("非创建者结算应返回 ErrForbidden, 实际 %v", err)
	}
	if _, err := f.svc.ResolveClaim(ctx, claim.ID, "", storage.SideYes); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("匿名结算应返回 ErrUnauthorized, 实际 %v", err)
	}

	settled, err := f.svc.ResolveClaim(ctx, claim.ID, "carol", storage.SideYes)
	if err != nil {
		t.Fatalf("结算失败: %v", err)
	}
	if settled.Payouts[0].Username != "alice" || settled.Payouts[0].Amount != 50 {
		t.Fatalf("alice 应获得 50: %+v", settled.Payouts)
	}
	alice, _ := f.store.GetUser(ctx, "alice")
	bob, _ := f.store.GetUser(ctx, "bob")
	if alice.Points != 950 || bob.Points != 950 {
		t.Fatalf("余额错误: alice=%v bob=%v", alice.Points, bob.Points)
	}

	if _, err := f.svc.ResolveClaim(ctx, claim.ID, "carol", storage.SideNo); !errors.Is(err, settlement.ErrAlreadyResolved) {
		t.Fatalf("重复结算应返回 ErrAlreadyResolved, 实际 %v", err)
	}

	profile, err := f.svc.GetProfile(ctx, "alice")
	if err != nil {
		t.Fatalf("读取 profile 失败: %v", err)
	}
	if profile.Accuracy == nil || *profile.Accuracy != 100 || len(profile.ResolvedPositions) != 1 {
		t.Fatalf("alice profile 错误: %+v", profile)
	}
	if profile.CategoryStats["sports"].Total != 1 {
		t.Fatalf("分类统计错误: %+v", profile.CategoryStats)
	}

	board, _ := f.svc.Leaderboard(ctx, 2)
	if len(board) != 2 || board[0].Username != "carol" {
		t.Fatalf("排行榜顺序错误: %+v", board)
	}
}

func TestDeleteClaim(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	claim := f.manualClaim(t, "alice")
	staked := f.manualClaim(t, "alice")
	_, _ = f.svc.PlacePosition(ctx, PlacePositionRequest{ClaimID: staked.ID, Username: "bob", Side: storage.SideYes, Stake: 1, Confidence: 0.5})

	if err := f.svc.DeleteClaim(ctx, claim.ID, "bob"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("非创建者删除应返回 ErrForbidden, 实际 %v", err)
	}
	if err := f.svc.DeleteClaim(ctx, staked.ID, "alice"); !errors.Is(err, ErrValidation) {
		t.Fatalf("有仓位的 claim 不可删除, 实际 %v", err)
	}
	if err := f.svc.DeleteClaim(ctx, "claim-missing", "alice"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("不存在的 claim 应返回 ErrNotFound, 实际 %v", err)
	}
	if err := f.svc.DeleteClaim(ctx, claim.ID, "alice"); err != nil {
		t.Fatalf("删除失败: %v", err)
	}
}

func TestOracleStatus(t *testing.T) {
	f := newFixture(t, "alice")
	claim := f.oracleClaim(t, "alice", "ETH/USD", "<", 3000.0, f.clock.Now().Add(time.Hour))

	status, err := f.svc.OracleStatus(context.Background(), claim.ID)
	if err != nil {
		t.Fatalf("读取 oracle 状态失败: %v", err)
	}
	if status.CurrentValue != 3200 || status.ConditionMet || status.WouldResolve != storage.SideNo {
		t.Fatalf("oracle 状态错误: %+v", status)
	}
	if status.Provider != "eth.llamarpc.com" || status.Network != "Ethereum Mainnet" {
		t.Fatalf("provider/network 错误: %+v", status)
	}

	manual := f.manualClaim(t, "alice")
	if _, err := f.svc.OracleStatus(context.Background(), manual.ID); !errors.Is(err, settlement.ErrNotOracleClaim) {
		t.Fatalf("手动 claim 应返回 ErrNotOracleClaim, 实际 %v", err)
	}
}

func TestSweepDue(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	due := f.oracleClaim(t, "alice", "ETH/USD", ">", 3000.0, f.clock.Now().Add(time.Hour))
	failing := f.oracleClaim(t, "alice", "LINK/USD", ">", 10.0, f.clock.Now().Add(time.Hour))
	later := f.oracleClaim(t, "alice", "BTC/USD", ">", 50000.0, f.clock.Now().Add(48*time.Hour))
	_, _ = f.svc.PlacePosition(ctx, PlacePositionRequest{ClaimID: due.ID, Username: "bob", Side: storage.SideYes, Stake: 10, Confidence: 0.7})

	f.clock.Advance(2 * time.Hour)
	report, err := f.svc.SweepDue(ctx, f.clock.Now())
	if err != nil {
		t.Fatalf("sweep 失败: %v", err)
	}
	if report.Due != 2 || report.Resolved != 1 || report.Failed != 1 {
		t.Fatalf("sweep 报告错误: %+v", report)
	}

	got, _ := f.store.GetClaim(ctx, due.ID)
	if got.Status != storage.StatusResolvedYes {
		t.Fatalf("到期 claim 应被结算: %s", got.Status)
	}
	for _, id := range []string{failing.ID, later.ID} {
		c, _ := f.store.GetClaim(ctx, id)
		if c.Status != storage.StatusActive {
			t.Fatalf("%s 应保持 active: %s", id, c.Status)
		}
	}
	if len(f.notifier.notes) != 1 || f.notifier.notes[0].ClaimID != due.ID || f.notifier.notes[0].Feed != "ETH/USD" {
		t.Fatalf("应发送一次结算通知: %+v", f.notifier.notes)
	}
}

func TestCheckOracleSurfacesOutage(t *testing.T) {
	f := newFixture(t, "alice")
	claim := f.oracleClaim(t, "alice", "ETH/USD", ">", 3000.0, f.clock.Now().Add(time.Hour))
	f.clock.Advance(2 * time.Hour)
	f.oracle.err = &oracle.UnavailableError{Feed: "ETH/USD", Attempts: 4, Err: errors.New("timeout")}

	if _, err := f.svc.CheckOracle(context.Background(), claim.ID); !errors.Is(err, oracle.ErrOracleUnavailable) {
		t.Fatalf("应返回 ErrOracleUnavailable, 实际 %v", err)
	}
	if len(f.notifier.notes) != 0 {
		t.Fatal("失败时不应发送通知")
	}
}
