package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"oracle-market/internal/notify"
	"oracle-market/internal/odds"
	"oracle-market/internal/oracle"
	"oracle-market/internal/settlement"
	"oracle-market/internal/storage"
)

// OracleInput is the untyped oracle block of a create request. Target may
// arrive as a JSON number or a numeric string.
type OracleInput struct {
	Type       string `json:"type"`
	Feed       string `json:"feed"`
	Comparator string `json:"comparator"`
	Target     any    `json:"target"`
}

// CreateClaimRequest carries a new claim.
type CreateClaimRequest struct {
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	Category       string                 `json:"category"`
	ResolutionType storage.ResolutionType `json:"resolution_type"`
	ResolutionDate *time.Time             `json:"resolution_date"`
	Oracle         *OracleInput           `json:"oracle_config"`
	CreatedBy      *string                `json:"created_by"`
}

// ClaimView is a claim with its live market figures.
type ClaimView struct {
	storage.Claim
	Odds          odds.Odds `json:"odds"`
	TotalStaked   float64   `json:"total_staked"`
	PositionCount int       `json:"position_count"`
}

func newClaimView(claim storage.Claim, positions []storage.Position) ClaimView {
	return ClaimView{
		Claim:         claim,
		Odds:          odds.Calculate(positions),
		TotalStaked:   odds.TotalStaked(positions),
		PositionCount: len(positions),
	}
}

// CreateClaim validates and stores a claim. Checks run in order and the first
// failure is returned; nothing is written unless all pass.
func (s *Service) CreateClaim(ctx context.Context, req CreateClaimRequest) (ClaimView, error) {
	title := strings.TrimSpace(req.Title)
	description := strings.TrimSpace(req.Description)
	category := strings.TrimSpace(req.Category)
	switch {
	case title == "":
		return ClaimView{}, invalid("title", "is required")
	case description == "":
		return ClaimView{}, invalid("description", "is required")
	case category == "":
		return ClaimView{}, invalid("category", "is required")
	}

	resolutionType := req.ResolutionType
	if resolutionType == "" {
		resolutionType = storage.ResolutionManual
	}
	if resolutionType != storage.ResolutionManual && resolutionType != storage.ResolutionOracle {
		return ClaimView{}, invalid("resolution_type", "must be manual or oracle")
	}

	var createdBy *string
	if req.CreatedBy != nil && strings.TrimSpace(*req.CreatedBy) != "" {
		owner := strings.TrimSpace(*req.CreatedBy)
		if _, err := s.store.GetUser(ctx, owner); err != nil {
			return ClaimView{}, fmt.Errorf("creator %q: %w", owner, err)
		}
		createdBy = &owner
	}

	now := s.now().UTC()
	claim := storage.Claim{
		ID:             newID("claim"),
		Title:          title,
		Description:    description,
		Category:       category,
		Status:         storage.StatusActive,
		ResolutionType: resolutionType,
		CreatedBy:      createdBy,
		CreatedAt:      now,
	}

	if resolutionType == storage.ResolutionOracle {
		cfg, due, err := validateOracle(req, now)
		if err != nil {
			return ClaimView{}, err
		}
		claim.Oracle = cfg
		claim.ResolutionDate = &due
	}

	if err := s.store.AddClaim(ctx, claim); err != nil {
		return ClaimView{}, fmt.Errorf("store claim: %w", err)
	}
	s.logger.Info().Str("claim_id", claim.ID).
		Str("resolution_type", string(claim.ResolutionType)).
		Msg("claim created")
	return newClaimView(claim, nil), nil
}

func validateOracle(req CreateClaimRequest, now time.Time) (*storage.OracleConfig, time.Time, error) {
	if req.ResolutionDate == nil {
		return nil, time.Time{}, invalid("resolution_date", "is required for oracle claims")
	}
	due := req.ResolutionDate.UTC()
	if !due.After(now) {
		return nil, time.Time{}, invalid("resolution_date", "must be in the future")
	}
	in := req.Oracle
	if in == nil {
		return nil, time.Time{}, invalid("oracle_config", "is required for oracle claims")
	}
	if in.Type != storage.OracleTypeChainlinkPrice {
		return nil, time.Time{}, invalid("oracle_config.type", "must be "+storage.OracleTypeChainlinkPrice)
	}
	if in.Feed == "" || in.Comparator == "" || in.Target == nil {
		return nil, time.Time{}, invalid("oracle_config", "feed, comparator and target are required")
	}
	if !oracle.ValidFeed(in.Feed) {
		return nil, time.Time{}, invalid("oracle_config.feed", "must be one of "+strings.Join(oracle.FeedNames(), ", "))
	}
	if !oracle.ValidComparator(in.Comparator) {
		return nil, time.Time{}, invalid("oracle_config.comparator", "must be one of "+strings.Join(oracle.Comparators, ", "))
	}
	target, ok := numeric(in.Target)
	if !ok {
		return nil, time.Time{}, invalid("oracle_config.target", "must be a number")
	}
	if math.IsNaN(target) || math.IsInf(target, 0) {
		return nil, time.Time{}, invalid("oracle_config.target", "must be a finite number")
	}
	return &storage.OracleConfig{
		Type:       in.Type,
		Feed:       in.Feed,
		Comparator: in.Comparator,
		Target:     target,
	}, due, nil
}

func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// GetClaim returns one claim with odds.
func (s *Service) GetClaim(ctx context.Context, id string) (ClaimView, error) {
	claim, err := s.store.GetClaim(ctx, id)
	if err != nil {
		return ClaimView{}, err
	}
	positions, err := s.store.GetPositionsForClaim(ctx, id)
	if err != nil {
		return ClaimView{}, err
	}
	return newClaimView(claim, positions), nil
}

// ListClaims returns every claim with odds.
func (s *Service) ListClaims(ctx context.Context) ([]ClaimView, error) {
	claims, err := s.store.ListClaims(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := s.store.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	byClaim := make(map[string][]storage.Position)
	for _, p := range positions {
		byClaim[p.ClaimID] = append(byClaim[p.ClaimID], p)
	}
	out := make([]ClaimView, 0, len(claims))
	for _, c := range claims {
		out = append(out, newClaimView(c, byClaim[c.ID]))
	}
	return out, nil
}

// DeleteClaim removes a claim nobody has staked on. Only its creator may do so.
func (s *Service) DeleteClaim(ctx context.Context, id, username string) error {
	if username == "" {
		return ErrUnauthorized
	}
	unlock := s.engine.Lock(id)
	defer unlock()

	claim, err := s.store.GetClaim(ctx, id)
	if err != nil {
		return err
	}
	if claim.CreatedBy == nil {
		return invalid("claim", "has no owner and cannot be deleted")
	}
	if *claim.CreatedBy != username {
		return ErrForbidden
	}
	positions, err := s.store.GetPositionsForClaim(ctx, id)
	if err != nil {
		return err
	}
	if len(positions) > 0 {
		return invalid("claim", "has positions and cannot be deleted")
	}
	if err := s.store.DeleteClaim(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("claim_id", id).Str("username", username).Msg("claim deleted")
	return nil
}

// ResolveClaim settles a claim by hand. Only its creator may do so.
func (s *Service) ResolveClaim(ctx context.Context, id, username string, resolution storage.Side) (settlement.Settlement, error) {
	if username == "" {
		return settlement.Settlement{}, ErrUnauthorized
	}
	if !resolution.Valid() {
		return settlement.Settlement{}, invalid("resolution", "must be yes or no")
	}
	claim, err := s.store.GetClaim(ctx, id)
	if err != nil {
		return settlement.Settlement{}, err
	}
	if claim.CreatedBy == nil || *claim.CreatedBy != username {
		return settlement.Settlement{}, ErrForbidden
	}
	return s.engine.Resolve(ctx, id, resolution)
}

// OracleStatus is a read-only view of an oracle claim against the live price.
type OracleStatus struct {
	ClaimID        string       `json:"claim_id"`
	Status         string       `json:"status"`
	Feed           string       `json:"feed"`
	Comparator     string       `json:"comparator"`
	Target         float64      `json:"target"`
	CurrentValue   float64      `json:"current_value"`
	UpdatedAt      int64        `json:"updated_at"`
	ConditionMet   bool         `json:"condition_met"`
	WouldResolve   storage.Side `json:"would_resolve"`
	ResolutionDate *time.Time   `json:"resolution_date"`
	Network        string       `json:"network"`
	Provider       string       `json:"provider"`
}

// OracleStatus previews an oracle claim.
func (s *Service) OracleStatus(ctx context.Context, id string) (OracleStatus, error) {
	check, err := s.engine.Preview(ctx, id)
	if err != nil {
		return OracleStatus{}, err
	}
	cfg := check.Claim.Oracle
	return OracleStatus{
		ClaimID:        check.Claim.ID,
		Status:         string(check.Claim.Status),
		Feed:           cfg.Feed,
		Comparator:     cfg.Comparator,
		Target:         cfg.Target,
		CurrentValue:   check.Price.Value,
		UpdatedAt:      check.Price.UpdatedAt,
		ConditionMet:   check.Condition,
		WouldResolve:   check.WouldResolve,
		ResolutionDate: check.Claim.ResolutionDate,
		Network:        s.oracle.Network(),
		Provider:       s.oracle.ProviderLabel(),
	}, nil
}

// CheckOracle previews or resolves an oracle claim depending on its date.
func (s *Service) CheckOracle(ctx context.Context, id string) (settlement.OracleCheck, error) {
	check, err := s.engine.CheckOracle(ctx, id)
	if err != nil {
		return settlement.OracleCheck{}, err
	}
	if check.Resolved {
		s.announce(ctx, check)
	}
	return check, nil
}

func (s *Service) announce(ctx context.Context, check settlement.OracleCheck) {
	settled := check.Settlement
	note := notify.Notification{
		ClaimID:    check.Claim.ID,
		Title:      check.Claim.Title,
		Resolution: string(settled.Resolution),
		Value:      check.Price.Value,
		LoserPool:  settled.LoserPool,
		Paid:       settled.TotalPaid(),
		Winners:    len(settled.Payouts),
	}
	if cfg := check.Claim.Oracle; cfg != nil {
		note.Feed = cfg.Feed
		note.Comparator = cfg.Comparator
		note.Target = cfg.Target
	}
	if check.Claim.ResolvedAt != nil {
		note.ResolvedAt = *check.Claim.ResolvedAt
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("claim_id", check.Claim.ID).Msg("failed to dispatch resolution notice")
	}
}

// SweepReport summarises one pass over due oracle claims.
type SweepReport struct {
	Due      int  `json:"due"`
	Resolved int  `json:"resolved"`
	Failed   int  `json:"failed"`
	Skipped  bool `json:"skipped"`
}

// SweepDue checks every active oracle claim whose resolution date has passed.
// Per-claim failures are logged and the sweep moves on; those claims stay
// active for the next pass.
func (s *Service) SweepDue(ctx context.Context, now time.Time) (SweepReport, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return SweepReport{}, err
	}
	if !proceed {
		s.logger.Debug().Time("tick", now).Msg("skip sweep because advisory lock held elsewhere")
		return SweepReport{Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	claims, err := s.store.ListClaims(ctx)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list claims: %w", err)
	}

	var report SweepReport
	for _, claim := range claims {
		if claim.Status.Resolved() || !claim.IsOracle() || claim.ResolutionDate == nil || claim.ResolutionDate.After(now) {
			continue
		}
		report.Due++
		check, err := s.CheckOracle(ctx, claim.ID)
		switch {
		case err == nil && check.Resolved:
			report.Resolved++
		case errors.Is(err, settlement.ErrAlreadyResolved):
		case err != nil:
			report.Failed++
			s.logger.Warn().Err(err).Str("claim_id", claim.ID).Msg("oracle check failed")
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
	}

	s.logger.Info().Int("due", report.Due).
		Int("resolved", report.Resolved).
		Int("failed", report.Failed).
		Msg("oracle sweep finished")
	return report, nil
}
