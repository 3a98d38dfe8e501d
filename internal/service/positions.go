package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"oracle-market/internal/storage"
)

const (
	minConfidence   = 0.5
	maxConfidence   = 0.99
	maxReasoningLen = 500
)

// PlacePositionRequest carries a new stake.
type PlacePositionRequest struct {
	ClaimID    string       `json:"claim_id"`
	Username   string       `json:"username"`
	Side       storage.Side `json:"side"`
	Stake      float64      `json:"stake"`
	Confidence float64      `json:"confidence"`
	Reasoning  *string      `json:"reasoning"`
}

// PlacePosition debits the stake and records the position. It holds the
// claim's settlement lock so a stake can never land mid-resolution.
func (s *Service) PlacePosition(ctx context.Context, req PlacePositionRequest) (storage.Position, error) {
	if req.Username == "" {
		return storage.Position{}, ErrUnauthorized
	}
	if !req.Side.Valid() {
		return storage.Position{}, invalid("side", "must be yes or no")
	}
	if req.Stake <= 0 {
		return storage.Position{}, invalid("stake", "must be greater than zero")
	}
	if req.Confidence < minConfidence || req.Confidence > maxConfidence {
		return storage.Position{}, invalid("confidence", "must be between 0.5 and 0.99")
	}
	var reasoning *string
	if req.Reasoning != nil {
		trimmed := strings.TrimSpace(*req.Reasoning)
		if utf8.RuneCountInString(trimmed) > maxReasoningLen {
			return storage.Position{}, invalid("reasoning", "must be at most 500 characters")
		}
		if trimmed != "" {
			reasoning = &trimmed
		}
	}

	user, err := s.store.GetUser(ctx, req.Username)
	if err != nil {
		return storage.Position{}, fmt.Errorf("user %q: %w", req.Username, err)
	}

	unlock := s.engine.Lock(req.ClaimID)
	defer unlock()

	claim, err := s.store.GetClaim(ctx, req.ClaimID)
	if err != nil {
		return storage.Position{}, fmt.Errorf("claim %q: %w", req.ClaimID, err)
	}
	if claim.Status.Resolved() {
		return storage.Position{}, invalid("claim", "is not active")
	}
	if user.Points < req.Stake {
		return storage.Position{}, storage.ErrInsufficientPoints
	}

	if _, err := s.store.AdjustPoints(ctx, req.Username, -req.Stake); err != nil {
		return storage.Position{}, err
	}

	position := storage.Position{
		ID:         newID("pos"),
		ClaimID:    claim.ID,
		Username:   req.Username,
		Side:       req.Side,
		Stake:      req.Stake,
		Confidence: req.Confidence,
		Reasoning:  reasoning,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.AddPosition(ctx, position); err != nil {
		if _, refundErr := s.store.AdjustPoints(ctx, req.Username, req.Stake); refundErr != nil {
			s.logger.Error().Err(refundErr).Str("username", req.Username).Float64("stake", req.Stake).Msg("failed to refund stake")
		}
		return storage.Position{}, fmt.Errorf("store position: %w", err)
	}

	s.logger.Info().Str("position_id", position.ID).
		Str("claim_id", claim.ID).
		Str("username", req.Username).
		Str("side", string(req.Side)).
		Float64("stake", req.Stake).
		Msg("position placed")
	return position, nil
}

// ListPositions returns every position.
func (s *Service) ListPositions(ctx context.Context) ([]storage.Position, error) {
	return s.store.ListPositions(ctx)
}
