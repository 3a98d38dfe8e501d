package service

import (
	"context"
	"sort"
	"time"

	"oracle-market/internal/reputation"
	"oracle-market/internal/storage"
)

// Profile is a user with their prediction record.
type Profile struct {
	Username          string                              `json:"username"`
	DisplayName       string                              `json:"display_name"`
	WalletAddress     *string                             `json:"wallet_address"`
	Points            float64                             `json:"points"`
	CreatedAt         time.Time                           `json:"created_at"`
	Accuracy          *float64                            `json:"accuracy"`
	TotalResolved     int                                 `json:"total_resolved"`
	CategoryStats     map[string]reputation.CategoryStats `json:"category_stats,omitempty"`
	ActivePositions   []storage.Position                  `json:"active_positions"`
	ResolvedPositions []storage.Position                  `json:"resolved_positions"`
}

func newProfile(user storage.User, positions []storage.Position, claims map[string]storage.Claim, withCategories bool) Profile {
	report := reputation.Calculate(positions, claims)
	p := Profile{
		Username:          user.Username,
		DisplayName:       user.DisplayName,
		WalletAddress:     user.WalletAddress,
		Points:            user.Points,
		CreatedAt:         user.CreatedAt,
		Accuracy:          report.Accuracy,
		TotalResolved:     report.TotalResolved,
		ActivePositions:   []storage.Position{},
		ResolvedPositions: []storage.Position{},
	}
	if withCategories {
		p.CategoryStats = report.Categories
	}
	for _, pos := range positions {
		claim, ok := claims[pos.ClaimID]
		if !ok {
			continue
		}
		if claim.Status.Resolved() {
			p.ResolvedPositions = append(p.ResolvedPositions, pos)
		} else {
			p.ActivePositions = append(p.ActivePositions, pos)
		}
	}
	return p
}

// GetProfile returns one user's profile with the per-category breakdown.
func (s *Service) GetProfile(ctx context.Context, username string) (Profile, error) {
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		return Profile{}, err
	}
	positions, err := s.store.GetPositionsForUser(ctx, username)
	if err != nil {
		return Profile{}, err
	}
	claims, err := s.store.ListClaims(ctx)
	if err != nil {
		return Profile{}, err
	}
	return newProfile(user, positions, reputation.Index(claims), true), nil
}

// ListProfiles returns every user's headline figures.
func (s *Service) ListProfiles(ctx context.Context) ([]Profile, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	claims, err := s.store.ListClaims(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := s.store.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	byUser := make(map[string][]storage.Position)
	for _, p := range positions {
		byUser[p.Username] = append(byUser[p.Username], p)
	}
	index := reputation.Index(claims)

	out := make([]Profile, 0, len(users))
	for _, u := range users {
		out = append(out, newProfile(u, byUser[u.Username], index, false))
	}
	return out, nil
}

// Leaderboard ranks users by points, then username. A limit of zero or less
// returns everyone.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]Profile, error) {
	profiles, err := s.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(profiles, func(i, j int) bool {
		if profiles[i].Points != profiles[j].Points {
			return profiles[i].Points > profiles[j].Points
		}
		return profiles[i].Username < profiles[j].Username
	})
	if limit > 0 && len(profiles) > limit {
		profiles = profiles[:limit]
	}
	return profiles, nil
}
