package storage

import (
	"strings"
	"time"
)

// ClaimStatus tracks a claim through its single resolution transition.
type ClaimStatus string

const (
	StatusActive      ClaimStatus = "active"
	StatusResolvedYes ClaimStatus = "resolved_yes"
	StatusResolvedNo  ClaimStatus = "resolved_no"
)

// Resolved reports whether the status is terminal.
func (s ClaimStatus) Resolved() bool {
	return s == StatusResolvedYes || s == StatusResolvedNo
}

// ResolutionType selects how a claim gets settled.
type ResolutionType string

const (
	ResolutionManual ResolutionType = "manual"
	ResolutionOracle ResolutionType = "oracle"
)

// Side is the outcome a position backs.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Valid reports whether the side is yes or no.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// StatusFor maps a resolution side onto the terminal claim status.
func StatusFor(side Side) ClaimStatus {
	if side == SideYes {
		return StatusResolvedYes
	}
	return StatusResolvedNo
}

// OracleTypeChainlinkPrice is the only oracle config type currently understood.
const OracleTypeChainlinkPrice = "chainlink_price"

// OracleConfig is the persisted price condition for oracle-resolved claims.
type OracleConfig struct {
	Type       string  `json:"type"`
	Feed       string  `json:"feed"`
	Comparator string  `json:"comparator"`
	Target     float64 `json:"target"`
}

// User is a participant holding a point balance.
type User struct {
	Username      string    `json:"username"`
	DisplayName   string    `json:"display_name"`
	WalletAddress *string   `json:"wallet_address,omitempty"`
	Points        float64   `json:"points"`
	CreatedAt     time.Time `json:"created_at"`
}

// Claim is a binary proposition users stake on. Oracle is non-nil iff
// ResolutionType is ResolutionOracle.
type Claim struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Category       string         `json:"category"`
	Status         ClaimStatus    `json:"status"`
	ResolutionType ResolutionType `json:"resolution_type"`
	ResolutionDate *time.Time     `json:"resolution_date,omitempty"`
	Oracle         *OracleConfig  `json:"oracle_config,omitempty"`
	CreatedBy      *string        `json:"created_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

// IsOracle reports whether the claim resolves from a price feed.
func (c Claim) IsOracle() bool {
	return c.ResolutionType == ResolutionOracle && c.Oracle != nil
}

// Position is one user's immutable stake on a claim.
type Position struct {
	ID         string    `json:"id"`
	ClaimID    string    `json:"claim_id"`
	Username   string    `json:"username"`
	Side       Side      `json:"side"`
	Stake      float64   `json:"stake"`
	Confidence float64   `json:"confidence"`
	Reasoning  *string   `json:"reasoning,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NormalizeAddress returns the case-insensitive lookup key for a wallet address.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
