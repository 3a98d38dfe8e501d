package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"oracle-market/internal/auth"
	"oracle-market/internal/service"
	"oracle-market/internal/storage"
)

type HealthHandler struct {
	Version string
}

func (h *HealthHandler) Register(r *gin.RouterGroup) {
	r.GET("/health", h.health)
}

func (h *HealthHandler) health(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"status": "ok", "version": h.Version})
}

type AuthHandler struct {
	Auth   *auth.Authenticator
	Logger zerolog.Logger
}

func (h *AuthHandler) Register(r *gin.RouterGroup) {
	group := r.Group("/auth")
	group.GET("/nonce", h.nonce)
	group.POST("/connect-wallet", h.connectWallet)
}

func (h *AuthHandler) nonce(c *gin.Context) {
	address := strings.TrimSpace(c.Query("address"))
	if address == "" {
		badRequest(c, "address is required")
		return
	}
	nonce, err := h.Auth.IssueNonce(c.Request.Context(), address)
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"nonce": nonce})
}

type connectWalletRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

func (h *AuthHandler) connectWallet(c *gin.Context) {
	var req connectWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	if req.Message == "" || req.Signature == "" {
		badRequest(c, "message and signature are required")
		return
	}
	identity, err := h.Auth.ConnectWallet(c.Request.Context(), req.Message, req.Signature)
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	ok(c, http.StatusOK, identity)
}

type ClaimHandler struct {
	Svc    *service.Service
	Logger zerolog.Logger
}

func (h *ClaimHandler) Register(r *gin.RouterGroup) {
	group := r.Group("/claims")
	group.GET("", h.list)
	group.POST("", h.create)
	group.GET("/:id", h.get)
	group.DELETE("/:id", h.delete)
	group.POST("/:id/resolve", h.resolve)
	group.GET("/:id/oracle-status", h.oracleStatus)
	group.POST("/:id/check-oracle", h.checkOracle)
}

func (h *ClaimHandler) list(c *gin.Context) {
	claims, err := h.Svc.ListClaims(c.Request.Context())
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	ok(c, http.StatusOK, claims)
}

func (h *ClaimHandler) get(c *gin.Context) {
	claim, err := h.Svc.GetClaim(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	ok(c, http.StatusOK, claim)
}

type createClaimRequest struct {
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	Category       string                 `json:"category"`
	ResolutionType storage.ResolutionType `json:"resolution_type"`
	ResolutionDate *string                `json:"resolution_date"`
	Oracle         *service.OracleInput   `json:"oracle_config"`
	CreatedBy      *string                `json:"created_by"`
}

// Browsers often send local datetimes without an offset; those are taken as UTC.
var resolutionDateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04"}

func parseResolutionDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range resolutionDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func (h *ClaimHandler) create(c *gin.Context) {
	var body createClaimRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid body")
		return
	}
	req := service.CreateClaimRequest{
		Title:          body.Title,
		Description:    body.Description,
		Category:       body.Category,
		ResolutionType: body.ResolutionType,
		Oracle:         body.Oracle,
		CreatedBy:      body.CreatedBy,
	}
	if body.ResolutionDate != nil && strings.TrimSpace(*body.ResolutionDate) != "" {
		due, parsed := parseResolutionDate(*body.ResolutionDate)
		if !parsed {
			badRequest(c, "resolution_date must be an ISO-8601 datetime")
			return
		}
		req.ResolutionDate = &due
	}

	claim, err := h.Svc.CreateClaim(c.Request.Context(), req)
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	ok(c, http.StatusCreated, claim)
}

func (h *ClaimHandler) delete(c *gin.Context) {
	if err := h.Svc.DeleteClaim(c.Request.Context(), c.Param("id"), c.Query("username")); err != nil {
		fail(c, h.Logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type resolveRequest struct {
	Username   string       `json:"username"`
	Resolution storage.Side `json:"resolution"`
}

func (h *ClaimHandler) resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	settled, err := h.Svc.ResolveClaim(c.Request.Context(), c.Param("id"), req.Username, req.Resolution)
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	ok(c, http.StatusOK, settled)
}

func (h *ClaimHandler) oracleStatus(c *gin.Context) {
	status, err := h.Svc.OracleStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	ok(c, http.StatusOK, status)
}

func (h *ClaimHandler) checkOracle(c *gin.Context) {
	check, err := h.Svc.CheckOracle(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	ok(c, http.StatusOK, check)
}

type PositionHandler struct {
	Svc    *service.Service
	Logger zerolog.Logger
}

func (h *PositionHandler) Register(r *gin.RouterGroup) {
	group := r.Group("/positions")
	group.GET("", h.list)
	group.POST("", h.create)
}

func (h *PositionHandler) list(c *gin.Context) {
	positions, err := h.Svc.ListPositions(c.Request.Context())
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	if positions == nil {
		positions = []storage.Position{}
	}
	ok(c, http.StatusOK, positions)
}

func (h *PositionHandler) create(c *gin.Context) {
	var req service.PlacePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	position, err := h.Svc.PlacePosition(c.Request.Context(), req)
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	ok(c, http.StatusCreated, position)
}

type UserHandler struct {
	Svc    *service.Service
	Logger zerolog.Logger
}

func (h *UserHandler) Register(r *gin.RouterGroup) {
	group := r.Group("/users")
	group.GET("", h.list)
	group.GET("/:username", h.get)
}

func (h *UserHandler) list(c *gin.Context) {
	profiles, err := h.Svc.ListProfiles(c.Request.Context())
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	ok(c, http.StatusOK, profiles)
}

func (h *UserHandler) get(c *gin.Context) {
	profile, err := h.Svc.GetProfile(c.Request.Context(), c.Param("username"))
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	ok(c, http.StatusOK, profile)
}
