package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"oracle-market/internal/auth"
	"oracle-market/internal/oracle"
	"oracle-market/internal/service"
	"oracle-market/internal/settlement"
	"oracle-market/internal/storage"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorClass struct {
	target error
	status int
	code   string
}

// Order matters: the first matching class wins.
var errorClasses = []errorClass{
	{storage.ErrNotFound, http.StatusNotFound, "not_found"},
	{settlement.ErrAlreadyResolved, http.StatusConflict, "already_resolved"},
	{service.ErrForbidden, http.StatusForbidden, "forbidden"},
	{service.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{storage.ErrInsufficientPoints, http.StatusBadRequest, "insufficient_points"},
	{oracle.ErrOracleUnavailable, http.StatusBadGateway, "oracle_unavailable"},
	{oracle.ErrInvalidFeed, http.StatusBadRequest, "invalid_feed"},
	{oracle.ErrInvalidComparator, http.StatusBadRequest, "invalid_comparator"},
	{auth.ErrNonceMissing, http.StatusBadRequest, "nonce_missing"},
	{auth.ErrNonceMismatch, http.StatusBadRequest, "nonce_mismatch"},
	{auth.ErrSignatureInvalid, http.StatusBadRequest, "signature_invalid"},
	{auth.ErrInvalidMessage, http.StatusBadRequest, "invalid_message"},
	{auth.ErrMissingAddress, http.StatusBadRequest, "validation_error"},
	{service.ErrValidation, http.StatusBadRequest, "validation_error"},
	{settlement.ErrNotOracleClaim, http.StatusBadRequest, "validation_error"},
	{settlement.ErrInvalidResolution, http.StatusBadRequest, "validation_error"},
}

func classify(err error) (int, string) {
	for _, class := range errorClasses {
		if errors.Is(err, class.target) {
			return class.status, class.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, data)
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Code: "validation_error", Message: message})
}

func fail(c *gin.Context, logger zerolog.Logger, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		message = "internal error"
	}
	c.AbortWithStatusJSON(status, errorResponse{Code: code, Message: message})
}
