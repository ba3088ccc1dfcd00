package server

import (
	"errors"
	"net/http"

	accountdomain "github.com/AaronL1011/polly-ai/internal/account/domain"
	admissiondomain "github.com/AaronL1011/polly-ai/internal/admission/domain"
	"github.com/AaronL1011/polly-ai/internal/costing"
	ledgerdomain "github.com/AaronL1011/polly-ai/internal/ledger/domain"
	"github.com/gin-gonic/gin"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var ErrInvalidRequest = errors.New("invalid_request")

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, accountdomain.ErrInvalidOwner),
		errors.Is(err, admissiondomain.ErrInvalidEstimate),
		errors.Is(err, admissiondomain.ErrInvalidSession),
		errors.Is(err, costing.ErrInvalidRateConfiguration),
		errors.Is(err, ledgerdomain.ErrInvalidDecision),
		errors.Is(err, ledgerdomain.ErrInvalidIdempotency),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidKind),
		errors.Is(err, ledgerdomain.ErrInvalidReference):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, ledgerdomain.ErrInsufficientFunds):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_funds",
			Message: "insufficient credits for this action",
		}
	case errors.Is(err, accountdomain.ErrAccountNotFound),
		errors.Is(err, ledgerdomain.ErrInvalidAccount):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "billing account not found",
		}
	case errors.Is(err, accountdomain.ErrAccountDisabled),
		errors.Is(err, ledgerdomain.ErrAccountDisabled):
		return http.StatusForbidden, errorPayload{
			Type:    "account_disabled",
			Message: "billing account is disabled",
		}
	case errors.Is(err, ledgerdomain.ErrTransientFailure):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "transient_failure",
			Message: "please retry",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
