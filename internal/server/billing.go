package server

import (
	"fmt"
	"net/http"
	"time"

	accountdomain "github.com/AaronL1011/polly-ai/internal/account/domain"
	"github.com/AaronL1011/polly-ai/internal/costing"
	ledgerdomain "github.com/AaronL1011/polly-ai/internal/ledger/domain"
	"github.com/AaronL1011/polly-ai/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

const anonymousSessionHeader = "X-Session-ID"

type authorizeRequest struct {
	OwnerType string        `json:"owner_type"`
	OwnerID   string        `json:"owner_id"`
	Usage     costing.Usage `json:"usage"`
	Cached    bool          `json:"cached"`
}

type authorizeResponse struct {
	Decision  ledgerdomain.Decision  `json:"decision"`
	AccountID string                 `json:"account_id,omitempty"`
	Estimate  *costing.CostBreakdown `json:"estimate,omitempty"`
}

// Authorize runs the pre-flight admission check. Authenticated callers
// identify a billing principal in the body; anonymous callers send a
// session id header and are admitted against the daily session allowance.
func (s *Server) Authorize(c *gin.Context) {
	if sessionID := c.GetHeader(anonymousSessionHeader); sessionID != "" {
		decision, err := s.admissionSvc.AuthorizeAnonymous(c.Request.Context(), sessionID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, authorizeResponse{Decision: decision})
		return
	}

	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}

	owner, err := parseOwner(req.OwnerType, req.OwnerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	estimate, breakdown, err := s.admissionSvc.EstimateCredits(req.Usage, req.Cached)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	decision, account, err := s.admissionSvc.Authorize(c.Request.Context(), owner, estimate)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := authorizeResponse{Decision: decision, Estimate: &breakdown}
	if account != nil {
		resp.AccountID = account.ID.String()
	}
	c.JSON(http.StatusOK, resp)
}

type commitRequest struct {
	AccountID      string                      `json:"account_id"`
	ActorUserID    string                      `json:"actor_user_id"`
	IdempotencyKey string                      `json:"idempotency_key"`
	EventType      ledgerdomain.UsageEventType `json:"event_type"`
	Cached         bool                        `json:"cached"`
	Usage          costing.Usage               `json:"usage"`
	QueryHash      string                      `json:"query_hash"`
	QueryPreview   string                      `json:"query_preview"`
	OccurredAt     *time.Time                  `json:"occurred_at"`
	Decision       ledgerdomain.Decision       `json:"decision"`
}

// Commit records completed work and settles the charge atomically. The
// idempotency key makes retries safe: a replay returns the original
// outcome without touching the balance again.
func (s *Server) Commit(c *gin.Context) {
	var req commitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}

	accountID, err := parseID(req.AccountID)
	if err != nil {
		AbortWithError(c, fmt.Errorf("%w: account_id", ErrInvalidRequest))
		return
	}

	var actorID *snowflake.ID
	if req.ActorUserID != "" {
		id, err := parseID(req.ActorUserID)
		if err != nil {
			AbortWithError(c, fmt.Errorf("%w: actor_user_id", ErrInvalidRequest))
			return
		}
		actorID = &id
	}

	var occurredAt time.Time
	if req.OccurredAt != nil {
		occurredAt = *req.OccurredAt
	}

	result, err := s.ledgerSvc.Commit(c.Request.Context(), ledgerdomain.CommitRequest{
		AccountID:   accountID,
		ActorUserID: actorID,
		Draft: ledgerdomain.UsageEventDraft{
			IdempotencyKey: req.IdempotencyKey,
			EventType:      req.EventType,
			Cached:         req.Cached,
			Usage:          req.Usage,
			QueryHash:      req.QueryHash,
			QueryPreview:   req.QueryPreview,
			OccurredAt:     occurredAt,
		},
		Decision: req.Decision,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

type grantRequest struct {
	AccountID   string                       `json:"account_id"`
	Amount      int64                        `json:"amount"`
	Kind        ledgerdomain.TransactionKind `json:"kind"`
	Reference   string                       `json:"reference"`
	Description string                       `json:"description"`
}

// GrantCredits applies a non-usage balance movement: a confirmed
// purchase, a promotional grant, a refund, or an operator adjustment.
// The reference deduplicates payment-provider webhook retries.
func (s *Server) GrantCredits(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}

	accountID, err := parseID(req.AccountID)
	if err != nil {
		AbortWithError(c, fmt.Errorf("%w: account_id", ErrInvalidRequest))
		return
	}

	txn, err := s.ledgerSvc.Grant(c.Request.Context(), ledgerdomain.GrantRequest{
		AccountID:   accountID,
		Amount:      req.Amount,
		Kind:        req.Kind,
		Reference:   req.Reference,
		Description: req.Description,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// GetBalance reports the principal's balance snapshot. Anonymous callers
// send the session id header instead of an owner and get back the unspent
// daily allowance.
func (s *Server) GetBalance(c *gin.Context) {
	if sessionID := c.GetHeader(anonymousSessionHeader); sessionID != "" {
		remaining, err := s.admissionSvc.AnonymousRemaining(c.Request.Context(), sessionID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"free_tier_remaining": remaining})
		return
	}

	owner, err := parseOwner(c.Query("owner_type"), c.Query("owner_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.accountSvc.GetBalance(c.Request.Context(), owner)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

func (s *Server) ListTransactions(c *gin.Context) {
	accountID, err := parseID(c.Query("account_id"))
	if err != nil {
		AbortWithError(c, fmt.Errorf("%w: account_id", ErrInvalidRequest))
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}

	resp, err := s.ledgerSvc.ListTransactions(c.Request.Context(), ledgerdomain.ListTransactionsRequest{
		AccountID:  accountID,
		Kind:       ledgerdomain.TransactionKind(c.Query("kind")),
		Pagination: page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ListUsageEvents(c *gin.Context) {
	accountID, err := parseID(c.Query("account_id"))
	if err != nil {
		AbortWithError(c, fmt.Errorf("%w: account_id", ErrInvalidRequest))
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}

	resp, err := s.ledgerSvc.ListUsageEvents(c.Request.Context(), ledgerdomain.ListUsageEventsRequest{
		AccountID:  accountID,
		EventType:  ledgerdomain.UsageEventType(c.Query("event_type")),
		Pagination: page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

type creditPackView struct {
	Credits    int    `json:"credits"`
	PriceCents int    `json:"price_cents"`
	ExternalID string `json:"external_id,omitempty"`
}

func (s *Server) ListCreditPacks(c *gin.Context) {
	cfg := s.billingCfg.Get()
	packs := make([]creditPackView, 0, len(cfg.CreditPacks))
	for _, p := range cfg.CreditPacks {
		packs = append(packs, creditPackView{
			Credits:    p.Credits,
			PriceCents: p.PriceCents,
			ExternalID: p.ExternalID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"packs": packs})
}

func parseOwner(ownerType, ownerID string) (accountdomain.Owner, error) {
	id, err := parseID(ownerID)
	if err != nil {
		return accountdomain.Owner{}, fmt.Errorf("%w: owner_id", ErrInvalidRequest)
	}
	switch accountdomain.OwnerType(ownerType) {
	case accountdomain.OwnerTypeUser:
		return accountdomain.UserOwner(id), nil
	case accountdomain.OwnerTypeOrganization:
		return accountdomain.OrgOwner(id), nil
	default:
		return accountdomain.Owner{}, fmt.Errorf("%w: owner_type", ErrInvalidRequest)
	}
}

func parseID(raw string) (snowflake.ID, error) {
	if raw == "" {
		return 0, fmt.Errorf("missing id")
	}
	return snowflake.ParseString(raw)
}
