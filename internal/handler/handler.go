package handler

import (
	"strings"

	"circlefund/internal/service"
	"circlefund/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler exposes the engine over HTTP. Every write is attributed to the
// person id verified by AuthMiddleware.
type Handler struct {
	membership   *service.MembershipService
	ledger       *service.LedgerService
	proposals    *service.ProposalService
	voting       *service.VotingService
	disbursement *service.DisbursementService
}

func NewHandler(
	membership *service.MembershipService,
	ledger *service.LedgerService,
	proposals *service.ProposalService,
	voting *service.VotingService,
	disbursement *service.DisbursementService,
) *Handler {
	return &Handler{
		membership:   membership,
		ledger:       ledger,
		proposals:    proposals,
		voting:       voting,
		disbursement: disbursement,
	}
}

// requireMember gates circle-scoped reads to the circle's active members.
func (h *Handler) requireMember(c *gin.Context, circleID int64) bool {
	if _, err := h.membership.GetCircle(c.Request.Context(), circleID); err != nil {
		respondError(c, err)
		return false
	}
	active, _, err := h.membership.IsActiveMember(c.Request.Context(), circleID, personID(c))
	if err != nil {
		respondError(c, err)
		return false
	}
	if !active {
		respondError(c, service.ErrNotAMember)
		return false
	}
	return true
}

// ============================================================
// Circles and membership
// ============================================================

// CreateCircle POST /api/v1/circles
func (h *Handler) CreateCircle(c *gin.Context) {
	var req service.CreateCircleRequest
	if !bindJSON(c, &req) {
		return
	}
	req.FounderPersonID = personID(c)

	circle, err := h.membership.CreateCircle(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Created(c, circle)
}

// GetCircle GET /api/v1/circles/:id
func (h *Handler) GetCircle(c *gin.Context) {
	circleID, ok := pathID(c, "id")
	if !ok || !h.requireMember(c, circleID) {
		return
	}
	circle, err := h.membership.GetCircle(c.Request.Context(), circleID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, circle)
}

// CloseCircle POST /api/v1/circles/:id/close
func (h *Handler) CloseCircle(c *gin.Context) {
	circleID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.membership.CloseCircle(c.Request.Context(), circleID, personID(c)); err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{"circle_id": circleID, "active": false})
}

// AddMember POST /api/v1/circles/:id/members
func (h *Handler) AddMember(c *gin.Context) {
	circleID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.AddMemberRequest
	if !bindJSON(c, &req) {
		return
	}
	req.CircleID = circleID
	req.ActorPersonID = personID(c)
	req.Role = strings.ToUpper(strings.TrimSpace(req.Role))

	member, err := h.membership.AddMember(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Created(c, member)
}

// DeactivateMember POST /api/v1/circles/:id/members/:personId/deactivate
func (h *Handler) DeactivateMember(c *gin.Context) {
	circleID, ok := pathID(c, "id")
	if !ok {
		return
	}
	target, ok := pathID(c, "personId")
	if !ok {
		return
	}
	if err := h.membership.DeactivateMember(c.Request.Context(), circleID, personID(c), target); err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{"circle_id": circleID, "person_id": target, "active": false})
}

// ListMembers GET /api/v1/circles/:id/members
func (h *Handler) ListMembers(c *gin.Context) {
	circleID, ok := pathID(c, "id")
	if !ok || !h.requireMember(c, circleID) {
		return
	}
	members, err := h.membership.ListMembers(c.Request.Context(), circleID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, members)
}

// ============================================================
// Ledger
// ============================================================

// GetBalance GET /api/v1/circles/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	circleID, ok := pathID(c, "id")
	if !ok || !h.requireMember(c, circleID) {
		return
	}
	balance, err := h.ledger.GetBalance(c.Request.Context(), circleID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{"circle_id": circleID, "balance": balance})
}

// ListContributions GET /api/v1/circles/:id/contributions?page=&page_size=
func (h *Handler) ListContributions(c *gin.Context) {
	circleID, ok := pathID(c, "id")
	if !ok || !h.requireMember(c, circleID) {
		return
	}
	var q pageQuery
	if !bindQuery(c, &q) {
		return
	}
	q.normalize()
	records, total, err := h.ledger.ListContributions(c.Request.Context(), circleID, q.Page, q.PageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, response.Page{Items: records, Total: total, Page: q.Page, PageSize: q.PageSize})
}

// InitiateContribution POST /api/v1/circles/:id/contributions
func (h *Handler) InitiateContribution(c *gin.Context) {
	circleID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.InitiateContributionRequest
	if !bindJSON(c, &req) {
		return
	}
	req.CircleID = circleID
	req.PersonID = personID(c)

	record, err := h.ledger.InitiateContribution(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Created(c, record)
}

// RecordAdjustment POST /api/v1/circles/:id/adjustments
func (h *Handler) RecordAdjustment(c *gin.Context) {
	circleID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.AdjustmentRequest
	if !bindJSON(c, &req) {
		return
	}
	req.CircleID = circleID
	req.ExecutorPersonID = personID(c)

	record, err := h.ledger.RecordAdjustment(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Created(c, record)
}

// Reconcile GET /api/v1/circles/:id/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	circleID, ok := pathID(c, "id")
	if !ok || !h.requireMember(c, circleID) {
		return
	}
	result, err := h.ledger.Reconcile(c.Request.Context(), circleID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, result)
}

// ListFundTransactions GET /api/v1/circles/:id/transactions?page=&page_size=
func (h *Handler) ListFundTransactions(c *gin.Context) {
	circleID, ok := pathID(c, "id")
	if !ok || !h.requireMember(c, circleID) {
		return
	}
	var q pageQuery
	if !bindQuery(c, &q) {
		return
	}
	q.normalize()
	entries, total, err := h.ledger.ListFundTransactions(c.Request.Context(), circleID, q.Page, q.PageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, response.Page{Items: entries, Total: total, Page: q.Page, PageSize: q.PageSize})
}

// ============================================================
// Proposals and voting
// ============================================================

// CreateProposal POST /api/v1/circles/:id/proposals
func (h *Handler) CreateProposal(c *gin.Context) {
	circleID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.CreateProposalRequest
	if !bindJSON(c, &req) {
		return
	}
	req.CircleID = circleID
	req.PersonID = personID(c)
	req.Kind = strings.ToUpper(strings.TrimSpace(req.Kind))

	proposal, err := h.proposals.CreateProposal(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Created(c, proposal)
}

// ListProposals GET /api/v1/circles/:id/proposals?status=&page=&page_size=
func (h *Handler) ListProposals(c *gin.Context) {
	circleID, ok := pathID(c, "id")
	if !ok || !h.requireMember(c, circleID) {
		return
	}
	var q pageQuery
	if !bindQuery(c, &q) {
		return
	}
	q.normalize()
	proposals, total, err := h.proposals.ListProposals(c.Request.Context(), circleID, q.Status, q.Page, q.PageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, response.Page{Items: proposals, Total: total, Page: q.Page, PageSize: q.PageSize})
}

// visibleProposalCircle loads the proposal's circle id and checks the caller
// belongs to it.
func (h *Handler) visibleProposalCircle(c *gin.Context, proposalID int64) bool {
	proposal, err := h.proposals.GetProposal(c.Request.Context(), proposalID)
	if err != nil {
		respondError(c, err)
		return false
	}
	return h.requireMember(c, proposal.CircleID)
}

// GetProposal GET /api/v1/proposals/:id
func (h *Handler) GetProposal(c *gin.Context) {
	proposalID, ok := pathID(c, "id")
	if !ok || !h.visibleProposalCircle(c, proposalID) {
		return
	}
	proposal, err := h.proposals.GetProposal(c.Request.Context(), proposalID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, proposal)
}

// CastVote POST /api/v1/proposals/:id/votes
func (h *Handler) CastVote(c *gin.Context) {
	proposalID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.CastVoteRequest
	if !bindJSON(c, &req) {
		return
	}
	req.ProposalID = proposalID
	req.PersonID = personID(c)
	req.Choice = strings.ToUpper(strings.TrimSpace(req.Choice))

	result, err := h.voting.CastVote(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Created(c, result)
}

// ListVotes GET /api/v1/proposals/:id/votes
func (h *Handler) ListVotes(c *gin.Context) {
	proposalID, ok := pathID(c, "id")
	if !ok || !h.visibleProposalCircle(c, proposalID) {
		return
	}
	votes, err := h.proposals.ListVotes(c.Request.Context(), proposalID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, votes)
}

// GetTally GET /api/v1/proposals/:id/tally
func (h *Handler) GetTally(c *gin.Context) {
	proposalID, ok := pathID(c, "id")
	if !ok || !h.visibleProposalCircle(c, proposalID) {
		return
	}
	tally, err := h.proposals.GetTally(c.Request.Context(), proposalID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, tally)
}

// ============================================================
// Disbursement and repayment
// ============================================================

// Execute POST /api/v1/proposals/:id/execute
func (h *Handler) Execute(c *gin.Context) {
	proposalID, ok := pathID(c, "id")
	if !ok {
		return
	}
	result, err := h.disbursement.Execute(c.Request.Context(), proposalID, personID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, result)
}

// ListInstallments GET /api/v1/proposals/:id/installments
func (h *Handler) ListInstallments(c *gin.Context) {
	proposalID, ok := pathID(c, "id")
	if !ok || !h.visibleProposalCircle(c, proposalID) {
		return
	}
	installments, err := h.disbursement.ListInstallments(c.Request.Context(), proposalID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, installments)
}

// ============================================================
// Payment gateway webhooks
// ============================================================

const webhookFailed = "FAILED"

// ContributionWebhookRequest is the gateway's payment outcome. Circle, person and
// amount are only needed for payments that were never initiated here.
type ContributionWebhookRequest struct {
	Event       string `json:"event" binding:"required,oneof=CONFIRMED FAILED"`
	ExternalRef string `json:"external_ref" binding:"required,max=128"`
	CircleID    int64  `json:"circle_id"`
	PersonID    int64  `json:"person_id"`
	Amount      int64  `json:"amount"`
	Method      string `json:"method" binding:"max=32"`
	CycleLabel  string `json:"cycle_label" binding:"max=32"`
	Reason      string `json:"reason" binding:"max=256"`
}

// ContributionWebhook POST /api/v1/webhooks/contribution
func (h *Handler) ContributionWebhook(c *gin.Context) {
	var req ContributionWebhookRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()

	var (
		record interface{}
		err    error
	)
	switch {
	case req.Event == webhookFailed:
		record, err = h.ledger.FailContribution(ctx, req.ExternalRef, req.Reason)
	case req.CircleID == 0:
		record, err = h.ledger.ConfirmContribution(ctx, req.ExternalRef)
	default:
		record, err = h.ledger.RecordContribution(ctx, &service.RecordContributionRequest{
			CircleID:    req.CircleID,
			PersonID:    req.PersonID,
			Amount:      req.Amount,
			Method:      req.Method,
			ExternalRef: req.ExternalRef,
			CycleLabel:  req.CycleLabel,
		})
	}
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, record)
}

// RepaymentWebhook POST /api/v1/webhooks/repayment
func (h *Handler) RepaymentWebhook(c *gin.Context) {
	var req service.RepaymentRequest
	if !bindJSON(c, &req) {
		return
	}
	installment, err := h.disbursement.RecordRepayment(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, installment)
}
