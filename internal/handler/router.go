package handler

import (
	"net/http"

	"circlefund/internal/config"
	"circlefund/internal/infrastructure/gate"
	"circlefund/internal/infrastructure/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ActionProposalCreate = "proposal_create"
	ActionProposalVote   = "proposal_vote"
	ActionWrite          = "write"
)

// RouterDeps is what the HTTP surface needs besides the handler itself.
type RouterDeps struct {
	Gate     gate.AttemptGate
	Metrics  *metrics.Recorder
	Gatherer prometheus.Gatherer
}

func SetupRouter(h *Handler, cfg *config.Config, deps RouterDeps) *gin.Engine {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	if deps.Gate == nil {
		deps.Gate = gate.Open{}
	}

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	guard := func(action string) gin.HandlerFunc {
		return GateMiddleware(deps.Gate, action, deps.Metrics)
	}

	api := r.Group("/api/v1")
	{
		authed := api.Group("", AuthMiddleware(cfg.Auth.JWTSecret))

		circles := authed.Group("/circles")
		{
			circles.POST("", guard(ActionWrite), h.CreateCircle)
			circles.GET("/:id", h.GetCircle)
			circles.POST("/:id/close", guard(ActionWrite), h.CloseCircle)

			circles.POST("/:id/members", guard(ActionWrite), h.AddMember)
			circles.GET("/:id/members", h.ListMembers)
			circles.POST("/:id/members/:personId/deactivate", guard(ActionWrite), h.DeactivateMember)

			circles.GET("/:id/balance", h.GetBalance)
			circles.GET("/:id/contributions", h.ListContributions)
			circles.POST("/:id/contributions", guard(ActionWrite), h.InitiateContribution)
			circles.POST("/:id/adjustments", guard(ActionWrite), h.RecordAdjustment)
			circles.GET("/:id/reconcile", h.Reconcile)
			circles.GET("/:id/transactions", h.ListFundTransactions)

			circles.POST("/:id/proposals", guard(ActionProposalCreate), h.CreateProposal)
			circles.GET("/:id/proposals", h.ListProposals)
		}

		proposals := authed.Group("/proposals")
		{
			proposals.GET("/:id", h.GetProposal)
			proposals.POST("/:id/votes", guard(ActionProposalVote), h.CastVote)
			proposals.GET("/:id/votes", h.ListVotes)
			proposals.GET("/:id/tally", h.GetTally)
			proposals.POST("/:id/execute", guard(ActionWrite), h.Execute)
			proposals.GET("/:id/installments", h.ListInstallments)
		}

		webhooks := api.Group("/webhooks", WebhookAuthMiddleware(cfg.Auth.WebhookSecret))
		{
			webhooks.POST("/contribution", h.ContributionWebhook)
			webhooks.POST("/repayment", h.RepaymentWebhook)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	return r
}
