package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"circlefund/internal/config"
	"circlefund/internal/infrastructure/database"
	"circlefund/internal/infrastructure/gate"
	"circlefund/internal/infrastructure/lock"
	"circlefund/internal/infrastructure/metrics"
	"circlefund/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "test-webhook-secret"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Reason  string          `json:"reason"`
	Data    json.RawMessage `json:"data"`
}

type fakeGate struct {
	deny    map[string]bool
	err     error
	actions []string
}

func (g *fakeGate) Allow(_ context.Context, _ string, action string) (bool, error) {
	g.actions = append(g.actions, action)
	if g.err != nil {
		return false, g.err
	}
	return !g.deny[action], nil
}

type testServer struct {
	t      *testing.T
	router *gin.Engine
}

func newTestServer(t *testing.T, g gate.AttemptGate) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(db))

	cfg := config.Defaults()
	cfg.Server.Mode = gin.TestMode
	cfg.Auth.JWTSecret = testJWTSecret
	cfg.Auth.WebhookSecret = testWebhookSecret

	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)

	ledger := service.NewLedgerService(db, cfg, lock.NopLocker{}, recorder)
	voting := service.NewVotingService(db, cfg, recorder)
	h := NewHandler(
		service.NewMembershipService(db, cfg, voting),
		ledger,
		service.NewProposalService(db, cfg, recorder),
		voting,
		service.NewDisbursementService(db, cfg, ledger, recorder),
	)

	return &testServer{
		t:      t,
		router: SetupRouter(h, cfg, RouterDeps{Gate: g, Metrics: recorder, Gatherer: registry}),
	}
}

func token(t *testing.T, secret string, personID int64) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		PersonID: personID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) send(req *http.Request) (*httptest.ResponseRecorder, envelope) {
	s.t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func newRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// as sends a request authenticated as personID.
func (s *testServer) as(personID int64, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	s.t.Helper()
	req := newRequest(s.t, method, path, body)
	req.Header.Set("Authorization", "Bearer "+token(s.t, testJWTSecret, personID))
	return s.send(req)
}

func (s *testServer) webhook(path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	s.t.Helper()
	req := newRequest(s.t, http.MethodPost, path, body)
	req.Header.Set(headerWebhookSecret, testWebhookSecret)
	return s.send(req)
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

type idData struct {
	ID         int64  `json:"id"`
	Status     string `json:"status"`
	ReceiptNo  string `json:"receipt_no"`
	ProposalNo string `json:"proposal_no"`
}

// seedCircle creates a circle chaired by person 1 with members 2 and 3 and
// funds it with 10000 through the contribution webhook.
func (s *testServer) seedCircle() int64 {
	s.t.Helper()
	w, env := s.as(1, http.MethodPost, "/api/v1/circles", gin.H{
		"name":                "Umoja",
		"contribution_amount": 1000,
		"contribution_cycle":  "MONTHLY",
	})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	circleID := decode[idData](s.t, env).ID

	for _, person := range []int64{2, 3} {
		w, _ := s.as(1, http.MethodPost, fmt.Sprintf("/api/v1/circles/%d/members", circleID), gin.H{"person_id": person})
		require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	}

	w, _ = s.webhook("/api/v1/webhooks/contribution", gin.H{
		"event":        "CONFIRMED",
		"external_ref": fmt.Sprintf("seed-%d", circleID),
		"circle_id":    circleID,
		"person_id":    1,
		"amount":       10000,
		"method":       "BANK",
	})
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	return circleID
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t, nil)

	w, env := s.send(newRequest(t, http.MethodGet, "/api/v1/circles/1", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", env.Reason)

	req := newRequest(t, http.MethodGet, "/api/v1/circles/1", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, "someone-else", 1))
	w, _ = s.send(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = newRequest(t, http.MethodGet, "/api/v1/circles/1", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, testJWTSecret, 0))
	w, _ = s.send(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "a token must name a person")
}

func TestWebhookRequiresSecret(t *testing.T) {
	s := newTestServer(t, nil)

	req := newRequest(t, http.MethodPost, "/api/v1/webhooks/contribution", gin.H{"event": "CONFIRMED", "external_ref": "x"})
	req.Header.Set(headerWebhookSecret, "wrong")
	w, env := s.send(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", env.Reason)
}

func TestProposalLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	circleID := s.seedCircle()

	w, env := s.as(1, http.MethodGet, fmt.Sprintf("/api/v1/circles/%d/balance", circleID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(10000), decode[map[string]interface{}](t, env)["balance"])

	w, env = s.as(2, http.MethodPost, fmt.Sprintf("/api/v1/circles/%d/proposals", circleID), gin.H{
		"amount":  5000,
		"kind":    "withdrawal",
		"purpose": "roof repairs after the storm",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	proposal := decode[idData](t, env)
	assert.Equal(t, "PENDING", proposal.Status)

	votePath := fmt.Sprintf("/api/v1/proposals/%d/votes", proposal.ID)
	w, env = s.as(1, http.MethodPost, votePath, gin.H{"choice": "approve"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "PENDING", decode[service.VoteResult](t, env).Status)

	w, env = s.as(1, http.MethodPost, votePath, gin.H{"choice": "reject"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_VOTED", env.Reason)

	w, env = s.as(3, http.MethodPost, votePath, gin.H{"choice": "APPROVE"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "APPROVED", decode[service.VoteResult](t, env).Status)

	w, env = s.as(9, http.MethodPost, votePath, gin.H{"choice": "APPROVE"})
	assert.Equal(t, http.StatusConflict, w.Code, "closed voting wins over eligibility")
	assert.Equal(t, "VOTING_CLOSED", env.Reason)

	w, env = s.as(1, http.MethodGet, fmt.Sprintf("/api/v1/proposals/%d/tally", proposal.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	tally := decode[service.TallyView](t, env)
	assert.Equal(t, int64(2), tally.ApproveVotes)
	assert.Equal(t, int64(3), tally.ActiveMembers)

	executePath := fmt.Sprintf("/api/v1/proposals/%d/execute", proposal.ID)
	w, env = s.as(2, http.MethodPost, executePath, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", env.Reason)

	w, env = s.as(1, http.MethodPost, executePath, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[service.DisbursementResult](t, env)
	assert.Equal(t, int64(5000), result.Balance)
	assert.Equal(t, "DISBURSED", result.Proposal.Status)

	w, env = s.as(1, http.MethodGet, fmt.Sprintf("/api/v1/circles/%d/reconcile", circleID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[service.Reconciliation](t, env).Consistent)

	w, env = s.as(1, http.MethodGet, fmt.Sprintf("/api/v1/circles/%d/proposals?status=DISBURSED", circleID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[struct {
		Total int64 `json:"total"`
	}](t, env)
	assert.Equal(t, int64(1), page.Total)
}

func TestCircleReadsRequireMembership(t *testing.T) {
	s := newTestServer(t, nil)
	circleID := s.seedCircle()

	for _, path := range []string{
		fmt.Sprintf("/api/v1/circles/%d", circleID),
		fmt.Sprintf("/api/v1/circles/%d/balance", circleID),
		fmt.Sprintf("/api/v1/circles/%d/members", circleID),
		fmt.Sprintf("/api/v1/circles/%d/contributions", circleID),
		fmt.Sprintf("/api/v1/circles/%d/transactions", circleID),
	} {
		w, env := s.as(42, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusForbidden, w.Code, path)
		assert.Equal(t, "NOT_A_MEMBER", env.Reason, path)
	}

	w, env := s.as(1, http.MethodGet, "/api/v1/circles/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "CIRCLE_NOT_FOUND", env.Reason)
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t, nil)
	circleID := s.seedCircle()

	w, env := s.as(1, http.MethodGet, "/api/v1/circles/abc/balance", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", env.Reason)

	w, env = s.as(1, http.MethodPost, fmt.Sprintf("/api/v1/circles/%d/proposals", circleID), gin.H{"kind": "LOAN"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", env.Reason)
	fields := decode[[]FieldError](t, env)
	assert.NotEmpty(t, fields)

	w, env = s.as(2, http.MethodPost, fmt.Sprintf("/api/v1/circles/%d/proposals", circleID), gin.H{
		"amount": 500, "kind": "WITHDRAWAL", "purpose": "rent",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "PURPOSE_TOO_SHORT", env.Reason)

	w, env = s.as(1, http.MethodGet, fmt.Sprintf("/api/v1/circles/%d/proposals?page_size=1000", circleID), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", env.Reason)

	req := newRequest(t, http.MethodPost, "/api/v1/circles", nil)
	req.Body = http.NoBody
	req.Header.Set("Authorization", "Bearer "+token(t, testJWTSecret, 1))
	w, env = s.send(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", env.Reason)
}

func TestContributionWebhook(t *testing.T) {
	s := newTestServer(t, nil)
	circleID := s.seedCircle()

	w, env := s.as(2, http.MethodPost, fmt.Sprintf("/api/v1/circles/%d/contributions", circleID), gin.H{
		"amount": 1000, "method": "CARD", "cycle_label": "2026-10",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	pending := decode[idData](t, env)
	assert.Equal(t, "PENDING", pending.Status)

	confirm := gin.H{"event": "CONFIRMED", "external_ref": pending.ReceiptNo}
	for i := 0; i < 2; i++ {
		w, env = s.webhook("/api/v1/webhooks/contribution", confirm)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "COMPLETED", decode[idData](t, env).Status)
	}

	w, env = s.as(2, http.MethodGet, fmt.Sprintf("/api/v1/circles/%d/balance", circleID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(11000), decode[map[string]interface{}](t, env)["balance"])

	w, env = s.webhook("/api/v1/webhooks/contribution", gin.H{"event": "FAILED", "external_ref": pending.ReceiptNo})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONTRIBUTION_NOT_PENDING", env.Reason)

	w, env = s.webhook("/api/v1/webhooks/contribution", gin.H{"event": "REFUNDED", "external_ref": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", env.Reason)

	w, env = s.webhook("/api/v1/webhooks/repayment", gin.H{"installment_id": 77, "payment_ref": "p-1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "INSTALLMENT_NOT_FOUND", env.Reason)
}

func TestLoanRepaymentOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	circleID := s.seedCircle()

	w, env := s.as(2, http.MethodPost, fmt.Sprintf("/api/v1/circles/%d/proposals", circleID), gin.H{
		"amount":     3000,
		"kind":       "LOAN",
		"purpose":    "stock for the market stall",
		"loan_terms": gin.H{"interest_rate": "10", "repayment_months": 3},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	proposalID := decode[idData](t, env).ID

	for _, person := range []int64{1, 3} {
		w, _ := s.as(person, http.MethodPost, fmt.Sprintf("/api/v1/proposals/%d/votes", proposalID), gin.H{"choice": "APPROVE"})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w, env = s.as(1, http.MethodPost, fmt.Sprintf("/api/v1/proposals/%d/execute", proposalID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[service.DisbursementResult](t, env)
	require.Len(t, result.Installments, 3)

	for i, inst := range result.Installments {
		w, env = s.webhook("/api/v1/webhooks/repayment", gin.H{
			"installment_id": inst.ID,
			"payment_ref":    fmt.Sprintf("repay-%d", i),
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w, env = s.as(2, http.MethodGet, fmt.Sprintf("/api/v1/proposals/%d", proposalID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CLOSED", decode[idData](t, env).Status)

	w, env = s.as(2, http.MethodGet, fmt.Sprintf("/api/v1/proposals/%d/installments", proposalID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]map[string]interface{}](t, env), 3)
}

func TestGateMiddleware(t *testing.T) {
	g := &fakeGate{deny: map[string]bool{ActionProposalCreate: true}}
	s := newTestServer(t, g)
	circleID := s.seedCircle()

	w, env := s.as(2, http.MethodPost, fmt.Sprintf("/api/v1/circles/%d/proposals", circleID), gin.H{
		"amount": 500, "kind": "WITHDRAWAL", "purpose": "roof repairs after the storm",
	})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "TOO_MANY_ATTEMPTS", env.Reason)
	assert.Contains(t, g.actions, ActionWrite)
	assert.Contains(t, g.actions, ActionProposalCreate)

	w, _ = s.as(2, http.MethodGet, fmt.Sprintf("/api/v1/circles/%d/balance", circleID), nil)
	assert.Equal(t, http.StatusOK, w.Code, "reads are not gated")

	g.err = errors.New("redis down")
	w, _ = s.as(2, http.MethodPost, fmt.Sprintf("/api/v1/circles/%d/proposals", circleID), gin.H{
		"amount": 500, "kind": "WITHDRAWAL", "purpose": "roof repairs after the storm",
	})
	assert.Equal(t, http.StatusCreated, w.Code, "gate failures let the request through")
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	s.seedCircle()

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "circlefund_contributions_total")
}

func TestStatusFor(t *testing.T) {
	tests := map[service.Kind]int{
		service.KindValidation:     http.StatusBadRequest,
		service.KindAuthorization:  http.StatusForbidden,
		service.KindStateConflict:  http.StatusConflict,
		service.KindNotFound:       http.StatusNotFound,
		service.KindTransientStore: http.StatusServiceUnavailable,
		service.KindUnknown:        http.StatusInternalServerError,
	}
	for kind, status := range tests {
		assert.Equal(t, status, statusFor(kind), kind.String())
	}
}

func TestRespondErrorHidesUnclassifiedErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	respondError(c, errors.New("dial tcp 10.0.0.5:3306: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.5")
	assert.Contains(t, w.Body.String(), "INTERNAL")
}
