package service

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"circlefund/internal/config"
	"circlefund/internal/infrastructure/database"
	"circlefund/internal/infrastructure/lock"
	"circlefund/internal/infrastructure/metrics"
	"circlefund/internal/model"
	"circlefund/internal/repository"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	chairID  int64 = 1
	purpose        = "school fees for next term"
	dues     int64 = 1000
	startBal int64 = 10000
)

type testEnv struct {
	t            *testing.T
	ctx          context.Context
	db           *gorm.DB
	cfg          *config.Config
	registry     *prometheus.Registry
	ledger       *LedgerService
	voting       *VotingService
	membership   *MembershipService
	proposals    *ProposalService
	disbursement *DisbursementService
	outbox       *repository.OutboxRepository
}

// newTestEnv wires every service over a private in-memory SQLite database.
// One connection serializes transactions the way row locks would on MySQL.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
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
	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)

	ledger := NewLedgerService(db, cfg, lock.NopLocker{}, recorder)
	voting := NewVotingService(db, cfg, recorder)

	return &testEnv{
		t:            t,
		ctx:          context.Background(),
		db:           db,
		cfg:          cfg,
		registry:     registry,
		ledger:       ledger,
		voting:       voting,
		membership:   NewMembershipService(db, cfg, voting),
		proposals:    NewProposalService(db, cfg, recorder),
		disbursement: NewDisbursementService(db, cfg, ledger, recorder),
		outbox:       repository.NewOutboxRepository(db),
	}
}

// circle creates a monthly circle chaired by chairID with persons 2..size as
// plain members.
func (e *testEnv) circle(size int, opts ...func(*CreateCircleRequest)) *model.Circle {
	e.t.Helper()

	req := &CreateCircleRequest{
		FounderPersonID:    chairID,
		Name:               "Harambee",
		ContributionAmount: dues,
		ContributionCycle:  model.CycleMonthly,
	}
	for _, opt := range opts {
		opt(req)
	}
	circle, err := e.membership.CreateCircle(e.ctx, req)
	require.NoError(e.t, err)

	for person := int64(2); person <= int64(size); person++ {
		e.addMember(circle.ID, person, model.RoleMember)
	}
	return circle
}

func (e *testEnv) addMember(circleID, personID int64, role string) *model.Member {
	e.t.Helper()
	member, err := e.membership.AddMember(e.ctx, &AddMemberRequest{
		CircleID:      circleID,
		ActorPersonID: chairID,
		PersonID:      personID,
		Role:          role,
	})
	require.NoError(e.t, err)
	return member
}

func (e *testEnv) contribute(circleID, personID, amount int64) *model.ContributionRecord {
	e.t.Helper()
	record, err := e.ledger.RecordContribution(e.ctx, &RecordContributionRequest{
		CircleID:    circleID,
		PersonID:    personID,
		Amount:      amount,
		Method:      "MOBILE_MONEY",
		ExternalRef: uuid.NewString(),
	})
	require.NoError(e.t, err)
	return record
}

func (e *testEnv) withdrawal(circleID, personID, amount int64) *model.Proposal {
	e.t.Helper()
	p, err := e.proposals.CreateProposal(e.ctx, &CreateProposalRequest{
		CircleID: circleID,
		PersonID: personID,
		Amount:   amount,
		Kind:     model.ProposalKindWithdrawal,
		Purpose:  purpose,
	})
	require.NoError(e.t, err)
	return p
}

func (e *testEnv) loan(circleID, personID, amount int64, rate string, months int) *model.Proposal {
	e.t.Helper()
	r := decimal.RequireFromString(rate)
	p, err := e.proposals.CreateProposal(e.ctx, &CreateProposalRequest{
		CircleID:  circleID,
		PersonID:  personID,
		Amount:    amount,
		Kind:      model.ProposalKindLoan,
		Purpose:   purpose,
		LoanTerms: &LoanTerms{InterestRate: &r, RepaymentMonths: months},
	})
	require.NoError(e.t, err)
	return p
}

func (e *testEnv) vote(proposalID, personID int64, choice string) (*VoteResult, error) {
	return e.voting.CastVote(e.ctx, &CastVoteRequest{
		ProposalID: proposalID,
		PersonID:   personID,
		Choice:     choice,
	})
}

// approve casts approvals from the given persons and requires the proposal to
// end up APPROVED.
func (e *testEnv) approve(p *model.Proposal, voters ...int64) {
	e.t.Helper()
	var last *VoteResult
	for _, person := range voters {
		res, err := e.vote(p.ID, person, model.VoteApprove)
		require.NoError(e.t, err)
		last = res
	}
	require.NotNil(e.t, last)
	require.Equal(e.t, model.ProposalStatusApproved, last.Status)
}

func (e *testEnv) balance(circleID int64) int64 {
	e.t.Helper()
	b, err := e.ledger.GetBalance(e.ctx, circleID)
	require.NoError(e.t, err)
	return b
}

func (e *testEnv) events(key, eventType string) int {
	e.t.Helper()
	messages, err := e.outbox.ListByKey(e.ctx, key)
	require.NoError(e.t, err)
	n := 0
	for _, m := range messages {
		if m.EventType == eventType {
			n++
		}
	}
	return n
}

func (e *testEnv) requireConsistent(circleID int64) *Reconciliation {
	e.t.Helper()
	rec, err := e.ledger.Reconcile(e.ctx, circleID)
	require.NoError(e.t, err)
	require.True(e.t, rec.Consistent, "cached %d derived %d", rec.CachedBalance, rec.DerivedBalance)
	return rec
}

func intPtr(v int) *int { return &v }
