package service

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"circlefund/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordContribution_IdempotentOnExternalRef(t *testing.T) {
	env := newTestEnv(t)
	circle := env.circle(2)

	req := &RecordContributionRequest{
		CircleID:    circle.ID,
		PersonID:    2,
		Amount:      500,
		Method:      "BANK",
		ExternalRef: "gw-123",
		CycleLabel:  "2026-10",
	}
	first, err := env.ledger.RecordContribution(env.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.ContributionStatusCompleted, first.Status)

	second, err := env.ledger.RecordContribution(env.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(500), env.balance(circle.ID))

	assert.Equal(t, 1, env.events(first.ReceiptNo, EventContributionCompleted))
	env.requireConsistent(circle.ID)
}

func TestRecordContribution_Rejections(t *testing.T) {
	env := newTestEnv(t)
	circle := env.circle(2)

	tests := []struct {
		name string
		req  RecordContributionRequest
		want error
	}{
		{"zero amount", RecordContributionRequest{CircleID: circle.ID, PersonID: 2, Amount: 0, ExternalRef: "a"}, ErrInvalidAmount},
		{"negative amount", RecordContributionRequest{CircleID: circle.ID, PersonID: 2, Amount: -5, ExternalRef: "b"}, ErrInvalidAmount},
		{"blank reference", RecordContributionRequest{CircleID: circle.ID, PersonID: 2, Amount: 5, ExternalRef: "  "}, ErrInvalidPaymentRef},
		{"not a member", RecordContributionRequest{CircleID: circle.ID, PersonID: 42, Amount: 5, ExternalRef: "c"}, ErrNotAMember},
		{"unknown circle", RecordContributionRequest{CircleID: 999, PersonID: 2, Amount: 5, ExternalRef: "d"}, ErrCircleNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			_, err := env.ledger.RecordContribution(env.ctx, &req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, env.balance(circle.ID))
}

func TestContributionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	circle := env.circle(2)

	pending, err := env.ledger.InitiateContribution(env.ctx, &InitiateContributionRequest{
		CircleID: circle.ID,
		PersonID: 2,
		Amount:   700,
		Method:   "CARD",
	})
	require.NoError(t, err)
	assert.Equal(t, model.ContributionStatusPending, pending.Status)
	require.NotNil(t, pending.ExternalRef)
	assert.Equal(t, pending.ReceiptNo, *pending.ExternalRef)
	assert.Zero(t, env.balance(circle.ID), "pending money is not in the fund")

	confirmed, err := env.ledger.ConfirmContribution(env.ctx, pending.ReceiptNo)
	require.NoError(t, err)
	assert.Equal(t, model.ContributionStatusCompleted, confirmed.Status)
	assert.Equal(t, int64(700), env.balance(circle.ID))

	again, err := env.ledger.ConfirmContribution(env.ctx, pending.ReceiptNo)
	require.NoError(t, err)
	assert.Equal(t, model.ContributionStatusCompleted, again.Status)
	assert.Equal(t, int64(700), env.balance(circle.ID))

	_, err = env.ledger.FailContribution(env.ctx, pending.ReceiptNo, "late decline")
	assert.ErrorIs(t, err, ErrContributionNotPending)

	_, err = env.ledger.ConfirmContribution(env.ctx, "no-such-ref")
	assert.ErrorIs(t, err, ErrContributionNotFound)

	env.requireConsistent(circle.ID)
}

func TestFailedContributionIsNeverCredited(t *testing.T) {
	env := newTestEnv(t)
	circle := env.circle(2)

	pending, err := env.ledger.InitiateContribution(env.ctx, &InitiateContributionRequest{
		CircleID: circle.ID, PersonID: 2, Amount: 300, Method: "CARD",
	})
	require.NoError(t, err)

	failed, err := env.ledger.FailContribution(env.ctx, pending.ReceiptNo, "card declined")
	require.NoError(t, err)
	assert.Equal(t, model.ContributionStatusFailed, failed.Status)

	late, err := env.ledger.ConfirmContribution(env.ctx, pending.ReceiptNo)
	require.NoError(t, err)
	assert.Equal(t, model.ContributionStatusFailed, late.Status)
	assert.Zero(t, env.balance(circle.ID))
}

func TestRecordContribution_ConfirmsPendingReference(t *testing.T) {
	env := newTestEnv(t)
	circle := env.circle(2)

	pending, err := env.ledger.InitiateContribution(env.ctx, &InitiateContributionRequest{
		CircleID: circle.ID, PersonID: 2, Amount: 250, Method: "CARD",
	})
	require.NoError(t, err)

	record, err := env.ledger.RecordContribution(env.ctx, &RecordContributionRequest{
		CircleID: circle.ID, PersonID: 2, Amount: 250, Method: "CARD", ExternalRef: pending.ReceiptNo,
	})
	require.NoError(t, err)
	assert.Equal(t, pending.ID, record.ID)
	assert.Equal(t, model.ContributionStatusCompleted, record.Status)
	assert.Equal(t, int64(250), env.balance(circle.ID))
}

func TestExpireStalePending(t *testing.T) {
	env := newTestEnv(t)
	circle := env.circle(2)

	for i := 0; i < 3; i++ {
		_, err := env.ledger.InitiateContribution(env.ctx, &InitiateContributionRequest{
			CircleID: circle.ID, PersonID: 2, Amount: 100, Method: "CARD",
		})
		require.NoError(t, err)
	}

	expired, err := env.ledger.ExpireStalePending(env.ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, expired, "nothing is older than the cutoff yet")

	expired, err = env.ledger.ExpireStalePending(env.ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 3, expired)

	records, total, err := env.ledger.ListContributions(env.ctx, circle.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	for _, r := range records {
		assert.Equal(t, model.ContributionStatusFailed, r.Status)
	}
	assert.Zero(t, env.balance(circle.ID))
}

func TestRecordAdjustment(t *testing.T) {
	env := newTestEnv(t)
	circle := env.circle(3)
	env.contribute(circle.ID, 2, 1000)

	members, err := env.membership.ListMembers(env.ctx, circle.ID)
	require.NoError(t, err)
	target := members[1].ID

	_, err = env.ledger.RecordAdjustment(env.ctx, &AdjustmentRequest{
		CircleID: circle.ID, ExecutorPersonID: 2, MemberID: target, Amount: 50, Reason: "typo",
	})
	assert.ErrorIs(t, err, ErrForbidden, "plain members cannot adjust")

	_, err = env.ledger.RecordAdjustment(env.ctx, &AdjustmentRequest{
		CircleID: circle.ID, ExecutorPersonID: chairID, MemberID: target, Amount: 0, Reason: "noop",
	})
	assert.ErrorIs(t, err, ErrInvalidAdjustment)

	_, err = env.ledger.RecordAdjustment(env.ctx, &AdjustmentRequest{
		CircleID: circle.ID, ExecutorPersonID: chairID, MemberID: target, Amount: -5000, Reason: "reversal",
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = env.ledger.RecordAdjustment(env.ctx, &AdjustmentRequest{
		CircleID: circle.ID, ExecutorPersonID: chairID, MemberID: 9999, Amount: 10, Reason: "who",
	})
	assert.ErrorIs(t, err, ErrMemberNotFound)

	adj, err := env.ledger.RecordAdjustment(env.ctx, &AdjustmentRequest{
		CircleID: circle.ID, ExecutorPersonID: chairID, MemberID: target, Amount: -200, Reason: "double counted receipt",
	})
	require.NoError(t, err)
	assert.Equal(t, model.ContributionKindAdjustment, adj.Kind)
	assert.Equal(t, int64(800), env.balance(circle.ID))

	rec := env.requireConsistent(circle.ID)
	assert.Equal(t, int64(800), rec.CompletedInflow)
}

func TestConcurrentContributionsKeepBalanceConsistent(t *testing.T) {
	env := newTestEnv(t)
	circle := env.circle(4)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers*2)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := fmt.Sprintf("ref-%d", i)
			for j := 0; j < 2; j++ {
				_, err := env.ledger.RecordContribution(env.ctx, &RecordContributionRequest{
					CircleID:    circle.ID,
					PersonID:    int64(2 + i%3),
					Amount:      100,
					Method:      "BANK",
					ExternalRef: ref,
				})
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(workers*100), env.balance(circle.ID))

	rec := env.requireConsistent(circle.ID)
	assert.NotEmpty(t, rec.LastTransactionNo)

	entries, total, err := env.ledger.ListFundTransactions(env.ctx, circle.ID, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), total)
	for _, e := range entries {
		assert.Equal(t, e.BalanceBefore+e.Amount, e.BalanceAfter)
	}
}

func TestInactiveCircleRefusesMoney(t *testing.T) {
	env := newTestEnv(t)
	circle := env.circle(2)
	require.NoError(t, env.membership.CloseCircle(env.ctx, circle.ID, chairID))

	_, err := env.ledger.RecordContribution(env.ctx, &RecordContributionRequest{
		CircleID: circle.ID, PersonID: 2, Amount: 100, Method: "BANK", ExternalRef: "x",
	})
	assert.ErrorIs(t, err, ErrCircleInactive)
}
