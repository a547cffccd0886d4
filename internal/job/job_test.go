package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"circlefund/internal/config"
	"circlefund/internal/infrastructure/mq"
	"circlefund/internal/model"
	"circlefund/internal/repository"
	"circlefund/internal/service"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&model.OutboxMessage{}))
	return db
}

func appendEvent(t *testing.T, db *gorm.DB, key string) {
	t.Helper()
	repo := repository.NewOutboxRepository(db)
	require.NoError(t, repo.Append(context.Background(), nil, "circlefund.proposal", key, "proposal.created",
		map[string]string{"proposal_no": key}))
}

func statusOf(t *testing.T, db *gorm.DB, key string) *model.OutboxMessage {
	t.Helper()
	messages, err := repository.NewOutboxRepository(db).ListByKey(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	return messages[0]
}

func TestOutboxSender_PublishesPendingMessages(t *testing.T) {
	db := newTestDB(t)
	appendEvent(t, db, "PRP1")
	appendEvent(t, db, "PRP2")

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()
	publisher := mq.NewPublisherWithProducer(producer)
	defer publisher.Close()

	sender := NewOutboxSender(db, publisher, config.Defaults())
	sender.processPendingMessages(context.Background())

	assert.Equal(t, model.OutboxStatusSent, statusOf(t, db, "PRP1").Status)
	assert.Equal(t, model.OutboxStatusSent, statusOf(t, db, "PRP2").Status)

	// nothing left to send
	sender.processPendingMessages(context.Background())
}

func TestOutboxSender_ParksMessageAfterMaxRetries(t *testing.T) {
	db := newTestDB(t)
	appendEvent(t, db, "PRP1")

	cfg := config.Defaults()
	cfg.Business.MaxRetryCount = 2

	producer := mocks.NewSyncProducer(t, nil)
	publisher := mq.NewPublisherWithProducer(producer)
	defer publisher.Close()
	sender := NewOutboxSender(db, publisher, cfg)

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sender.processPendingMessages(context.Background())

	msg := statusOf(t, db, "PRP1")
	assert.Equal(t, model.OutboxStatusPending, msg.Status)
	assert.Equal(t, 1, msg.RetryCount)

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sender.processPendingMessages(context.Background())

	msg = statusOf(t, db, "PRP1")
	assert.Equal(t, model.OutboxStatusFailed, msg.Status)
	assert.Equal(t, 2, msg.RetryCount)

	// parked messages are not retried
	sender.processPendingMessages(context.Background())
}

type fakeAccruer struct {
	calls  []time.Time
	report *service.AccrualReport
	err    error
}

func (f *fakeAccruer) AccruePenalties(_ context.Context, now time.Time) (*service.AccrualReport, error) {
	f.calls = append(f.calls, now)
	return f.report, f.err
}

func TestPenaltyAccrualJob_PassesClock(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	accruer := &fakeAccruer{report: &service.AccrualReport{Scanned: 2, Penalized: 1}}

	job := NewPenaltyAccrualJob(accruer, config.Defaults())
	job.now = func() time.Time { return fixed }

	job.accrue(context.Background())
	accruer.err = errors.New("db gone")
	accruer.report = nil
	job.accrue(context.Background())

	assert.Equal(t, []time.Time{fixed, fixed}, accruer.calls)
}

func TestPenaltyAccrualJob_DefaultInterval(t *testing.T) {
	cfg := config.Defaults()
	cfg.Business.PenaltyScanIntervalSeconds = 0
	assert.Equal(t, time.Hour, NewPenaltyAccrualJob(&fakeAccruer{}, cfg).interval)
}

type fakeExpirer struct {
	before time.Time
	limit  int
}

func (f *fakeExpirer) ExpireStalePending(_ context.Context, before time.Time, limit int) (int, error) {
	f.before = before
	f.limit = limit
	return 3, nil
}

func TestContributionTimeoutJob_Cutoff(t *testing.T) {
	cfg := config.Defaults()
	cfg.Business.ContributionTimeoutMinutes = 45
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	expirer := &fakeExpirer{}
	job := NewContributionTimeoutJob(expirer, cfg)
	job.now = func() time.Time { return fixed }
	job.expireStale(context.Background())

	assert.Equal(t, fixed.Add(-45*time.Minute), expirer.before)
	assert.Equal(t, 100, expirer.limit)
}

func TestJobsStopOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	job := NewContributionTimeoutJob(&fakeExpirer{}, config.Defaults())

	done := make(chan struct{})
	go func() {
		job.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not exit after cancel")
	}
}
