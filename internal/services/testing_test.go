// internal/services/testing_test.go
package services

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lenspark/escrow-backend/internal/config"
	"github.com/lenspark/escrow-backend/internal/models"
)

// fakeGateway records every payment-capability call for assertions.
type fakeGateway struct {
	mtx sync.Mutex

	captureCalls []int64
	payoutCalls  []int64
	refundCalls  []int64
	refundRefs   []string

	failPayouts bool
	failRefunds bool
}

func (g *fakeGateway) Capture(amountCents int64, idempotencyKey string, metadata map[string]string) (string, error) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	g.captureCalls = append(g.captureCalls, amountCents)
	return fmt.Sprintf("pi_fake_%d", len(g.captureCalls)), nil
}

func (g *fakeGateway) Payout(amountCents int64, account string, idempotencyKey string) (string, error) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if g.failPayouts {
		return "", errors.New("gateway unavailable")
	}
	g.payoutCalls = append(g.payoutCalls, amountCents)
	return fmt.Sprintf("tr_fake_%d", len(g.payoutCalls)), nil
}

func (g *fakeGateway) Refund(paymentReference string, amountCents int64, idempotencyKey string) (string, error) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if g.failRefunds {
		return "", errors.New("gateway unavailable")
	}
	g.refundCalls = append(g.refundCalls, amountCents)
	g.refundRefs = append(g.refundRefs, paymentReference)
	return fmt.Sprintf("re_fake_%d", len(g.refundCalls)), nil
}

func (g *fakeGateway) payoutCount() int {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return len(g.payoutCalls)
}

func (g *fakeGateway) refundCount() int {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return len(g.refundCalls)
}

// testEnv wires the service stack over an in-memory sqlite database with a
// controllable clock and synchronous payout dispatch.
type testEnv struct {
	db        *gorm.DB
	cfg       *config.Config
	gateway   *fakeGateway
	payouts   *PayoutService
	escrows   *EscrowService
	decisions *DecisionService

	now time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.EscrowRecord{},
		&models.DeliveryVersion{},
		&models.HistoryEntry{},
		&models.PayoutRecord{},
	))

	cfg := &config.Config{
		Payment: config.PaymentConfig{PlatformFeePercent: 20.0},
		Escrow: config.EscrowConfig{
			ConfirmationTTLHours:  48,
			DefaultMaxRevisions:   2,
			UrgentThresholdHours:  6,
			WarningThresholdHours: 24,
		},
		Sweeper: config.SweeperConfig{IntervalSeconds: 300, Enabled: true},
		Payout:  config.PayoutConfig{MaxAttempts: 3, BackoffBaseSeconds: 30, RetryIntervalSecs: 60},
	}

	env := &testEnv{
		db:      db,
		cfg:     cfg,
		gateway: &fakeGateway{},
		now:     time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}

	env.payouts = NewPayoutService(db, cfg, env.gateway)
	env.payouts.syncDispatch = true
	env.payouts.nowFunc = func() time.Time { return env.now }

	env.escrows = NewEscrowService(db, cfg, env.gateway, env.payouts, nil)
	env.escrows.nowFunc = func() time.Time { return env.now }

	env.decisions = NewDecisionService(db, env.escrows, env.payouts)

	return env
}

func newUUID(t *testing.T) uuid.UUID {
	t.Helper()
	return uuid.New()
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

func (e *testEnv) createHeldEscrow(t *testing.T, amount int64, maxRevisions int) *models.EscrowRecord {
	t.Helper()

	escrow, err := e.escrows.CreateEscrow(&CreateEscrowRequest{
		BuyerID:        newUUID(t),
		PhotographerID: newUUID(t),
		AmountTotal:    amount,
		MaxRevisions:   &maxRevisions,
	})
	require.NoError(t, err)
	return escrow
}

func (e *testEnv) uploadDelivery(t *testing.T, escrow *models.EscrowRecord) *UploadDeliveryResult {
	t.Helper()

	result, err := e.escrows.UploadDelivery(escrow.ID, &UploadDeliveryRequest{
		FileDescriptor: fmt.Sprintf("deliveries/%s/photo.zip", escrow.ID),
	})
	require.NoError(t, err)
	return result
}

func (e *testEnv) reloadEscrow(t *testing.T, escrow *models.EscrowRecord) *models.EscrowRecord {
	t.Helper()

	var fresh models.EscrowRecord
	require.NoError(t, e.db.First(&fresh, "id = ?", escrow.ID).Error)
	return &fresh
}

func (e *testEnv) payoutRecords(t *testing.T, escrow *models.EscrowRecord) []models.PayoutRecord {
	t.Helper()

	var records []models.PayoutRecord
	require.NoError(t, e.db.Where("escrow_id = ?", escrow.ID).Find(&records).Error)
	return records
}

func (e *testEnv) historyEntries(t *testing.T, escrow *models.EscrowRecord) []models.HistoryEntry {
	t.Helper()

	var entries []models.HistoryEntry
	require.NoError(t, e.db.Where("escrow_id = ?", escrow.ID).
		Order("occurred_at ASC, created_at ASC").Find(&entries).Error)
	return entries
}
