package sweeper

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/openrx/pharmslot/internal/bidding"
	"github.com/openrx/pharmslot/internal/compensation"
	"github.com/openrx/pharmslot/internal/matchreq"
	"github.com/openrx/pharmslot/internal/payment"
	"github.com/openrx/pharmslot/internal/store"
	"github.com/openrx/pharmslot/pkg/models"
)

type fakeGateway struct {
	calls int
	fail  error
}

func (g *fakeGateway) Cancel(ctx context.Context, paymentRef, reason string, amount *decimal.Decimal) (*payment.CancelResult, error) {
	g.calls++
	if g.fail != nil {
		return nil, g.fail
	}
	return &payment.CancelResult{Success: true, RefundRef: "re_" + paymentRef}, nil
}

type quietNotifier struct{}

func (quietNotifier) Notify(ctx context.Context, userID uuid.UUID, kind string, payload map[string]interface{}) {
}

type SweeperTestSuite struct {
	suite.Suite
	st          *store.Store
	gateway     *fakeGateway
	compensator *compensation.Service
	requests    *matchreq.Service
	sweeper     *Sweeper
	ctx         context.Context
}

func (s *SweeperTestSuite) SetupTest() {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	s.Require().NoError(err)
	sqlDB, err := db.DB()
	s.Require().NoError(err)
	sqlDB.SetMaxOpenConns(1)
	s.Require().NoError(store.Migrate(db))

	logger := zap.NewNop()
	notifier := quietNotifier{}
	s.st = store.New(db, logger)
	s.gateway = &fakeGateway{}
	s.compensator = compensation.NewService(logger, s.st, s.gateway,
		compensation.RetryPolicy{Attempts: 1, Backoff: time.Millisecond})
	biddingSvc := bidding.NewService(logger, s.st, notifier)
	s.requests = matchreq.NewService(logger, s.st, s.compensator, notifier, 48*time.Hour)
	s.sweeper = New(logger, s.st, biddingSvc, s.requests, s.compensator, notifier, nil, Options{
		ReminderLead: 6 * time.Hour,
	})
	s.ctx = context.Background()
}

func (s *SweeperTestSuite) newDueSlot(withBid bool) *models.Slot {
	past := time.Now().Add(-time.Hour)
	slot := &models.Slot{
		OwnerID:      uuid.New(),
		PharmacyName: "Stadt Apotheke",
		Status:       models.SlotStatusBidding,
		BidDeadline:  &past,
	}
	s.Require().NoError(s.st.CreateSlot(s.ctx, slot))
	if withBid {
		s.Require().NoError(s.st.CreateBid(s.ctx, &models.Bid{
			SlotID:     slot.ID,
			ClaimantID: uuid.New(),
			Amount:     decimal.NewFromInt(1_000),
			CreatedAt:  past.Add(-time.Hour).UTC(),
		}))
	}
	return slot
}

func (s *SweeperTestSuite) newOverdueRequest(paid bool) *models.MatchRequest {
	req := &models.MatchRequest{
		InitiatorID:      uuid.New(),
		ResponderID:      uuid.New(),
		FeeAmount:        decimal.NewFromInt(25),
		Status:           models.RequestStatusPending,
		ResponseDeadline: time.Now().Add(-time.Hour),
	}
	if paid {
		ref := "pi_" + uuid.NewString()
		req.FeePaymentRef = &ref
	}
	s.Require().NoError(s.st.CreateMatchRequest(s.ctx, req))
	return req
}

func (s *SweeperTestSuite) TestSweepSlotsResolvesDueAndAutoMatch() {
	withBid := s.newDueSlot(true)
	empty := s.newDueSlot(false)

	asking := decimal.NewFromInt(100)
	future := time.Now().Add(24 * time.Hour)
	auto := &models.Slot{
		OwnerID:      uuid.New(),
		PharmacyName: "Linden Apotheke",
		Status:       models.SlotStatusBidding,
		BidDeadline:  &future,
		AutoMatch:    true,
		AskingPrice:  &asking,
	}
	s.Require().NoError(s.st.CreateSlot(s.ctx, auto))
	s.Require().NoError(s.st.CreateBid(s.ctx, &models.Bid{
		SlotID:     auto.ID,
		ClaimantID: uuid.New(),
		Amount:     decimal.NewFromInt(150),
		CreatedAt:  time.Now().UTC(),
	}))

	stats := s.sweeper.SweepSlots(s.ctx)
	s.Equal(2, stats.SlotsResolved)
	s.Equal(1, stats.SlotsAutoMatched)
	s.Zero(stats.Errors)

	loaded, err := s.st.GetSlot(s.ctx, withBid.ID)
	s.Require().NoError(err)
	s.Equal(models.SlotStatusMatched, loaded.Status)

	loaded, err = s.st.GetSlot(s.ctx, empty.ID)
	s.Require().NoError(err)
	s.Equal(models.SlotStatusClosed, loaded.Status)

	loaded, err = s.st.GetSlot(s.ctx, auto.ID)
	s.Require().NoError(err)
	s.Equal(models.SlotStatusMatched, loaded.Status)

	// Everything is resolved; the next cycle finds nothing.
	stats = s.sweeper.SweepSlots(s.ctx)
	s.Zero(stats.SlotsResolved)
	s.Zero(stats.SlotsAutoMatched)
}

func (s *SweeperTestSuite) TestSweepRequestsExpiresAndRefunds() {
	req := s.newOverdueRequest(true)

	stats := s.sweeper.SweepRequests(s.ctx)
	s.Equal(1, stats.RequestsExpired)
	s.Equal(1, stats.Refunds)
	s.Zero(stats.Errors)
	s.Equal(1, s.gateway.calls)

	loaded, err := s.st.GetMatchRequest(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(models.RequestStatusRefunded, loaded.Status)
	s.Require().NotNil(loaded.RefundRef)
	s.Equal("re_"+*req.FeePaymentRef, *loaded.RefundRef)
	s.Require().NotNil(loaded.RefundReason)
	s.Equal(matchreq.ReasonExpired, *loaded.RefundReason)

	// A repeated cycle must not expire or refund anything twice.
	stats = s.sweeper.SweepRequests(s.ctx)
	s.Zero(stats.RequestsExpired)
	s.Zero(stats.Refunds)
	s.Equal(1, s.gateway.calls)
}

func (s *SweeperTestSuite) TestSweepRequestsUnpaidExpiresWithoutRefund() {
	req := s.newOverdueRequest(false)

	stats := s.sweeper.SweepRequests(s.ctx)
	s.Equal(1, stats.RequestsExpired)
	s.Zero(stats.Refunds)
	s.Zero(s.gateway.calls)

	loaded, err := s.st.GetMatchRequest(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(models.RequestStatusExpired, loaded.Status)
}

func (s *SweeperTestSuite) TestSweepRequestsGatewayFailure() {
	req := s.newOverdueRequest(true)
	s.gateway.fail = stderrors.New("gateway timeout")

	stats := s.sweeper.SweepRequests(s.ctx)
	s.Equal(1, stats.RequestsExpired)
	s.Zero(stats.Refunds)
	s.Equal(1, stats.Errors)

	// The request keeps its truthful status with the failure recorded.
	loaded, err := s.st.GetMatchRequest(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(models.RequestStatusExpired, loaded.Status)
	s.Nil(loaded.RefundRef)
	s.NotNil(loaded.RefundFailure)

	// The sweep only scans PENDING requests, so the retry is manual.
	stats = s.sweeper.SweepRequests(s.ctx)
	s.Zero(stats.RequestsExpired)
	s.Zero(stats.Errors)

	s.gateway.fail = nil
	result, err := s.compensator.Compensate(s.ctx, req.ID, matchreq.ReasonExpired)
	s.Require().NoError(err)
	s.Equal(compensation.ResultRefunded, result.Status)

	loaded, err = s.st.GetMatchRequest(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(models.RequestStatusRefunded, loaded.Status)
}

func (s *SweeperTestSuite) TestSweepRequestsSendsReminderOnce() {
	req := &models.MatchRequest{
		InitiatorID:      uuid.New(),
		ResponderID:      uuid.New(),
		FeeAmount:        decimal.NewFromInt(25),
		Status:           models.RequestStatusPending,
		ResponseDeadline: time.Now().Add(2 * time.Hour),
	}
	s.Require().NoError(s.st.CreateMatchRequest(s.ctx, req))

	stats := s.sweeper.SweepRequests(s.ctx)
	s.Equal(1, stats.Reminders)

	loaded, err := s.st.GetMatchRequest(s.ctx, req.ID)
	s.Require().NoError(err)
	s.NotNil(loaded.ReminderSentAt)

	stats = s.sweeper.SweepRequests(s.ctx)
	s.Zero(stats.Reminders)
}

func (s *SweeperTestSuite) TestForceSweep() {
	s.newDueSlot(true)
	s.newOverdueRequest(true)

	stats := s.sweeper.ForceSweep(s.ctx)
	s.Equal(1, stats.SlotsResolved)
	s.Equal(1, stats.RequestsExpired)
	s.Equal(1, stats.Refunds)
}

func (s *SweeperTestSuite) TestPurge() {
	cutoff := time.Now().Add(-200 * 24 * time.Hour)
	req := s.newOverdueRequest(false)
	s.Require().NoError(s.st.TransitionRequest(s.ctx, req.ID,
		models.RequestStatusPending, models.RequestStatusExpired, nil))
	s.Require().NoError(s.st.DB().Model(&models.MatchRequest{}).
		Where("id = ?", req.ID).
		UpdateColumn("updated_at", cutoff).Error)

	s.sweeper.Purge(s.ctx)

	_, err := s.st.GetMatchRequest(s.ctx, req.ID)
	s.Require().Error(err)
}

func (s *SweeperTestSuite) TestStartStop() {
	s.newDueSlot(true)

	sw := New(zap.NewNop(), s.st, bidding.NewService(zap.NewNop(), s.st, quietNotifier{}),
		s.requests, s.compensator, quietNotifier{}, nil, Options{
			SlotInterval:    10 * time.Millisecond,
			RequestInterval: 10 * time.Millisecond,
			PurgeInterval:   time.Hour,
		})
	sw.Start(s.ctx)

	s.Eventually(func() bool {
		slots, err := s.st.DueBiddingSlots(s.ctx, time.Now(), 10)
		return err == nil && len(slots) == 0
	}, 2*time.Second, 20*time.Millisecond)

	sw.Stop()
}

func TestSweeperTestSuite(t *testing.T) {
	suite.Run(t, new(SweeperTestSuite))
}
