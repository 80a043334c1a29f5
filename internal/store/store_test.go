package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/openrx/pharmslot/common/errors"
	"github.com/openrx/pharmslot/pkg/models"
)

type StoreTestSuite struct {
	suite.Suite
	st  *Store
	ctx context.Context
}

func (s *StoreTestSuite) SetupTest() {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	s.Require().NoError(err)
	sqlDB, err := db.DB()
	s.Require().NoError(err)
	sqlDB.SetMaxOpenConns(1)
	s.Require().NoError(Migrate(db))

	s.st = New(db, zaptest.NewLogger(s.T()))
	s.ctx = context.Background()
}

func (s *StoreTestSuite) newSlot() *models.Slot {
	deadline := time.Now().Add(24 * time.Hour)
	slot := &models.Slot{
		OwnerID:      uuid.New(),
		PharmacyName: "Rosen Apotheke",
		Status:       models.SlotStatusBidding,
		BidDeadline:  &deadline,
	}
	s.Require().NoError(s.st.CreateSlot(s.ctx, slot))
	return slot
}

func (s *StoreTestSuite) newBid(slotID uuid.UUID, amount int64, createdAt time.Time) *models.Bid {
	bid := &models.Bid{
		SlotID:     slotID,
		ClaimantID: uuid.New(),
		Amount:     decimal.NewFromInt(amount),
		CreatedAt:  createdAt,
	}
	s.Require().NoError(s.st.CreateBid(s.ctx, bid))
	return bid
}

func (s *StoreTestSuite) newRequest(status string, paid bool, deadline time.Time) *models.MatchRequest {
	req := &models.MatchRequest{
		InitiatorID:      uuid.New(),
		ResponderID:      uuid.New(),
		FeeAmount:        decimal.NewFromInt(25),
		Status:           status,
		ResponseDeadline: deadline,
	}
	if paid {
		ref := "pi_" + uuid.NewString()
		req.FeePaymentRef = &ref
	}
	s.Require().NoError(s.st.CreateMatchRequest(s.ctx, req))
	return req
}

func (s *StoreTestSuite) backdateUpdatedAt(id uuid.UUID, at time.Time) {
	s.Require().NoError(s.st.DB().Model(&models.MatchRequest{}).
		Where("id = ?", id).
		UpdateColumn("updated_at", at).Error)
}

func (s *StoreTestSuite) TestGetSlotNotFound() {
	_, err := s.st.GetSlot(s.ctx, uuid.New())
	s.Require().Error(err)
	s.True(errors.Is(err, errors.NotFound))
}

func (s *StoreTestSuite) TestMatchSlotLosesRaceAfterFirstAward() {
	slot := s.newSlot()
	t0 := time.Now().Add(-time.Hour).UTC()
	first := s.newBid(slot.ID, 100, t0)
	second := s.newBid(slot.ID, 200, t0.Add(time.Minute))

	now := time.Now().UTC()
	s.Require().NoError(s.st.MatchSlot(s.ctx, slot.ID, second.ID, second.ClaimantID, now))

	err := s.st.MatchSlot(s.ctx, slot.ID, first.ID, first.ClaimantID, now)
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ResolutionRace))

	loaded, err := s.st.GetSlot(s.ctx, slot.ID)
	s.Require().NoError(err)
	s.Equal(models.SlotStatusMatched, loaded.Status)
	s.Equal(second.ClaimantID, *loaded.MatchedClaimantID)
}

func (s *StoreTestSuite) TestMatchSlotRollsBackWhenWinnerVanished() {
	slot := s.newSlot()
	bid := s.newBid(slot.ID, 100, time.Now().UTC())
	s.Require().NoError(s.st.DB().Model(&models.Bid{}).
		Where("id = ?", bid.ID).
		Update("status", models.BidStatusRejected).Error)

	err := s.st.MatchSlot(s.ctx, slot.ID, bid.ID, bid.ClaimantID, time.Now().UTC())
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ResolutionRace))

	// The slot transition rolled back with the failed award.
	loaded, err := s.st.GetSlot(s.ctx, slot.ID)
	s.Require().NoError(err)
	s.Equal(models.SlotStatusBidding, loaded.Status)
}

func (s *StoreTestSuite) TestCreateBidRejectedAfterAward() {
	slot := s.newSlot()
	winner := s.newBid(slot.ID, 500, time.Now().Add(-time.Hour).UTC())
	s.Require().NoError(s.st.MatchSlot(s.ctx, slot.ID, winner.ID, winner.ClaimantID, time.Now().UTC()))

	// A bid whose insert raced the award must abort, not land as PENDING
	// under the resolved slot.
	late := &models.Bid{
		SlotID:     slot.ID,
		ClaimantID: uuid.New(),
		Amount:     decimal.NewFromInt(900),
		CreatedAt:  time.Now().UTC(),
	}
	err := s.st.CreateBid(s.ctx, late)
	s.Require().Error(err)
	s.True(errors.Is(err, errors.SlotNotBiddable))

	var pending int64
	s.Require().NoError(s.st.DB().Model(&models.Bid{}).
		Where("slot_id = ? AND status = ?", slot.ID, models.BidStatusPending).
		Count(&pending).Error)
	s.Zero(pending)

	loaded, err := s.st.GetSlot(s.ctx, slot.ID)
	s.Require().NoError(err)
	s.Equal(1, loaded.BidCount)
}

func (s *StoreTestSuite) TestCreateBidRejectedOnClosedSlot() {
	slot := s.newSlot()
	s.Require().NoError(s.st.CloseSlot(s.ctx, slot.ID))

	err := s.st.CreateBid(s.ctx, &models.Bid{
		SlotID:     slot.ID,
		ClaimantID: uuid.New(),
		Amount:     decimal.NewFromInt(100),
		CreatedAt:  time.Now().UTC(),
	})
	s.Require().Error(err)
	s.True(errors.Is(err, errors.SlotNotBiddable))
}

func (s *StoreTestSuite) TestCloseSlotConditional() {
	slot := s.newSlot()
	s.Require().NoError(s.st.CloseSlot(s.ctx, slot.ID))

	err := s.st.CloseSlot(s.ctx, slot.ID)
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ResolutionRace))
}

func (s *StoreTestSuite) TestDueBiddingSlots() {
	due := s.newSlot()
	past := time.Now().Add(-time.Hour)
	s.Require().NoError(s.st.DB().Model(&models.Slot{}).
		Where("id = ?", due.ID).
		Update("bid_deadline", past).Error)
	s.newSlot() // future deadline, not due

	slots, err := s.st.DueBiddingSlots(s.ctx, time.Now(), 100)
	s.Require().NoError(err)
	s.Require().Len(slots, 1)
	s.Equal(due.ID, slots[0].ID)
}

func (s *StoreTestSuite) TestTransitionRequestConditional() {
	req := s.newRequest(models.RequestStatusPending, true, time.Now().Add(48*time.Hour))

	now := time.Now().UTC()
	err := s.st.TransitionRequest(s.ctx, req.ID, models.RequestStatusPending, models.RequestStatusAccepted,
		map[string]interface{}{"responded_at": now})
	s.Require().NoError(err)

	loaded, err := s.st.GetMatchRequest(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(models.RequestStatusAccepted, loaded.Status)
	s.NotNil(loaded.RespondedAt)

	// The request left PENDING, so a second transition loses the race.
	err = s.st.TransitionRequest(s.ctx, req.ID, models.RequestStatusPending, models.RequestStatusExpired, nil)
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ResolutionRace))
}

func (s *StoreTestSuite) TestMarkRefundedOnce() {
	req := s.newRequest(models.RequestStatusExpired, true, time.Now().Add(-time.Hour))
	s.Require().NoError(s.st.RecordRefundFailure(s.ctx, req.ID, "gateway timeout"))

	now := time.Now().UTC()
	s.Require().NoError(s.st.MarkRefunded(s.ctx, req.ID, "re_123", "response_deadline_expired", now))

	loaded, err := s.st.GetMatchRequest(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(models.RequestStatusRefunded, loaded.Status)
	s.Require().NotNil(loaded.RefundRef)
	s.Equal("re_123", *loaded.RefundRef)
	s.NotNil(loaded.RefundedAt)
	s.Nil(loaded.RefundFailure)

	err = s.st.MarkRefunded(s.ctx, req.ID, "re_456", "response_deadline_expired", now)
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ResolutionRace))

	loaded, err = s.st.GetMatchRequest(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal("re_123", *loaded.RefundRef)
}

func (s *StoreTestSuite) TestMarkRefundedRequiresRefundableStatus() {
	req := s.newRequest(models.RequestStatusAccepted, true, time.Now().Add(48*time.Hour))

	err := s.st.MarkRefunded(s.ctx, req.ID, "re_123", "responder_rejected", time.Now().UTC())
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ResolutionRace))
}

func (s *StoreTestSuite) TestRefundFailures() {
	failed := s.newRequest(models.RequestStatusExpired, true, time.Now().Add(-time.Hour))
	s.Require().NoError(s.st.RecordRefundFailure(s.ctx, failed.ID, "card network unavailable"))
	s.newRequest(models.RequestStatusExpired, true, time.Now().Add(-time.Hour))

	reqs, err := s.st.RefundFailures(s.ctx, 100)
	s.Require().NoError(err)
	s.Require().Len(reqs, 1)
	s.Equal(failed.ID, reqs[0].ID)
	s.Require().NotNil(reqs[0].RefundFailure)
	s.Equal("card network unavailable", *reqs[0].RefundFailure)
}

func (s *StoreTestSuite) TestActiveRequestExists() {
	req := s.newRequest(models.RequestStatusPending, true, time.Now().Add(48*time.Hour))

	exists, err := s.st.ActiveRequestExists(s.ctx, req.InitiatorID, req.ResponderID)
	s.Require().NoError(err)
	s.True(exists)

	// Reverse direction counts too.
	exists, err = s.st.ActiveRequestExists(s.ctx, req.ResponderID, req.InitiatorID)
	s.Require().NoError(err)
	s.True(exists)

	s.Require().NoError(s.st.TransitionRequest(s.ctx, req.ID,
		models.RequestStatusPending, models.RequestStatusRejected, nil))

	exists, err = s.st.ActiveRequestExists(s.ctx, req.InitiatorID, req.ResponderID)
	s.Require().NoError(err)
	s.False(exists)
}

func (s *StoreTestSuite) TestDueAndReminderQueries() {
	now := time.Now()
	overdue := s.newRequest(models.RequestStatusPending, true, now.Add(-time.Hour))
	closing := s.newRequest(models.RequestStatusPending, true, now.Add(2*time.Hour))
	s.newRequest(models.RequestStatusPending, true, now.Add(48*time.Hour))

	due, err := s.st.DueMatchRequests(s.ctx, now, 100)
	s.Require().NoError(err)
	s.Require().Len(due, 1)
	s.Equal(overdue.ID, due[0].ID)

	reminders, err := s.st.ReminderDueRequests(s.ctx, now, 6*time.Hour, 100)
	s.Require().NoError(err)
	s.Require().Len(reminders, 1)
	s.Equal(closing.ID, reminders[0].ID)

	s.Require().NoError(s.st.MarkReminderSent(s.ctx, closing.ID, now))

	reminders, err = s.st.ReminderDueRequests(s.ctx, now, 6*time.Hour, 100)
	s.Require().NoError(err)
	s.Empty(reminders)
}

func (s *StoreTestSuite) TestPurgeTerminalRequestsKeepsPaidUnrefunded() {
	cutoff := time.Now().Add(-180 * 24 * time.Hour)
	old := cutoff.Add(-24 * time.Hour)

	refunded := s.newRequest(models.RequestStatusRefunded, true, old)
	paidExpired := s.newRequest(models.RequestStatusExpired, true, old)
	unpaidExpired := s.newRequest(models.RequestStatusExpired, false, old)
	paidCancelled := s.newRequest(models.RequestStatusCancelled, true, old)
	s.Require().NoError(s.st.RecordRefundFailure(s.ctx, paidCancelled.ID, "gateway timeout"))
	unpaidRejected := s.newRequest(models.RequestStatusRejected, false, old)
	pending := s.newRequest(models.RequestStatusPending, true, time.Now().Add(48*time.Hour))
	for _, req := range []*models.MatchRequest{refunded, paidExpired, unpaidExpired, paidCancelled, unpaidRejected} {
		s.backdateUpdatedAt(req.ID, old)
	}

	n, err := s.st.PurgeTerminalRequests(s.ctx, cutoff)
	s.Require().NoError(err)
	s.Equal(int64(3), n)

	// Paid rows that still owe a refund survive until compensation resolves
	// them, whichever status ended them.
	_, err = s.st.GetMatchRequest(s.ctx, paidExpired.ID)
	s.Require().NoError(err)
	_, err = s.st.GetMatchRequest(s.ctx, paidCancelled.ID)
	s.Require().NoError(err)
	_, err = s.st.GetMatchRequest(s.ctx, pending.ID)
	s.Require().NoError(err)
	_, err = s.st.GetMatchRequest(s.ctx, refunded.ID)
	s.True(errors.Is(err, errors.NotFound))
	_, err = s.st.GetMatchRequest(s.ctx, unpaidExpired.ID)
	s.True(errors.Is(err, errors.NotFound))
	_, err = s.st.GetMatchRequest(s.ctx, unpaidRejected.ID)
	s.True(errors.Is(err, errors.NotFound))
}

func (s *StoreTestSuite) TestPurgeTerminalBids() {
	slot := s.newSlot()
	cutoff := time.Now().Add(-180 * 24 * time.Hour)
	old := cutoff.Add(-24 * time.Hour).UTC()

	stale := s.newBid(slot.ID, 100, old)
	s.Require().NoError(s.st.DB().Model(&models.Bid{}).
		Where("id = ?", stale.ID).
		Update("status", models.BidStatusRejected).Error)
	s.newBid(slot.ID, 200, old) // still PENDING, never purged

	n, err := s.st.PurgeTerminalBids(s.ctx, cutoff)
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	bids, err := s.st.SlotBids(s.ctx, slot.ID)
	s.Require().NoError(err)
	s.Require().Len(bids, 1)
	s.Equal(models.BidStatusPending, bids[0].Status)
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}
