package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/openrx/pharmslot/common/dbutil"
	"github.com/openrx/pharmslot/common/errors"
	"github.com/openrx/pharmslot/pkg/models"
)

// CreateSlot persists a new slot. Slots arrive from the listing flow;
// the engine only ever transitions them.
func (s *Store) CreateSlot(ctx context.Context, slot *models.Slot) error {
	if slot.ID == uuid.Nil {
		slot.ID = uuid.New()
	}
	if slot.Status == "" {
		slot.Status = models.SlotStatusBidding
	}
	if err := s.db.WithContext(ctx).Create(slot).Error; err != nil {
		return dbutil.WrapError(err)
	}
	return nil
}

// GetSlot loads a slot by id.
func (s *Store) GetSlot(ctx context.Context, id uuid.UUID) (*models.Slot, error) {
	return dbutil.FindOne[models.Slot](s.db.WithContext(ctx).Where("id = ?", id))
}

// DueBiddingSlots returns slots still in BIDDING whose deadline has passed.
func (s *Store) DueBiddingSlots(ctx context.Context, now time.Time, limit int) ([]*models.Slot, error) {
	var slots []*models.Slot
	err := s.db.WithContext(ctx).
		Where("status = ? AND bid_deadline IS NOT NULL AND bid_deadline < ?", models.SlotStatusBidding, now).
		Order("bid_deadline asc").
		Limit(limit).
		Find(&slots).Error
	if err != nil {
		return nil, dbutil.WrapError(err)
	}
	return slots, nil
}

// AutoMatchSlots returns auto-match slots still open for bidding. Slots whose
// deadline has already passed are left to the deadline sweep.
func (s *Store) AutoMatchSlots(ctx context.Context, now time.Time, limit int) ([]*models.Slot, error) {
	var slots []*models.Slot
	err := s.db.WithContext(ctx).
		Where("status = ? AND auto_match = ?", models.SlotStatusBidding, true).
		Where("bid_deadline IS NULL OR bid_deadline >= ?", now).
		Order("created_at asc").
		Limit(limit).
		Find(&slots).Error
	if err != nil {
		return nil, dbutil.WrapError(err)
	}
	return slots, nil
}

// CreateBid persists a pending bid and bumps the slot's bid counter in one
// transaction. The counter update is conditional on the slot still being in
// BIDDING, so a bid racing a concurrent award aborts with SlotNotBiddable
// instead of landing as a stray PENDING row under a resolved slot.
func (s *Store) CreateBid(ctx context.Context, bid *models.Bid) error {
	if bid.ID == uuid.Nil {
		bid.ID = uuid.New()
	}
	bid.Status = models.BidStatusPending
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Slot{}).
			Where("id = ? AND status = ?", bid.SlotID, models.SlotStatusBidding).
			UpdateColumn("bid_count", gorm.Expr("bid_count + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.SlotNotBiddable.Explain("slot %s is not open for bidding", bid.SlotID)
		}
		return tx.Create(bid).Error
	})
	if err != nil {
		return dbutil.WrapError(err)
	}
	return nil
}

// PendingBids returns a slot's PENDING bids ordered by creation time, then id.
// The ordering is the total order used by every tie-break.
func (s *Store) PendingBids(ctx context.Context, slotID uuid.UUID) ([]*models.Bid, error) {
	var bids []*models.Bid
	err := s.db.WithContext(ctx).
		Where("slot_id = ? AND status = ?", slotID, models.BidStatusPending).
		Order("created_at asc, id asc").
		Find(&bids).Error
	if err != nil {
		return nil, dbutil.WrapError(err)
	}
	return bids, nil
}

// MatchSlot awards the slot to the winning bid. The slot transition to
// MATCHED is the atomic linchpin: it only commits if the slot is still in
// BIDDING, so a concurrent resolution attempt loses the race and gets
// errors.ResolutionRace instead of a second award. The winning bid is
// accepted and every other pending bid rejected in the same transaction.
func (s *Store) MatchSlot(ctx context.Context, slotID, bidID, claimantID uuid.UUID, now time.Time) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Slot{}).
			Where("id = ? AND status = ?", slotID, models.SlotStatusBidding).
			Updates(map[string]interface{}{
				"status":              models.SlotStatusMatched,
				"matched_claimant_id": claimantID,
				"matched_at":          now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.ResolutionRace
		}

		res = tx.Model(&models.Bid{}).
			Where("id = ? AND status = ?", bidID, models.BidStatusPending).
			Update("status", models.BidStatusAccepted)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Winner vanished underneath us; roll the award back.
			return errors.ResolutionRace
		}

		return tx.Model(&models.Bid{}).
			Where("slot_id = ? AND status = ?", slotID, models.BidStatusPending).
			Update("status", models.BidStatusRejected).Error
	})
	if err != nil {
		if errors.Is(err, errors.ResolutionRace) {
			return errors.ResolutionRace
		}
		return dbutil.WrapError(err)
	}
	return nil
}

// CloseSlot transitions a slot with no pending bids to CLOSED, conditionally
// on it still being in BIDDING. Any pending bids that raced in are rejected.
func (s *Store) CloseSlot(ctx context.Context, slotID uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Slot{}).
			Where("id = ? AND status = ?", slotID, models.SlotStatusBidding).
			Update("status", models.SlotStatusClosed)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.ResolutionRace
		}
		return tx.Model(&models.Bid{}).
			Where("slot_id = ? AND status = ?", slotID, models.BidStatusPending).
			Update("status", models.BidStatusRejected).Error
	})
	if err != nil {
		if errors.Is(err, errors.ResolutionRace) {
			return errors.ResolutionRace
		}
		return dbutil.WrapError(err)
	}
	return nil
}

// SlotBids returns every bid under a slot ordered by creation time.
func (s *Store) SlotBids(ctx context.Context, slotID uuid.UUID) ([]*models.Bid, error) {
	var bids []*models.Bid
	err := s.db.WithContext(ctx).
		Where("slot_id = ?", slotID).
		Order("created_at asc, id asc").
		Find(&bids).Error
	if err != nil {
		return nil, dbutil.WrapError(err)
	}
	return bids, nil
}

// PurgeTerminalBids deletes terminal bids older than the cutoff and returns
// how many rows went away.
func (s *Store) PurgeTerminalBids(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", []string{models.BidStatusAccepted, models.BidStatusRejected}, cutoff).
		Delete(&models.Bid{})
	if res.Error != nil {
		return 0, dbutil.WrapError(res.Error)
	}
	return res.RowsAffected, nil
}
