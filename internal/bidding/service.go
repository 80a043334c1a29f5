// Package bidding implements slot claim intake and the slot resolution
// algorithm: deadline-sweep resolution (highest bid wins) and auto-match
// resolution (first bid meeting the reserve wins).
package bidding

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openrx/pharmslot/common/errors"
	"github.com/openrx/pharmslot/internal/notification"
	"github.com/openrx/pharmslot/internal/store"
	"github.com/openrx/pharmslot/pkg/metrics"
	"github.com/openrx/pharmslot/pkg/models"
)

// SlotStatusView is the read-only projection returned to the API layer.
type SlotStatusView struct {
	Slot *models.Slot  `json:"slot"`
	Bids []*models.Bid `json:"bids"`
}

// BiddingService defines slot bidding operations for dependency injection
type BiddingService interface {
	PlaceBid(ctx context.Context, slotID, claimantID uuid.UUID, amount decimal.Decimal) (*models.Bid, error)
	GetSlotStatus(ctx context.Context, slotID uuid.UUID) (*SlotStatusView, error)
	ResolveDueSlot(ctx context.Context, slotID uuid.UUID) (Outcome, error)
	TryAutoMatch(ctx context.Context, slotID uuid.UUID) (Outcome, error)
}

// Service implements BiddingService
type Service struct {
	logger   *zap.Logger
	store    *store.Store
	notifier notification.Notifier
}

// NewService creates a new bidding service
func NewService(logger *zap.Logger, st *store.Store, notifier notification.Notifier) *Service {
	return &Service{logger: logger, store: st, notifier: notifier}
}

var _ BiddingService = (*Service)(nil)

// PlaceBid validates and persists a new bid against a slot. The slot owner is
// notified, any bidder whose amount is now exceeded gets an outbid
// notification, and auto-match slots are evaluated inline so a qualifying bid
// can win without waiting for the sweep.
func (s *Service) PlaceBid(ctx context.Context, slotID, claimantID uuid.UUID, amount decimal.Decimal) (*models.Bid, error) {
	if amount.Cmp(decimal.Zero) <= 0 {
		return nil, errors.Invalid.Explain("bid amount must be positive")
	}

	slot, err := s.store.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if !slot.Biddable(time.Now()) {
		return nil, errors.SlotNotBiddable.Explain("slot %s is not open for bidding", slotID)
	}

	// Snapshot current pending bids before inserting, for outbid detection.
	existing, err := s.store.PendingBids(ctx, slotID)
	if err != nil {
		return nil, err
	}

	bid := &models.Bid{
		ID:         uuid.New(),
		SlotID:     slotID,
		ClaimantID: claimantID,
		Amount:     amount,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateBid(ctx, bid); err != nil {
		return nil, err
	}
	metrics.BidsPlaced.Inc()
	s.logger.Info("bid placed",
		zap.String("slot_id", slotID.String()),
		zap.String("bid_id", bid.ID.String()),
		zap.String("amount", amount.String()))

	// Notifications leave the resolution path entirely.
	go s.notifyBidPlaced(slot, bid, existing)

	if slot.AutoMatch {
		outcome, err := s.TryAutoMatch(ctx, slotID)
		if err != nil {
			// The bid stands; the sweep will pick the slot up again.
			s.logger.Error("inline auto-match failed",
				zap.String("slot_id", slotID.String()), zap.Error(err))
		} else if outcome == OutcomeMatched {
			s.logger.Info("slot auto-matched on intake",
				zap.String("slot_id", slotID.String()),
				zap.String("bid_id", bid.ID.String()))
		}
	}

	return bid, nil
}

// GetSlotStatus returns the slot with its bids ordered by creation time.
func (s *Service) GetSlotStatus(ctx context.Context, slotID uuid.UUID) (*SlotStatusView, error) {
	slot, err := s.store.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	bids, err := s.store.SlotBids(ctx, slotID)
	if err != nil {
		return nil, err
	}
	return &SlotStatusView{Slot: slot, Bids: bids}, nil
}

// ResolveDueSlot resolves a slot whose bidding deadline has passed: the
// highest pending bid wins (ties broken by earliest created_at, then lowest
// id); with no pending bids the slot closes. Losing the conditional
// transition race is a no-op reported as OutcomeRaceLost.
func (s *Service) ResolveDueSlot(ctx context.Context, slotID uuid.UUID) (Outcome, error) {
	slot, err := s.store.GetSlot(ctx, slotID)
	if err != nil {
		return OutcomeNoAction, err
	}
	if slot.Status != models.SlotStatusBidding {
		return OutcomeRaceLost, nil
	}

	bids, err := s.store.PendingBids(ctx, slotID)
	if err != nil {
		return OutcomeNoAction, err
	}

	if len(bids) == 0 {
		if err := s.store.CloseSlot(ctx, slotID); err != nil {
			if errors.Is(err, errors.ResolutionRace) {
				s.logger.Debug("slot close lost race", zap.String("slot_id", slotID.String()))
				metrics.SlotsResolved.WithLabelValues(string(OutcomeRaceLost)).Inc()
				return OutcomeRaceLost, nil
			}
			return OutcomeNoAction, err
		}
		metrics.SlotsResolved.WithLabelValues(string(OutcomeClosed)).Inc()
		s.logger.Info("slot closed without bids", zap.String("slot_id", slotID.String()))
		go s.notifier.Notify(context.Background(), slot.OwnerID, notification.KindSlotClosed, map[string]interface{}{
			"slot_id": slotID.String(),
		})
		return OutcomeClosed, nil
	}

	winner := pickDeadlineWinner(bids)
	return s.award(ctx, slot, winner, bids)
}

// TryAutoMatch applies the auto-match rule: the earliest-created pending bid
// meeting the asking price wins immediately. Slots without an asking price,
// without auto-match, or past their deadline are left alone.
func (s *Service) TryAutoMatch(ctx context.Context, slotID uuid.UUID) (Outcome, error) {
	slot, err := s.store.GetSlot(ctx, slotID)
	if err != nil {
		return OutcomeNoAction, err
	}
	if slot.Status != models.SlotStatusBidding || !slot.AutoMatch || slot.AskingPrice == nil {
		return OutcomeNoAction, nil
	}
	if slot.BidDeadline != nil && !time.Now().Before(*slot.BidDeadline) {
		// Deadline passed: the deadline sweep owns this slot now.
		return OutcomeNoAction, nil
	}

	bids, err := s.store.PendingBids(ctx, slotID)
	if err != nil {
		return OutcomeNoAction, err
	}
	winner := pickFirstQualifier(bids, *slot.AskingPrice)
	if winner == nil {
		return OutcomeNoAction, nil
	}
	return s.award(ctx, slot, winner, bids)
}

// award applies the winner through the conditional MATCHED transition and
// fans out outcome notifications.
func (s *Service) award(ctx context.Context, slot *models.Slot, winner *models.Bid, bids []*models.Bid) (Outcome, error) {
	err := s.store.MatchSlot(ctx, slot.ID, winner.ID, winner.ClaimantID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, errors.ResolutionRace) {
			s.logger.Debug("slot award lost race", zap.String("slot_id", slot.ID.String()))
			metrics.SlotsResolved.WithLabelValues(string(OutcomeRaceLost)).Inc()
			return OutcomeRaceLost, nil
		}
		return OutcomeNoAction, err
	}

	metrics.SlotsResolved.WithLabelValues(string(OutcomeMatched)).Inc()
	s.logger.Info("slot matched",
		zap.String("slot_id", slot.ID.String()),
		zap.String("bid_id", winner.ID.String()),
		zap.String("claimant_id", winner.ClaimantID.String()),
		zap.String("amount", winner.Amount.String()))

	go s.notifyOutcome(slot, winner, bids)
	return OutcomeMatched, nil
}

func (s *Service) notifyBidPlaced(slot *models.Slot, bid *models.Bid, existing []*models.Bid) {
	ctx := context.Background()
	s.notifier.Notify(ctx, slot.OwnerID, notification.KindBidPlaced, map[string]interface{}{
		"slot_id": slot.ID.String(),
		"bid_id":  bid.ID.String(),
		"amount":  bid.Amount.String(),
	})
	for _, prev := range existing {
		if prev.ClaimantID != bid.ClaimantID && prev.Amount.Cmp(bid.Amount) < 0 {
			s.notifier.Notify(ctx, prev.ClaimantID, notification.KindOutbid, map[string]interface{}{
				"slot_id":    slot.ID.String(),
				"new_amount": bid.Amount.String(),
			})
		}
	}
}

func (s *Service) notifyOutcome(slot *models.Slot, winner *models.Bid, bids []*models.Bid) {
	ctx := context.Background()
	s.notifier.Notify(ctx, winner.ClaimantID, notification.KindBidAccepted, map[string]interface{}{
		"slot_id": slot.ID.String(),
		"bid_id":  winner.ID.String(),
	})
	s.notifier.Notify(ctx, slot.OwnerID, notification.KindBidAccepted, map[string]interface{}{
		"slot_id":     slot.ID.String(),
		"claimant_id": winner.ClaimantID.String(),
		"amount":      winner.Amount.String(),
	})
	for _, bid := range bids {
		if bid.ID == winner.ID {
			continue
		}
		s.notifier.Notify(ctx, bid.ClaimantID, notification.KindBidRejected, map[string]interface{}{
			"slot_id": slot.ID.String(),
			"bid_id":  bid.ID.String(),
		})
	}
}
