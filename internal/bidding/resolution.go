package bidding

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/openrx/pharmslot/pkg/models"
)

// Outcome of a slot resolution attempt.
type Outcome string

const (
	// OutcomeMatched means one bid was accepted and the slot awarded.
	OutcomeMatched Outcome = "matched"
	// OutcomeClosed means the deadline passed with no pending bids.
	OutcomeClosed Outcome = "closed"
	// OutcomeNoAction means nothing qualified; the slot stays in BIDDING.
	OutcomeNoAction Outcome = "no_action"
	// OutcomeRaceLost means another resolution attempt committed first.
	OutcomeRaceLost Outcome = "race_lost"
)

// bidBefore is the total order used by every tie-break: earlier created_at
// first, then lower bid id. Deterministic for any input set.
func bidBefore(a, b *models.Bid) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return strings.Compare(a.ID.String(), b.ID.String()) < 0
}

// pickDeadlineWinner selects the winning bid for a slot whose bidding
// deadline has passed: maximum amount, ties broken by earliest created_at,
// then lowest bid id. Returns nil when there are no bids.
func pickDeadlineWinner(bids []*models.Bid) *models.Bid {
	var winner *models.Bid
	for _, bid := range bids {
		if winner == nil {
			winner = bid
			continue
		}
		switch bid.Amount.Cmp(winner.Amount) {
		case 1:
			winner = bid
		case 0:
			if bidBefore(bid, winner) {
				winner = bid
			}
		}
	}
	return winner
}

// pickFirstQualifier selects the auto-match winner: the earliest-created
// pending bid whose amount meets or exceeds the asking price. First
// qualifying offer wins, not the highest. Returns nil when none qualify.
func pickFirstQualifier(bids []*models.Bid, askingPrice decimal.Decimal) *models.Bid {
	var winner *models.Bid
	for _, bid := range bids {
		if bid.Amount.Cmp(askingPrice) < 0 {
			continue
		}
		if winner == nil || bidBefore(bid, winner) {
			winner = bid
		}
	}
	return winner
}
