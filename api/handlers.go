package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openrx/pharmslot/common/errors"
	"github.com/openrx/pharmslot/internal/matchreq"
	"github.com/openrx/pharmslot/pkg/models"
)

// PlaceBidRequest is the payload for placing a bid against a slot.
type PlaceBidRequest struct {
	ClaimantID string          `json:"claimant_id" binding:"required,uuid"`
	Amount     decimal.Decimal `json:"amount" binding:"required"`
}

// PlaceMatchRequestRequest is the payload for placing a paid match request.
type PlaceMatchRequestRequest struct {
	InitiatorID   string          `json:"initiator_id" binding:"required,uuid"`
	ResponderID   string          `json:"responder_id" binding:"required,uuid"`
	FeePaymentRef string          `json:"fee_payment_ref"`
	FeeAmount     decimal.Decimal `json:"fee_amount"`
}

// ConfirmPaymentRequest carries the confirmed payment reference.
type ConfirmPaymentRequest struct {
	FeePaymentRef string `json:"fee_payment_ref" binding:"required"`
}

// RespondRequest carries the responder's decision.
type RespondRequest struct {
	ResponderID string `json:"responder_id" binding:"required,uuid"`
	Accept      bool   `json:"accept"`
}

// CancelRequest identifies the cancelling initiator.
type CancelRequest struct {
	InitiatorID string `json:"initiator_id" binding:"required,uuid"`
}

// handleError writes the mapped status and error body.
func (s *Server) handleError(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	var e *errors.Error
	if errors.As(err, &e) {
		c.JSON(status, gin.H{"error": e.Kind, "message": e.Message})
		return
	}
	c.JSON(status, gin.H{"error": "Internal", "message": "internal server error"})
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid", "message": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) placeBid(c *gin.Context) {
	slotID, ok := parseID(c)
	if !ok {
		return
	}
	var req PlaceBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid", "message": err.Error()})
		return
	}
	claimantID, err := uuid.Parse(req.ClaimantID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid", "message": "invalid claimant_id"})
		return
	}

	bid, err := s.bidding.PlaceBid(c.Request.Context(), slotID, claimantID, req.Amount)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, bid)
}

func (s *Server) getSlotStatus(c *gin.Context) {
	slotID, ok := parseID(c)
	if !ok {
		return
	}
	view, err := s.bidding.GetSlotStatus(c.Request.Context(), slotID)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) placeMatchRequest(c *gin.Context) {
	var req PlaceMatchRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid", "message": err.Error()})
		return
	}
	initiatorID, err := uuid.Parse(req.InitiatorID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid", "message": "invalid initiator_id"})
		return
	}
	responderID, err := uuid.Parse(req.ResponderID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid", "message": "invalid responder_id"})
		return
	}

	mr, err := s.requests.PlaceMatchRequest(c.Request.Context(), initiatorID, responderID, req.FeePaymentRef, req.FeeAmount)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, mr)
}

func (s *Server) getRequestStatus(c *gin.Context) {
	requestID, ok := parseID(c)
	if !ok {
		return
	}
	mr, err := s.requests.GetRequestStatus(c.Request.Context(), requestID)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, mr)
}

func (s *Server) confirmPayment(c *gin.Context) {
	requestID, ok := parseID(c)
	if !ok {
		return
	}
	var req ConfirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid", "message": err.Error()})
		return
	}
	mr, err := s.requests.ConfirmPayment(c.Request.Context(), requestID, req.FeePaymentRef)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, mr)
}

func (s *Server) respond(c *gin.Context) {
	requestID, ok := parseID(c)
	if !ok {
		return
	}
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid", "message": err.Error()})
		return
	}
	responderID, err := uuid.Parse(req.ResponderID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid", "message": "invalid responder_id"})
		return
	}
	mr, err := s.requests.Respond(c.Request.Context(), requestID, responderID, req.Accept)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, mr)
}

func (s *Server) cancelRequest(c *gin.Context) {
	requestID, ok := parseID(c)
	if !ok {
		return
	}
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid", "message": err.Error()})
		return
	}
	initiatorID, err := uuid.Parse(req.InitiatorID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid", "message": "invalid initiator_id"})
		return
	}
	mr, err := s.requests.Cancel(c.Request.Context(), requestID, initiatorID)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, mr)
}

func (s *Server) markContactMade(c *gin.Context) {
	requestID, ok := parseID(c)
	if !ok {
		return
	}
	mr, err := s.requests.MarkContactMade(c.Request.Context(), requestID)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, mr)
}

func (s *Server) completeRequest(c *gin.Context) {
	requestID, ok := parseID(c)
	if !ok {
		return
	}
	mr, err := s.requests.Complete(c.Request.Context(), requestID)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, mr)
}

func (s *Server) forceSweep(c *gin.Context) {
	stats := s.sweeper.ForceSweep(c.Request.Context())
	c.JSON(http.StatusOK, stats)
}

func (s *Server) listRefundFailures(c *gin.Context) {
	failures, err := s.compensator.ListRefundFailures(c.Request.Context(), 100)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"failures": failures})
}

func (s *Server) retryRefund(c *gin.Context) {
	requestID, ok := parseID(c)
	if !ok {
		return
	}
	mr, err := s.requests.GetRequestStatus(c.Request.Context(), requestID)
	if err != nil {
		s.handleError(c, err)
		return
	}
	reason := matchreq.ReasonExpired
	switch mr.Status {
	case models.RequestStatusRejected:
		reason = matchreq.ReasonRejected
	case models.RequestStatusCancelled:
		reason = matchreq.ReasonCancelled
	}
	result, err := s.compensator.Compensate(c.Request.Context(), requestID, reason)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
