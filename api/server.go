// Package api exposes the engine to collaborators: claim intake, read-only
// status projections, and the administrative sweep trigger.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openrx/pharmslot/internal/bidding"
	"github.com/openrx/pharmslot/internal/compensation"
	"github.com/openrx/pharmslot/internal/matchreq"
	"github.com/openrx/pharmslot/internal/sweeper"
)

// Server represents the API server
type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	bidding     bidding.BiddingService
	requests    matchreq.MatchRequestService
	compensator compensation.Orchestrator
	sweeper     *sweeper.Sweeper
	validator   *validator.Validate
}

// NewServer creates a new API server with injected service interfaces
func NewServer(
	logger *zap.Logger,
	biddingSvc bidding.BiddingService,
	requestSvc matchreq.MatchRequestService,
	compensator compensation.Orchestrator,
	sweep *sweeper.Sweeper,
) *Server {
	server := &Server{
		logger:      logger,
		bidding:     biddingSvc,
		requests:    requestSvc,
		compensator: compensator,
		sweeper:     sweep,
		validator:   validator.New(),
	}

	router := gin.New()

	// Add middleware
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	// Configure CORS
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	server.router = router
	server.registerRoutes()
	return server
}

// Router returns the underlying gin engine, for tests and embedding.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start starts the API server
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting API server", zap.String("addr", addr))
	return s.router.Run(addr)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/slots/:id/bids", s.placeBid)
		v1.GET("/slots/:id", s.getSlotStatus)

		v1.POST("/match-requests", s.placeMatchRequest)
		v1.GET("/match-requests/:id", s.getRequestStatus)
		v1.POST("/match-requests/:id/confirm-payment", s.confirmPayment)
		v1.POST("/match-requests/:id/respond", s.respond)
		v1.POST("/match-requests/:id/cancel", s.cancelRequest)
		v1.POST("/match-requests/:id/contact-made", s.markContactMade)
		v1.POST("/match-requests/:id/complete", s.completeRequest)

		admin := v1.Group("/admin")
		{
			admin.POST("/sweep", s.forceSweep)
			admin.GET("/refund-failures", s.listRefundFailures)
			admin.POST("/match-requests/:id/refund", s.retryRefund)
		}
	}
}
