// internal/router/router.go
package router

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/lenspark/escrow-backend/internal/config"
	"github.com/lenspark/escrow-backend/internal/handlers"
	"github.com/lenspark/escrow-backend/internal/middleware"
	"github.com/lenspark/escrow-backend/internal/services"
)

// Initialize wires services and handlers and returns the gin engine along
// with the services the background jobs share.
func Initialize(db *gorm.DB, cfg *config.Config) (*gin.Engine, *services.EscrowService, *services.PayoutService) {
	gateway := services.NewStripeGateway(cfg)
	storageService, _ := services.NewStorageService(cfg)

	payoutService := services.NewPayoutService(db, cfg, gateway)
	escrowService := services.NewEscrowService(db, cfg, gateway, payoutService, storageService)
	decisionService := services.NewDecisionService(db, escrowService, payoutService)

	escrowHandler := handlers.NewEscrowHandler(escrowService, decisionService)

	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(cors.Default())
	r.Use(middleware.GeneralRateLimit())

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"version": "1.0.0",
		})
	})

	v1 := r.Group("/api/v1")
	{
		escrows := v1.Group("/escrows")
		{
			escrows.POST("", escrowHandler.CreateEscrow)
			escrows.GET("", escrowHandler.ListEscrows)
			escrows.GET("/:id", escrowHandler.GetEscrow)
			escrows.GET("/:id/history", escrowHandler.GetHistory)
			escrows.POST("/:id/deliveries", middleware.UploadRateLimit(), escrowHandler.UploadDelivery)
			escrows.POST("/:id/decision", escrowHandler.Decide)
			escrows.POST("/:id/refund", escrowHandler.Refund)
		}
	}

	return r, escrowService, payoutService
}
