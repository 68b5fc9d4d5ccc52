package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nestaid/nestaid-server/internal/handlers"
	"github.com/nestaid/nestaid-server/internal/middleware"
)

func registerInvitationRoutes(api *gin.RouterGroup, svcs *Services) {
	invitationHandler := handlers.NewInvitationHandler(svcs.Invitations)
	analyticsHandler := handlers.NewAnalyticsHandler(svcs.Analytics)

	bulkLimit := middleware.ScopedRateLimit("invitation_bulk", 10, time.Hour)
	resendLimit := middleware.ScopedRateLimit("invitation_resend", 20, 15*time.Minute)

	invitations := api.Group("/invitations")
	{
		invitations.GET("", invitationHandler.List)
		invitations.POST("", invitationHandler.Create)
		invitations.POST("/bulk", bulkLimit, invitationHandler.Bulk)
		invitations.GET("/stats", analyticsHandler.InvitationStats)
		invitations.GET("/batches", invitationHandler.ListBatches)
		invitations.GET("/batches/:id", invitationHandler.GetBatch)
		invitations.GET("/:id", invitationHandler.Get)
		invitations.GET("/:id/logs", invitationHandler.Logs)
		invitations.POST("/:id/cancel", invitationHandler.Cancel)
		invitations.POST("/:id/resend", resendLimit, invitationHandler.Resend)
	}
}
