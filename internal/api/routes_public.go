package api

import (
	"github.com/gin-gonic/gin"

	"github.com/nestaid/nestaid-server/internal/handlers"
)

// registerPublicRoutes mounts the endpoints reachable without a session:
// invite link tracking and acceptance, referral code resolution, and the
// delivery provider webhooks.
func registerPublicRoutes(r *gin.Engine, svcs *Services) {
	publicHandler := handlers.NewPublicHandler(svcs.Invitations)
	referralHandler := handlers.NewReferralHandler(svcs.Referrals)

	r.GET("/invite/:token", publicHandler.TrackClick)
	r.POST("/invite/:token/accept", publicHandler.Accept)
	r.GET("/referral/:code", referralHandler.Resolve)

	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/sms", publicHandler.SMSWebhook)
		webhooks.POST("/email", publicHandler.EmailWebhook)
	}
}
