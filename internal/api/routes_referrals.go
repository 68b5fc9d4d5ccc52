package api

import (
	"github.com/gin-gonic/gin"

	"github.com/nestaid/nestaid-server/internal/handlers"
)

func registerReferralRoutes(api *gin.RouterGroup, svcs *Services) {
	referralHandler := handlers.NewReferralHandler(svcs.Referrals)

	api.GET("/referrals/code", referralHandler.GetCode)
}
