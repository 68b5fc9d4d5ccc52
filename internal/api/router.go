package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	iauth "github.com/nestaid/nestaid-server/internal/auth"
	"github.com/nestaid/nestaid-server/internal/handlers"
	"github.com/nestaid/nestaid-server/internal/middleware"
	"github.com/nestaid/nestaid-server/internal/services"
)

// Services bundles the wired service layer handed to the router. The caller
// owns construction because delivery providers and clocks are configured
// during bootstrap.
type Services struct {
	Contacts    *services.ContactService
	Sync        *services.SyncService
	Invitations *services.InvitationService
	Referrals   *services.ReferralService
	Analytics   *services.AnalyticsService
}

func (s *Services) validate() error {
	if s == nil {
		return fmt.Errorf("services must be provided")
	}
	if s.Contacts == nil {
		return fmt.Errorf("contact service must be provided")
	}
	if s.Sync == nil {
		return fmt.Errorf("sync service must be provided")
	}
	if s.Invitations == nil {
		return fmt.Errorf("invitation service must be provided")
	}
	if s.Referrals == nil {
		return fmt.Errorf("referral service must be provided")
	}
	if s.Analytics == nil {
		return fmt.Errorf("analytics service must be provided")
	}
	return nil
}

// NewRouter builds the Gin engine, wires middleware and registers all routes.
func NewRouter(jwt *iauth.JWTService, svcs *Services) (*gin.Engine, error) {
	if jwt == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if err := svcs.validate(); err != nil {
		return nil, err
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS())
	// Basic rate limiting: 100 requests/minute per IP+path
	r.Use(middleware.RateLimit(100, time.Minute))

	// Health endpoint (public)
	r.GET("/health", handlers.Health())

	registerPublicRoutes(r, svcs)

	api := r.Group("/api")
	api.Use(middleware.Auth(jwt))

	registerContactRoutes(api, svcs)
	registerInvitationRoutes(api, svcs)
	registerReferralRoutes(api, svcs)

	// Metrics endpoint
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
