package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	iauth "github.com/nestaid/nestaid-server/internal/auth"
	"github.com/nestaid/nestaid-server/internal/database/testutil"
	"github.com/nestaid/nestaid-server/internal/delivery"
	"github.com/nestaid/nestaid-server/internal/models"
	"github.com/nestaid/nestaid-server/internal/services"
)

type nullDeliverer struct {
	mu sync.Mutex
}

func (d *nullDeliverer) Deliver(_ context.Context, req delivery.Request) (delivery.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := delivery.Result{}
	now := time.Now()
	if req.Method == models.DeliveryMethodSMS || req.Method == models.DeliveryMethodBoth {
		result.SMS = &models.ChannelResult{Status: models.InvitationStatusSent, Attempts: 1, AttemptedAt: now}
	}
	if req.Method == models.DeliveryMethodEmail || req.Method == models.DeliveryMethodBoth {
		result.Email = &models.ChannelResult{Status: models.InvitationStatusSent, Attempts: 1, AttemptedAt: now}
	}
	return result, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *iauth.JWTService) {
	t.Helper()

	gin.SetMode(gin.TestMode)
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         "test-suite-super-secret-key-32-bytes!!",
		Issuer:         "test-suite",
		AccessTokenTTL: time.Hour,
	})
	require.NoError(t, err)

	contactSvc, err := services.NewContactService(db, services.WithContactWorkers(1))
	require.NoError(t, err)
	syncSvc, err := services.NewSyncService(db, services.WithSyncWorkers(1))
	require.NoError(t, err)
	referralSvc, err := services.NewReferralService(db)
	require.NoError(t, err)
	invitationSvc, err := services.NewInvitationService(db, &nullDeliverer{}, referralSvc, services.WithInvitationWorkers(1))
	require.NoError(t, err)
	analyticsSvc, err := services.NewAnalyticsService(db)
	require.NoError(t, err)

	router, err := NewRouter(jwtSvc, &Services{
		Contacts:    contactSvc,
		Sync:        syncSvc,
		Invitations: invitationSvc,
		Referrals:   referralSvc,
		Analytics:   analyticsSvc,
	})
	require.NoError(t, err)

	return router, jwtSvc
}

func TestNewRouterValidatesDependencies(t *testing.T) {
	_, err := NewRouter(nil, &Services{})
	require.Error(t, err)

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "secret"})
	require.NoError(t, err)

	_, err = NewRouter(jwtSvc, nil)
	require.Error(t, err)

	_, err = NewRouter(jwtSvc, &Services{})
	require.Error(t, err)
}

func TestRouterHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestRouterMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestRouterProtectsAPIRoutes(t *testing.T) {
	router, jwtSvc := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/contacts", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := jwtSvc.GenerateAccessToken(iauth.AccessTokenInput{UserID: "77777777-7777-7777-7777-777777777777"})
	require.NoError(t, err)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/contacts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestRouterPublicInviteRoutes(t *testing.T) {
	router, _ := newTestRouter(t)

	// Unknown tokens are handled by the invite surface, not the NoRoute fallback.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/invite/unknown-token", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Contains(t, w.Body.String(), "TOKEN_INVALID")
}

func TestRouterNoRouteFallback(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/definitely/not/here", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}
