package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/nestaid/nestaid-server/internal/database/testutil"
	"github.com/nestaid/nestaid-server/internal/models"
	"github.com/nestaid/nestaid-server/internal/services"
)

func newReferralHandlerEnv(t *testing.T) *ReferralHandler {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := services.NewReferralService(db)
	require.NoError(t, err)
	return NewReferralHandler(svc)
}

func TestReferralHandlerGetCodeIsStable(t *testing.T) {
	handler := newReferralHandlerEnv(t)

	c, rec := testContext(t, handlerUserID, http.MethodGet, "/api/referrals/code", nil)
	handler.GetCode(c)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeEnvelope(t, rec)["data"].(map[string]any)["code"].(string)
	require.NotEmpty(t, first)

	c, rec = testContext(t, handlerUserID, http.MethodGet, "/api/referrals/code", nil)
	handler.GetCode(c)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeEnvelope(t, rec)["data"].(map[string]any)["code"].(string)
	require.Equal(t, first, second)
}

func TestReferralHandlerResolveCountsClicks(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := services.NewReferralService(db)
	require.NoError(t, err)
	handler := NewReferralHandler(svc)

	code, err := svc.GetOrCreate(context.Background(), handlerUserID)
	require.NoError(t, err)

	c, rec := testContext(t, "", http.MethodGet, "/referral/"+code.Code, nil)
	c.Params = gin.Params{{Key: "code", Value: code.Code}}
	handler.Resolve(c)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var stored models.ReferralCode
	require.NoError(t, db.First(&stored, "code = ?", code.Code).Error)
	require.Equal(t, 1, stored.ClickCount)
}

func TestReferralHandlerResolveUnknownCode(t *testing.T) {
	handler := newReferralHandlerEnv(t)

	c, rec := testContext(t, "", http.MethodGet, "/referral/XXXXXXXX", nil)
	c.Params = gin.Params{{Key: "code", Value: "XXXXXXXX"}}
	handler.Resolve(c)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
