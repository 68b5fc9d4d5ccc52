package handlers

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/nestaid/nestaid-server/internal/database/testutil"
	"github.com/nestaid/nestaid-server/internal/delivery"
	"github.com/nestaid/nestaid-server/internal/models"
	"github.com/nestaid/nestaid-server/internal/services"
)

type recordingDeliverer struct {
	mu       sync.Mutex
	requests []delivery.Request
	fail     bool
}

func (d *recordingDeliverer) Deliver(_ context.Context, req delivery.Request) (delivery.Result, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	fail := d.fail
	d.mu.Unlock()

	now := time.Now()
	result := delivery.Result{}
	status := models.InvitationStatusSent
	if fail {
		status = models.InvitationStatusFailed
	}
	if req.Method == models.DeliveryMethodSMS || req.Method == models.DeliveryMethodBoth {
		result.SMS = &models.ChannelResult{Status: status, Attempts: 1, AttemptedAt: now}
	}
	if req.Method == models.DeliveryMethodEmail || req.Method == models.DeliveryMethodBoth {
		result.Email = &models.ChannelResult{Status: status, Attempts: 1, AttemptedAt: now}
	}
	if fail {
		return result, delivery.Permanent("recipient opted out", nil)
	}
	return result, nil
}

type invitationHandlerEnv struct {
	handler   *InvitationHandler
	public    *PublicHandler
	deliverer *recordingDeliverer
	db        *gorm.DB
}

func newInvitationHandlerEnv(t *testing.T) *invitationHandlerEnv {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	referrals, err := services.NewReferralService(db)
	require.NoError(t, err)

	deliverer := &recordingDeliverer{}
	svc, err := services.NewInvitationService(db, deliverer, referrals, services.WithInvitationWorkers(1))
	require.NoError(t, err)

	return &invitationHandlerEnv{
		handler:   NewInvitationHandler(svc),
		public:    NewPublicHandler(svc),
		deliverer: deliverer,
		db:        db,
	}
}

func (e *invitationHandlerEnv) createInvitation(t *testing.T, body gin.H) invitationDTO {
	t.Helper()

	c, rec := testContext(t, handlerUserID, http.MethodPost, "/api/invitations", body)
	e.handler.Create(c)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var stored models.Invitation
	require.NoError(t, e.db.Order("created_at DESC").First(&stored, "user_id = ?", handlerUserID).Error)
	return toInvitationDTO(&stored)
}

func TestInvitationHandlerCreateSendsImmediately(t *testing.T) {
	env := newInvitationHandlerEnv(t)

	dto := env.createInvitation(t, gin.H{
		"recipient_name":  "Maria",
		"recipient_phone": "+15550301001",
		"delivery_method": "sms",
	})

	require.Equal(t, models.InvitationStatusSent, dto.Status)
	require.NotEmpty(t, dto.ReferralCode)
	require.Len(t, env.deliverer.requests, 1)
}

func TestInvitationHandlerCreateValidatesMethod(t *testing.T) {
	env := newInvitationHandlerEnv(t)

	c, rec := testContext(t, handlerUserID, http.MethodPost, "/api/invitations", gin.H{
		"recipient_phone": "+15550301002",
		"delivery_method": "carrier-pigeon",
	})
	env.handler.Create(c)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvitationHandlerListAndGet(t *testing.T) {
	env := newInvitationHandlerEnv(t)
	dto := env.createInvitation(t, gin.H{"recipient_phone": "+15550302001"})

	c, rec := testContext(t, handlerUserID, http.MethodGet, "/api/invitations?status=sent", nil)
	env.handler.List(c)
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeEnvelope(t, rec)
	meta := payload["meta"].(map[string]any)
	require.Equal(t, float64(1), meta["total"])

	c, rec = testContext(t, handlerUserID, http.MethodGet, "/api/invitations/"+dto.ID, nil)
	c.Params = gin.Params{{Key: "id", Value: dto.ID}}
	env.handler.Get(c)
	require.Equal(t, http.StatusOK, rec.Code)

	// A different owner cannot see the invitation.
	c, rec = testContext(t, "44444444-4444-4444-4444-444444444444", http.MethodGet, "/api/invitations/"+dto.ID, nil)
	c.Params = gin.Params{{Key: "id", Value: dto.ID}}
	env.handler.Get(c)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvitationHandlerCancelAndResend(t *testing.T) {
	env := newInvitationHandlerEnv(t)
	dto := env.createInvitation(t, gin.H{"recipient_phone": "+15550303001"})

	c, rec := testContext(t, handlerUserID, http.MethodPost, "/api/invitations/"+dto.ID+"/resend", nil)
	c.Params = gin.Params{{Key: "id", Value: dto.ID}}
	env.handler.Resend(c)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, env.deliverer.requests, 2)

	c, rec = testContext(t, handlerUserID, http.MethodPost, "/api/invitations/"+dto.ID+"/cancel", nil)
	c.Params = gin.Params{{Key: "id", Value: dto.ID}}
	env.handler.Cancel(c)
	require.Equal(t, http.StatusOK, rec.Code)

	// Cancelled invitations cannot be resent.
	c, rec = testContext(t, handlerUserID, http.MethodPost, "/api/invitations/"+dto.ID+"/resend", nil)
	c.Params = gin.Params{{Key: "id", Value: dto.ID}}
	env.handler.Resend(c)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestInvitationHandlerResendWithOverrides(t *testing.T) {
	env := newInvitationHandlerEnv(t)
	dto := env.createInvitation(t, gin.H{
		"recipient_phone": "+15550303101",
		"recipient_email": "pat@example.com",
	})

	c, rec := testContext(t, handlerUserID, http.MethodPost, "/api/invitations/"+dto.ID+"/resend", gin.H{
		"delivery_method": "email",
		"message":         "Second nudge, code {code}",
	})
	c.Params = gin.Params{{Key: "id", Value: dto.ID}}
	env.handler.Resend(c)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, env.deliverer.requests, 2)
	last := env.deliverer.requests[1]
	require.Equal(t, models.DeliveryMethodEmail, last.Method)
	require.Contains(t, last.Body, "Second nudge, code ")

	c, rec = testContext(t, handlerUserID, http.MethodPost, "/api/invitations/"+dto.ID+"/resend", gin.H{
		"delivery_method": "carrier-pigeon",
	})
	c.Params = gin.Params{{Key: "id", Value: dto.ID}}
	env.handler.Resend(c)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvitationHandlerBulk(t *testing.T) {
	env := newInvitationHandlerEnv(t)

	c, rec := testContext(t, handlerUserID, http.MethodPost, "/api/invitations/bulk", gin.H{
		"name":             "contractor drive",
		"type":             "contractor",
		"delivery_method":  "sms",
		"message_template": "Hi {name}, join with {code}",
		"recipients": []gin.H{
			{"name": "One", "phone": "+15550304001"},
			{"name": "Two", "phone": "+15550304002"},
			{"name": "Dup", "phone": "+15550304001"},
		},
	})
	env.handler.Bulk(c)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	payload := decodeEnvelope(t, rec)
	data := payload["data"].(map[string]any)
	require.Equal(t, float64(3), data["total"])
	require.Len(t, data["successful"].([]any), 2)
	require.Len(t, data["duplicates"].([]any), 1)

	c, rec = testContext(t, handlerUserID, http.MethodGet, "/api/invitations/batches", nil)
	env.handler.ListBatches(c)
	require.Equal(t, http.StatusOK, rec.Code)
	batches := decodeEnvelope(t, rec)["data"].(map[string]any)["batches"].([]any)
	require.Len(t, batches, 1)
}

func TestInvitationHandlerLogs(t *testing.T) {
	env := newInvitationHandlerEnv(t)
	dto := env.createInvitation(t, gin.H{"recipient_phone": "+15550305001"})

	c, rec := testContext(t, handlerUserID, http.MethodGet, "/api/invitations/"+dto.ID+"/logs", nil)
	c.Params = gin.Params{{Key: "id", Value: dto.ID}}
	env.handler.Logs(c)

	require.Equal(t, http.StatusOK, rec.Code)
	logs := decodeEnvelope(t, rec)["data"].(map[string]any)["logs"].([]any)
	require.Len(t, logs, 2) // created, sent
}

func TestPublicHandlerClickAndAccept(t *testing.T) {
	env := newInvitationHandlerEnv(t)
	env.createInvitation(t, gin.H{"recipient_phone": "+15550306001"})

	var stored models.Invitation
	require.NoError(t, env.db.First(&stored, "user_id = ?", handlerUserID).Error)

	c, rec := testContext(t, "", http.MethodGet, "/invite/"+stored.Token, nil)
	c.Params = gin.Params{{Key: "token", Value: stored.Token}}
	env.public.TrackClick(c)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	c, rec = testContext(t, "", http.MethodPost, "/invite/"+stored.Token+"/accept", gin.H{
		"user_id": "55555555-5555-5555-5555-555555555555",
	})
	c.Params = gin.Params{{Key: "token", Value: stored.Token}}
	env.public.Accept(c)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Second accept is rejected as already used.
	c, rec = testContext(t, "", http.MethodPost, "/invite/"+stored.Token+"/accept", gin.H{
		"user_id": "66666666-6666-6666-6666-666666666666",
	})
	c.Params = gin.Params{{Key: "token", Value: stored.Token}}
	env.public.Accept(c)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestPublicHandlerClickUnknownToken(t *testing.T) {
	env := newInvitationHandlerEnv(t)

	c, rec := testContext(t, "", http.MethodGet, "/invite/nope", nil)
	c.Params = gin.Params{{Key: "token", Value: "nope"}}
	env.public.TrackClick(c)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublicHandlerDeliveryWebhook(t *testing.T) {
	env := newInvitationHandlerEnv(t)
	dto := env.createInvitation(t, gin.H{"recipient_phone": "+15550307001"})

	c, rec := testContext(t, "", http.MethodPost, "/webhooks/sms", gin.H{
		"reference":  dto.ID,
		"status":     "delivered",
		"message_id": "prov-123",
	})
	env.public.SMSWebhook(c)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decodeEnvelope(t, rec)["data"].(map[string]any)
	require.Equal(t, true, data["acknowledged"])
	require.Equal(t, models.InvitationStatusDelivered, data["status"])
}

func TestPublicHandlerWebhookUnknownReference(t *testing.T) {
	env := newInvitationHandlerEnv(t)

	c, rec := testContext(t, "", http.MethodPost, "/webhooks/sms", gin.H{
		"reference": "11111111-1111-1111-1111-111111111199",
		"status":    "delivered",
	})
	env.public.SMSWebhook(c)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeEnvelope(t, rec)["data"].(map[string]any)
	require.Equal(t, false, data["acknowledged"])
}

func TestPublicHandlerWebhookRejectsUnknownStatus(t *testing.T) {
	env := newInvitationHandlerEnv(t)

	c, rec := testContext(t, "", http.MethodPost, "/webhooks/email", gin.H{
		"reference": "11111111-1111-1111-1111-111111111199",
		"status":    "bounced",
	})
	env.public.EmailWebhook(c)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
