package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nestaid/nestaid-server/internal/delivery"
	"github.com/nestaid/nestaid-server/internal/models"
	"github.com/nestaid/nestaid-server/internal/services"
	appErrors "github.com/nestaid/nestaid-server/pkg/errors"
	"github.com/nestaid/nestaid-server/pkg/response"
)

// PublicHandler serves the unauthenticated invite surface: token links hit by
// recipients and delivery callbacks posted by the SMS/email providers.
type PublicHandler struct {
	invitations *services.InvitationService
}

func NewPublicHandler(invitations *services.InvitationService) *PublicHandler {
	return &PublicHandler{invitations: invitations}
}

type invitePreviewDTO struct {
	RecipientName string `json:"recipient_name,omitempty"`
	Message       string `json:"message"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	ReferralCode  string `json:"referral_code,omitempty"`
}

// GET /invite/:token
func (h *PublicHandler) TrackClick(c *gin.Context) {
	invitation, err := h.invitations.TrackClick(requestContext(c), c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"invitation": invitePreviewDTO{
		RecipientName: invitation.RecipientName,
		Message:       invitation.Message,
		Type:          invitation.Type,
		Status:        invitation.Status,
		ReferralCode:  invitation.ReferralCode,
	}})
}

type acceptInviteRequest struct {
	UserID string `json:"user_id" validate:"required,max=64"`
}

// POST /invite/:token/accept
func (h *PublicHandler) Accept(c *gin.Context) {
	var req acceptInviteRequest
	if !bindAndValidate(c, &req) {
		return
	}

	invitation, err := h.invitations.Accept(requestContext(c), c.Param("token"), req.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"accepted":      true,
		"invitation_id": invitation.ID,
		"referral_code": invitation.ReferralCode,
	})
}

// deliveryWebhookRequest is the provider callback payload. Providers echo the
// invitation id we pass as the client reference on send.
type deliveryWebhookRequest struct {
	Reference string `json:"reference" validate:"required,max=64"`
	Status    string `json:"status" validate:"required,oneof=delivered failed"`
	MessageID string `json:"message_id" validate:"omitempty,max=128"`
}

// POST /webhooks/sms
func (h *PublicHandler) SMSWebhook(c *gin.Context) {
	h.deliveryWebhook(c, delivery.ChannelSMS)
}

// POST /webhooks/email
func (h *PublicHandler) EmailWebhook(c *gin.Context) {
	h.deliveryWebhook(c, delivery.ChannelEmail)
}

func (h *PublicHandler) deliveryWebhook(c *gin.Context, channel delivery.Channel) {
	var req deliveryWebhookRequest
	if !bindAndValidate(c, &req) {
		return
	}

	status := models.InvitationStatusDelivered
	if strings.EqualFold(req.Status, models.InvitationStatusFailed) {
		status = models.InvitationStatusFailed
	}

	invitation, err := h.invitations.HandleDeliveryEvent(requestContext(c), req.Reference, channel, status, req.MessageID)
	if err != nil {
		// Providers retry on errors; acknowledge unknown references so a
		// deleted invitation does not cause an endless redelivery loop.
		if appErr := appErrors.FromError(err); appErr.Code == appErrors.ErrNotFound.Code {
			response.Success(c, http.StatusOK, gin.H{"acknowledged": false})
			return
		}
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"acknowledged": true,
		"status":       invitation.Status,
	})
}
