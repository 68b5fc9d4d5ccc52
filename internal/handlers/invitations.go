package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nestaid/nestaid-server/internal/models"
	"github.com/nestaid/nestaid-server/internal/services"
	"github.com/nestaid/nestaid-server/pkg/response"
)

type InvitationHandler struct {
	invitations *services.InvitationService
}

func NewInvitationHandler(invitations *services.InvitationService) *InvitationHandler {
	return &InvitationHandler{invitations: invitations}
}

type createInvitationRequest struct {
	ContactID      string `json:"contact_id" validate:"omitempty,uuid4"`
	RecipientName  string `json:"recipient_name" validate:"omitempty,max=128"`
	RecipientPhone string `json:"recipient_phone" validate:"omitempty,max=32"`
	RecipientEmail string `json:"recipient_email" validate:"omitempty,max=254"`
	Message        string `json:"message" validate:"omitempty,max=1024"`
	Type           string `json:"type" validate:"omitempty,oneof=friend contractor"`
	DeliveryMethod string `json:"delivery_method" validate:"omitempty,oneof=sms email both"`
}

type bulkInviteRecipient struct {
	ContactID string `json:"contact_id" validate:"omitempty,uuid4"`
	Name      string `json:"name" validate:"omitempty,max=128"`
	Phone     string `json:"phone" validate:"omitempty,max=32"`
	Email     string `json:"email" validate:"omitempty,max=254"`
}

type bulkInviteRequest struct {
	Name            string                `json:"name" validate:"omitempty,max=128"`
	Type            string                `json:"type" validate:"omitempty,oneof=friend contractor"`
	DeliveryMethod  string                `json:"delivery_method" validate:"omitempty,oneof=sms email both"`
	MessageTemplate string                `json:"message_template" validate:"omitempty,max=1024"`
	Recipients      []bulkInviteRecipient `json:"recipients" validate:"required,min=1"`
}

type invitationDTO struct {
	ID             string  `json:"id"`
	ContactID      *string `json:"contact_id,omitempty"`
	RecipientName  string  `json:"recipient_name,omitempty"`
	RecipientPhone string  `json:"recipient_phone,omitempty"`
	RecipientEmail string  `json:"recipient_email,omitempty"`
	Message        string  `json:"message"`
	Type           string  `json:"type"`
	DeliveryMethod string  `json:"delivery_method"`
	ReferralCode   string  `json:"referral_code,omitempty"`
	Status         string  `json:"status"`

	ExpiresAt    time.Time  `json:"expires_at"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	ClickedAt    *time.Time `json:"clicked_at,omitempty"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	ResentCount  int        `json:"resent_count"`
	LastResentAt *time.Time `json:"last_resent_at,omitempty"`

	DeliveryResults models.DeliveryResults `json:"delivery_results"`
	Errors          []string               `json:"errors,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

func toInvitationDTO(invitation *models.Invitation) invitationDTO {
	return invitationDTO{
		ID:              invitation.ID,
		ContactID:       invitation.ContactID,
		RecipientName:   invitation.RecipientName,
		RecipientPhone:  invitation.RecipientPhone,
		RecipientEmail:  invitation.RecipientEmail,
		Message:         invitation.Message,
		Type:            invitation.Type,
		DeliveryMethod:  invitation.DeliveryMethod,
		ReferralCode:    invitation.ReferralCode,
		Status:          invitation.Status,
		ExpiresAt:       invitation.ExpiresAt,
		SentAt:          invitation.SentAt,
		DeliveredAt:     invitation.DeliveredAt,
		ClickedAt:       invitation.ClickedAt,
		AcceptedAt:      invitation.AcceptedAt,
		CancelledAt:     invitation.CancelledAt,
		ResentCount:     invitation.ResentCount,
		LastResentAt:    invitation.LastResentAt,
		DeliveryResults: invitation.DeliveryResults.Data(),
		Errors:          invitation.Errors,
		CreatedAt:       invitation.CreatedAt,
	}
}

// POST /api/invitations
func (h *InvitationHandler) Create(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req createInvitationRequest
	if !bindAndValidate(c, &req) {
		return
	}

	invitation, err := h.invitations.Create(requestContext(c), userID, services.CreateInvitationInput{
		ContactID:      req.ContactID,
		RecipientName:  req.RecipientName,
		RecipientPhone: req.RecipientPhone,
		RecipientEmail: req.RecipientEmail,
		Message:        req.Message,
		Type:           req.Type,
		DeliveryMethod: req.DeliveryMethod,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"invitation": toInvitationDTO(invitation)})
}

// GET /api/invitations
func (h *InvitationHandler) List(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	filter := services.InvitationListFilter{
		Status: strings.TrimSpace(c.Query("status")),
		Type:   strings.TrimSpace(c.Query("type")),
		Limit:  parseIntQuery(c, "limit", 50),
		Offset: parseIntQuery(c, "offset", 0),
	}

	rows, total, err := h.invitations.List(requestContext(c), userID, filter)
	if err != nil {
		response.Error(c, err)
		return
	}

	items := make([]invitationDTO, 0, len(rows))
	for i := range rows {
		items = append(items, toInvitationDTO(&rows[i]))
	}

	response.SuccessWithMeta(c, http.StatusOK, gin.H{"invitations": items}, &response.Meta{
		Total: int(total),
	})
}

// GET /api/invitations/:id
func (h *InvitationHandler) Get(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	invitation, err := h.invitations.Get(requestContext(c), userID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"invitation": toInvitationDTO(invitation)})
}

// GET /api/invitations/:id/logs
func (h *InvitationHandler) Logs(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	logs, err := h.invitations.Logs(requestContext(c), userID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"logs": logs})
}

// POST /api/invitations/:id/cancel
func (h *InvitationHandler) Cancel(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	invitation, err := h.invitations.Cancel(requestContext(c), userID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"invitation": toInvitationDTO(invitation)})
}

type resendRequest struct {
	DeliveryMethod string `json:"delivery_method" validate:"omitempty,oneof=sms email both"`
	Message        string `json:"message" validate:"omitempty,max=1024"`
}

// POST /api/invitations/:id/resend
func (h *InvitationHandler) Resend(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	// The body is optional; without one the stored method and message
	// are reused unchanged.
	var req resendRequest
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		if !bindAndValidate(c, &req) {
			return
		}
	}

	invitation, err := h.invitations.Resend(requestContext(c), userID, c.Param("id"), services.ResendInput{
		DeliveryMethod: req.DeliveryMethod,
		Message:        req.Message,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"invitation": toInvitationDTO(invitation)})
}

// POST /api/invitations/bulk
func (h *InvitationHandler) Bulk(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req bulkInviteRequest
	if !bindAndValidate(c, &req) {
		return
	}

	recipients := make([]services.BulkRecipient, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		recipients = append(recipients, services.BulkRecipient{
			ContactID: r.ContactID,
			Name:      r.Name,
			Phone:     r.Phone,
			Email:     r.Email,
		})
	}

	batch, result, err := h.invitations.BulkInvite(requestContext(c), userID, services.BulkInviteInput{
		Name:            req.Name,
		Type:            req.Type,
		DeliveryMethod:  req.DeliveryMethod,
		MessageTemplate: req.MessageTemplate,
		Recipients:      recipients,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, batchResultPayload(batch.ID, result))
}

// GET /api/invitations/batches
func (h *InvitationHandler) ListBatches(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	batches, err := h.invitations.ListBatches(requestContext(c), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"batches": batches})
}

// GET /api/invitations/batches/:id
func (h *InvitationHandler) GetBatch(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	batch, err := h.invitations.GetBatch(requestContext(c), userID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"batch": batch})
}
