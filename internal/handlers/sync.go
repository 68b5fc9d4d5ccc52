package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nestaid/nestaid-server/internal/services"
	"github.com/nestaid/nestaid-server/pkg/response"
)

type SyncHandler struct {
	sync *services.SyncService
}

func NewSyncHandler(sync *services.SyncService) *SyncHandler {
	return &SyncHandler{sync: sync}
}

type deviceContactPayload struct {
	contactPayload

	ModifiedAt *time.Time `json:"modified_at"`
}

type syncRequest struct {
	DeviceID         string                 `json:"device_id" validate:"omitempty,max=128"`
	SyncType         string                 `json:"sync_type" validate:"omitempty,oneof=full incremental manual import"`
	LastSyncAt       *time.Time             `json:"last_sync_at"`
	ConfirmDeletions bool                   `json:"confirm_deletions"`
	Contacts         []deviceContactPayload `json:"contacts"`
}

// POST /api/contacts/sync
func (h *SyncHandler) Sync(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req syncRequest
	if !bindAndValidate(c, &req) {
		return
	}

	deviceContacts := make([]services.DeviceContact, 0, len(req.Contacts))
	for _, payload := range req.Contacts {
		device := services.DeviceContact{RawContact: toRawContact(payload.contactPayload)}
		if payload.ModifiedAt != nil {
			device.ModifiedAt = *payload.ModifiedAt
		}
		deviceContacts = append(deviceContacts, device)
	}

	input := services.SyncInput{
		DeviceID:         req.DeviceID,
		SyncType:         req.SyncType,
		ConfirmDeletions: req.ConfirmDeletions,
		Contacts:         deviceContacts,
	}
	if req.LastSyncAt != nil {
		input.LastSyncAt = *req.LastSyncAt
	}

	outcome, err := h.sync.Sync(requestContext(c), userID, input)
	if err != nil {
		response.Error(c, err)
		return
	}

	payload := batchResultPayload(outcome.Session.ID, outcome.Result)
	payload["session"] = outcome.Session
	if len(outcome.DeletionCandidates) > 0 {
		payload["deletion_candidates"] = outcome.DeletionCandidates
	}

	response.Success(c, http.StatusOK, payload)
}

// GET /api/contacts/sync/sessions
func (h *SyncHandler) ListSessions(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	sessions, err := h.sync.ListSessions(requestContext(c), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"sessions": sessions})
}

// GET /api/contacts/sync/sessions/:id
func (h *SyncHandler) GetSession(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	session, err := h.sync.GetSession(requestContext(c), userID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": session})
}
