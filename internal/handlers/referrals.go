package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nestaid/nestaid-server/internal/services"
	"github.com/nestaid/nestaid-server/pkg/response"
)

type ReferralHandler struct {
	referrals *services.ReferralService
}

func NewReferralHandler(referrals *services.ReferralService) *ReferralHandler {
	return &ReferralHandler{referrals: referrals}
}

// GET /api/referrals/code
func (h *ReferralHandler) GetCode(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	code, err := h.referrals.GetOrCreate(requestContext(c), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"code":             code.Code,
		"click_count":      code.ClickCount,
		"acceptance_count": code.AcceptanceCount,
	})
}

// GET /referral/:code resolves a code to its validity; the invite landing
// page uses it when a link was forwarded without a token.
func (h *ReferralHandler) Resolve(c *gin.Context) {
	code, err := h.referrals.Resolve(requestContext(c), c.Param("code"))
	if err != nil {
		response.Error(c, err)
		return
	}

	if err := h.referrals.RecordClick(requestContext(c), code.Code); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"valid": true, "code": code.Code})
}
