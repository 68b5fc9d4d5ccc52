package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nestaid/nestaid-server/internal/services"
	appErrors "github.com/nestaid/nestaid-server/pkg/errors"
	"github.com/nestaid/nestaid-server/pkg/response"
)

type AnalyticsHandler struct {
	analytics *services.AnalyticsService
}

func NewAnalyticsHandler(analytics *services.AnalyticsService) *AnalyticsHandler {
	return &AnalyticsHandler{analytics: analytics}
}

// GET /api/invitations/stats
func (h *AnalyticsHandler) InvitationStats(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	filter := services.AnalyticsFilter{
		Type: strings.TrimSpace(c.Query("type")),
	}

	var parseErr error
	if filter.From, parseErr = parseTimeQuery(c, "from"); parseErr != nil {
		response.Error(c, appErrors.NewBadRequest("from must be an RFC 3339 timestamp"))
		return
	}
	if filter.To, parseErr = parseTimeQuery(c, "to"); parseErr != nil {
		response.Error(c, appErrors.NewBadRequest("to must be an RFC 3339 timestamp"))
		return
	}

	stats, err := h.analytics.Stats(requestContext(c), userID, filter)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"stats": stats})
}

func parseTimeQuery(c *gin.Context, key string) (time.Time, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, value)
}
