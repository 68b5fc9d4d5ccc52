package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/nestaid/nestaid-server/internal/models"
)

// AnalyticsService computes invitation funnel statistics from persisted
// invitation state. Strictly read-only; it never mutates an invitation.
type AnalyticsService struct {
	db *gorm.DB
}

// NewAnalyticsService constructs an AnalyticsService backed by the provided database.
func NewAnalyticsService(db *gorm.DB) (*AnalyticsService, error) {
	if db == nil {
		return nil, stderrors.New("analytics service: db is required")
	}
	return &AnalyticsService{db: db}, nil
}

// AnalyticsFilter narrows the aggregation window. Zero times mean unbounded;
// an empty type means all types.
type AnalyticsFilter struct {
	From time.Time
	To   time.Time
	Type string
}

// StatGroup is one (type, delivery method, status) bucket.
type StatGroup struct {
	Type           string `json:"type"`
	DeliveryMethod string `json:"delivery_method"`
	Status         string `json:"status"`
	Count          int64  `json:"count"`
}

// InvitationStats is the aggregate funnel view for one user.
type InvitationStats struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
	Groups   []StatGroup      `json:"groups"`

	SentCount     int64 `json:"sent_count"`
	AcceptedCount int64 `json:"accepted_count"`
	ExpiredCount  int64 `json:"expired_count"`

	// AcceptanceRate is accepted/sent; zero when nothing was sent.
	AcceptanceRate float64 `json:"acceptance_rate"`

	// AvgTimeToAccept averages accepted_at - sent_at across accepted
	// invitations; zero when none were accepted.
	AvgTimeToAccept time.Duration `json:"avg_time_to_accept_ns"`
}

// Stats aggregates the user's invitations by (type, delivery method, status)
// and derives funnel rates. SentCount counts invitations that were ever
// dispatched, so accepted and clicked rows still count toward it.
func (s *AnalyticsService) Stats(ctx context.Context, userID string, filter AnalyticsFilter) (*InvitationStats, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, stderrors.New("analytics service: user id is required")
	}

	base := s.db.WithContext(ctx).Model(&models.Invitation{}).Where("user_id = ?", userID)
	if !filter.From.IsZero() {
		base = base.Where("created_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		base = base.Where("created_at <= ?", filter.To)
	}
	if filter.Type != "" {
		base = base.Where("type = ?", filter.Type)
	}

	var groups []StatGroup
	err := base.Session(&gorm.Session{}).
		Select("type, delivery_method, status, COUNT(*) AS count").
		Group("type, delivery_method, status").
		Order("type, delivery_method, status").
		Scan(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("analytics service: aggregate invitations: %w", err)
	}

	stats := &InvitationStats{
		ByStatus: make(map[string]int64),
		Groups:   groups,
	}
	for _, group := range groups {
		stats.Total += group.Count
		stats.ByStatus[group.Status] += group.Count
	}
	stats.AcceptedCount = stats.ByStatus[models.InvitationStatusAccepted]
	stats.ExpiredCount = stats.ByStatus[models.InvitationStatusExpired]

	if err := base.Session(&gorm.Session{}).
		Where("sent_at IS NOT NULL").
		Count(&stats.SentCount).Error; err != nil {
		return nil, fmt.Errorf("analytics service: count sent invitations: %w", err)
	}

	if stats.SentCount > 0 {
		stats.AcceptanceRate = float64(stats.AcceptedCount) / float64(stats.SentCount)
	}

	avg, err := s.averageTimeToAccept(ctx, base)
	if err != nil {
		return nil, err
	}
	stats.AvgTimeToAccept = avg

	return stats, nil
}

// averageTimeToAccept computes the mean accepted_at - sent_at in Go rather
// than SQL; date arithmetic differs per database vendor.
func (s *AnalyticsService) averageTimeToAccept(ctx context.Context, base *gorm.DB) (time.Duration, error) {
	var rows []models.Invitation
	err := base.Session(&gorm.Session{}).
		Select("sent_at, accepted_at").
		Where("status = ? AND sent_at IS NOT NULL AND accepted_at IS NOT NULL", models.InvitationStatusAccepted).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("analytics service: load accepted invitations: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var total time.Duration
	for i := range rows {
		total += rows[i].AcceptedAt.Sub(*rows[i].SentAt)
	}
	return total / time.Duration(len(rows)), nil
}
