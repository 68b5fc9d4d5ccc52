package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/nestaid/nestaid-server/internal/models"
	"github.com/nestaid/nestaid-server/pkg/crypto"
	"github.com/nestaid/nestaid-server/pkg/errors"
)

const (
	defaultReferralCodeLength = 8
	referralCodeMaxAttempts   = 5
)

// ReferralOption customises ReferralService behaviour.
type ReferralOption func(*ReferralService)

// WithReferralCodeLength overrides the issued code length.
func WithReferralCodeLength(length int) ReferralOption {
	return func(s *ReferralService) {
		if length > 0 {
			s.codeLength = length
		}
	}
}

// ReferralService issues one stable referral code per user and attributes
// invite-link clicks and acceptances back to the inviter.
type ReferralService struct {
	db         *gorm.DB
	codeLength int
}

// NewReferralService constructs a ReferralService backed by the provided database.
func NewReferralService(db *gorm.DB, opts ...ReferralOption) (*ReferralService, error) {
	if db == nil {
		return nil, stderrors.New("referral service: db is required")
	}

	service := &ReferralService{
		db:         db,
		codeLength: defaultReferralCodeLength,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// GetOrCreate returns the user's referral code, issuing one on first request.
// Repeated calls for the same user always return the same code. Collisions
// with already-issued codes are retried with a fresh code.
func (s *ReferralService) GetOrCreate(ctx context.Context, userID string) (*models.ReferralCode, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, stderrors.New("referral service: user id is required")
	}

	var existing models.ReferralCode
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("referral service: lookup code: %w", err)
	}

	for attempt := 0; attempt < referralCodeMaxAttempts; attempt++ {
		code, err := crypto.GenerateCode(s.codeLength)
		if err != nil {
			return nil, fmt.Errorf("referral service: generate code: %w", err)
		}

		record := &models.ReferralCode{UserID: userID, Code: code}
		if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
			if isUniqueConstraintError(err) {
				// Either the code collided or a concurrent call won the
				// per-user slot; re-read before retrying.
				if lookupErr := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&existing).Error; lookupErr == nil {
					return &existing, nil
				}
				continue
			}
			return nil, fmt.Errorf("referral service: create code: %w", err)
		}

		return record, nil
	}

	return nil, fmt.Errorf("referral service: could not issue a unique code after %d attempts", referralCodeMaxAttempts)
}

// Resolve looks a code up, returning ErrNotFound for unknown codes.
func (s *ReferralService) Resolve(ctx context.Context, code string) (*models.ReferralCode, error) {
	ctx = ensureContext(ctx)
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, errors.ErrNotFound
	}

	var record models.ReferralCode
	err := s.db.WithContext(ctx).Where("code = ?", code).First(&record).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrNotFound
		}
		return nil, fmt.Errorf("referral service: resolve code: %w", err)
	}

	return &record, nil
}

// RecordClick attributes one invite-link visit to the code's owner. Unknown
// codes are ignored; a forwarded or mistyped link must not fail the visit.
func (s *ReferralService) RecordClick(ctx context.Context, code string) error {
	return s.increment(ctx, code, "click_count")
}

// RecordAcceptance attributes one completed registration to the code's owner.
func (s *ReferralService) RecordAcceptance(ctx context.Context, code string) error {
	return s.increment(ctx, code, "acceptance_count")
}

func (s *ReferralService) increment(ctx context.Context, code, column string) error {
	ctx = ensureContext(ctx)
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil
	}

	err := s.db.WithContext(ctx).Model(&models.ReferralCode{}).
		Where("code = ?", code).
		UpdateColumn(column, gorm.Expr(column+" + 1")).Error
	if err != nil {
		return fmt.Errorf("referral service: increment %s: %w", column, err)
	}
	return nil
}
