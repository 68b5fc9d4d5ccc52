package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/nestaid/nestaid-server/internal/contacts"
	"github.com/nestaid/nestaid-server/internal/delivery"
	"github.com/nestaid/nestaid-server/internal/models"
	"github.com/nestaid/nestaid-server/pkg/crypto"
	"github.com/nestaid/nestaid-server/pkg/errors"
)

const (
	// DefaultInvitationExpiry is how long an invitation stays acceptable.
	DefaultInvitationExpiry = 7 * 24 * time.Hour
	// DefaultResendWindow bounds how long after creation a resend is allowed.
	DefaultResendWindow = 30 * 24 * time.Hour
	// DefaultBulkInviteLimit caps one bulk invitation batch.
	DefaultBulkInviteLimit = 500

	defaultInviteTokenBytes = 32
	defaultInviteBaseURL    = "https://nestaid.app"
)

// Deliverer sends one invitation over its selected channels.
type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) (delivery.Result, error)
}

// InvitationOption customises InvitationService behaviour.
type InvitationOption func(*InvitationService)

// WithInvitationExpiry overrides the invitation lifetime.
func WithInvitationExpiry(d time.Duration) InvitationOption {
	return func(s *InvitationService) {
		if d > 0 {
			s.expiry = d
		}
	}
}

// WithResendWindow overrides the resend eligibility window.
func WithResendWindow(d time.Duration) InvitationOption {
	return func(s *InvitationService) {
		if d > 0 {
			s.resendWindow = d
		}
	}
}

// WithBulkInviteLimit overrides the per-batch recipient cap.
func WithBulkInviteLimit(limit int) InvitationOption {
	return func(s *InvitationService) {
		if limit > 0 {
			s.bulkLimit = limit
		}
	}
}

// WithInvitationWorkers overrides bulk send worker concurrency.
func WithInvitationWorkers(workers int) InvitationOption {
	return func(s *InvitationService) {
		if workers > 0 {
			s.workers = workers
		}
	}
}

// WithInviteBaseURL configures the base URL used to build invite hyperlinks.
func WithInviteBaseURL(url string) InvitationOption {
	return func(s *InvitationService) {
		if url != "" {
			s.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithInviteTokenLength adjusts the random token length in bytes.
func WithInviteTokenLength(length int) InvitationOption {
	return func(s *InvitationService) {
		if length > 0 {
			s.tokenLength = length
		}
	}
}

// WithInvitationClock injects a custom clock primarily for testing.
func WithInvitationClock(clock func() time.Time) InvitationOption {
	return func(s *InvitationService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// InvitationService owns the invitation lifecycle from creation to terminal
// state, including delivery dispatch, webhook-driven confirmations, token
// redemption and bulk sends.
type InvitationService struct {
	db        *gorm.DB
	deliverer Deliverer
	referrals *ReferralService
	gate      *ownerGate

	expiry       time.Duration
	resendWindow time.Duration
	bulkLimit    int
	workers      int
	tokenLength  int
	baseURL      string
	now          func() time.Time
}

// NewInvitationService constructs an InvitationService with the provided dependencies.
func NewInvitationService(db *gorm.DB, deliverer Deliverer, referrals *ReferralService, opts ...InvitationOption) (*InvitationService, error) {
	if db == nil {
		return nil, stderrors.New("invitation service: db is required")
	}
	if deliverer == nil {
		return nil, stderrors.New("invitation service: deliverer is required")
	}
	if referrals == nil {
		return nil, stderrors.New("invitation service: referral service is required")
	}

	service := &InvitationService{
		db:           db,
		deliverer:    deliverer,
		referrals:    referrals,
		gate:         newOwnerGate(),
		expiry:       DefaultInvitationExpiry,
		resendWindow: DefaultResendWindow,
		bulkLimit:    DefaultBulkInviteLimit,
		workers:      DefaultBatchWorkers,
		tokenLength:  defaultInviteTokenBytes,
		baseURL:      defaultInviteBaseURL,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// CreateInvitationInput describes one invitation to create and send.
type CreateInvitationInput struct {
	ContactID      string
	RecipientName  string
	RecipientPhone string
	RecipientEmail string
	Message        string
	Type           string
	DeliveryMethod string
}

// Create stores a new invitation and immediately attempts delivery. The
// returned invitation reflects the post-send status: sent when a channel
// accepted the message, failed when every selected channel failed
// permanently. Delivery failure is state, not an error.
func (s *InvitationService) Create(ctx context.Context, userID string, input CreateInvitationInput) (*models.Invitation, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, stderrors.New("invitation service: user id is required")
	}

	invitation, err := s.buildInvitation(ctx, userID, input)
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Create(invitation).Error; err != nil {
		return nil, fmt.Errorf("invitation service: create invitation: %w", err)
	}
	s.appendLog(ctx, invitation.ID, models.InvitationActionCreated, map[string]any{
		"type":            invitation.Type,
		"delivery_method": invitation.DeliveryMethod,
	})

	if err := s.send(ctx, invitation, false); err != nil {
		return invitation, err
	}

	return invitation, nil
}

// buildInvitation validates input and assembles an unsent invitation row.
func (s *InvitationService) buildInvitation(ctx context.Context, userID string, input CreateInvitationInput) (*models.Invitation, error) {
	invitationType, err := normalizeInvitationType(input.Type)
	if err != nil {
		return nil, err
	}
	method, err := normalizeDeliveryMethod(input.DeliveryMethod)
	if err != nil {
		return nil, err
	}

	recipientName := strings.TrimSpace(input.RecipientName)
	recipientPhone := strings.TrimSpace(input.RecipientPhone)
	recipientEmail := strings.TrimSpace(input.RecipientEmail)

	var contactID *string
	if id := strings.TrimSpace(input.ContactID); id != "" {
		var contact models.Contact
		err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&contact).Error
		if err != nil {
			if stderrors.Is(err, gorm.ErrRecordNotFound) {
				return nil, errors.ErrNotFound.WithMessage("contact not found")
			}
			return nil, fmt.Errorf("invitation service: load contact: %w", err)
		}
		contactID = &contact.ID
		if recipientName == "" {
			recipientName = strings.TrimSpace(contact.FirstName + " " + contact.LastName)
		}
		if recipientPhone == "" {
			recipientPhone = contact.PhoneValue()
		}
		if recipientEmail == "" {
			recipientEmail = contact.EmailValue()
		}
	}

	if recipientPhone != "" {
		canonical, valid := contacts.NormalizePhone(recipientPhone)
		if !valid {
			return nil, errors.ErrValidation.WithMessage("recipient phone is invalid")
		}
		recipientPhone = canonical
	}
	if recipientEmail != "" {
		canonical, valid := contacts.NormalizeEmail(recipientEmail)
		if !valid {
			return nil, errors.ErrValidation.WithMessage("recipient email is invalid")
		}
		recipientEmail = canonical
	}

	if err := validateRecipientForMethod(method, recipientPhone, recipientEmail); err != nil {
		return nil, err
	}

	token, err := crypto.GenerateToken(s.tokenLength)
	if err != nil {
		return nil, fmt.Errorf("invitation service: generate token: %w", err)
	}

	referral, err := s.referrals.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	invitation := &models.Invitation{
		UserID:         userID,
		ContactID:      contactID,
		RecipientName:  recipientName,
		RecipientPhone: recipientPhone,
		RecipientEmail: recipientEmail,
		Type:           invitationType,
		DeliveryMethod: method,
		Token:          token,
		ReferralCode:   referral.Code,
		Status:         models.InvitationStatusPending,
		ExpiresAt:      now.Add(s.expiry),
	}
	invitation.Message = s.renderMessage(input.Message, invitation)

	return invitation, nil
}

// send dispatches the invitation and persists the resulting status change.
// A successful channel moves pending (or a resend-eligible failed/expired
// row) to sent; an all-permanent failure moves pending to failed.
func (s *InvitationService) send(ctx context.Context, invitation *models.Invitation, resend bool) error {
	result, deliverErr := s.deliverer.Deliver(ctx, delivery.Request{
		Method:         invitation.DeliveryMethod,
		RecipientPhone: invitation.RecipientPhone,
		RecipientEmail: invitation.RecipientEmail,
		Subject:        invitationSubject(invitation.Type),
		Body:           invitation.Message,
	})

	now := s.now()
	results := invitation.DeliveryResults.Data()
	if result.SMS != nil {
		results.SMS = result.SMS
	}
	if result.Email != nil {
		results.Email = result.Email
	}
	invitation.DeliveryResults = datatypes.NewJSONType(results)

	if resend {
		invitation.ResentCount++
		invitation.LastResentAt = &now
	}

	if result.Delivered() {
		// Never regress a delivered or clicked invitation on resend.
		switch invitation.Status {
		case models.InvitationStatusPending, models.InvitationStatusSent:
			invitation.Status = models.InvitationStatusSent
		}
		if invitation.SentAt == nil {
			invitation.SentAt = &now
		}
	} else {
		if deliverErr != nil {
			invitation.Errors = append(invitation.Errors, deliverErr.Error())
		}
		if invitation.Status == models.InvitationStatusPending {
			invitation.Status = models.InvitationStatusFailed
		}
	}

	if err := s.db.WithContext(ctx).Save(invitation).Error; err != nil {
		return fmt.Errorf("invitation service: persist send outcome: %w", err)
	}

	action := models.InvitationActionSent
	if resend {
		action = models.InvitationActionResent
	}
	if result.Delivered() {
		s.appendLog(ctx, invitation.ID, action, map[string]any{"status": invitation.Status})
	}

	return nil
}

// HandleDeliveryEvent applies a provider webhook for one channel. Providers
// echo back the invitation id we hand them as a client reference. Status is
// either "delivered" or "failed"; anything else is rejected.
func (s *InvitationService) HandleDeliveryEvent(ctx context.Context, invitationID string, channel delivery.Channel, status, providerMessageID string) (*models.Invitation, error) {
	ctx = ensureContext(ctx)

	var invitation models.Invitation
	err := s.db.WithContext(ctx).Where("id = ?", invitationID).First(&invitation).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrNotFound
		}
		return nil, fmt.Errorf("invitation service: load invitation: %w", err)
	}

	now := s.now()
	results := invitation.DeliveryResults.Data()
	channelResult := resultForChannel(&results, channel)
	channelResult.Status = status
	if providerMessageID != "" {
		channelResult.ProviderMessageID = providerMessageID
	}
	invitation.DeliveryResults = datatypes.NewJSONType(results)

	switch status {
	case models.InvitationStatusDelivered:
		if invitation.Status == models.InvitationStatusSent {
			invitation.Status = models.InvitationStatusDelivered
		}
		if invitation.DeliveredAt == nil {
			invitation.DeliveredAt = &now
			s.appendLog(ctx, invitation.ID, models.InvitationActionDelivered, map[string]any{"channel": string(channel)})
		}
	case models.InvitationStatusFailed:
		invitation.Errors = append(invitation.Errors,
			fmt.Sprintf("%s delivery failed (provider callback)", channel))
		if invitation.Status == models.InvitationStatusSent && !anyChannelDelivered(results) {
			invitation.Status = models.InvitationStatusFailed
		}
	default:
		return nil, errors.ErrValidation.WithMessage(fmt.Sprintf("unknown delivery status %q", status))
	}

	if err := s.db.WithContext(ctx).Save(&invitation).Error; err != nil {
		return nil, fmt.Errorf("invitation service: persist delivery event: %w", err)
	}

	return &invitation, nil
}

// TrackClick records a recipient visiting the invite link. Click tracking is
// independent of delivery confirmation; it attributes the referral code and
// never blocks later acceptance.
func (s *InvitationService) TrackClick(ctx context.Context, token string) (*models.Invitation, error) {
	ctx = ensureContext(ctx)

	invitation, err := s.findByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if expired, err := s.expireIfDue(ctx, invitation, now); err != nil {
		return nil, err
	} else if expired {
		return nil, errors.ErrTokenExpired
	}

	switch invitation.Status {
	case models.InvitationStatusSent, models.InvitationStatusDelivered:
		invitation.Status = models.InvitationStatusClicked
		invitation.ClickedAt = &now
		if err := s.db.WithContext(ctx).Save(invitation).Error; err != nil {
			return nil, fmt.Errorf("invitation service: persist click: %w", err)
		}
		s.appendLog(ctx, invitation.ID, models.InvitationActionClicked, nil)
		if err := s.referrals.RecordClick(ctx, invitation.ReferralCode); err != nil {
			return nil, err
		}
		return invitation, nil
	case models.InvitationStatusClicked, models.InvitationStatusAccepted,
		models.InvitationStatusPending, models.InvitationStatusFailed:
		// Repeat visits and out-of-order arrivals are fine; no state change.
		return invitation, nil
	case models.InvitationStatusExpired:
		return nil, errors.ErrTokenExpired
	default: // cancelled
		return nil, errors.ErrTokenInvalid
	}
}

// Accept redeems the token on registration. Tokens are single-use: the first
// acceptance wins and later attempts get TOKEN_ALREADY_USED without any state
// change.
func (s *InvitationService) Accept(ctx context.Context, token, acceptedUserID string) (*models.Invitation, error) {
	ctx = ensureContext(ctx)

	invitation, err := s.findByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if expired, err := s.expireIfDue(ctx, invitation, now); err != nil {
		return nil, err
	} else if expired {
		return nil, errors.ErrTokenExpired
	}

	switch invitation.Status {
	case models.InvitationStatusAccepted:
		return nil, errors.ErrTokenAlreadyUsed
	case models.InvitationStatusCancelled:
		return nil, errors.ErrTokenInvalid
	case models.InvitationStatusExpired:
		return nil, errors.ErrTokenExpired
	case models.InvitationStatusPending:
		// Never dispatched on any channel, so the token has not left
		// the system.
		return nil, errors.ErrTokenInvalid
	}

	// Conditional update so two concurrent acceptances cannot both win.
	update := s.db.WithContext(ctx).Model(&models.Invitation{}).
		Where("id = ? AND status NOT IN ?", invitation.ID, []string{
			models.InvitationStatusAccepted,
			models.InvitationStatusCancelled,
			models.InvitationStatusExpired,
			models.InvitationStatusPending,
		}).
		Updates(map[string]any{
			"status":      models.InvitationStatusAccepted,
			"accepted_at": now,
		})
	if update.Error != nil {
		return nil, fmt.Errorf("invitation service: accept invitation: %w", update.Error)
	}
	if update.RowsAffected == 0 {
		return nil, errors.ErrTokenAlreadyUsed
	}

	invitation.Status = models.InvitationStatusAccepted
	invitation.AcceptedAt = &now

	s.appendLog(ctx, invitation.ID, models.InvitationActionAccepted, map[string]any{
		"accepted_user_id": acceptedUserID,
	})
	if err := s.referrals.RecordAcceptance(ctx, invitation.ReferralCode); err != nil {
		return nil, err
	}

	return invitation, nil
}

// Cancel moves any non-terminal invitation to cancelled.
func (s *InvitationService) Cancel(ctx context.Context, userID, invitationID string) (*models.Invitation, error) {
	ctx = ensureContext(ctx)

	invitation, err := s.Get(ctx, userID, invitationID)
	if err != nil {
		return nil, err
	}
	if invitation.IsTerminal() {
		return nil, errors.ErrInvitationTerminal
	}

	now := s.now()
	invitation.Status = models.InvitationStatusCancelled
	invitation.CancelledAt = &now
	if err := s.db.WithContext(ctx).Save(invitation).Error; err != nil {
		return nil, fmt.Errorf("invitation service: cancel invitation: %w", err)
	}
	s.appendLog(ctx, invitation.ID, models.InvitationActionCancelled, nil)

	return invitation, nil
}

// ResendInput carries optional per-resend overrides. Empty fields leave the
// invitation's stored delivery method and message untouched.
type ResendInput struct {
	DeliveryMethod string
	Message        string
}

// Resend re-dispatches delivery on an existing invitation, optionally with a
// different delivery method or a replacement message. Accepted and cancelled
// invitations always reject it; failed and expired ones may be revived back
// to sent while inside the resend window.
func (s *InvitationService) Resend(ctx context.Context, userID, invitationID string, input ResendInput) (*models.Invitation, error) {
	ctx = ensureContext(ctx)

	invitation, err := s.Get(ctx, userID, invitationID)
	if err != nil {
		return nil, err
	}
	if !invitation.CanResend() {
		return nil, errors.ErrInvitationTerminal
	}

	now := s.now()
	if now.Sub(invitation.CreatedAt) > s.resendWindow {
		return nil, errors.ErrValidation.WithMessage("resend window has passed")
	}

	if strings.TrimSpace(input.DeliveryMethod) != "" {
		method, err := normalizeDeliveryMethod(input.DeliveryMethod)
		if err != nil {
			return nil, err
		}
		if err := validateRecipientForMethod(method, invitation.RecipientPhone, invitation.RecipientEmail); err != nil {
			return nil, err
		}
		invitation.DeliveryMethod = method
	}
	if strings.TrimSpace(input.Message) != "" {
		invitation.Message = s.renderMessage(input.Message, invitation)
	}

	// A revived invitation gets a fresh expiry so the recipient has time to act.
	if invitation.Status == models.InvitationStatusFailed || invitation.Status == models.InvitationStatusExpired {
		invitation.Status = models.InvitationStatusPending
		invitation.ExpiresAt = now.Add(s.expiry)
	}

	if err := s.send(ctx, invitation, true); err != nil {
		return invitation, err
	}

	return invitation, nil
}

// ExpireDue sweeps invitations whose expiry passed without acceptance. Only
// pending and sent rows expire; later lifecycle states keep their status.
func (s *InvitationService) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	ctx = ensureContext(ctx)

	var due []models.Invitation
	err := s.db.WithContext(ctx).
		Select("id").
		Where("status IN ? AND expires_at <= ?", []string{
			models.InvitationStatusPending,
			models.InvitationStatusSent,
		}, now).
		Find(&due).Error
	if err != nil {
		return 0, fmt.Errorf("invitation service: load due invitations: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	ids := make([]string, len(due))
	for i := range due {
		ids[i] = due[i].ID
	}

	result := s.db.WithContext(ctx).Model(&models.Invitation{}).
		Where("id IN ? AND status IN ?", ids, []string{
			models.InvitationStatusPending,
			models.InvitationStatusSent,
		}).
		Update("status", models.InvitationStatusExpired)
	if result.Error != nil {
		return 0, fmt.Errorf("invitation service: expire invitations: %w", result.Error)
	}

	for _, id := range ids {
		s.appendLog(ctx, id, models.InvitationActionExpired, nil)
	}

	return int(result.RowsAffected), nil
}

// BulkRecipient is one target of a bulk invitation run, either an existing
// contact or an inline recipient.
type BulkRecipient struct {
	ContactID string
	Name      string
	Phone     string
	Email     string
}

// BulkInviteInput describes one bulk invitation run.
type BulkInviteInput struct {
	Name            string
	Type            string
	DeliveryMethod  string
	MessageTemplate string
	Recipients      []BulkRecipient
}

// BulkInvite fans one request out into per-recipient create-and-send
// operations. Recipients appearing twice in the payload, or already holding a
// live invitation from this user, land in the duplicates partition.
func (s *InvitationService) BulkInvite(ctx context.Context, userID string, input BulkInviteInput) (*models.InvitationBatch, BatchResult, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, BatchResult{}, stderrors.New("invitation service: user id is required")
	}

	if len(input.Recipients) == 0 {
		return nil, BatchResult{}, errors.ErrValidation.WithMessage("batch contains no recipients")
	}
	if len(input.Recipients) > s.bulkLimit {
		return nil, BatchResult{}, errors.ErrBatchTooLarge.WithMessage(
			fmt.Sprintf("batch of %d recipients exceeds the limit of %d", len(input.Recipients), s.bulkLimit))
	}

	invitationType, err := normalizeInvitationType(input.Type)
	if err != nil {
		return nil, BatchResult{}, err
	}
	method, err := normalizeDeliveryMethod(input.DeliveryMethod)
	if err != nil {
		return nil, BatchResult{}, err
	}

	if !s.gate.acquire(userID) {
		return nil, BatchResult{}, errors.ErrBatchInFlight
	}
	defer s.gate.release(userID)

	batch := &models.InvitationBatch{
		UserID:           userID,
		Name:             strings.TrimSpace(input.Name),
		TotalInvitations: len(input.Recipients),
		DeliveryMethod:   method,
		InvitationType:   invitationType,
		MessageTemplate:  input.MessageTemplate,
		Status:           models.BatchStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(batch).Error; err != nil {
		return nil, BatchResult{}, fmt.Errorf("invitation service: create batch: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(batch).
		Update("status", models.BatchStatusProcessing).Error; err != nil {
		return batch, BatchResult{}, fmt.Errorf("invitation service: start batch: %w", err)
	}
	batch.Status = models.BatchStatusProcessing

	firstByIdentity := claimRecipientIdentities(input.Recipients)

	result := RunBatch(ctx, "invitation_bulk", len(input.Recipients), s.workers, func(ctx context.Context, index int) ItemResult {
		return s.inviteRecipient(ctx, userID, input.Recipients[index], index, firstByIdentity, CreateInvitationInput{
			Type:           invitationType,
			DeliveryMethod: method,
			Message:        input.MessageTemplate,
		})
	})

	if err := s.finishInvitationBatch(ctx, batch, result); err != nil {
		return batch, result, err
	}

	return batch, result, nil
}

// Get fetches one invitation owned by userID.
func (s *InvitationService) Get(ctx context.Context, userID, invitationID string) (*models.Invitation, error) {
	ctx = ensureContext(ctx)

	var invitation models.Invitation
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", invitationID, userID).
		First(&invitation).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrNotFound
		}
		return nil, fmt.Errorf("invitation service: get invitation: %w", err)
	}

	return &invitation, nil
}

// InvitationListFilter narrows List results.
type InvitationListFilter struct {
	Status string
	Type   string
	Limit  int
	Offset int
}

// List returns the owner's invitations newest-first, plus the unpaginated total.
func (s *InvitationService) List(ctx context.Context, userID string, filter InvitationListFilter) ([]models.Invitation, int64, error) {
	ctx = ensureContext(ctx)

	query := s.db.WithContext(ctx).Model(&models.Invitation{}).Where("user_id = ?", userID)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("invitation service: count invitations: %w", err)
	}

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit).Offset(filter.Offset)
	}

	var rows []models.Invitation
	if err := query.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("invitation service: list invitations: %w", err)
	}

	return rows, total, nil
}

// GetBatch fetches one invitation batch owned by userID.
func (s *InvitationService) GetBatch(ctx context.Context, userID, batchID string) (*models.InvitationBatch, error) {
	ctx = ensureContext(ctx)

	var batch models.InvitationBatch
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", batchID, userID).
		First(&batch).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrNotFound
		}
		return nil, fmt.Errorf("invitation service: get batch: %w", err)
	}

	return &batch, nil
}

// ListBatches returns the owner's invitation batches newest-first.
func (s *InvitationService) ListBatches(ctx context.Context, userID string) ([]models.InvitationBatch, error) {
	ctx = ensureContext(ctx)

	var batches []models.InvitationBatch
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("invitation service: list batches: %w", err)
	}

	return batches, nil
}

// Logs returns the append-only audit trail of one owned invitation,
// oldest-first.
func (s *InvitationService) Logs(ctx context.Context, userID, invitationID string) ([]models.InvitationLog, error) {
	ctx = ensureContext(ctx)

	if _, err := s.Get(ctx, userID, invitationID); err != nil {
		return nil, err
	}

	var logs []models.InvitationLog
	err := s.db.WithContext(ctx).
		Where("invitation_id = ?", invitationID).
		Order("created_at ASC").
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("invitation service: list logs: %w", err)
	}

	return logs, nil
}

func (s *InvitationService) inviteRecipient(ctx context.Context, userID string, recipient BulkRecipient, index int, firstByIdentity map[string]int, template CreateInvitationInput) ItemResult {
	input := template
	input.ContactID = recipient.ContactID
	input.RecipientName = recipient.Name
	input.RecipientPhone = recipient.Phone
	input.RecipientEmail = recipient.Email

	for _, key := range recipientIdentityKeys(recipient) {
		if first, ok := firstByIdentity[key]; ok && first != index {
			return ItemResult{Outcome: ItemDuplicate, Reason: "DUPLICATE_RECIPIENT"}
		}
	}

	if existingID, found, err := s.findLiveInvitation(ctx, userID, recipient); err != nil {
		return ItemResult{Outcome: ItemFailed, Reason: "STORAGE_ERROR"}
	} else if found {
		return ItemResult{Outcome: ItemDuplicate, ExistingID: existingID, Reason: "ALREADY_INVITED"}
	}

	invitation, err := s.Create(ctx, userID, input)
	if err != nil {
		appErr := errors.FromError(err)
		return ItemResult{Outcome: ItemFailed, Reason: appErr.Code + ": " + appErr.Message}
	}
	if invitation.Status == models.InvitationStatusFailed {
		return ItemResult{Outcome: ItemFailed, ID: invitation.ID, Reason: errors.ErrDeliveryFailed.Code}
	}

	return ItemResult{Outcome: ItemSuccessful, ID: invitation.ID}
}

// findLiveInvitation reports an existing non-terminal invitation from this
// user to the same recipient.
func (s *InvitationService) findLiveInvitation(ctx context.Context, userID string, recipient BulkRecipient) (string, bool, error) {
	phone := strings.TrimSpace(recipient.Phone)
	email := strings.TrimSpace(recipient.Email)
	if canonical, valid := contacts.NormalizePhone(phone); valid {
		phone = canonical
	}
	if canonical, valid := contacts.NormalizeEmail(email); valid {
		email = canonical
	}
	if phone == "" && email == "" {
		return "", false, nil
	}

	query := s.db.WithContext(ctx).Model(&models.Invitation{}).
		Where("user_id = ?", userID).
		Where("status NOT IN ?", []string{
			models.InvitationStatusCancelled,
			models.InvitationStatusExpired,
			models.InvitationStatusFailed,
		})
	switch {
	case phone != "" && email != "":
		query = query.Where("recipient_phone = ? OR recipient_email = ?", phone, email)
	case phone != "":
		query = query.Where("recipient_phone = ?", phone)
	default:
		query = query.Where("recipient_email = ?", email)
	}

	var existing models.Invitation
	err := query.First(&existing).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}

	return existing.ID, true, nil
}

func (s *InvitationService) finishInvitationBatch(ctx context.Context, batch *models.InvitationBatch, result BatchResult) error {
	now := s.now()
	updates := map[string]any{
		"status":                models.BatchStatusCompleted,
		"processed_invitations": result.Total(),
		"successful_sends":      len(result.Successful),
		"failed_sends":          len(result.Failed),
		"duplicate_recipients":  len(result.Duplicates),
		"completed_at":          now,
	}
	if err := s.db.WithContext(ctx).Model(batch).Updates(updates).Error; err != nil {
		return fmt.Errorf("invitation service: finish batch: %w", err)
	}

	batch.Status = models.BatchStatusCompleted
	batch.ProcessedInvitations = result.Total()
	batch.SuccessfulSends = len(result.Successful)
	batch.FailedSends = len(result.Failed)
	batch.DuplicateRecipients = len(result.Duplicates)
	batch.CompletedAt = &now
	return nil
}

func (s *InvitationService) findByToken(ctx context.Context, token string) (*models.Invitation, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.ErrTokenInvalid
	}

	var invitation models.Invitation
	err := s.db.WithContext(ctx).Where("token = ?", token).First(&invitation).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrTokenInvalid
		}
		return nil, fmt.Errorf("invitation service: find by token: %w", err)
	}

	return &invitation, nil
}

// expireIfDue applies the expiry rule inline when a token is touched after
// its deadline, so the sweep interval never extends a token's usable life.
func (s *InvitationService) expireIfDue(ctx context.Context, invitation *models.Invitation, now time.Time) (bool, error) {
	if invitation.Status != models.InvitationStatusPending && invitation.Status != models.InvitationStatusSent {
		return false, nil
	}
	if now.Before(invitation.ExpiresAt) {
		return false, nil
	}

	invitation.Status = models.InvitationStatusExpired
	if err := s.db.WithContext(ctx).Save(invitation).Error; err != nil {
		return false, fmt.Errorf("invitation service: expire invitation: %w", err)
	}
	s.appendLog(ctx, invitation.ID, models.InvitationActionExpired, nil)
	return true, nil
}

// appendLog writes one audit row. Audit failures are swallowed: the log is
// supplementary and must never fail the primary state change.
func (s *InvitationService) appendLog(ctx context.Context, invitationID, action string, metadata map[string]any) {
	entry := models.InvitationLog{
		InvitationID: invitationID,
		Action:       action,
	}
	if len(metadata) > 0 {
		entry.Metadata = datatypes.JSONMap(metadata)
	}
	_ = s.db.WithContext(ctx).Create(&entry).Error
}

func (s *InvitationService) renderMessage(template string, invitation *models.Invitation) string {
	if strings.TrimSpace(template) == "" {
		template = defaultTemplate(invitation.Type)
	}

	name := invitation.RecipientName
	if name == "" {
		name = "there"
	}
	link := s.baseURL + "/invite/" + invitation.Token

	message := strings.ReplaceAll(template, "{name}", name)
	message = strings.ReplaceAll(message, "{code}", invitation.ReferralCode)
	message = strings.ReplaceAll(message, "{link}", link)
	return message
}

func defaultTemplate(invitationType string) string {
	if invitationType == models.InvitationTypeContractor {
		return "Hi {name}, I use NestAid to manage my home projects and would like to work with you there. Join here: {link}"
	}
	return "Hi {name}, join me on NestAid and we both get rewards with code {code}: {link}"
}

func invitationSubject(invitationType string) string {
	if invitationType == models.InvitationTypeContractor {
		return "You're invited to work together on NestAid"
	}
	return "You're invited to join NestAid"
}

func normalizeInvitationType(invitationType string) (string, error) {
	invitationType = strings.ToLower(strings.TrimSpace(invitationType))
	switch invitationType {
	case "":
		return models.InvitationTypeFriend, nil
	case models.InvitationTypeFriend, models.InvitationTypeContractor:
		return invitationType, nil
	default:
		return "", errors.ErrValidation.WithMessage(fmt.Sprintf("unknown invitation type %q", invitationType))
	}
}

func normalizeDeliveryMethod(method string) (string, error) {
	method = strings.ToLower(strings.TrimSpace(method))
	switch method {
	case "":
		return models.DeliveryMethodSMS, nil
	case models.DeliveryMethodSMS, models.DeliveryMethodEmail, models.DeliveryMethodBoth:
		return method, nil
	default:
		return "", errors.ErrValidation.WithMessage(fmt.Sprintf("unknown delivery method %q", method))
	}
}

func validateRecipientForMethod(method, phone, email string) error {
	switch method {
	case models.DeliveryMethodSMS:
		if phone == "" {
			return errors.ErrValidation.WithMessage("sms delivery requires a recipient phone")
		}
	case models.DeliveryMethodEmail:
		if email == "" {
			return errors.ErrValidation.WithMessage("email delivery requires a recipient email")
		}
	default:
		if phone == "" && email == "" {
			return errors.ErrValidation.WithMessage("invitation requires a recipient phone or email")
		}
	}
	return nil
}

// claimRecipientIdentities maps each normalized phone/email to the first
// payload index claiming it, so later occurrences partition as duplicates
// even under concurrent processing.
func claimRecipientIdentities(recipients []BulkRecipient) map[string]int {
	first := make(map[string]int)
	for i, recipient := range recipients {
		for _, key := range recipientIdentityKeys(recipient) {
			if _, claimed := first[key]; !claimed {
				first[key] = i
			}
		}
	}
	return first
}

func recipientIdentityKeys(recipient BulkRecipient) []string {
	var keys []string
	if canonical, valid := contacts.NormalizePhone(recipient.Phone); valid {
		keys = append(keys, "phone:"+canonical)
	}
	if canonical, valid := contacts.NormalizeEmail(recipient.Email); valid {
		keys = append(keys, "email:"+canonical)
	}
	if recipient.ContactID != "" {
		keys = append(keys, "contact:"+recipient.ContactID)
	}
	return keys
}

func resultForChannel(results *models.DeliveryResults, channel delivery.Channel) *models.ChannelResult {
	if channel == delivery.ChannelEmail {
		if results.Email == nil {
			results.Email = &models.ChannelResult{}
		}
		return results.Email
	}
	if results.SMS == nil {
		results.SMS = &models.ChannelResult{}
	}
	return results.SMS
}

func anyChannelDelivered(results models.DeliveryResults) bool {
	if results.SMS != nil && results.SMS.Status == models.InvitationStatusDelivered {
		return true
	}
	if results.Email != nil && results.Email.Status == models.InvitationStatusDelivered {
		return true
	}
	return false
}
