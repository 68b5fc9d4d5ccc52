package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/nestaid/nestaid-server/internal/contacts"
	"github.com/nestaid/nestaid-server/internal/models"
	"github.com/nestaid/nestaid-server/pkg/errors"
)

// DefaultSyncLimit caps one device reconciliation payload.
const DefaultSyncLimit = 5000

// SyncOption customises SyncService behaviour.
type SyncOption func(*SyncService)

// WithSyncLimit overrides the per-payload contact cap.
func WithSyncLimit(limit int) SyncOption {
	return func(s *SyncService) {
		if limit > 0 {
			s.syncLimit = limit
		}
	}
}

// WithSyncWorkers overrides reconciliation worker concurrency.
func WithSyncWorkers(workers int) SyncOption {
	return func(s *SyncService) {
		if workers > 0 {
			s.workers = workers
		}
	}
}

// WithSyncClock injects a custom clock primarily for testing.
func WithSyncClock(clock func() time.Time) SyncOption {
	return func(s *SyncService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// SyncService reconciles a device's contact list against the server copy.
// Conflicts merge per field by last-modified timestamp; equal timestamps
// resolve to the server side, and identity fields merge additively so a sync
// never erases a phone or email the device simply lacks.
type SyncService struct {
	db        *gorm.DB
	gate      *ownerGate
	syncLimit int
	workers   int
	now       func() time.Time
}

// NewSyncService constructs a SyncService backed by the provided database.
func NewSyncService(db *gorm.DB, opts ...SyncOption) (*SyncService, error) {
	if db == nil {
		return nil, stderrors.New("sync service: db is required")
	}

	service := &SyncService{
		db:        db,
		gate:      newOwnerGate(),
		syncLimit: DefaultSyncLimit,
		workers:   DefaultBatchWorkers,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// DeviceContact is one record from the device address book.
type DeviceContact struct {
	contacts.RawContact

	// ModifiedAt is the device-side last-modification timestamp used for
	// per-field conflict resolution. Zero means "unknown", which always
	// loses to the server copy.
	ModifiedAt time.Time
}

// SyncInput is one reconciliation request.
type SyncInput struct {
	DeviceID string
	SyncType string // full, incremental, manual or import
	Contacts []DeviceContact

	// LastSyncAt is the device's previous successful sync time. Device
	// records not modified since then are treated as already reconciled
	// when they match an existing server contact. Zero means unknown.
	LastSyncAt time.Time

	// ConfirmDeletions allows a full sync to delete server contacts absent
	// from the device payload. Without it such contacts are only reported
	// as deletion candidates.
	ConfirmDeletions bool
}

// SyncOutcome is the result of one reconciliation pass.
type SyncOutcome struct {
	Session *models.SyncSession
	Result  BatchResult

	// DeletionCandidates lists server contact IDs absent from a full
	// payload that were not deleted because ConfirmDeletions was unset.
	DeletionCandidates []string
}

// syncCounters accumulates per-item classifications across workers.
type syncCounters struct {
	mu         sync.Mutex
	created    int
	updated    int
	duplicates int
	conflicts  int
	failed     int
	touchedIDs map[string]struct{}
}

func (c *syncCounters) touch(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.touchedIDs == nil {
		c.touchedIDs = make(map[string]struct{})
	}
	c.touchedIDs[id] = struct{}{}
}

// Sync runs one device-to-server reconciliation pass. Incremental syncs never
// delete anything server-side; contacts absent from the payload are simply
// left untouched.
func (s *SyncService) Sync(ctx context.Context, userID string, input SyncInput) (*SyncOutcome, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, stderrors.New("sync service: user id is required")
	}

	syncType, err := normalizeSyncType(input.SyncType)
	if err != nil {
		return nil, err
	}
	if len(input.Contacts) > s.syncLimit {
		return nil, errors.ErrBatchTooLarge.WithMessage(
			fmt.Sprintf("sync payload of %d contacts exceeds the limit of %d", len(input.Contacts), s.syncLimit))
	}

	if !s.gate.acquire(userID) {
		return nil, errors.ErrBatchInFlight
	}
	defer s.gate.release(userID)

	startedAt := s.now()
	session := &models.SyncSession{
		UserID:    userID,
		DeviceID:  defaultIfEmpty(strings.TrimSpace(input.DeviceID), "unknown"),
		SyncType:  syncType,
		Status:    models.BatchStatusPending,
		StartedAt: startedAt,
	}
	if !input.LastSyncAt.IsZero() {
		lastSync := input.LastSyncAt
		session.LastSyncAt = &lastSync
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("sync service: create session: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(session).
		Update("status", models.BatchStatusProcessing).Error; err != nil {
		return nil, fmt.Errorf("sync service: start session: %w", err)
	}
	session.Status = models.BatchStatusProcessing

	counters := &syncCounters{}
	result := RunBatch(ctx, "contact_sync", len(input.Contacts), s.workers, func(ctx context.Context, index int) ItemResult {
		return s.reconcileContact(ctx, userID, input.Contacts[index], input.LastSyncAt, startedAt, counters)
	})

	outcome := &SyncOutcome{Session: session, Result: result}

	deleted := 0
	if syncType == models.SyncTypeFull {
		outcome.DeletionCandidates, deleted, err = s.applyDeletions(ctx, userID, counters, startedAt, input.ConfirmDeletions)
		if err != nil {
			return outcome, err
		}
	}

	if err := s.finishSession(ctx, session, counters, deleted); err != nil {
		return outcome, err
	}

	return outcome, nil
}

// GetSession fetches one sync session owned by userID.
func (s *SyncService) GetSession(ctx context.Context, userID, sessionID string) (*models.SyncSession, error) {
	ctx = ensureContext(ctx)

	var session models.SyncSession
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", sessionID, userID).
		First(&session).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrNotFound
		}
		return nil, fmt.Errorf("sync service: get session: %w", err)
	}

	return &session, nil
}

// ListSessions returns the owner's sync sessions newest-first.
func (s *SyncService) ListSessions(ctx context.Context, userID string) ([]models.SyncSession, error) {
	ctx = ensureContext(ctx)

	var sessions []models.SyncSession
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("sync service: list sessions: %w", err)
	}

	return sessions, nil
}

func (s *SyncService) reconcileContact(ctx context.Context, userID string, device DeviceContact, lastSync, syncedAt time.Time, counters *syncCounters) ItemResult {
	normalized, ok, reason := contacts.Normalize(device.RawContact)
	if !ok {
		counters.mu.Lock()
		counters.failed++
		counters.mu.Unlock()
		return ItemResult{Outcome: ItemFailed, Reason: validationMessage(normalized, reason)}
	}

	existing, err := findMatchingContacts(ctx, s.db, userID, normalized)
	if err != nil {
		counters.mu.Lock()
		counters.failed++
		counters.mu.Unlock()
		return ItemResult{Outcome: ItemFailed, Reason: "STORAGE_ERROR"}
	}

	match := contacts.Classify(normalized, existing)
	switch match.Outcome {
	case contacts.OutcomeNew:
		return s.insertSynced(ctx, userID, normalized, syncedAt, counters)
	case contacts.OutcomeDuplicate:
		return s.touchDuplicate(ctx, match.Existing, syncedAt, counters)
	default:
		if unchangedSince(device.ModifiedAt, lastSync) {
			// Not edited on the device since the previous pass, so the
			// earlier reconciliation already settled these fields.
			return s.touchDuplicate(ctx, match.Existing, syncedAt, counters)
		}
		return s.mergeConflict(ctx, match, normalized, device.ModifiedAt, syncedAt, counters)
	}
}

// unchangedSince reports whether a device-side timestamp predates the last
// successful sync. Unknown timestamps on either side disable the shortcut.
func unchangedSince(modified, lastSync time.Time) bool {
	return !lastSync.IsZero() && !modified.IsZero() && !modified.After(lastSync)
}

func (s *SyncService) insertSynced(ctx context.Context, userID string, normalized contacts.Normalized, syncedAt time.Time, counters *syncCounters) ItemResult {
	contact := &models.Contact{
		UserID:       userID,
		FirstName:    normalized.FirstName,
		LastName:     normalized.LastName,
		Phone:        nullableString(normalized.Phone),
		Email:        nullableString(normalized.Email),
		Company:      normalized.Company,
		JobTitle:     normalized.JobTitle,
		Source:       models.ContactSourceSynced,
		LastSyncedAt: &syncedAt,
	}
	if err := s.db.WithContext(ctx).Create(contact).Error; err != nil {
		if isUniqueConstraintError(err) {
			// Lost a same-payload race; the winner's row is the duplicate.
			if rows, lookupErr := findMatchingContacts(ctx, s.db, userID, normalized); lookupErr == nil && len(rows) > 0 {
				return s.touchDuplicate(ctx, &rows[0], syncedAt, counters)
			}
		}
		counters.mu.Lock()
		counters.failed++
		counters.mu.Unlock()
		return ItemResult{Outcome: ItemFailed, Reason: "STORAGE_ERROR"}
	}

	counters.mu.Lock()
	counters.created++
	counters.mu.Unlock()
	counters.touch(contact.ID)
	return ItemResult{Outcome: ItemSuccessful, ID: contact.ID}
}

func (s *SyncService) touchDuplicate(ctx context.Context, existing *models.Contact, syncedAt time.Time, counters *syncCounters) ItemResult {
	err := s.db.WithContext(ctx).Model(existing).
		Update("last_synced_at", syncedAt).Error
	if err != nil {
		counters.mu.Lock()
		counters.failed++
		counters.mu.Unlock()
		return ItemResult{Outcome: ItemFailed, Reason: "STORAGE_ERROR"}
	}

	counters.mu.Lock()
	counters.duplicates++
	counters.mu.Unlock()
	counters.touch(existing.ID)
	return ItemResult{Outcome: ItemDuplicate, ExistingID: existing.ID, Reason: errors.ErrDuplicateContact.Code}
}

// mergeConflict applies last-modified-wins per field. The server timestamp is
// the row's updated_at; a device timestamp that is not strictly newer loses
// every contested field.
func (s *SyncService) mergeConflict(ctx context.Context, match contacts.Match, normalized contacts.Normalized, deviceModified, syncedAt time.Time, counters *syncCounters) ItemResult {
	existing := match.Existing

	changed := contacts.MergeFields(existing, normalized, deviceModified, existing.UpdatedAt)
	filled := contacts.FillMissingIdentity(existing, normalized)
	changed = append(changed, filled...)

	existing.LastSyncedAt = &syncedAt
	if err := s.db.WithContext(ctx).Save(existing).Error; err != nil {
		counters.mu.Lock()
		counters.failed++
		counters.mu.Unlock()
		return ItemResult{Outcome: ItemFailed, Reason: "STORAGE_ERROR"}
	}
	counters.touch(existing.ID)

	if len(changed) == 0 {
		// Server side won every contested field.
		counters.mu.Lock()
		counters.conflicts++
		counters.mu.Unlock()
		return ItemResult{Outcome: ItemDuplicate, ExistingID: existing.ID, Reason: conflictMessage(match.Diff)}
	}

	counters.mu.Lock()
	counters.updated++
	counters.conflicts++
	counters.mu.Unlock()
	return ItemResult{
		Outcome:    ItemSuccessful,
		ID:         existing.ID,
		Reason:     "MERGED: " + strings.Join(changed, ", "),
		ExistingID: existing.ID,
	}
}

// applyDeletions handles the full-sync rule: server contacts the device no
// longer has, and that predate this session, become deletion candidates.
// They are removed only when the caller explicitly confirmed deletions and
// every payload record reconciled cleanly. A failed record never registers
// the server row it corresponds to, so with any failures in the pass a
// candidate may still exist on the device and nothing is deleted.
func (s *SyncService) applyDeletions(ctx context.Context, userID string, counters *syncCounters, startedAt time.Time, confirm bool) (candidates []string, deleted int, err error) {
	var rows []models.Contact
	err = s.db.WithContext(ctx).
		Select("id").
		Where("user_id = ? AND created_at < ?", userID, startedAt).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("sync service: load deletion candidates: %w", err)
	}

	counters.mu.Lock()
	touched := counters.touchedIDs
	failed := counters.failed
	counters.mu.Unlock()

	for i := range rows {
		if _, seen := touched[rows[i].ID]; !seen {
			candidates = append(candidates, rows[i].ID)
		}
	}
	if len(candidates) == 0 || !confirm || failed > 0 {
		return candidates, 0, nil
	}

	result := s.db.WithContext(ctx).
		Where("user_id = ? AND id IN ?", userID, candidates).
		Delete(&models.Contact{})
	if result.Error != nil {
		return candidates, 0, fmt.Errorf("sync service: delete contacts: %w", result.Error)
	}

	return nil, int(result.RowsAffected), nil
}

func (s *SyncService) finishSession(ctx context.Context, session *models.SyncSession, counters *syncCounters, deleted int) error {
	now := s.now()

	counters.mu.Lock()
	updates := map[string]any{
		"status":              models.BatchStatusCompleted,
		"contacts_new":        counters.created,
		"contacts_updated":    counters.updated,
		"contacts_deleted":    deleted,
		"contacts_duplicates": counters.duplicates,
		"contacts_conflicts":  counters.conflicts,
		"contacts_errors":     counters.failed,
		"completed_at":        now,
	}
	session.ContactsNew = counters.created
	session.ContactsUpdated = counters.updated
	session.ContactsDeleted = deleted
	session.ContactsDuplicates = counters.duplicates
	session.ContactsConflicts = counters.conflicts
	session.ContactsErrors = counters.failed
	counters.mu.Unlock()

	if err := s.db.WithContext(ctx).Model(session).Updates(updates).Error; err != nil {
		return fmt.Errorf("sync service: finish session: %w", err)
	}

	session.Status = models.BatchStatusCompleted
	session.CompletedAt = &now
	return nil
}

func normalizeSyncType(syncType string) (string, error) {
	syncType = strings.ToLower(strings.TrimSpace(syncType))
	switch syncType {
	case "":
		return models.SyncTypeIncremental, nil
	case models.SyncTypeFull, models.SyncTypeIncremental, models.SyncTypeManual, models.SyncTypeImport:
		return syncType, nil
	default:
		return "", errors.ErrValidation.WithMessage(fmt.Sprintf("unknown sync type %q", syncType))
	}
}
