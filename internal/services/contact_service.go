package services

import (
	"context"
	"encoding/csv"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/nestaid/nestaid-server/internal/contacts"
	"github.com/nestaid/nestaid-server/internal/models"
	"github.com/nestaid/nestaid-server/pkg/errors"
)

const (
	// DefaultImportLimit caps one bulk create or CSV import.
	DefaultImportLimit = 1000

	csvHeader = "First Name,Last Name,Phone,Email,Company,Job Title"
)

// ContactOption customises ContactService behaviour.
type ContactOption func(*ContactService)

// WithImportLimit overrides the per-batch record cap.
func WithImportLimit(limit int) ContactOption {
	return func(s *ContactService) {
		if limit > 0 {
			s.importLimit = limit
		}
	}
}

// WithContactWorkers overrides batch worker concurrency.
func WithContactWorkers(workers int) ContactOption {
	return func(s *ContactService) {
		if workers > 0 {
			s.workers = workers
		}
	}
}

// WithContactClock injects a custom clock primarily for testing.
func WithContactClock(clock func() time.Time) ContactOption {
	return func(s *ContactService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// ContactService owns contact CRUD, deduplication and bulk ingestion. All
// operations are scoped to a single owning user; cross-user reads never occur.
type ContactService struct {
	db          *gorm.DB
	gate        *ownerGate
	importLimit int
	workers     int
	now         func() time.Time
}

// NewContactService constructs a ContactService backed by the provided database.
func NewContactService(db *gorm.DB, opts ...ContactOption) (*ContactService, error) {
	if db == nil {
		return nil, stderrors.New("contact service: db is required")
	}

	service := &ContactService{
		db:          db,
		gate:        newOwnerGate(),
		importLimit: DefaultImportLimit,
		workers:     DefaultBatchWorkers,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// CreateContactInput is a single-record create request.
type CreateContactInput struct {
	contacts.RawContact

	Tags       []string
	Notes      string
	IsFavorite bool
	Source     string
}

// Create normalizes and stores one contact. Duplicates and conflicts against
// the owner's existing contacts are rejected with structured errors rather
// than merged; single-record callers are expected to resolve them explicitly.
func (s *ContactService) Create(ctx context.Context, userID string, input CreateContactInput) (*models.Contact, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, stderrors.New("contact service: user id is required")
	}

	normalized, ok, reason := contacts.Normalize(input.RawContact)
	if !ok {
		return nil, errors.ErrValidation.WithMessage(validationMessage(normalized, reason))
	}

	existing, err := s.matchingContacts(ctx, userID, normalized)
	if err != nil {
		return nil, fmt.Errorf("contact service: lookup duplicates: %w", err)
	}

	match := contacts.Classify(normalized, existing)
	switch match.Outcome {
	case contacts.OutcomeDuplicate:
		return nil, errors.ErrDuplicateContact
	case contacts.OutcomeConflict:
		return nil, errors.ErrContactConflict.WithMessage(conflictMessage(match.Diff))
	}

	contact := s.buildContact(userID, normalized, input)
	if err := s.db.WithContext(ctx).Create(contact).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, errors.ErrDuplicateContact
		}
		return nil, fmt.Errorf("contact service: create contact: %w", err)
	}

	return contact, nil
}

// ContactListFilter narrows List results. Zero values mean "no filter".
type ContactListFilter struct {
	Source     string
	IsFavorite *bool
	Search     string
	Limit      int
	Offset     int
}

// List returns the owner's contacts newest-first, plus the unpaginated total.
func (s *ContactService) List(ctx context.Context, userID string, filter ContactListFilter) ([]models.Contact, int64, error) {
	ctx = ensureContext(ctx)

	query := s.db.WithContext(ctx).Model(&models.Contact{}).Where("user_id = ?", userID)
	if filter.Source != "" {
		query = query.Where("source = ?", filter.Source)
	}
	if filter.IsFavorite != nil {
		query = query.Where("is_favorite = ?", *filter.IsFavorite)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := "%" + strings.ToLower(search) + "%"
		query = query.Where(
			"LOWER(first_name) LIKE ? OR LOWER(last_name) LIKE ? OR phone LIKE ? OR LOWER(email) LIKE ? OR LOWER(company) LIKE ?",
			pattern, pattern, pattern, pattern, pattern,
		)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("contact service: count contacts: %w", err)
	}

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit).Offset(filter.Offset)
	}

	var rows []models.Contact
	if err := query.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("contact service: list contacts: %w", err)
	}

	return rows, total, nil
}

// Get fetches one contact owned by userID.
func (s *ContactService) Get(ctx context.Context, userID, contactID string) (*models.Contact, error) {
	ctx = ensureContext(ctx)

	var contact models.Contact
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", contactID, userID).
		First(&contact).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrNotFound
		}
		return nil, fmt.Errorf("contact service: get contact: %w", err)
	}

	return &contact, nil
}

// UpdateContactInput carries partial updates; nil fields are left untouched.
type UpdateContactInput struct {
	FirstName  *string
	LastName   *string
	Phone      *string
	Email      *string
	Company    *string
	JobTitle   *string
	Tags       *[]string
	Notes      *string
	IsFavorite *bool
}

// Update applies a partial update. Phone and email pass through the same
// normalization as create; clearing both identifiers is rejected.
func (s *ContactService) Update(ctx context.Context, userID, contactID string, input UpdateContactInput) (*models.Contact, error) {
	ctx = ensureContext(ctx)

	contact, err := s.Get(ctx, userID, contactID)
	if err != nil {
		return nil, err
	}

	if input.FirstName != nil {
		contact.FirstName = strings.TrimSpace(*input.FirstName)
	}
	if input.LastName != nil {
		contact.LastName = strings.TrimSpace(*input.LastName)
	}
	if input.Company != nil {
		contact.Company = strings.TrimSpace(*input.Company)
	}
	if input.JobTitle != nil {
		contact.JobTitle = strings.TrimSpace(*input.JobTitle)
	}
	if input.Notes != nil {
		contact.Notes = *input.Notes
	}
	if input.IsFavorite != nil {
		contact.IsFavorite = *input.IsFavorite
	}
	if input.Tags != nil {
		contact.Tags = append(contact.Tags[:0], (*input.Tags)...)
	}

	if input.Phone != nil {
		if raw := strings.TrimSpace(*input.Phone); raw == "" {
			contact.Phone = nil
		} else {
			canonical, valid := contacts.NormalizePhone(raw)
			if !valid {
				return nil, errors.ErrValidation.WithMessage("phone number is invalid")
			}
			contact.Phone = &canonical
		}
	}
	if input.Email != nil {
		if raw := strings.TrimSpace(*input.Email); raw == "" {
			contact.Email = nil
		} else {
			canonical, valid := contacts.NormalizeEmail(raw)
			if !valid {
				return nil, errors.ErrValidation.WithMessage("email address is invalid")
			}
			contact.Email = &canonical
		}
	}

	if contact.Phone == nil && contact.Email == nil {
		return nil, errors.ErrValidation.WithMessage("contact requires at least one of phone or email")
	}

	if err := s.db.WithContext(ctx).Save(contact).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, errors.ErrDuplicateContact
		}
		return nil, fmt.Errorf("contact service: update contact: %w", err)
	}

	return contact, nil
}

// Delete removes one contact owned by userID.
func (s *ContactService) Delete(ctx context.Context, userID, contactID string) error {
	ctx = ensureContext(ctx)

	result := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", contactID, userID).
		Delete(&models.Contact{})
	if result.Error != nil {
		return fmt.Errorf("contact service: delete contact: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.ErrNotFound
	}
	return nil
}

// BulkCreate ingests up to the configured limit of records for one owner.
// Every record is partitioned into exactly one of successful, failed or
// duplicates; per-record failures never abort the batch. Records that match
// an existing contact are reported as duplicates (conflicting matches carry
// the differing field names) and the stored row is never overwritten.
func (s *ContactService) BulkCreate(ctx context.Context, userID, batchName string, records []contacts.RawContact, source string) (*models.ImportBatch, BatchResult, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, BatchResult{}, stderrors.New("contact service: user id is required")
	}

	if len(records) == 0 {
		return nil, BatchResult{}, errors.ErrValidation.WithMessage("batch contains no records")
	}
	if len(records) > s.importLimit {
		return nil, BatchResult{}, errors.ErrBatchTooLarge.WithMessage(
			fmt.Sprintf("batch of %d records exceeds the limit of %d", len(records), s.importLimit))
	}

	if !s.gate.acquire(userID) {
		return nil, BatchResult{}, errors.ErrBatchInFlight
	}
	defer s.gate.release(userID)

	source = defaultIfEmpty(strings.TrimSpace(source), models.ContactSourceImported)

	batch := &models.ImportBatch{
		UserID:        userID,
		Name:          strings.TrimSpace(batchName),
		Source:        source,
		TotalContacts: len(records),
		Status:        models.BatchStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(batch).Error; err != nil {
		return nil, BatchResult{}, fmt.Errorf("contact service: create import batch: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(batch).
		Update("status", models.BatchStatusProcessing).Error; err != nil {
		return batch, BatchResult{}, fmt.Errorf("contact service: start import batch: %w", err)
	}
	batch.Status = models.BatchStatusProcessing

	result := RunBatch(ctx, "contact_import", len(records), s.workers, func(ctx context.Context, index int) ItemResult {
		return s.ingestRecord(ctx, userID, records[index], source)
	})

	if err := s.finishBatch(ctx, batch, result); err != nil {
		return batch, result, err
	}

	return batch, result, nil
}

// ImportCSV parses a CSV export and ingests its rows via BulkCreate. The
// header must match the documented template exactly (case-insensitive).
func (s *ContactService) ImportCSV(ctx context.Context, userID, batchName string, r io.Reader) (*models.ImportBatch, BatchResult, error) {
	records, err := parseContactCSV(r, s.importLimit)
	if err != nil {
		return nil, BatchResult{}, err
	}

	return s.BulkCreate(ctx, userID, batchName, records, models.ContactSourceImported)
}

// ExportCSV streams the owner's contacts in the import template format.
func (s *ContactService) ExportCSV(ctx context.Context, userID string, w io.Writer) error {
	ctx = ensureContext(ctx)

	var rows []models.Contact
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("contact service: export contacts: %w", err)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(strings.Split(csvHeader, ",")); err != nil {
		return fmt.Errorf("contact service: write csv header: %w", err)
	}
	for i := range rows {
		record := []string{
			rows[i].FirstName,
			rows[i].LastName,
			rows[i].PhoneValue(),
			rows[i].EmailValue(),
			rows[i].Company,
			rows[i].JobTitle,
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("contact service: write csv row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// GetBatch fetches one import batch owned by userID.
func (s *ContactService) GetBatch(ctx context.Context, userID, batchID string) (*models.ImportBatch, error) {
	ctx = ensureContext(ctx)

	var batch models.ImportBatch
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", batchID, userID).
		First(&batch).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrNotFound
		}
		return nil, fmt.Errorf("contact service: get import batch: %w", err)
	}

	return &batch, nil
}

// ListBatches returns the owner's import batches newest-first.
func (s *ContactService) ListBatches(ctx context.Context, userID string) ([]models.ImportBatch, error) {
	ctx = ensureContext(ctx)

	var batches []models.ImportBatch
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("contact service: list import batches: %w", err)
	}

	return batches, nil
}

// ingestRecord processes one batch record. Concurrent inserts of the same
// identity within a batch are resolved by the unique constraint: the loser
// re-reads the winner's row and reports a duplicate.
func (s *ContactService) ingestRecord(ctx context.Context, userID string, raw contacts.RawContact, source string) ItemResult {
	normalized, ok, reason := contacts.Normalize(raw)
	if !ok {
		return ItemResult{Outcome: ItemFailed, Reason: validationMessage(normalized, reason)}
	}

	existing, err := s.matchingContacts(ctx, userID, normalized)
	if err != nil {
		return ItemResult{Outcome: ItemFailed, Reason: "STORAGE_ERROR"}
	}

	match := contacts.Classify(normalized, existing)
	switch match.Outcome {
	case contacts.OutcomeDuplicate:
		return ItemResult{Outcome: ItemDuplicate, ExistingID: match.Existing.ID, Reason: errors.ErrDuplicateContact.Code}
	case contacts.OutcomeConflict:
		return ItemResult{Outcome: ItemDuplicate, ExistingID: match.Existing.ID, Reason: conflictMessage(match.Diff)}
	}

	contact := s.buildContact(userID, normalized, CreateContactInput{Source: source})
	if err := s.db.WithContext(ctx).Create(contact).Error; err != nil {
		if isUniqueConstraintError(err) {
			return s.resolveInsertRace(ctx, userID, normalized)
		}
		return ItemResult{Outcome: ItemFailed, Reason: "STORAGE_ERROR"}
	}

	return ItemResult{Outcome: ItemSuccessful, ID: contact.ID}
}

func (s *ContactService) resolveInsertRace(ctx context.Context, userID string, normalized contacts.Normalized) ItemResult {
	existing, err := s.matchingContacts(ctx, userID, normalized)
	if err != nil || len(existing) == 0 {
		return ItemResult{Outcome: ItemDuplicate, Reason: errors.ErrDuplicateContact.Code}
	}

	match := contacts.Classify(normalized, existing)
	result := ItemResult{Outcome: ItemDuplicate, Reason: errors.ErrDuplicateContact.Code}
	if match.Existing != nil {
		result.ExistingID = match.Existing.ID
	}
	if match.Outcome == contacts.OutcomeConflict {
		result.Reason = conflictMessage(match.Diff)
	}
	return result
}

func (s *ContactService) finishBatch(ctx context.Context, batch *models.ImportBatch, result BatchResult) error {
	now := s.now()

	var batchErrors []string
	for _, item := range result.Failed {
		batchErrors = append(batchErrors, fmt.Sprintf("record %d: %s", item.Index+1, item.Reason))
	}

	updates := map[string]any{
		"status":              models.BatchStatusCompleted,
		"processed_contacts":  result.Total(),
		"successful_contacts": len(result.Successful),
		"failed_contacts":     len(result.Failed),
		"errors":              datatypes.JSONSlice[string](batchErrors),
		"completed_at":        now,
	}
	if err := s.db.WithContext(ctx).Model(batch).Updates(updates).Error; err != nil {
		return fmt.Errorf("contact service: finish import batch: %w", err)
	}

	batch.Status = models.BatchStatusCompleted
	batch.ProcessedContacts = result.Total()
	batch.SuccessfulContacts = len(result.Successful)
	batch.FailedContacts = len(result.Failed)
	batch.Errors = batchErrors
	batch.CompletedAt = &now
	return nil
}

func (s *ContactService) buildContact(userID string, normalized contacts.Normalized, input CreateContactInput) *models.Contact {
	return &models.Contact{
		UserID:     userID,
		FirstName:  normalized.FirstName,
		LastName:   normalized.LastName,
		Phone:      nullableString(normalized.Phone),
		Email:      nullableString(normalized.Email),
		Company:    normalized.Company,
		JobTitle:   normalized.JobTitle,
		Source:     defaultIfEmpty(strings.TrimSpace(input.Source), models.ContactSourceManual),
		IsFavorite: input.IsFavorite,
		Tags:       input.Tags,
		Notes:      input.Notes,
	}
}

func (s *ContactService) matchingContacts(ctx context.Context, userID string, normalized contacts.Normalized) ([]models.Contact, error) {
	return findMatchingContacts(ctx, s.db, userID, normalized)
}

// findMatchingContacts loads the owner's rows sharing an identity key with the
// incoming record.
func findMatchingContacts(ctx context.Context, db *gorm.DB, userID string, normalized contacts.Normalized) ([]models.Contact, error) {
	query := db.WithContext(ctx).Where("user_id = ?", userID)

	switch {
	case normalized.Phone != "" && normalized.Email != "":
		query = query.Where("phone = ? OR email = ?", normalized.Phone, normalized.Email)
	case normalized.Phone != "":
		query = query.Where("phone = ?", normalized.Phone)
	default:
		query = query.Where("email = ?", normalized.Email)
	}

	var rows []models.Contact
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func validationMessage(normalized contacts.Normalized, reason string) string {
	if len(normalized.FieldErrors) > 0 {
		return reason + ": " + strings.Join(normalized.FieldErrors, ", ")
	}
	return reason
}

func conflictMessage(diff []contacts.FieldDiff) string {
	fields := make([]string, 0, len(diff))
	for _, d := range diff {
		fields = append(fields, d.Field)
	}
	return errors.ErrContactConflict.Code + ": " + strings.Join(fields, ", ")
}

func parseContactCSV(r io.Reader, limit int) ([]contacts.RawContact, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, errors.ErrValidation.WithMessage("csv file is empty or unreadable")
	}
	if !csvHeaderMatches(header) {
		return nil, errors.ErrValidation.WithMessage(
			fmt.Sprintf("csv header must be %q", csvHeader))
	}

	var records []contacts.RawContact
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.ErrValidation.WithMessage(fmt.Sprintf("csv parse error: %v", err))
		}

		records = append(records, contacts.RawContact{
			FirstName: column(row, 0),
			LastName:  column(row, 1),
			Phone:     column(row, 2),
			Email:     column(row, 3),
			Company:   column(row, 4),
			JobTitle:  column(row, 5),
		})
		if len(records) > limit {
			return nil, errors.ErrBatchTooLarge.WithMessage(
				fmt.Sprintf("csv exceeds the limit of %d records", limit))
		}
	}

	if len(records) == 0 {
		return nil, errors.ErrValidation.WithMessage("csv contains no data rows")
	}

	return records, nil
}

func csvHeaderMatches(header []string) bool {
	expected := strings.Split(csvHeader, ",")
	if len(header) != len(expected) {
		return false
	}
	for i := range expected {
		if !strings.EqualFold(strings.TrimSpace(header[i]), expected[i]) {
			return false
		}
	}
	return true
}

func column(row []string, index int) string {
	if index >= len(row) {
		return ""
	}
	return row[index]
}
