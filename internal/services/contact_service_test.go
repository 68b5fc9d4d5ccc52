package services

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nestaid/nestaid-server/internal/contacts"
	"github.com/nestaid/nestaid-server/internal/database/testutil"
	"github.com/nestaid/nestaid-server/internal/models"
	apperrors "github.com/nestaid/nestaid-server/pkg/errors"
)

const testOwnerID = "11111111-1111-1111-1111-111111111111"

func newContactService(t *testing.T, opts ...ContactOption) *ContactService {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	service, err := NewContactService(db, opts...)
	require.NoError(t, err)
	return service
}

func requireAppCode(t *testing.T, err error, code string) {
	t.Helper()

	appErr := apperrors.FromError(err)
	require.NotNil(t, appErr)
	require.Equal(t, code, appErr.Code)
}

func TestContactServiceRequiresDB(t *testing.T) {
	_, err := NewContactService(nil)
	require.Error(t, err)
}

func TestCreateNormalizesIdentifiers(t *testing.T) {
	service := newContactService(t)

	contact, err := service.Create(context.Background(), testOwnerID, CreateContactInput{
		RawContact: contacts.RawContact{
			FirstName: "  Maria ",
			LastName:  "Santos",
			Phone:     "(415) 555-0199",
			Email:     "Maria.Santos@Example.COM",
		},
	})
	require.NoError(t, err)
	require.Equal(t, "Maria", contact.FirstName)
	require.Equal(t, "4155550199", contact.PhoneValue())
	require.Equal(t, "maria.santos@example.com", contact.EmailValue())
	require.Equal(t, models.ContactSourceManual, contact.Source)
	require.NotEmpty(t, contact.ID)
}

func TestCreateRejectsRecordWithoutIdentifier(t *testing.T) {
	service := newContactService(t)

	_, err := service.Create(context.Background(), testOwnerID, CreateContactInput{
		RawContact: contacts.RawContact{FirstName: "Ghost", Phone: "12", Email: "not-an-email"},
	})
	requireAppCode(t, err, apperrors.ErrValidation.Code)
}

func TestCreateDetectsDuplicateAndConflict(t *testing.T) {
	service := newContactService(t)
	ctx := context.Background()

	_, err := service.Create(ctx, testOwnerID, CreateContactInput{
		RawContact: contacts.RawContact{FirstName: "Joao", Phone: "+15550100200", Company: "Acme"},
	})
	require.NoError(t, err)

	// Same identity, no differing provided fields.
	_, err = service.Create(ctx, testOwnerID, CreateContactInput{
		RawContact: contacts.RawContact{FirstName: "Joao", Phone: "+1 555 010 0200"},
	})
	requireAppCode(t, err, apperrors.ErrDuplicateContact.Code)

	// Same identity, differing company.
	_, err = service.Create(ctx, testOwnerID, CreateContactInput{
		RawContact: contacts.RawContact{FirstName: "Joao", Phone: "+15550100200", Company: "Globex"},
	})
	requireAppCode(t, err, apperrors.ErrContactConflict.Code)
}

func TestCreateScopesIdentityPerOwner(t *testing.T) {
	service := newContactService(t)
	ctx := context.Background()

	_, err := service.Create(ctx, testOwnerID, CreateContactInput{
		RawContact: contacts.RawContact{Phone: "+15550100300"},
	})
	require.NoError(t, err)

	otherOwner := "22222222-2222-2222-2222-222222222222"
	_, err = service.Create(ctx, otherOwner, CreateContactInput{
		RawContact: contacts.RawContact{Phone: "+15550100300"},
	})
	require.NoError(t, err)
}

func TestUpdateContact(t *testing.T) {
	service := newContactService(t)
	ctx := context.Background()

	created, err := service.Create(ctx, testOwnerID, CreateContactInput{
		RawContact: contacts.RawContact{FirstName: "Ana", Phone: "+15550100400", Email: "ana@example.com"},
	})
	require.NoError(t, err)

	favorite := true
	empty := ""
	company := "NestAid"
	updated, err := service.Update(ctx, testOwnerID, created.ID, UpdateContactInput{
		IsFavorite: &favorite,
		Email:      &empty,
		Company:    &company,
	})
	require.NoError(t, err)
	require.True(t, updated.IsFavorite)
	require.Nil(t, updated.Email)
	require.Equal(t, "NestAid", updated.Company)

	// Clearing the last identifier is rejected.
	_, err = service.Update(ctx, testOwnerID, created.ID, UpdateContactInput{Phone: &empty})
	requireAppCode(t, err, apperrors.ErrValidation.Code)
}

func TestUpdateUnknownContact(t *testing.T) {
	service := newContactService(t)

	name := "Nobody"
	_, err := service.Update(context.Background(), testOwnerID, "missing-id", UpdateContactInput{FirstName: &name})
	requireAppCode(t, err, apperrors.ErrNotFound.Code)
}

func TestDeleteContact(t *testing.T) {
	service := newContactService(t)
	ctx := context.Background()

	created, err := service.Create(ctx, testOwnerID, CreateContactInput{
		RawContact: contacts.RawContact{Phone: "+15550100500"},
	})
	require.NoError(t, err)

	require.NoError(t, service.Delete(ctx, testOwnerID, created.ID))

	err = service.Delete(ctx, testOwnerID, created.ID)
	requireAppCode(t, err, apperrors.ErrNotFound.Code)
}

func TestListContactsFilters(t *testing.T) {
	service := newContactService(t)
	ctx := context.Background()

	seed := []CreateContactInput{
		{RawContact: contacts.RawContact{FirstName: "Alice", Phone: "+15550100601"}, IsFavorite: true},
		{RawContact: contacts.RawContact{FirstName: "Bob", Phone: "+15550100602"}, Source: models.ContactSourceImported},
		{RawContact: contacts.RawContact{FirstName: "Carol", Email: "carol@plumbing.example"}},
	}
	for _, input := range seed {
		_, err := service.Create(ctx, testOwnerID, input)
		require.NoError(t, err)
	}

	all, total, err := service.List(ctx, testOwnerID, ContactListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.EqualValues(t, 3, total)

	favorite := true
	favorites, _, err := service.List(ctx, testOwnerID, ContactListFilter{IsFavorite: &favorite})
	require.NoError(t, err)
	require.Len(t, favorites, 1)
	require.Equal(t, "Alice", favorites[0].FirstName)

	imported, _, err := service.List(ctx, testOwnerID, ContactListFilter{Source: models.ContactSourceImported})
	require.NoError(t, err)
	require.Len(t, imported, 1)
	require.Equal(t, "Bob", imported[0].FirstName)

	found, _, err := service.List(ctx, testOwnerID, ContactListFilter{Search: "plumbing"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "Carol", found[0].FirstName)

	paged, total, err := service.List(ctx, testOwnerID, ContactListFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, paged, 2)
	require.EqualValues(t, 3, total)
}

func TestBulkCreatePartitionsEveryRecord(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	service := newContactService(t, WithContactWorkers(1), WithContactClock(func() time.Time { return fixed }))
	ctx := context.Background()

	_, err := service.Create(ctx, testOwnerID, CreateContactInput{
		RawContact: contacts.RawContact{FirstName: "Existing", Phone: "+15550100700", Company: "Acme"},
	})
	require.NoError(t, err)

	records := []contacts.RawContact{
		{FirstName: "New One", Phone: "+15550100701"},
		{FirstName: "New Two", Email: "two@example.com"},
		{FirstName: "Existing", Phone: "+15550100700"},                    // exact duplicate
		{FirstName: "Existing", Phone: "+15550100700", Company: "Other"}, // conflict
		{FirstName: "Broken", Phone: "12"},                               // no valid identifier
	}

	batch, result, err := service.BulkCreate(ctx, testOwnerID, "spring import", records, models.ContactSourceImported)
	require.NoError(t, err)

	require.Len(t, result.Successful, 2)
	require.Len(t, result.Duplicates, 2)
	require.Len(t, result.Failed, 1)
	require.Equal(t, len(records), result.Total())

	require.Equal(t, models.BatchStatusCompleted, batch.Status)
	require.Equal(t, len(records), batch.TotalContacts)
	require.Equal(t, len(records), batch.ProcessedContacts)
	require.Equal(t, 2, batch.SuccessfulContacts)
	require.Equal(t, 1, batch.FailedContacts)
	require.NotNil(t, batch.CompletedAt)
	require.True(t, batch.CompletedAt.Equal(fixed))
	require.Len(t, batch.Errors, 1)
	require.Contains(t, batch.Errors[0], "record 5")

	// Duplicates reference the surviving row; nothing was overwritten.
	for _, item := range result.Duplicates {
		require.NotEmpty(t, item.ExistingID)
	}
	stored, err := service.Get(ctx, testOwnerID, result.Duplicates[0].ExistingID)
	require.NoError(t, err)
	require.Equal(t, "Acme", stored.Company)

	persisted, err := service.GetBatch(ctx, testOwnerID, batch.ID)
	require.NoError(t, err)
	require.Equal(t, models.BatchStatusCompleted, persisted.Status)
	require.Equal(t, 2, persisted.SuccessfulContacts)
}

func TestBulkCreateDeduplicatesWithinBatch(t *testing.T) {
	service := newContactService(t, WithContactWorkers(1))

	records := []contacts.RawContact{
		{FirstName: "First", Phone: "+15550100800"},
		{FirstName: "First", Phone: "+15550100800"},
	}

	_, result, err := service.BulkCreate(context.Background(), testOwnerID, "", records, "")
	require.NoError(t, err)
	require.Len(t, result.Successful, 1)
	require.Len(t, result.Duplicates, 1)
	require.Empty(t, result.Failed)
}

func TestBulkCreateEnforcesCap(t *testing.T) {
	service := newContactService(t, WithImportLimit(2))

	records := []contacts.RawContact{
		{Phone: "+15550100901"},
		{Phone: "+15550100902"},
		{Phone: "+15550100903"},
	}

	_, _, err := service.BulkCreate(context.Background(), testOwnerID, "", records, "")
	requireAppCode(t, err, apperrors.ErrBatchTooLarge.Code)

	// Nothing was ingested and no batch row was created.
	_, total, err := service.List(context.Background(), testOwnerID, ContactListFilter{})
	require.NoError(t, err)
	require.Zero(t, total)

	batches, err := service.ListBatches(context.Background(), testOwnerID)
	require.NoError(t, err)
	require.Empty(t, batches)
}

func TestBulkCreateRejectsEmptyBatch(t *testing.T) {
	service := newContactService(t)

	_, _, err := service.BulkCreate(context.Background(), testOwnerID, "", nil, "")
	requireAppCode(t, err, apperrors.ErrValidation.Code)
}

func TestImportCSV(t *testing.T) {
	service := newContactService(t, WithContactWorkers(1))

	input := strings.Join([]string{
		"First Name,Last Name,Phone,Email,Company,Job Title",
		"Maria,Santos,+15550101001,maria@example.com,Santos Plumbing,Owner",
		"Bad,Row,12,,Nowhere,", // phone too short and no email
		"Lee,Chen,,lee.chen@example.com,,Electrician",
	}, "\n")

	batch, result, err := service.ImportCSV(context.Background(), testOwnerID, "march leads", strings.NewReader(input))
	require.NoError(t, err)

	require.Len(t, result.Successful, 2)
	require.Len(t, result.Failed, 1)
	require.Empty(t, result.Duplicates)
	require.Equal(t, models.BatchStatusCompleted, batch.Status)
	require.Equal(t, 3, batch.TotalContacts)
	require.Equal(t, models.ContactSourceImported, batch.Source)

	imported, _, err := service.List(context.Background(), testOwnerID, ContactListFilter{Source: models.ContactSourceImported})
	require.NoError(t, err)
	require.Len(t, imported, 2)
}

func TestImportCSVRejectsBadHeader(t *testing.T) {
	service := newContactService(t)

	input := "Name,Phone\nMaria,+15550101101\n"
	_, _, err := service.ImportCSV(context.Background(), testOwnerID, "", strings.NewReader(input))
	requireAppCode(t, err, apperrors.ErrValidation.Code)
}

func TestExportCSVRoundTrip(t *testing.T) {
	service := newContactService(t, WithContactWorkers(1))
	ctx := context.Background()

	input := strings.Join([]string{
		"First Name,Last Name,Phone,Email,Company,Job Title",
		"Maria,Santos,+15550101201,maria@example.com,Santos Plumbing,Owner",
		"Lee,Chen,+15550101202,lee@example.com,,",
	}, "\n")
	_, _, err := service.ImportCSV(ctx, testOwnerID, "", strings.NewReader(input))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, service.ExportCSV(ctx, testOwnerID, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "First Name,Last Name,Phone,Email,Company,Job Title", lines[0])
	require.Contains(t, buf.String(), "+15550101201")
	require.Contains(t, buf.String(), "lee@example.com")
}

func TestOwnerGateSerialisesBulkOperations(t *testing.T) {
	gate := newOwnerGate()

	require.True(t, gate.acquire(testOwnerID))
	require.False(t, gate.acquire(testOwnerID))
	require.True(t, gate.acquire("other-owner"))

	gate.release(testOwnerID)
	require.True(t, gate.acquire(testOwnerID))
}
