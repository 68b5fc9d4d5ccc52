package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nestaid/nestaid-server/internal/contacts"
	"github.com/nestaid/nestaid-server/internal/database/testutil"
	"github.com/nestaid/nestaid-server/internal/models"
	apperrors "github.com/nestaid/nestaid-server/pkg/errors"
)

func newSyncHarness(t *testing.T, opts ...SyncOption) (*SyncService, *ContactService) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	syncService, err := NewSyncService(db, append([]SyncOption{WithSyncWorkers(1)}, opts...)...)
	require.NoError(t, err)

	contactService, err := NewContactService(db)
	require.NoError(t, err)

	return syncService, contactService
}

func TestSyncServiceRequiresDB(t *testing.T) {
	_, err := NewSyncService(nil)
	require.Error(t, err)
}

func TestSyncInsertsNewContacts(t *testing.T) {
	syncService, contactService := newSyncHarness(t)
	ctx := context.Background()

	outcome, err := syncService.Sync(ctx, testOwnerID, SyncInput{
		DeviceID: "pixel-9",
		SyncType: models.SyncTypeIncremental,
		Contacts: []DeviceContact{
			{RawContact: contacts.RawContact{FirstName: "Maria", Phone: "+15550102001"}},
			{RawContact: contacts.RawContact{FirstName: "Lee", Email: "lee@example.com"}},
		},
	})
	require.NoError(t, err)

	require.Len(t, outcome.Result.Successful, 2)
	require.Empty(t, outcome.Result.Failed)
	require.Empty(t, outcome.Result.Duplicates)

	session := outcome.Session
	require.Equal(t, models.BatchStatusCompleted, session.Status)
	require.Equal(t, 2, session.ContactsNew)
	require.Zero(t, session.ContactsUpdated)
	require.NotNil(t, session.CompletedAt)

	rows, _, err := contactService.List(ctx, testOwnerID, ContactListFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.Equal(t, models.ContactSourceSynced, row.Source)
		require.NotNil(t, row.LastSyncedAt)
	}
}

func TestSyncReportsExactDuplicates(t *testing.T) {
	syncService, contactService := newSyncHarness(t)
	ctx := context.Background()

	created, err := contactService.Create(ctx, testOwnerID, CreateContactInput{
		RawContact: contacts.RawContact{FirstName: "Maria", Phone: "+15550102101"},
	})
	require.NoError(t, err)
	require.Nil(t, created.LastSyncedAt)

	outcome, err := syncService.Sync(ctx, testOwnerID, SyncInput{
		Contacts: []DeviceContact{
			{RawContact: contacts.RawContact{FirstName: "Maria", Phone: "+15550102101"}},
		},
	})
	require.NoError(t, err)

	require.Len(t, outcome.Result.Duplicates, 1)
	require.Equal(t, created.ID, outcome.Result.Duplicates[0].ExistingID)
	require.Equal(t, 1, outcome.Session.ContactsDuplicates)

	touched, err := contactService.Get(ctx, testOwnerID, created.ID)
	require.NoError(t, err)
	require.NotNil(t, touched.LastSyncedAt)
}

func TestSyncMergesWhenDeviceIsNewer(t *testing.T) {
	syncService, contactService := newSyncHarness(t)
	ctx := context.Background()

	created, err := contactService.Create(ctx, testOwnerID, CreateContactInput{
		RawContact: contacts.RawContact{FirstName: "Maria", Phone: "+15550102201", Company: "Acme"},
	})
	require.NoError(t, err)

	outcome, err := syncService.Sync(ctx, testOwnerID, SyncInput{
		Contacts: []DeviceContact{
			{
				RawContact: contacts.RawContact{FirstName: "Maria", Phone: "+15550102201", Company: "Globex"},
				ModifiedAt: time.Now().Add(time.Hour),
			},
		},
	})
	require.NoError(t, err)

	require.Len(t, outcome.Result.Successful, 1)
	require.Contains(t, outcome.Result.Successful[0].Reason, "company")
	require.Equal(t, 1, outcome.Session.ContactsUpdated)
	require.Equal(t, 1, outcome.Session.ContactsConflicts)

	merged, err := contactService.Get(ctx, testOwnerID, created.ID)
	require.NoError(t, err)
	require.Equal(t, "Globex", merged.Company)
}

func TestSyncServerWinsWhenDeviceIsNotNewer(t *testing.T) {
	syncService, contactService := newSyncHarness(t)
	ctx := context.Background()

	created, err := contactService.Create(ctx, testOwnerID, CreateContactInput{
		RawContact: contacts.RawContact{FirstName: "Maria", Phone: "+15550102301", Company: "Acme"},
	})
	require.NoError(t, err)

	outcome, err := syncService.Sync(ctx, testOwnerID, SyncInput{
		Contacts: []DeviceContact{
			{
				RawContact: contacts.RawContact{FirstName: "Maria", Phone: "+15550102301", Company: "Globex"},
				ModifiedAt: time.Now().Add(-24 * time.Hour),
			},
		},
	})
	require.NoError(t, err)

	require.Len(t, outcome.Result.Duplicates, 1)
	require.Contains(t, outcome.Result.Duplicates[0].Reason, "company")
	require.Zero(t, outcome.Session.ContactsUpdated)
	require.Equal(t, 1, outcome.Session.ContactsConflicts)

	kept, err := contactService.Get(ctx, testOwnerID, created.ID)
	require.NoError(t, err)
	require.Equal(t, "Acme", kept.Company)
}

func TestSyncFillsMissingIdentityRegardlessOfTimestamps(t *testing.T) {
	syncService, contactService := newSyncHarness(t)
	ctx := context.Background()

	created, err := contactService.Create(ctx, testOwnerID, CreateContactInput{
		RawContact: contacts.RawContact{FirstName: "Maria", Phone: "+15550102401"},
	})
	require.NoError(t, err)

	outcome, err := syncService.Sync(ctx, testOwnerID, SyncInput{
		Contacts: []DeviceContact{
			{
				RawContact: contacts.RawContact{FirstName: "Maria", Phone: "+15550102401", Email: "maria@example.com"},
				ModifiedAt: time.Now().Add(-24 * time.Hour), // older than the server row
			},
		},
	})
	require.NoError(t, err)

	require.Len(t, outcome.Result.Successful, 1)
	require.Contains(t, outcome.Result.Successful[0].Reason, "email")

	merged, err := contactService.Get(ctx, testOwnerID, created.ID)
	require.NoError(t, err)
	require.Equal(t, "maria@example.com", merged.EmailValue())
	require.Equal(t, "+15550102401", merged.PhoneValue())
}

func TestIncrementalSyncNeverDeletes(t *testing.T) {
	syncService, contactService := newSyncHarness(t)
	ctx := context.Background()

	kept, err := contactService.Create(ctx, testOwnerID, CreateContactInput{
		RawContact: contacts.RawContact{FirstName: "Stays", Phone: "+15550102501"},
	})
	require.NoError(t, err)

	outcome, err := syncService.Sync(ctx, testOwnerID, SyncInput{
		SyncType: models.SyncTypeIncremental,
		Contacts: []DeviceContact{
			{RawContact: contacts.RawContact{FirstName: "Other", Phone: "+15550102502"}},
		},
	})
	require.NoError(t, err)
	require.Empty(t, outcome.DeletionCandidates)
	require.Zero(t, outcome.Session.ContactsDeleted)

	_, err = contactService.Get(ctx, testOwnerID, kept.ID)
	require.NoError(t, err)
}

func TestFullSyncReportsDeletionCandidatesWithoutConfirmation(t *testing.T) {
	syncService, contactService := newSyncHarness(t)
	ctx := context.Background()

	absent, err := contactService.Create(ctx, testOwnerID, CreateContactInput{
		RawContact: contacts.RawContact{FirstName: "Gone", Phone: "+15550102601"},
	})
	require.NoError(t, err)

	outcome, err := syncService.Sync(ctx, testOwnerID, SyncInput{
		SyncType: models.SyncTypeFull,
		Contacts: []DeviceContact{
			{RawContact: contacts.RawContact{FirstName: "Present", Phone: "+15550102602"}},
		},
	})
	require.NoError(t, err)

	require.Equal(t, []string{absent.ID}, outcome.DeletionCandidates)
	require.Zero(t, outcome.Session.ContactsDeleted)

	// Still there: candidates are reported, never silently removed.
	_, err = contactService.Get(ctx, testOwnerID, absent.ID)
	require.NoError(t, err)
}

func TestFullSyncDeletesWithConfirmation(t *testing.T) {
	syncService, contactService := newSyncHarness(t)
	ctx := context.Background()

	absent, err := contactService.Create(ctx, testOwnerID, CreateContactInput{
		RawContact: contacts.RawContact{FirstName: "Gone", Phone: "+15550102701"},
	})
	require.NoError(t, err)

	outcome, err := syncService.Sync(ctx, testOwnerID, SyncInput{
		SyncType:         models.SyncTypeFull,
		ConfirmDeletions: true,
		Contacts: []DeviceContact{
			{RawContact: contacts.RawContact{FirstName: "Present", Phone: "+15550102702"}},
		},
	})
	require.NoError(t, err)

	require.Empty(t, outcome.DeletionCandidates)
	require.Equal(t, 1, outcome.Session.ContactsDeleted)

	_, err = contactService.Get(ctx, testOwnerID, absent.ID)
	requireAppCode(t, err, apperrors.ErrNotFound.Code)
}

func TestSyncEnforcesCap(t *testing.T) {
	syncService, _ := newSyncHarness(t, WithSyncLimit(2))

	_, err := syncService.Sync(context.Background(), testOwnerID, SyncInput{
		Contacts: []DeviceContact{
			{RawContact: contacts.RawContact{Phone: "+15550102801"}},
			{RawContact: contacts.RawContact{Phone: "+15550102802"}},
			{RawContact: contacts.RawContact{Phone: "+15550102803"}},
		},
	})
	requireAppCode(t, err, apperrors.ErrBatchTooLarge.Code)
}

func TestSyncRejectsUnknownType(t *testing.T) {
	syncService, _ := newSyncHarness(t)

	_, err := syncService.Sync(context.Background(), testOwnerID, SyncInput{SyncType: "weekly"})
	requireAppCode(t, err, apperrors.ErrValidation.Code)
}

func TestSyncCountsInvalidRecords(t *testing.T) {
	syncService, _ := newSyncHarness(t)

	outcome, err := syncService.Sync(context.Background(), testOwnerID, SyncInput{
		Contacts: []DeviceContact{
			{RawContact: contacts.RawContact{FirstName: "Valid", Phone: "+15550102901"}},
			{RawContact: contacts.RawContact{FirstName: "Broken", Phone: "12"}},
		},
	})
	require.NoError(t, err)

	require.Len(t, outcome.Result.Successful, 1)
	require.Len(t, outcome.Result.Failed, 1)
	require.Equal(t, 1, outcome.Session.ContactsErrors)
}

func TestSyncSessionPersisted(t *testing.T) {
	syncService, _ := newSyncHarness(t)
	ctx := context.Background()

	outcome, err := syncService.Sync(ctx, testOwnerID, SyncInput{
		DeviceID: "pixel-9",
		Contacts: []DeviceContact{
			{RawContact: contacts.RawContact{FirstName: "Maria", Phone: "+15550103001"}},
		},
	})
	require.NoError(t, err)

	session, err := syncService.GetSession(ctx, testOwnerID, outcome.Session.ID)
	require.NoError(t, err)
	require.Equal(t, "pixel-9", session.DeviceID)
	require.Equal(t, models.SyncTypeIncremental, session.SyncType)
	require.Equal(t, 1, session.ContactsNew)

	sessions, err := syncService.ListSessions(ctx, testOwnerID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
}

func TestFullSyncFailedRecordSuppressesDeletion(t *testing.T) {
	syncService, contactService := newSyncHarness(t)
	ctx := context.Background()

	existing, err := contactService.Create(ctx, testOwnerID, CreateContactInput{
		RawContact: contacts.RawContact{FirstName: "Kept", Phone: "+15551234567"},
	})
	require.NoError(t, err)

	// The only payload record is the same contact with a mangled phone. It
	// fails normalization, so the server row never registers as touched and
	// must not be deleted even though deletions were confirmed.
	outcome, err := syncService.Sync(ctx, testOwnerID, SyncInput{
		SyncType:         models.SyncTypeFull,
		ConfirmDeletions: true,
		Contacts: []DeviceContact{
			{RawContact: contacts.RawContact{FirstName: "Kept", Phone: "123"}},
		},
	})
	require.NoError(t, err)

	require.Len(t, outcome.Result.Failed, 1)
	require.Equal(t, []string{existing.ID}, outcome.DeletionCandidates)
	require.Zero(t, outcome.Session.ContactsDeleted)

	kept, err := contactService.Get(ctx, testOwnerID, existing.ID)
	require.NoError(t, err)
	require.Equal(t, existing.ID, kept.ID)
}

func TestSyncSkipsRecordsUnchangedSinceLastSync(t *testing.T) {
	syncService, contactService := newSyncHarness(t)
	ctx := context.Background()

	existing, err := contactService.Create(ctx, testOwnerID, CreateContactInput{
		RawContact: contacts.RawContact{FirstName: "Maria", Phone: "+15550103101", Company: "Northwind"},
	})
	require.NoError(t, err)

	// Device timestamp beats the server row, but the record predates the
	// last sync, so the previous pass already reconciled it.
	modified := time.Now().Add(time.Hour)
	outcome, err := syncService.Sync(ctx, testOwnerID, SyncInput{
		LastSyncAt: modified.Add(time.Hour),
		Contacts: []DeviceContact{
			{
				RawContact: contacts.RawContact{FirstName: "Maria", Phone: "+15550103101", Company: "Contoso"},
				ModifiedAt: modified,
			},
		},
	})
	require.NoError(t, err)

	require.Len(t, outcome.Result.Duplicates, 1)
	require.Equal(t, 1, outcome.Session.ContactsDuplicates)
	require.NotNil(t, outcome.Session.LastSyncAt)

	stored, err := contactService.Get(ctx, testOwnerID, existing.ID)
	require.NoError(t, err)
	require.Equal(t, "Northwind", stored.Company)
}

func TestSyncAcceptsImportType(t *testing.T) {
	syncService, _ := newSyncHarness(t)

	outcome, err := syncService.Sync(context.Background(), testOwnerID, SyncInput{
		SyncType: models.SyncTypeImport,
		Contacts: []DeviceContact{
			{RawContact: contacts.RawContact{FirstName: "Maria", Phone: "+15550103201"}},
		},
	})
	require.NoError(t, err)

	require.Equal(t, models.SyncTypeImport, outcome.Session.SyncType)
	require.Len(t, outcome.Result.Successful, 1)
}
