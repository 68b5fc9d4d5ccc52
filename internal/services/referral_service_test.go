package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestaid/nestaid-server/internal/database/testutil"
	apperrors "github.com/nestaid/nestaid-server/pkg/errors"
)

func newReferralService(t *testing.T, opts ...ReferralOption) *ReferralService {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	service, err := NewReferralService(db, opts...)
	require.NoError(t, err)
	return service
}

func TestReferralServiceRequiresDB(t *testing.T) {
	_, err := NewReferralService(nil)
	require.Error(t, err)
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	service := newReferralService(t)
	ctx := context.Background()

	first, err := service.GetOrCreate(ctx, testOwnerID)
	require.NoError(t, err)
	require.Len(t, first.Code, defaultReferralCodeLength)

	second, err := service.GetOrCreate(ctx, testOwnerID)
	require.NoError(t, err)
	require.Equal(t, first.Code, second.Code)
	require.Equal(t, first.ID, second.ID)
}

func TestGetOrCreateIssuesDistinctCodesPerUser(t *testing.T) {
	service := newReferralService(t)
	ctx := context.Background()

	first, err := service.GetOrCreate(ctx, testOwnerID)
	require.NoError(t, err)

	second, err := service.GetOrCreate(ctx, "22222222-2222-2222-2222-222222222222")
	require.NoError(t, err)
	require.NotEqual(t, first.Code, second.Code)
}

func TestResolveCode(t *testing.T) {
	service := newReferralService(t)
	ctx := context.Background()

	issued, err := service.GetOrCreate(ctx, testOwnerID)
	require.NoError(t, err)

	resolved, err := service.Resolve(ctx, issued.Code)
	require.NoError(t, err)
	require.Equal(t, testOwnerID, resolved.UserID)

	_, err = service.Resolve(ctx, "NOPE1234")
	requireAppCode(t, err, apperrors.ErrNotFound.Code)
}

func TestAttributionCounters(t *testing.T) {
	service := newReferralService(t)
	ctx := context.Background()

	issued, err := service.GetOrCreate(ctx, testOwnerID)
	require.NoError(t, err)

	require.NoError(t, service.RecordClick(ctx, issued.Code))
	require.NoError(t, service.RecordClick(ctx, issued.Code))
	require.NoError(t, service.RecordAcceptance(ctx, issued.Code))

	// Unknown codes are silently ignored.
	require.NoError(t, service.RecordClick(ctx, "UNKNOWN1"))

	resolved, err := service.Resolve(ctx, issued.Code)
	require.NoError(t, err)
	require.Equal(t, 2, resolved.ClickCount)
	require.Equal(t, 1, resolved.AcceptanceCount)
}
