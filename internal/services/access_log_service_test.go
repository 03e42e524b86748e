package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/keyfold/keyfold/internal/database/testutil"
	"github.com/keyfold/keyfold/internal/geoip"
	"github.com/keyfold/keyfold/internal/models"
)

// seedAccessAccount creates the organization and user rows access entries
// reference; the schema enforces the user foreign key.
func seedAccessAccount(t *testing.T, db *gorm.DB) (*models.Organization, *models.User) {
	t.Helper()

	org := models.Organization{
		Name:       "Acme " + t.Name(),
		Slug:       "acme-" + t.Name(),
		SigningKey: "sk",
		DataKey:    "dk",
	}
	require.NoError(t, db.Create(&org).Error)

	user := models.User{
		OrganizationID: org.ID,
		Email:          t.Name() + "@acme.test",
	}
	require.NoError(t, db.Create(&user).Error)

	return &org, &user
}

func TestRecordAnnotatesCountry(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	service, err := NewAccessLogService(db, geoip.StaticResolver{Default: geoip.Location{Country: "NL"}})
	require.NoError(t, err)
	ctx := context.Background()

	org, user := seedAccessAccount(t, db)

	require.NoError(t, service.Record(ctx, AccessRecord{
		OrganizationID: org.ID,
		UserID:         user.ID,
		Action:         ActionLogin,
		Result:         ResultSuccess,
		IPAddress:      "127.0.0.1",
	}))
	require.NoError(t, service.Record(ctx, AccessRecord{
		OrganizationID: org.ID,
		Action:         ActionLogin,
		Result:         ResultFailure,
		IPAddress:      "203.0.113.9",
		Metadata:       map[string]any{"reason": "bad password"},
	}))

	entries, err := service.ListForOrganization(ctx, org.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byResult := map[string]models.AccessLog{}
	for _, entry := range entries {
		byResult[entry.Result] = entry
	}

	require.Equal(t, "local", byResult[ResultSuccess].Country)
	require.NotNil(t, byResult[ResultSuccess].UserID)
	require.Equal(t, user.ID, *byResult[ResultSuccess].UserID)

	require.Equal(t, "NL", byResult[ResultFailure].Country)
	require.Nil(t, byResult[ResultFailure].UserID)
	require.JSONEq(t, `{"reason":"bad password"}`, string(byResult[ResultFailure].Metadata))
}

func TestRecordRequiresActionAndResult(t *testing.T) {
	service, err := NewAccessLogService(testutil.MustOpenTestDB(t), nil)
	require.NoError(t, err)

	require.Error(t, service.Record(context.Background(), AccessRecord{OrganizationID: "org-1"}))
}

func TestCleanupOlderThanHonorsRetention(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	service, err := NewAccessLogService(db, nil)
	require.NoError(t, err)
	ctx := context.Background()

	old := models.AccessLog{
		OrganizationID: "org-1",
		Action:         ActionLogin,
		Result:         ResultSuccess,
		CreatedAt:      time.Now().Add(-48 * time.Hour),
	}
	require.NoError(t, db.Create(&old).Error)
	require.NoError(t, service.Record(ctx, AccessRecord{
		OrganizationID: "org-1",
		Action:         ActionLogin,
		Result:         ResultSuccess,
	}))

	removed, err := service.CleanupOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	entries, err := service.ListForOrganization(ctx, "org-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
