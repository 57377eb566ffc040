package credentialsdb

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/signond/internal/identityinfo"
)

func TestInsert_AssignsIDAndWritesFields(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	store := NewForTesting(sqlDB)
	ctx := context.Background()

	mock.ExpectQuery("INSERT INTO identities").
		WithArgs("alice", "Alice", "", "", false, false, uint32(identityinfo.TypeApplication)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec("INSERT INTO identity_acl").
		WithArgs(uint32(7), "com.example.app").
		WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := store.Insert(ctx, identityinfo.IdentityInfo{
		UserName: "alice",
		Caption:  "Alice",
		Type:     identityinfo.TypeApplication,
		ACL:      []string{"com.example.app"},
	})

	require.NoError(t, err)
	assert.Equal(t, uint32(7), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_PinsUsernameOnValidatedIdentityButSucceeds(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	store := NewForTesting(sqlDB)
	ctx := context.Background()

	mock.ExpectQuery("SELECT username, validated FROM identities").
		WithArgs(uint32(1)).
		WillReturnRows(sqlmock.NewRows([]string{"username", "validated"}).AddRow("alice", true))
	// The attempted username change ("mallory") must not reach the UPDATE;
	// the stored username ("alice") is pinned instead (§8 P2).
	mock.ExpectExec("UPDATE identities").
		WithArgs("alice", "New Caption", "", "", false, false, uint32(0), uint32(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	for _, table := range []string{"identity_realms", "identity_methods", "identity_acl", "identity_owners", "identity_refs"} {
		mock.ExpectExec("DELETE FROM " + table).WithArgs(uint32(1)).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	err = store.Update(ctx, identityinfo.IdentityInfo{ID: 1, UserName: "mallory", Caption: "New Caption"})

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCredentials_NotFoundSurfacesIdentityNotFound(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	store := NewForTesting(sqlDB)
	ctx := context.Background()

	mock.ExpectQuery("SELECT id, username, caption, secret, store_secret, validated, credentials_type").
		WithArgs(uint32(99)).
		WillReturnError(sql.ErrNoRows)

	_, err = store.Credentials(ctx, 99, false)
	require.Error(t, err)
}

func TestStoreData_QueuesWhenSecretsUnavailable(t *testing.T) {
	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	store := NewForTesting(sqlDB)
	ctx := context.Background()

	err = store.StoreData(ctx, 5, "password", map[string]any{"hint": "x"}, false)
	require.NoError(t, err)

	data, err := store.LoadData(ctx, 5, "password", false)
	require.NoError(t, err)
	assert.Equal(t, "x", data["hint"])
}

func TestCheckPassword_VerifiesAgainstHashNotPlaintextColumn(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	store := NewForTesting(sqlDB)
	ctx := context.Background()

	hash, err := HashSecret("S")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT username, secret_hash FROM identities").
		WithArgs(uint32(42)).
		WillReturnRows(sqlmock.NewRows([]string{"username", "secret_hash"}).AddRow("alice", hash))

	ok, err := store.CheckPassword(ctx, 42, "alice", "S")
	require.NoError(t, err)
	require.True(t, ok, "the correct secret must verify against its own hash")
}

func TestCheckPassword_RejectsWrongSecret(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	store := NewForTesting(sqlDB)
	ctx := context.Background()

	hash, err := HashSecret("S")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT username, secret_hash FROM identities").
		WithArgs(uint32(42)).
		WillReturnRows(sqlmock.NewRows([]string{"username", "secret_hash"}).AddRow("alice", hash))

	ok, err := store.CheckPassword(ctx, 42, "alice", "X")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoadData_ReturnsEmptyMapWhenSecretsUnavailableAndNothingQueued(t *testing.T) {
	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	store := NewForTesting(sqlDB)
	ctx := context.Background()

	data, err := store.LoadData(ctx, 5, "totp", false)
	require.NoError(t, err)
	assert.Empty(t, data)
}
