package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/signond/internal/aclgate"
	"github.com/cuemby/signond/internal/config"
	"github.com/cuemby/signond/internal/credentialsdb"
	"github.com/cuemby/signond/internal/events"
	"github.com/cuemby/signond/internal/identityinfo"
)

func newTestDaemon(t *testing.T) (*Daemon, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)
	t.Cleanup(func() { sqlDB.Close() })

	db := credentialsdb.NewForTesting(sqlDB)
	gate := aclgate.New(nil)
	bus, err := events.NewBus(events.Config{}, "test-node")
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	cfg := config.Defaults()
	cfg.PluginDir = t.TempDir()
	cfg.IdentityTimeout = 300 * time.Second
	cfg.AuthSessionTimeout = 300 * time.Second

	d := New(cfg, db, gate, bus, nil)
	return d, mock
}

func expectCredentialsQuery(mock sqlmock.Sqlmock, id uint32, acl []string) {
	rows := sqlmock.NewRows([]string{"id", "username", "caption", "secret", "store_secret", "validated", "credentials_type"}).
		AddRow(id, "alice", "", "topsecret", true, true, 1)
	mock.ExpectQuery(`SELECT id, username, caption, secret`).WillReturnRows(rows)
	mock.ExpectQuery(`SELECT realm FROM identity_realms`).WillReturnRows(sqlmock.NewRows([]string{"realm"}))
	aclRows := sqlmock.NewRows([]string{"token"})
	for _, t := range acl {
		aclRows.AddRow(t)
	}
	mock.ExpectQuery(`SELECT token FROM identity_acl`).WillReturnRows(aclRows)
	mock.ExpectQuery(`SELECT token FROM identity_owners`).WillReturnRows(sqlmock.NewRows([]string{"token"}))
	mock.ExpectQuery(`SELECT method, mechanism FROM identity_methods`).WillReturnRows(sqlmock.NewRows([]string{"method", "mechanism"}))
	mock.ExpectQuery(`SELECT app_token, name FROM identity_refs`).WillReturnRows(sqlmock.NewRows([]string{"app_token", "name"}))
}

func TestRegisterNewIdentityReturnsResolvableHandle(t *testing.T) {
	d, _ := newTestDaemon(t)
	name := d.RegisterNewIdentity()
	require.NotEmpty(t, name)

	h, ok := d.IdentityHandle(name)
	require.True(t, ok)
	require.Equal(t, uint32(identityinfo.NewIdentity), h.ID())
}

func TestGetIdentityRejectsWhenCallerOutsideACL(t *testing.T) {
	d, mock := newTestDaemon(t)
	expectCredentialsQuery(mock, 5, []string{"app1"})

	_, _, appErr := d.GetIdentity(context.Background(), aclgate.Caller{ServiceName: "app2"}, 5)
	require.NotNil(t, appErr)
}

func TestGetIdentitySucceedsWhenCallerInACL(t *testing.T) {
	d, mock := newTestDaemon(t)
	expectCredentialsQuery(mock, 5, []string{"app1"})

	name, info, appErr := d.GetIdentity(context.Background(), aclgate.Caller{ServiceName: "app1"}, 5)
	require.Nil(t, appErr)
	require.NotEmpty(t, name)
	require.Equal(t, "alice", info.UserName)
	require.Empty(t, info.Secret, "GetIdentity must never return the secret")

	h, ok := d.IdentityHandle(name)
	require.True(t, ok)
	require.Equal(t, uint32(5), h.ID())
}

func TestGetAuthSessionForUnsavedIdentityNeedsNoACL(t *testing.T) {
	d, _ := newTestDaemon(t)
	name, appErr := d.GetAuthSession(context.Background(), aclgate.Caller{}, identityinfo.NewIdentity, "password")
	require.Nil(t, appErr)

	handle, ok := d.SessionHandle(name)
	require.True(t, ok)
	require.NotNil(t, handle)
}

func TestGetAuthSessionSharesOneCoreAcrossHandles(t *testing.T) {
	d, _ := newTestDaemon(t)
	name1, appErr := d.GetAuthSession(context.Background(), aclgate.Caller{}, identityinfo.NewIdentity, "password")
	require.Nil(t, appErr)
	name2, appErr := d.GetAuthSession(context.Background(), aclgate.Caller{}, identityinfo.NewIdentity, "password")
	require.Nil(t, appErr)

	require.Len(t, d.cores, 1, "both handles must share the single (id, method) core")
	require.NotEqual(t, name1, name2)
}

func TestQueryMethodsScansPluginDirectory(t *testing.T) {
	d, _ := newTestDaemon(t)
	require.NoError(t, os.WriteFile(filepath.Join(d.cfg.PluginDir, "libpasswordplugin.so"), []byte("x"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(d.cfg.PluginDir, "libtotpplugin.so"), []byte("x"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(d.cfg.PluginDir, "README.md"), []byte("x"), 0o644))

	methods, err := d.QueryMethods()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"password", "totp"}, methods)
}

func TestQueryIdentitiesRejectsNonKeychainCaller(t *testing.T) {
	d, _ := newTestDaemon(t)
	_, appErr := d.QueryIdentities(context.Background(), aclgate.Caller{}, nil)
	require.NotNil(t, appErr)
}

func TestClearRejectsNonKeychainCaller(t *testing.T) {
	d, _ := newTestDaemon(t)
	appErr := d.Clear(context.Background(), aclgate.Caller{})
	require.NotNil(t, appErr)
}

func TestUnrefSessionHandleRemovesRegistryEntryAndSignalsUnregistered(t *testing.T) {
	d, _ := newTestDaemon(t)
	name, appErr := d.GetAuthSession(context.Background(), aclgate.Caller{}, identityinfo.NewIdentity, "password")
	require.Nil(t, appErr)

	inbox := d.Bus().Register(name)
	d.UnrefSessionHandle(name)

	sig, ok := <-inbox
	require.True(t, ok)
	require.Equal(t, events.Unregistered, sig.Kind)

	_, ok = d.SessionHandle(name)
	require.False(t, ok, "objectUnref must remove the handle's registry entry")
}

func TestClearAllowsKeychainCaller(t *testing.T) {
	d, mock := newTestDaemon(t)
	mock.ExpectExec(`DELETE FROM identities`).WillReturnResult(sqlmock.NewResult(0, 0))

	appErr := d.Clear(context.Background(), aclgate.Caller{IsKeychain: true})
	require.Nil(t, appErr)
}
