package identity

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/signond/internal/aclgate"
	"github.com/cuemby/signond/internal/credentialsdb"
	"github.com/cuemby/signond/internal/events"
	"github.com/cuemby/signond/internal/identityinfo"
)

func newTestHandle(t *testing.T) (*Identity, sqlmock.Sqlmock, *events.Bus) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)
	t.Cleanup(func() { sqlDB.Close() })

	db := credentialsdb.NewForTesting(sqlDB)
	gate := aclgate.NewAlwaysAllow()
	bus, err := events.NewBus(events.Config{}, "test-node")
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	h := New("handle-1", db, gate, nil, bus, nil, nil, 300*time.Second, func() {})
	return h, mock, bus
}

func TestStoreRefusesOrphanWithNoAppIDAndNoOwners(t *testing.T) {
	h, _, _ := newTestHandle(t)
	_, appErr := h.Store(context.Background(), aclgate.Caller{}, identityinfo.IdentityInfo{UserName: "alice"})
	require.NotNil(t, appErr)
}

func TestStoreInsertsAndEmitsCredentialsStored(t *testing.T) {
	h, mock, bus := newTestHandle(t)
	inbox := bus.Register("handle-1")

	mock.ExpectQuery(`INSERT INTO identities`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectExec(`INSERT INTO identity_owners`).WillReturnResult(sqlmock.NewResult(0, 1))

	info := identityinfo.IdentityInfo{UserName: "alice", Owners: []string{"app1"}}
	id, appErr := h.Store(context.Background(), aclgate.Caller{ServiceName: "app1"}, info)
	require.Nil(t, appErr)
	require.Equal(t, uint32(42), id)

	select {
	case sig := <-inbox:
		require.Equal(t, events.CredentialsStored, sig.Kind)
	default:
		t.Fatal("expected a credentials_stored signal")
	}
}

func TestRemoveRequiresOwnership(t *testing.T) {
	h, _, _ := newTestHandle(t)
	h.info = identityinfo.IdentityInfo{Owners: []string{"owner-app"}}
	h.id = 5

	appErr := h.Remove(context.Background(), aclgate.Caller{ServiceName: "not-the-owner"})
	require.NotNil(t, appErr)
}

func TestRemoveTransitionsToRemovedAndFansOutToAllHandles(t *testing.T) {
	h, mock, bus := newTestHandle(t)
	h.info = identityinfo.IdentityInfo{Owners: []string{"owner-app"}}
	h.id = 5
	h.peers = func(uint32) []string { return []string{"handle-2"} }

	self := bus.Register("handle-1")
	peer := bus.Register("handle-2")

	mock.ExpectExec(`DELETE FROM identities`).WillReturnResult(sqlmock.NewResult(0, 1))

	appErr := h.Remove(context.Background(), aclgate.Caller{ServiceName: "owner-app"})
	require.Nil(t, appErr)
	require.Equal(t, Removed, h.State())

	var sawRemovedSelf, sawRemovedPeer bool
	for i := 0; i < 2; i++ {
		select {
		case sig := <-self:
			if sig.Kind == events.InfoUpdated {
				sawRemovedSelf = true
			}
		case sig := <-peer:
			if sig.Kind == events.InfoUpdated {
				sawRemovedPeer = true
			}
		default:
		}
	}
	require.True(t, sawRemovedPeer, "peer handle must observe infoUpdated(Removed)")
	_ = sawRemovedSelf
}

func TestSignOutDoesNotDeliverInfoUpdatedToCallingHandle(t *testing.T) {
	h, mock, bus := newTestHandle(t)
	h.id = 9
	h.peers = func(uint32) []string { return []string{"handle-2"} }

	self := bus.Register("handle-1")
	peer := bus.Register("handle-2")

	mock.ExpectExec(`DELETE FROM identity_method_data`).WillReturnResult(sqlmock.NewResult(0, 0))

	appErr := h.SignOut(context.Background())
	require.Nil(t, appErr)

	select {
	case sig := <-peer:
		require.Equal(t, events.InfoUpdated, sig.Kind)
	default:
		t.Fatal("peer handle must observe infoUpdated(SignedOut)")
	}

	select {
	case sig := <-self:
		require.NotEqual(t, events.InfoUpdated, sig.Kind, "the calling handle must not re-observe its own sign-out as infoUpdated")
	default:
	}
}
