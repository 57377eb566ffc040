package sessioncore

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/signond/internal/aclgate"
	"github.com/cuemby/signond/internal/apperror"
	"github.com/cuemby/signond/internal/credentialsdb"
	"github.com/cuemby/signond/internal/identityinfo"
	"github.com/cuemby/signond/internal/pluginproxy"
)

func newTestCore(t *testing.T) (*Core, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)
	t.Cleanup(func() { sqlDB.Close() })
	db := credentialsdb.NewForTesting(sqlDB)
	gate := aclgate.NewAlwaysAllow()
	c := New(7, "password", db, gate, nil, nil, 300*time.Second, func() {})
	return c, mock
}

// expectCredentialsQuery sets up the full query sequence Credentials()
// issues: the main row plus loadSideTables' five follow-up scans. The
// identity carries no side-table rows so Update's write-behind inserts
// have nothing to re-insert.
func expectCredentialsQuery(mock sqlmock.Sqlmock, id uint32, username string, storeSecret, validated bool) {
	rows := sqlmock.NewRows([]string{"id", "username", "caption", "secret", "store_secret", "validated", "credentials_type"}).
		AddRow(id, username, "", "topsecret", storeSecret, validated, 1)
	mock.ExpectQuery(`SELECT id, username, caption, secret`).WillReturnRows(rows)
	mock.ExpectQuery(`SELECT realm FROM identity_realms`).WillReturnRows(sqlmock.NewRows([]string{"realm"}))
	mock.ExpectQuery(`SELECT token FROM identity_acl`).WillReturnRows(sqlmock.NewRows([]string{"token"}))
	mock.ExpectQuery(`SELECT token FROM identity_owners`).WillReturnRows(sqlmock.NewRows([]string{"token"}))
	mock.ExpectQuery(`SELECT method, mechanism FROM identity_methods`).WillReturnRows(sqlmock.NewRows([]string{"method", "mechanism"}))
	mock.ExpectQuery(`SELECT app_token, name FROM identity_refs`).WillReturnRows(sqlmock.NewRows([]string{"app_token", "name"}))
}

// expectUpdate sets up Update()'s query sequence: the validated-username
// guard select, the row update, and clearSideTables' five deletes.
func expectUpdate(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT username, validated FROM identities`).
		WillReturnRows(sqlmock.NewRows([]string{"username", "validated"}).AddRow("alice", false))
	mock.ExpectExec(`UPDATE identities SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	for i := 0; i < 5; i++ {
		mock.ExpectExec(`DELETE FROM identity_`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

func TestCancelQueuedNonHeadRequestRemovesItAndSignalsCanceled(t *testing.T) {
	c, _ := newTestCore(t)

	head := &Request{CancelKey: "head", Reply: make(chan Reply, 1)}
	second := &Request{CancelKey: "second", Reply: make(chan Reply, 1)}
	c.current = head
	c.queue = []*Request{second}

	c.Cancel("second")

	require.Empty(t, c.queue)
	select {
	case reply := <-second.Reply:
		require.NotNil(t, reply.Err)
		require.Equal(t, apperror.SessionCanceledCode, reply.Err.Code)
	default:
		t.Fatal("expected a SessionCanceled reply for the canceled request")
	}
}

func TestCancelHeadAsksPluginButLeavesItQueued(t *testing.T) {
	c, _ := newTestCore(t)
	head := &Request{CancelKey: "head", Reply: make(chan Reply, 1)}
	c.current = head

	// No proxy configured: Cancel must not panic even though nothing can
	// actually be asked to cancel yet.
	require.NotPanics(t, func() { c.Cancel("head") })
	require.Equal(t, head, c.current)
}

func TestOnResultStripsSecretExceptForPasswordMethod(t *testing.T) {
	c, mock := newTestCore(t)
	c.method = "oidc"
	req := &Request{CancelKey: "k1", Reply: make(chan Reply, 1)}
	c.current = req
	c.id = 7

	expectCredentialsQuery(mock, 7, "alice", true, false)
	expectUpdate(mock)

	c.OnResult(map[string]any{KeyUserName: "alice", KeySecret: "topsecret"})

	reply := <-req.Reply
	require.NoError(t, errOf(reply))
	_, hasSecret := reply.Params[KeySecret]
	require.False(t, hasSecret, "non-password methods must not leak the secret in the reply")
}

func TestOnResultKeepsSecretForPasswordMethod(t *testing.T) {
	c, mock := newTestCore(t)
	c.method = "password"
	req := &Request{CancelKey: "k1", Reply: make(chan Reply, 1)}
	c.current = req
	c.id = 7

	expectCredentialsQuery(mock, 7, "alice", true, false)
	expectUpdate(mock)

	c.OnResult(map[string]any{KeyUserName: "alice", KeySecret: "topsecret"})

	reply := <-req.Reply
	require.Equal(t, "topsecret", reply.Params[KeySecret])
}

func errOf(r Reply) error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}

func TestOnErrorDeliversStructuredError(t *testing.T) {
	c, _ := newTestCore(t)
	req := &Request{CancelKey: "k1", Reply: make(chan Reply, 1)}
	c.current = req

	c.OnError("InvalidCredentials", "bad password")

	reply := <-req.Reply
	require.NotNil(t, reply.Err)
	require.Equal(t, apperror.InvalidCredentialsCode, reply.Err.Code)
}

// TestFinishCurrentDispatchesNextQueuedRequest guards P4/scenario 2
// (queue-FIFO under process): a request enqueued while another is
// in-flight must still be dispatched once the first one completes, not
// stranded in the queue forever.
func TestFinishCurrentDispatchesNextQueuedRequest(t *testing.T) {
	c, _ := newTestCore(t)
	c.id = identityinfo.NewIdentity
	// A zero-value Proxy is not started (no cmd/stdin), so dispatch's
	// Process call fails fast with InternalCommunication instead of
	// actually talking to a child; what this test checks is that both
	// requests get a reply at all, in enqueue order, proving pump was
	// re-invoked after the first finishCurrent.
	c.proxy = &pluginproxy.Proxy{}
	c.started = true

	first := &Request{CancelKey: "first", Reply: make(chan Reply, 1)}
	second := &Request{CancelKey: "second", Reply: make(chan Reply, 1)}
	c.mu.Lock()
	c.queue = []*Request{first, second}
	c.mu.Unlock()

	go c.pump(context.Background())

	select {
	case r := <-first.Reply:
		require.NotNil(t, r.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("first request never got a reply")
	}
	select {
	case r := <-second.Reply:
		require.NotNil(t, r.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("second request was stranded in the queue after the first finished")
	}
}

func TestComposeParamsOverridesUsernameForValidatedIdentity(t *testing.T) {
	c, mock := newTestCore(t)
	c.id = 7

	mock.ExpectQuery(`SELECT data FROM identity_method_data`).WillReturnError(context.DeadlineExceeded)
	expectCredentialsQuery(mock, 7, "alice", true, true)

	req := &Request{Caller: aclgate.Caller{ServiceName: "app1"}, Params: map[string]any{KeyUserName: "someone-else"}}
	params := c.composeParams(context.Background(), 7, req)

	require.Equal(t, "alice", params[KeyUserName])
}
