package infra

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, env *testEnv) *Gateway {
	t.Helper()
	g, err := NewGateway(env.config, prometheus.NewRegistry(), env.logger)
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

func registerUser(t *testing.T, g *Gateway, username string) RequestContext {
	t.Helper()
	rc := g.NewRequestContext(username, "org1")
	_, err := g.RegisterUser(context.Background(), rc)
	require.NoError(t, err)

	_, ok := g.Listeners().Get(rc.Channel.ChannelName, username, "org1")
	require.True(t, ok)
	return rc
}

func transactionEvents(conn *fakeConn) []Event {
	var events []Event
	for _, e := range conn.events() {
		if e.Type == EventTransaction {
			events = append(events, e)
		}
	}
	return events
}

func TestGatewayInvokeAnnouncesCommitOnce(t *testing.T) {
	env := newTestEnv(t, 2)
	g := newTestGateway(t, env)
	alice := registerUser(t, g, "alice")
	registerUser(t, g, "bob")

	conn := &fakeConn{}
	g.Hub().Register(conn, Subscription{ChannelName: env.config.Channel})

	receipt, err := g.Invoke(context.Background(), alice, "createOrder", PositionalArgs("o-gw", "NEW", "5", "alice"))
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", receipt.Status)

	require.Eventually(t, func() bool { return len(transactionEvents(conn)) >= 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	events := transactionEvents(conn)
	require.Len(t, events, 1)
	assert.Equal(t, receipt.TxID, events[0].Transaction.TxID)
	assert.Equal(t, env.config.Channel, events[0].Channel)
	assert.Equal(t, []string{"o-gw"}, events[0].Transaction.WriteKeys)

	payload, err := g.Query(context.Background(), alice, "queryOrder", PositionalArgs("o-gw"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"Key":"o-gw","State":"NEW","Count":"5","Owner":"alice"}`, string(payload))
}

func TestGatewayListenerStartsAtChainHeight(t *testing.T) {
	env := newTestEnv(t, 1)
	g := newTestGateway(t, env)
	height := env.network.Ledger.Height()
	registerUser(t, g, "alice")

	l, ok := g.Listeners().Get(env.config.Channel, "alice", "org1")
	require.True(t, ok)
	last, ok := l.LastBlock()
	require.True(t, ok)
	assert.Equal(t, height-1, last)
}

func TestGatewayAnnouncesCommitMadeBeforeFirstSubscription(t *testing.T) {
	env := newTestEnv(t, 1)
	g := newTestGateway(t, env)
	conn := &fakeConn{}
	g.Hub().Register(conn, Subscription{ChannelName: env.config.Channel})

	p := env.network.Peers[0]
	p.DeliverDown.Store(true)
	alice := registerUser(t, g, "alice")

	receipt, err := g.Invoke(context.Background(), alice, "createOrder", PositionalArgs("o1", "NEW", "10", "alice"))
	require.NoError(t, err)
	assert.Empty(t, transactionEvents(conn))

	p.DeliverDown.Store(false)
	require.Eventually(t, func() bool { return len(transactionEvents(conn)) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, receipt.TxID, transactionEvents(conn)[0].Transaction.TxID)
	assert.Equal(t, []string{"o1"}, transactionEvents(conn)[0].Transaction.WriteKeys)
}

func TestGatewayIdentityScope(t *testing.T) {
	env := newTestEnv(t, 1)
	env.config.Notifications.Scope = ScopeIdentity
	g := newTestGateway(t, env)
	alice := registerUser(t, g, "alice")
	registerUser(t, g, "bob")

	aliceConn, bobConn := &fakeConn{}, &fakeConn{}
	g.Hub().Register(aliceConn, Subscription{ChannelName: env.config.Channel, Username: "alice", Organization: "org1"})
	g.Hub().Register(bobConn, Subscription{ChannelName: env.config.Channel, Username: "bob", Organization: "org1"})

	receipt, err := g.Invoke(context.Background(), alice, "createOrder", PositionalArgs("o-scope", "NEW", "5", "alice"))
	require.NoError(t, err)

	for _, conn := range []*fakeConn{aliceConn, bobConn} {
		conn := conn
		require.Eventually(t, func() bool { return len(transactionEvents(conn)) == 1 }, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, receipt.TxID, transactionEvents(conn)[0].Transaction.TxID)
	}
	assert.Equal(t, "alice", transactionEvents(aliceConn)[0].Username)
	assert.Equal(t, "bob", transactionEvents(bobConn)[0].Username)
}

func TestGatewayAnnouncesListenerState(t *testing.T) {
	env := newTestEnv(t, 1)
	g := newTestGateway(t, env)

	conn := &fakeConn{}
	g.Hub().Register(conn, Subscription{})
	registerUser(t, g, "alice")

	require.Eventually(t, func() bool {
		for _, e := range conn.events() {
			if e.Type == EventListener && e.State == "listening" && e.Username == "alice" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGatewayUnknownUser(t *testing.T) {
	env := newTestEnv(t, 1)
	g := newTestGateway(t, env)
	rc := g.NewRequestContext("nobody", "org1")

	_, err := g.Invoke(context.Background(), rc, "createOrder", PositionalArgs("o1", "NEW", "1", "nobody"))
	var notFound *IdentityNotFoundError
	require.True(t, errors.As(err, &notFound))

	_, err = g.Query(context.Background(), rc, "queryAllOrder", PositionalArgs())
	require.True(t, errors.As(err, &notFound))
	assert.Zero(t, env.network.Peers[0].Proposals.Load())
}

func TestGatewayInvokeRestartsListener(t *testing.T) {
	env := newTestEnv(t, 1)
	g := newTestGateway(t, env)
	alice := registerUser(t, g, "alice")

	g.Listeners().Stop(env.config.Channel, "alice", "org1")
	_, ok := g.Listeners().Get(env.config.Channel, "alice", "org1")
	require.False(t, ok)

	_, err := g.Invoke(context.Background(), alice, "createOrder", PositionalArgs("o-restart", "NEW", "1", "alice"))
	require.NoError(t, err)

	_, ok = g.Listeners().Get(env.config.Channel, "alice", "org1")
	assert.True(t, ok)
}

func TestGatewayInvokeEndorsementFailure(t *testing.T) {
	env := newTestEnv(t, 1)
	g := newTestGateway(t, env)
	alice := registerUser(t, g, "alice")
	height := env.network.Ledger.Height()

	_, err := g.Invoke(context.Background(), alice, "changeOrder", PositionalArgs("missing", "NEW", "1", "alice"))
	var mismatch *EndorsementMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, height, env.network.Ledger.Height())
	assert.Zero(t, env.network.Orderer.Broadcasts.Load())
}

func TestGatewayExportsCommits(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []Event
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var e Event
		if json.Unmarshal(raw, &e) == nil {
			mu.Lock()
			bodies = append(bodies, e)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	env := newTestEnv(t, 1)
	env.config.Exporter.URL = receiver.URL
	g := newTestGateway(t, env)
	alice := registerUser(t, g, "alice")

	receipt, err := g.Invoke(context.Background(), alice, "createOrder", PositionalArgs("o-export", "NEW", "1", "alice"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventTransaction, bodies[0].Type)
	assert.Equal(t, receipt.TxID, bodies[0].Transaction.TxID)
}

func TestGatewayRateLimitHonoursContext(t *testing.T) {
	env := newTestEnv(t, 1)
	env.config.Rate = 1
	env.config.Burst = 1
	g := newTestGateway(t, env)
	alice := registerUser(t, g, "alice")

	_, err := g.Invoke(context.Background(), alice, "createOrder", PositionalArgs("o-rate-1", "NEW", "1", "alice"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = g.Invoke(ctx, alice, "createOrder", PositionalArgs("o-rate-2", "NEW", "1", "alice"))
	assert.Error(t, err)
}
