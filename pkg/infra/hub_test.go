package infra

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed int
	block  chan struct{}
	fail   bool
}

func (c *fakeConn) Send(payload []byte) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, payload)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := make([]Event, 0, len(c.frames))
	for _, f := range c.frames {
		var e Event
		if err := json.Unmarshal(f, &e); err == nil {
			events = append(events, e)
		}
	}
	return events
}

func (c *fakeConn) closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestHub(scope Scope, buffer int) (*Hub, *Metrics) {
	metrics := newTestMetrics()
	return NewHub(NotificationConfig{Scope: scope, BufferSize: buffer}, metrics, newTestLogger()), metrics
}

func txEvent(channel, username, txid string) *Event {
	return &Event{
		Type:         EventTransaction,
		Channel:      channel,
		Username:     username,
		Organization: "org1",
		BlockNumber:  1,
		Transaction:  &CommittedTransaction{TxID: txid, Valid: true, ValidationCode: "VALID"},
	}
}

func TestHubScopes(t *testing.T) {
	tests := []struct {
		scope    Scope
		expected map[string]int
	}{
		{scope: ScopeGlobal, expected: map[string]int{"alice": 2, "bob": 2, "other": 2}},
		{scope: ScopeChannel, expected: map[string]int{"alice": 1, "bob": 1, "other": 1}},
		{scope: ScopeIdentity, expected: map[string]int{"alice": 2, "bob": 0, "other": 2}},
	}

	for _, tt := range tests {
		t.Run(string(tt.scope), func(t *testing.T) {
			hub, _ := newTestHub(tt.scope, 8)
			defer hub.Close()

			conns := map[string]*fakeConn{"alice": {}, "bob": {}, "other": {}}
			hub.Register(conns["alice"], Subscription{ChannelName: "mychannel", Username: "alice", Organization: "org1"})
			hub.Register(conns["bob"], Subscription{ChannelName: "mychannel", Username: "bob", Organization: "org1"})
			hub.Register(conns["other"], Subscription{ChannelName: "otherchannel", Username: "alice", Organization: "org1"})

			hub.Broadcast(txEvent("mychannel", "alice", "tx1"))
			hub.Broadcast(txEvent("otherchannel", "alice", "tx2"))

			for name, want := range tt.expected {
				conn := conns[name]
				require.Eventually(t, func() bool { return len(conn.events()) == want }, time.Second, 5*time.Millisecond, name)
			}
			time.Sleep(20 * time.Millisecond)
			for name, want := range tt.expected {
				assert.Len(t, conns[name].events(), want, name)
			}
		})
	}
}

func TestHubPreservesOrderPerConnection(t *testing.T) {
	hub, _ := newTestHub(ScopeGlobal, 64)
	defer hub.Close()
	conn := &fakeConn{}
	hub.Register(conn, Subscription{})

	for _, txid := range []string{"a", "b", "c", "d"} {
		hub.Broadcast(txEvent("mychannel", "alice", txid))
	}

	require.Eventually(t, func() bool { return len(conn.events()) == 4 }, time.Second, 5*time.Millisecond)
	var txids []string
	for _, e := range conn.events() {
		txids = append(txids, e.Transaction.TxID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, txids)
}

func TestHubUnregisterIsIdempotent(t *testing.T) {
	hub, metrics := newTestHub(ScopeGlobal, 8)
	conn := &fakeConn{}
	hub.Register(conn, Subscription{Username: "alice"})
	assert.Equal(t, 1, hub.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.HubConnections))

	hub.Unregister(conn)
	hub.Unregister(conn)

	assert.Equal(t, 0, hub.Len())
	assert.Equal(t, 1, conn.closes())
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.HubConnections))

	hub.Broadcast(txEvent("mychannel", "alice", "tx1"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, conn.events())
}

func TestHubRegisterTwiceReplacesSubscription(t *testing.T) {
	hub, _ := newTestHub(ScopeChannel, 8)
	defer hub.Close()
	conn := &fakeConn{}

	hub.Register(conn, Subscription{ChannelName: "otherchannel"})
	hub.Register(conn, Subscription{ChannelName: "mychannel"})
	assert.Equal(t, 1, hub.Len())

	hub.Broadcast(txEvent("mychannel", "alice", "tx1"))
	require.Eventually(t, func() bool { return len(conn.events()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubDropsSlowConnection(t *testing.T) {
	hub, metrics := newTestHub(ScopeGlobal, 1)
	defer hub.Close()

	slow := &fakeConn{block: make(chan struct{})}
	fast := &fakeConn{}
	hub.Register(slow, Subscription{Username: "slow"})
	hub.Register(fast, Subscription{Username: "fast"})

	// the first frame is taken by the blocked writer, the second fills the
	// queue and the third overflows it
	for _, txid := range []string{"tx1", "tx2", "tx3"} {
		hub.Broadcast(txEvent("mychannel", "alice", txid))
		time.Sleep(10 * time.Millisecond)
	}
	close(slow.block)

	assert.Equal(t, 1, hub.Len())
	assert.Equal(t, 1, slow.closes())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DroppedConnections))
	require.Eventually(t, func() bool { return len(fast.events()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestHubDropsFailingConnection(t *testing.T) {
	hub, _ := newTestHub(ScopeGlobal, 8)
	defer hub.Close()
	conn := &fakeConn{fail: true}
	hub.Register(conn, Subscription{})

	hub.Broadcast(txEvent("mychannel", "alice", "tx1"))

	require.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, conn.closes())
}

func TestHubClose(t *testing.T) {
	hub, _ := newTestHub(ScopeGlobal, 8)
	a, b := &fakeConn{}, &fakeConn{}
	hub.Register(a, Subscription{})
	hub.Register(b, Subscription{})

	hub.Close()

	assert.Equal(t, 0, hub.Len())
	assert.Equal(t, 1, a.closes())
	assert.Equal(t, 1, b.closes())
}
