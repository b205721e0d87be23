package infra

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockRecorder struct {
	mu     sync.Mutex
	blocks []*CommittedBlock
	states []ListenerState
}

func (r *blockRecorder) onCommit(_ Subscription, block *CommittedBlock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = append(r.blocks, block)
}

func (r *blockRecorder) onState(_ Subscription, state ListenerState, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *blockRecorder) received() []*CommittedBlock {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*CommittedBlock(nil), r.blocks...)
}

func (r *blockRecorder) seen() []ListenerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ListenerState(nil), r.states...)
}

func (r *blockRecorder) waitFor(t *testing.T, n int) []*CommittedBlock {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.received()) >= n }, 5*time.Second, 10*time.Millisecond)
	return r.received()
}

func startListener(t *testing.T, env *testEnv, rec *blockRecorder, id *Identity) (*Listeners, *Listener) {
	t.Helper()
	// listeners drop their connection on stream loss, keep it apart from the invokes
	conns := NewConnections(env.config.Timeouts.Dial, env.logger)
	t.Cleanup(conns.Close)
	ls := NewListeners(conns, rec.onCommit, rec.onState, env.config.Listener, env.metrics, env.logger)
	t.Cleanup(ls.Close)

	l, err := ls.StartListening(env.config.ChannelContext(), id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := l.LastBlock()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	return ls, l
}

func blockNumbers(blocks []*CommittedBlock) []uint64 {
	numbers := make([]uint64, len(blocks))
	for i, b := range blocks {
		numbers[i] = b.Number
	}
	return numbers
}

func TestListenerDeliversEachCommitOnce(t *testing.T) {
	env := newTestEnv(t, 2)
	alice := env.enroll(t, "alice")
	rec := &blockRecorder{}
	_, l := startListener(t, env, rec, alice)

	baseline, _ := l.LastBlock()
	assert.Equal(t, env.network.Ledger.Height()-1, baseline)

	txids := []string{
		env.invoke(t, alice, "createOrder", "o-1", "NEW", "1", "alice"),
		env.invoke(t, alice, "createOrder", "o-2", "NEW", "2", "alice"),
		env.invoke(t, alice, "changeOrder", "o-1", "SHIPPED", "1", "bob"),
	}

	rec.waitFor(t, 3)
	time.Sleep(100 * time.Millisecond)
	blocks := rec.received()
	require.Len(t, blocks, 3)

	assert.Equal(t, []uint64{baseline + 1, baseline + 2, baseline + 3}, blockNumbers(blocks))
	for i, b := range blocks {
		assert.Equal(t, env.config.Channel, b.Channel)
		require.Len(t, b.Transactions, 1)
		assert.Equal(t, txids[i], b.Transactions[0].TxID)
		assert.True(t, b.Transactions[0].Valid)
	}
	assert.Equal(t, StateListening, l.State())
}

func TestListenerResumesAfterStreamLoss(t *testing.T) {
	env := newTestEnv(t, 1)
	alice := env.enroll(t, "alice")
	rec := &blockRecorder{}
	_, l := startListener(t, env, rec, alice)
	baseline, _ := l.LastBlock()

	env.invoke(t, alice, "createOrder", "o-before", "NEW", "1", "alice")
	rec.waitFor(t, 1)

	p := env.network.Peers[0]
	p.DeliverDown.Store(true)
	p.DropStreams()
	require.Eventually(t, func() bool { return l.State() == StateReconnecting }, 5*time.Second, 5*time.Millisecond)

	env.invoke(t, alice, "createOrder", "o-during-1", "NEW", "2", "alice")
	env.invoke(t, alice, "createOrder", "o-during-2", "NEW", "3", "alice")
	assert.Len(t, rec.received(), 1)

	p.DeliverDown.Store(false)
	rec.waitFor(t, 3)

	env.invoke(t, alice, "createOrder", "o-after", "NEW", "4", "alice")
	rec.waitFor(t, 4)
	time.Sleep(100 * time.Millisecond)

	blocks := rec.received()
	assert.Equal(t, []uint64{baseline + 1, baseline + 2, baseline + 3, baseline + 4}, blockNumbers(blocks))
	assert.Equal(t, StateListening, l.State())
	assert.Contains(t, rec.seen(), StateReconnecting)
}

func TestListenerGivesUpAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t, 1)
	env.config.Listener.MaxReconnectAttempts = 2
	env.config.Listener.ReconnectInitialDelay = 5 * time.Millisecond
	env.config.Listener.ReconnectMaxDelay = 10 * time.Millisecond
	alice := env.enroll(t, "alice")
	rec := &blockRecorder{}
	ls, l := startListener(t, env, rec, alice)

	env.network.Peers[0].Stop()

	select {
	case <-l.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("listener did not give up")
	}

	assert.Equal(t, StateDisconnected, l.State())
	var disconnected *ListenerDisconnectedError
	require.True(t, errors.As(l.Err(), &disconnected))
	assert.Equal(t, "alice", disconnected.Username)
	assert.Equal(t, env.config.Channel, disconnected.Channel)

	states := rec.seen()
	require.NotEmpty(t, states)
	assert.Equal(t, StateDisconnected, states[len(states)-1])

	// a disconnected listener can be replaced
	require.NoError(t, env.network.Peers[0].Restart())
	replacement, err := ls.StartListening(env.config.ChannelContext(), alice)
	require.NoError(t, err)
	assert.NotSame(t, l, replacement)
}

func TestStartListeningTwice(t *testing.T) {
	env := newTestEnv(t, 1)
	alice := env.enroll(t, "alice")
	rec := &blockRecorder{}
	ls, l := startListener(t, env, rec, alice)

	again, err := ls.StartListening(env.config.ChannelContext(), alice)
	assert.Equal(t, ErrListenerActive, err)
	assert.Same(t, l, again)

	got, ok := ls.Get(env.config.Channel, "alice", "org1")
	require.True(t, ok)
	assert.Same(t, l, got)

	ls.Stop(env.config.Channel, "alice", "org1")
	assert.Equal(t, StateDisconnected, l.State())
	assert.NoError(t, l.Err())
	_, ok = ls.Get(env.config.Channel, "alice", "org1")
	assert.False(t, ok)
}

func TestListenersClosed(t *testing.T) {
	env := newTestEnv(t, 1)
	alice := env.enroll(t, "alice")
	ls := NewListeners(env.conns, func(Subscription, *CommittedBlock) {}, nil, env.config.Listener, env.metrics, env.logger)
	ls.Close()

	_, err := ls.StartListening(env.config.ChannelContext(), alice)
	assert.Error(t, err)
}

func TestStartListeningFromDeliversEarlierCommits(t *testing.T) {
	env := newTestEnv(t, 1)
	alice := env.enroll(t, "alice")
	p := env.network.Peers[0]
	p.DeliverDown.Store(true)

	conns := NewConnections(env.config.Timeouts.Dial, env.logger)
	t.Cleanup(conns.Close)
	rec := &blockRecorder{}
	ls := NewListeners(conns, rec.onCommit, rec.onState, env.config.Listener, env.metrics, env.logger)
	t.Cleanup(ls.Close)

	next := env.network.Ledger.Height()
	_, err := ls.StartListeningFrom(env.config.ChannelContext(), alice, next)
	require.NoError(t, err)

	txid := env.invoke(t, alice, "createOrder", "o-early", "NEW", "1", "alice")
	p.DeliverDown.Store(false)

	blocks := rec.waitFor(t, 1)
	assert.Equal(t, next, blocks[0].Number)
	assert.Equal(t, txid, blocks[0].Transactions[0].TxID)
}
