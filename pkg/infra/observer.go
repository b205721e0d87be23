package infra

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ListenerState is the lifecycle stage of a block listener
type ListenerState int32

const (
	StateDisconnected ListenerState = iota
	StateSubscribing
	StateListening
	StateReconnecting
)

func (s ListenerState) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateListening:
		return "listening"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// CommitHandler receives every decoded block exactly once, together with
// the identity whose listener delivered it
type CommitHandler func(origin Subscription, block *CommittedBlock)

// StateHandler is told about every listener state change. err is set when
// the listener gave up.
type StateHandler func(origin Subscription, state ListenerState, err error)

// Listener follows the blocks of one channel on behalf of one identity
type Listener struct {
	origin   Subscription
	channel  ChannelContext
	identity *Identity
	conns    *Connections
	handler  CommitHandler
	onState  StateHandler
	config   ListenerConfig
	metrics  *Metrics
	logger   *log.Entry

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastBlock uint64
	haveBlock bool
	err       error
}

func (l *Listener) State() ListenerState {
	return ListenerState(l.state.Load())
}

func (l *Listener) setState(s ListenerState) {
	old := ListenerState(l.state.Swap(int32(s)))
	if old == s {
		return
	}
	l.logger.Debugf("Listener %s -> %s", old, s)
	if l.onState != nil {
		l.onState(l.origin, s, l.Err())
	}
}

// Err returns why the listener disconnected, if it gave up
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// LastBlock returns the number of the last block handed to the handler
func (l *Listener) LastBlock() (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastBlock, l.haveBlock
}

// Done is closed once the listener has stopped for good
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) stop() {
	l.cancel()
	<-l.done
}

func (l *Listener) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = l.config.ReconnectInitialDelay
	exp.MaxInterval = l.config.ReconnectMaxDelay
	exp.MaxElapsedTime = 0
	return backoff.WithMaxRetries(exp, l.config.MaxReconnectAttempts)
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	defer l.metrics.Listeners.Dec()

	l.setState(StateSubscribing)
	bo := l.newBackOff()

	for {
		err := l.listen(ctx, bo)
		if ctx.Err() != nil {
			l.setState(StateDisconnected)
			return
		}

		l.setState(StateReconnecting)
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			l.logger.Errorf("Giving up after %d reconnect attempts: %v", l.config.MaxReconnectAttempts, err)
			l.mu.Lock()
			l.err = &ListenerDisconnectedError{
				Channel:      l.channel.ChannelName,
				Username:     l.origin.Username,
				Organization: l.origin.Organization,
				Err:          err,
			}
			l.mu.Unlock()
			l.setState(StateDisconnected)
			return
		}

		l.logger.Warnf("Block stream lost, reconnecting in %s: %v", wait, err)
		l.metrics.Reconnects.Inc()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			l.setState(StateDisconnected)
			return
		}
	}
}

// listen opens one deliver stream and consumes it until it fails
func (l *Listener) listen(ctx context.Context, bo backoff.BackOff) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, node, err := l.subscribe(ctx)
	if err != nil {
		return err
	}

	l.setState(StateListening)
	l.logger.Infof("Listening for blocks from %s", node.ID())

	received := false
	for {
		deliverResponse, err := stream.Recv()
		if err != nil {
			if isConnectionFailure(err) {
				l.conns.Drop(node)
			}
			return errors.Wrapf(err, "fail to receive deliver response from %s", node.ID())
		}

		switch t := deliverResponse.Type.(type) {
		case *peer.DeliverResponse_Block:
			if !received {
				bo.Reset()
				received = true
			}
			l.deliver(t.Block)
		case *peer.DeliverResponse_Status:
			if t.Status == common.Status_SUCCESS {
				return io.EOF
			}
			return errors.Errorf("deliver from %s ended with status %s", node.ID(), t.Status)
		default:
			l.logger.Infoln("Unknown DeliverResponse type")
		}
	}
}

// subscribe tries the event peers in order. The first subscription starts at
// the newest block, later ones right after the last delivered block.
func (l *Listener) subscribe(ctx context.Context) (peer.Deliver_DeliverClient, Node, error) {
	start := seekNewest()
	if last, ok := l.LastBlock(); ok {
		start = seekFrom(last + 1)
	}

	envelope, err := CreateSignedDeliverEnv(l.channel.ChannelName, l.identity, start)
	if err != nil {
		return nil, Node{}, errors.Wrap(err, "fail to create SignedEnvelope")
	}

	var lastErr error = errors.New("no event peer configured")
	for _, node := range l.channel.EventPeers {
		stream, err := l.conns.DeliverClient(ctx, node)
		if err != nil {
			l.logger.Warnf("Fail to create DeliverClient for %s: %v", node.ID(), err)
			lastErr = err
			continue
		}
		if err := stream.Send(envelope); err != nil {
			l.conns.Drop(node)
			lastErr = errors.Wrapf(err, "fail to send SignedEnvelope to %s", node.ID())
			continue
		}
		return stream, node, nil
	}
	return nil, Node{}, lastErr
}

// deliver hands block to the handler unless it was delivered before. The
// newest block returned by the first subscription predates the listener
// and only sets the starting point.
func (l *Listener) deliver(block *common.Block) {
	if block == nil || block.Header == nil {
		return
	}
	number := block.Header.Number

	l.mu.Lock()
	first := !l.haveBlock
	duplicate := l.haveBlock && number <= l.lastBlock
	if !duplicate {
		l.lastBlock = number
		l.haveBlock = true
	}
	l.mu.Unlock()

	if duplicate {
		l.logger.Debugf("Dropping already delivered block %d", number)
		return
	}
	if first {
		l.logger.Debugf("Starting after block %d", number)
		return
	}

	cb, err := DecodeBlock(block)
	if err != nil {
		l.logger.Errorf("Fail to decode block %d: %v", number, err)
		return
	}
	if cb.Channel == "" {
		cb.Channel = l.channel.ChannelName
	}
	for _, tx := range cb.Transactions {
		l.metrics.Commits.WithLabelValues(tx.ValidationCode).Inc()
	}
	l.handler(l.origin, cb)
}

// Listeners owns every block listener. Listeners outlive the requests that
// started them and stop only with Close.
type Listeners struct {
	conns   *Connections
	handler CommitHandler
	onState StateHandler
	config  ListenerConfig
	metrics *Metrics
	logger  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[Subscription]*Listener
}

func NewListeners(conns *Connections, handler CommitHandler, onState StateHandler, config ListenerConfig, metrics *Metrics, logger *log.Logger) *Listeners {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listeners{
		conns:     conns,
		handler:   handler,
		onState:   onState,
		config:    config,
		metrics:   metrics,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[Subscription]*Listener),
	}
}

// StartListening starts following the blocks of cc on behalf of id. It fails
// with ErrListenerActive while a previous listener for the same identity and
// channel is still running; a disconnected one is replaced.
func (ls *Listeners) StartListening(cc ChannelContext, id *Identity) (*Listener, error) {
	return ls.start(cc, id, 0, false)
}

// StartListeningFrom is StartListening for a listener that announces every
// block from number next on, including blocks committed before its first
// subscription succeeds
func (ls *Listeners) StartListeningFrom(cc ChannelContext, id *Identity, next uint64) (*Listener, error) {
	return ls.start(cc, id, next, next > 0)
}

func (ls *Listeners) start(cc ChannelContext, id *Identity, next uint64, fromNext bool) (*Listener, error) {
	key := Subscription{ChannelName: cc.ChannelName, Username: id.Username, Organization: id.Organization}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.ctx.Err() != nil {
		return nil, errors.New("listeners are closed")
	}
	if existing, ok := ls.listeners[key]; ok {
		select {
		case <-existing.done:
		default:
			return existing, ErrListenerActive
		}
	}

	ctx, cancel := context.WithCancel(ls.ctx)
	l := &Listener{
		origin:   key,
		channel:  cc,
		identity: id,
		conns:    ls.conns,
		handler:  ls.handler,
		onState:  ls.onState,
		config:   ls.config,
		metrics:  ls.metrics,
		logger:   ls.logger.WithFields(log.Fields{"channel": cc.ChannelName, "user": id.String()}),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if fromNext {
		l.lastBlock = next - 1
		l.haveBlock = true
	}
	ls.listeners[key] = l
	ls.metrics.Listeners.Inc()

	go l.run(ctx)
	return l, nil
}

func (ls *Listeners) Get(channel, username, org string) (*Listener, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	l, ok := ls.listeners[Subscription{ChannelName: channel, Username: username, Organization: org}]
	return l, ok
}

// Stop stops the listener of username on channel and waits for it to exit
func (ls *Listeners) Stop(channel, username, org string) {
	key := Subscription{ChannelName: channel, Username: username, Organization: org}
	ls.mu.Lock()
	l, ok := ls.listeners[key]
	delete(ls.listeners, key)
	ls.mu.Unlock()
	if ok {
		l.stop()
	}
}

// Close stops every listener
func (ls *Listeners) Close() {
	ls.cancel()
	ls.mu.Lock()
	listeners := make([]*Listener, 0, len(ls.listeners))
	for key, l := range ls.listeners {
		listeners = append(listeners, l)
		delete(ls.listeners, key)
	}
	ls.mu.Unlock()
	for _, l := range listeners {
		<-l.done
	}
}
