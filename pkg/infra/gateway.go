package infra

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const seenTxCapacity = 4096

// RequestContext names the caller of one request and the channel it targets
type RequestContext struct {
	Username     string
	Organization string
	Channel      ChannelContext
}

// Gateway runs the write path (identity, proposal, endorsement, submission)
// and the read path (identity, query) and bridges commits to the hub
type Gateway struct {
	channel    ChannelContext
	identities *IdentityManager
	conns      *Connections
	collector  *Collector
	submitter  *Submitter
	querier    *Querier
	listeners  *Listeners
	hub        *Hub
	exporter   *Exporter
	limiter    *rate.Limiter
	scope      Scope
	metrics    *Metrics
	logger     *log.Logger

	seenMu sync.Mutex
	seen   map[string]struct{}
	order  []string
}

func NewGateway(config *Config, reg prometheus.Registerer, logger *log.Logger) (*Gateway, error) {
	metrics := NewMetrics(reg)

	identities, err := NewIdentityManager(config, logger)
	if err != nil {
		return nil, err
	}

	conns := NewConnections(config.Timeouts.Dial, logger)
	g := &Gateway{
		channel:    config.ChannelContext(),
		identities: identities,
		conns:      conns,
		collector:  NewCollector(conns, config, metrics, logger),
		submitter:  NewSubmitter(conns, config, metrics, logger),
		querier:    NewQuerier(conns, config, metrics, logger),
		hub:        NewHub(config.Notifications, metrics, logger),
		scope:      config.Notifications.Scope,
		metrics:    metrics,
		logger:     logger,
		seen:       make(map[string]struct{}),
	}
	g.listeners = NewListeners(conns, g.onCommit, g.onListenerState, config.Listener, metrics, logger)

	if config.Exporter.URL != "" {
		g.exporter = NewExporter(config.Exporter, logger)
	}
	if config.Rate > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(config.Rate), config.Burst)
	}

	return g, nil
}

// NewRequestContext returns a request context on the configured channel
func (g *Gateway) NewRequestContext(username, org string) RequestContext {
	return RequestContext{Username: username, Organization: org, Channel: g.channel}
}

func (g *Gateway) Hub() *Hub {
	return g.hub
}

func (g *Gateway) Listeners() *Listeners {
	return g.listeners
}

// RegisterUser enrolls username if needed and starts its block listener
func (g *Gateway) RegisterUser(ctx context.Context, rc RequestContext) (*Identity, error) {
	id, err := g.identities.EnsureIdentity(ctx, rc.Username, rc.Organization, true)
	if err != nil {
		return nil, err
	}
	if err := g.ensureListener(ctx, rc.Channel, id); err != nil {
		return nil, err
	}
	return id, nil
}

// ensureListener starts the block listener of id unless one is running. The
// new listener announces every block from the current chain height on, so a
// commit made right after this returns is not lost while the deliver stream
// is still being set up.
func (g *Gateway) ensureListener(ctx context.Context, cc ChannelContext, id *Identity) error {
	if l, ok := g.listeners.Get(cc.ChannelName, id.Username, id.Organization); ok {
		select {
		case <-l.Done():
		default:
			return nil
		}
	}

	var err error
	height, herr := g.querier.ChainHeight(ctx, cc, id)
	if herr != nil {
		g.logger.Warnf("Fail to get chain height for %s, listening from the newest block: %v", id, herr)
		_, err = g.listeners.StartListening(cc, id)
	} else {
		_, err = g.listeners.StartListeningFrom(cc, id, height)
	}
	if err != nil && err != ErrListenerActive {
		return errors.Wrapf(err, "fail to start block listener for %s", id)
	}
	return nil
}

// Invoke endorses fn and submits it to the orderer. The receipt only
// acknowledges ordering; the commit is announced through the hub.
func (g *Gateway) Invoke(ctx context.Context, rc RequestContext, fn string, args Arguments) (*SubmissionReceipt, error) {
	id, err := g.identities.EnsureIdentity(ctx, rc.Username, rc.Organization, false)
	if err != nil {
		return nil, err
	}
	if err := g.ensureListener(ctx, rc.Channel, id); err != nil {
		g.logger.Warnf("Commit of this invocation will not be announced: %v", err)
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "submission rate limit")
		}
	}

	req, err := BuildProposal(rc.Channel, fn, args, id)
	if err != nil {
		return nil, err
	}
	if _, err := req.Sign(); err != nil {
		return nil, err
	}
	g.metrics.Proposals.WithLabelValues("invoke").Inc()

	entry := g.logger.WithFields(log.Fields{"txid": req.TxID, "fcn": fn, "user": id.String()})
	entry.Debugf("Sending proposal")

	results, err := g.collector.Collect(ctx, req, rc.Channel.Peers)
	if err != nil {
		return nil, err
	}

	env, err := CreateTransactionEnvelope(req, results)
	if err != nil {
		return nil, err
	}

	receipt, err := g.submitter.Submit(ctx, env, rc.Channel.Orderer)
	if err != nil {
		return nil, err
	}
	entry.Infof("Transaction accepted by %s", receipt.Orderer)
	return receipt, nil
}

// Query evaluates fn on the first reachable peer
func (g *Gateway) Query(ctx context.Context, rc RequestContext, fn string, args Arguments) ([]byte, error) {
	id, err := g.identities.EnsureIdentity(ctx, rc.Username, rc.Organization, false)
	if err != nil {
		return nil, err
	}
	return g.querier.Query(ctx, rc.Channel, fn, args, id)
}

// onCommit turns delivered blocks into hub events. Unless events are scoped
// per identity, a transaction seen by several listeners is announced once.
func (g *Gateway) onCommit(origin Subscription, block *CommittedBlock) {
	for i := range block.Transactions {
		tx := &block.Transactions[i]
		if g.scope != ScopeIdentity && !g.firstSighting(block.Channel, tx.TxID) {
			continue
		}

		event := &Event{
			Type:         EventTransaction,
			Channel:      block.Channel,
			Username:     origin.Username,
			Organization: origin.Organization,
			BlockNumber:  block.Number,
			Transaction:  tx,
		}
		g.hub.Broadcast(event)
		if g.exporter != nil {
			g.exporter.Export(event)
		}
	}
}

// onListenerState announces listeners going live or giving up
func (g *Gateway) onListenerState(origin Subscription, state ListenerState, err error) {
	if state != StateListening && state != StateDisconnected {
		return
	}
	event := &Event{
		Type:         EventListener,
		Channel:      origin.ChannelName,
		Username:     origin.Username,
		Organization: origin.Organization,
		State:        state.String(),
	}
	if err != nil {
		event.Message = err.Error()
	}
	g.hub.Broadcast(event)
}

func (g *Gateway) firstSighting(channel, txid string) bool {
	key := channel + "/" + txid

	g.seenMu.Lock()
	defer g.seenMu.Unlock()
	if _, ok := g.seen[key]; ok {
		return false
	}
	g.seen[key] = struct{}{}
	g.order = append(g.order, key)
	if len(g.order) > seenTxCapacity {
		delete(g.seen, g.order[0])
		g.order = g.order[1:]
	}
	return true
}

// Close stops every listener, live connection and gRPC connection
func (g *Gateway) Close() {
	g.listeners.Close()
	g.hub.Close()
	if g.exporter != nil {
		g.exporter.Wait()
	}
	g.conns.Close()
}
