package infra

import (
	"context"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	queryChaincode = "qscc"
	getChainInfo   = "GetChainInfo"
)

// Querier evaluates read-only proposals against the first peer that answers
type Querier struct {
	conns   *Connections
	timeout time.Duration
	metrics *Metrics
	logger  *log.Logger
}

func NewQuerier(conns *Connections, config *Config, metrics *Metrics, logger *log.Logger) *Querier {
	return &Querier{
		conns:   conns,
		timeout: config.Timeouts.Query,
		metrics: metrics,
		logger:  logger,
	}
}

// Query returns the chaincode payload of fn. Peers are tried in order and
// the next one is used only when the previous could not be reached.
func (q *Querier) Query(ctx context.Context, cc ChannelContext, fn string, args Arguments, id *Identity) ([]byte, error) {
	return q.query(ctx, cc, fn, args, id, "query")
}

// ChainHeight asks the system query chaincode for the current height of cc
func (q *Querier) ChainHeight(ctx context.Context, cc ChannelContext, id *Identity) (uint64, error) {
	system := cc
	system.ChaincodeName = queryChaincode
	payload, err := q.query(ctx, system, getChainInfo, PositionalArgs(cc.ChannelName), id, "chaininfo")
	if err != nil {
		return 0, err
	}

	info := &common.BlockchainInfo{}
	if err := proto.Unmarshal(payload, info); err != nil {
		return 0, errors.Wrap(err, "fail to unmarshal BlockchainInfo")
	}
	return info.Height, nil
}

func (q *Querier) query(ctx context.Context, cc ChannelContext, fn string, args Arguments, id *Identity, kind string) ([]byte, error) {
	req, err := BuildProposal(cc, fn, args, id)
	if err != nil {
		return nil, err
	}
	if _, err := req.Sign(); err != nil {
		return nil, err
	}
	q.metrics.Proposals.WithLabelValues(kind).Inc()

	tried := make([]string, 0, len(cc.Peers))
	var lastErr error
	for _, node := range cc.Peers {
		tried = append(tried, node.ID())

		payload, err := q.evaluate(ctx, req, node)
		if err == nil {
			return payload, nil
		}
		if _, ok := err.(*ChaincodeError); ok || !isConnectionFailure(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, &PeerUnavailableError{Peers: tried, Err: ctx.Err()}
		}

		q.logger.WithFields(log.Fields{"txid": req.TxID, "peer": node.ID()}).Warnf("Peer unreachable, trying next: %v", err)
		lastErr = err
	}

	if lastErr == nil {
		lastErr = errors.New("no peer configured")
	}
	return nil, &PeerUnavailableError{Peers: tried, Err: lastErr}
}

func (q *Querier) evaluate(ctx context.Context, req *ProposalRequest, node Node) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	client, err := q.conns.EndorserClient(ctx, node)
	if err != nil {
		return nil, err
	}

	resp, err := client.ProcessProposal(ctx, req.SignedProposal)
	if err != nil {
		if isConnectionFailure(err) {
			q.conns.Drop(node)
			return nil, err
		}
		return nil, &ChaincodeError{Peer: node.ID(), Status: 500, Message: err.Error()}
	}

	if resp.Response == nil {
		return nil, &ChaincodeError{Peer: node.ID(), Status: 500, Message: "empty response"}
	}
	if resp.Response.Status >= 400 {
		return nil, &ChaincodeError{Peer: node.ID(), Status: resp.Response.Status, Message: resp.Response.Message}
	}
	return resp.Response.Payload, nil
}
