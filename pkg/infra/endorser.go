package infra

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/osdi23p228/fabric-protos-go/peer"
	log "github.com/sirupsen/logrus"
)

// EndorsementPolicy decides how unreachable peers affect an endorsement set
type EndorsementPolicy string

const (
	// PolicyAll requires an agreeing endorsement from every configured peer
	PolicyAll EndorsementPolicy = "all"
	// PolicyRespondents ignores peers that did not answer in time
	PolicyRespondents EndorsementPolicy = "respondents"
)

// EndorsementResult is the reply of one endorsing peer
type EndorsementResult struct {
	PeerID           string
	PayloadDigest    []byte
	Signature        []byte
	SimulationStatus int32
	Message          string
	Response         *peer.ProposalResponse
}

// Collector fans a signed proposal out to the endorsing peers and keeps
// the result only when every endorsement agrees
type Collector struct {
	conns      *Connections
	policy     EndorsementPolicy
	timeout    time.Duration
	checkRWSet bool
	metrics    *Metrics
	logger     *log.Logger
}

func NewCollector(conns *Connections, config *Config, metrics *Metrics, logger *log.Logger) *Collector {
	return &Collector{
		conns:      conns,
		policy:     config.EndorsementPolicy,
		timeout:    config.Timeouts.Endorsement,
		checkRWSet: config.CheckRWSet,
		metrics:    metrics,
		logger:     logger,
	}
}

type endorsementReply struct {
	node Node
	resp *peer.ProposalResponse
	err  error
}

// Collect sends the signed proposal to every peer concurrently. The returned
// results follow the order of peers.
func (c *Collector) Collect(ctx context.Context, req *ProposalRequest, peers []Node) ([]*EndorsementResult, error) {
	if req.SignedProposal == nil {
		if _, err := req.Sign(); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	replies := make([]endorsementReply, len(peers))
	done := make(chan struct{}, len(peers))
	for i, node := range peers {
		go func(i int, node Node) {
			defer func() { done <- struct{}{} }()
			replies[i] = c.process(ctx, req, node)
		}(i, node)
	}
	for range peers {
		<-done
	}

	results, err := c.validate(req.TxID, replies)
	if err != nil {
		c.metrics.EndorsementFailures.WithLabelValues(err.(*EndorsementMismatchError).Reason).Inc()
		return nil, err
	}

	if c.checkRWSet {
		logTXRWSet(c.logger, req.TxID, results[0].Response.Payload)
	}
	return results, nil
}

func (c *Collector) process(ctx context.Context, req *ProposalRequest, node Node) endorsementReply {
	client, err := c.conns.EndorserClient(ctx, node)
	if err != nil {
		return endorsementReply{node: node, err: err}
	}

	resp, err := client.ProcessProposal(ctx, req.SignedProposal)
	if err != nil {
		if isConnectionFailure(err) && ctx.Err() == nil {
			c.conns.Drop(node)
		}
		c.logger.WithFields(log.Fields{"txid": req.TxID, "peer": node.ID()}).Errorf("Error processing proposal: %v", err)
		return endorsementReply{node: node, err: err}
	}
	return endorsementReply{node: node, resp: resp}
}

// validate applies the endorsement policy: at least one reply, every reply
// successful and every proposal response payload identical
func (c *Collector) validate(txid string, replies []endorsementReply) ([]*EndorsementResult, error) {
	var (
		results  []*EndorsementResult
		missing  []PeerFailure
		failures []PeerFailure
	)

	for _, r := range replies {
		if r.err != nil {
			missing = append(missing, PeerFailure{Peer: r.node.ID(), Reason: ReasonMissing, Detail: r.err.Error()})
			continue
		}
		if r.resp.Response == nil {
			failures = append(failures, PeerFailure{Peer: r.node.ID(), Reason: ReasonSimulation, Detail: "empty response"})
			continue
		}
		if r.resp.Response.Status < 200 || r.resp.Response.Status >= 400 {
			failures = append(failures, PeerFailure{
				Peer:   r.node.ID(),
				Reason: ReasonSimulation,
				Detail: fmt.Sprintf("status %d: %s", r.resp.Response.Status, r.resp.Response.Message),
			})
			continue
		}

		result := &EndorsementResult{
			PeerID:           r.node.ID(),
			PayloadDigest:    payloadDigest(r.resp.Payload),
			SimulationStatus: r.resp.Response.Status,
			Message:          r.resp.Response.Message,
			Response:         r.resp,
		}
		if r.resp.Endorsement != nil {
			result.Signature = r.resp.Endorsement.Signature
		}
		results = append(results, result)
	}

	if len(failures) > 0 {
		return nil, &EndorsementMismatchError{TxID: txid, Reason: ReasonSimulation, Failures: append(failures, missing...)}
	}
	if len(results) == 0 {
		return nil, &EndorsementMismatchError{TxID: txid, Reason: ReasonNoResponse, Failures: missing}
	}
	if len(missing) > 0 && c.policy != PolicyRespondents {
		return nil, &EndorsementMismatchError{TxID: txid, Reason: ReasonMissing, Failures: missing}
	}

	reference := results[0].PayloadDigest
	for _, r := range results[1:] {
		if !bytes.Equal(reference, r.PayloadDigest) {
			dissent := make([]PeerFailure, 0, len(results))
			for _, d := range results {
				dissent = append(dissent, PeerFailure{Peer: d.PeerID, Reason: ReasonDigest, Detail: fmt.Sprintf("%x", d.PayloadDigest)})
			}
			return nil, &EndorsementMismatchError{TxID: txid, Reason: ReasonDigest, Failures: dissent}
		}
	}

	if len(missing) > 0 {
		for _, m := range missing {
			c.logger.WithField("txid", txid).Warnf("Proceeding without endorsement of %s: %s", m.Peer, m.Detail)
		}
	}
	return results, nil
}
