package infra

import (
	"context"
	"time"

	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// SubmissionReceipt acknowledges that the orderer accepted a transaction.
// It does not mean the transaction is committed.
type SubmissionReceipt struct {
	TxID        string    `json:"transactionId"`
	Status      string    `json:"status"`
	Orderer     string    `json:"orderer"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Submitter broadcasts endorsed transactions to the ordering service
type Submitter struct {
	conns   *Connections
	timeout time.Duration
	metrics *Metrics
	logger  *log.Logger
}

func NewSubmitter(conns *Connections, config *Config, metrics *Metrics, logger *log.Logger) *Submitter {
	return &Submitter{
		conns:   conns,
		timeout: config.Timeouts.Submission,
		metrics: metrics,
		logger:  logger,
	}
}

// Submit sends env to the orderer and waits for its broadcast response.
// The broadcast is not cancelled with ctx, it only honours the submission timeout.
func (s *Submitter) Submit(ctx context.Context, env *TransactionEnvelope, node Node) (*SubmissionReceipt, error) {
	if !env.used.CompareAndSwap(false, true) {
		return nil, ErrEnvelopeUsed
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	entry := s.logger.WithFields(log.Fields{"txid": env.TxID, "orderer": node.ID()})

	client, err := s.conns.BroadcastClient(ctx, node)
	if err != nil {
		s.conns.Drop(node)
		return nil, &PeerUnavailableError{Peers: []string{node.ID()}, Err: err}
	}

	if err := client.Send(env.Envelope); err != nil {
		s.conns.Drop(node)
		return nil, &PeerUnavailableError{Peers: []string{node.ID()}, Err: errors.Wrap(err, "fail to send envelope")}
	}

	res, err := client.Recv()
	if err != nil {
		if isConnectionFailure(err) {
			s.conns.Drop(node)
		}
		return nil, &PeerUnavailableError{Peers: []string{node.ID()}, Err: errors.Wrap(err, "receive broadcast error")}
	}
	if err := client.CloseSend(); err != nil {
		entry.Debugf("Fail to close broadcast stream: %v", err)
	}

	s.metrics.Submissions.WithLabelValues(res.Status.String()).Inc()
	if res.Status != common.Status_SUCCESS {
		entry.Errorf("Receive error status %s: %s", res.Status, res.Info)
		return nil, &OrdererRejectedError{TxID: env.TxID, Orderer: node.ID(), Status: res.Status, Info: res.Info}
	}

	entry.Debugf("Envelope accepted")
	return &SubmissionReceipt{
		TxID:        env.TxID,
		Status:      res.Status.String(),
		Orderer:     node.ID(),
		SubmittedAt: time.Now(),
	}, nil
}
