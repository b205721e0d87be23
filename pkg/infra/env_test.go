package infra

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/osdi23p228/ledgerbridge/internal/fabrictest"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

type testEnv struct {
	network *fabrictest.Network
	ca      *fabrictest.FabricCA
	config  *Config
	logger  *log.Logger
	metrics *Metrics
	conns   *Connections
}

func newTestEnv(t *testing.T, peers int) *testEnv {
	t.Helper()

	network := fabrictest.NewNetwork(t, peers)
	ca := fabrictest.NewFabricCA(t, "ca-org1", "admin", "adminpw")

	config := &Config{
		Channel:   fabrictest.Channel,
		Chaincode: fabrictest.ChaincodeName,
		Orderer:   Node{Name: "orderer", Address: network.Orderer.Address},
		Organizations: map[string]Organization{
			"org1": {
				MSPID: fabrictest.MSPID,
				CA: CAConfig{
					URL:       ca.URL,
					Name:      "ca-org1",
					Registrar: Registrar{EnrollID: "admin", EnrollSecret: "adminpw"},
				},
			},
		},
		CredentialStore: t.TempDir(),
		Timeouts: Timeouts{
			Identity:    5 * time.Second,
			Endorsement: 5 * time.Second,
			Submission:  5 * time.Second,
			Query:       5 * time.Second,
			Dial:        2 * time.Second,
		},
		Listener: ListenerConfig{
			MaxReconnectAttempts:  50,
			ReconnectInitialDelay: 20 * time.Millisecond,
			ReconnectMaxDelay:     100 * time.Millisecond,
		},
	}
	for i, address := range network.PeerAddresses() {
		config.Peers = append(config.Peers, Node{Name: fmt.Sprintf("peer%d", i), Address: address})
	}
	config.SetDefaults()
	require.NoError(t, config.Validate())

	logger := newTestLogger()
	conns := NewConnections(config.Timeouts.Dial, logger)
	t.Cleanup(conns.Close)

	return &testEnv{
		network: network,
		ca:      ca,
		config:  config,
		logger:  logger,
		metrics: newTestMetrics(),
		conns:   conns,
	}
}

// enroll registers username with the fake CA and returns its identity
func (e *testEnv) enroll(t *testing.T, username string) *Identity {
	t.Helper()
	im, err := NewIdentityManager(e.config, e.logger)
	require.NoError(t, err)
	id, err := im.EnsureIdentity(context.Background(), username, "org1", true)
	require.NoError(t, err)
	return id
}

// invoke endorses and submits fn, returning the committed transaction id
func (e *testEnv) invoke(t *testing.T, id *Identity, fn string, args ...string) string {
	t.Helper()
	cc := e.config.ChannelContext()

	req, err := BuildProposal(cc, fn, PositionalArgs(args...), id)
	require.NoError(t, err)

	results, err := NewCollector(e.conns, e.config, e.metrics, e.logger).Collect(context.Background(), req, cc.Peers)
	require.NoError(t, err)

	env, err := CreateTransactionEnvelope(req, results)
	require.NoError(t, err)

	receipt, err := NewSubmitter(e.conns, e.config, e.metrics, e.logger).Submit(context.Background(), env, cc.Orderer)
	require.NoError(t, err)
	return receipt.TxID
}

// newTestIdentity returns an identity certified by a throwaway CA
func newTestIdentity(t *testing.T, username string) *Identity {
	t.Helper()
	ca, err := fabrictest.NewCA("test-ca")
	require.NoError(t, err)
	signer, err := ca.NewIdentity(username)
	require.NoError(t, err)
	id, err := NewIdentity(username, "org1", fabrictest.MSPID, signer.CertPEM, signer.KeyPEM)
	require.NoError(t, err)
	return id
}

func testChannelContext() ChannelContext {
	return ChannelContext{ChannelName: fabrictest.Channel, ChaincodeName: fabrictest.ChaincodeName}
}
