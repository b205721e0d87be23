package infra

import (
	"context"
	"sync"
	"time"

	"github.com/osdi23p228/fabric-protos-go/orderer"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/osdi23p228/ledgerbridge/pkg/comm"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"
)

const (
	MAX_TRY = 3
)

func newGRPCClient(node Node, timeout time.Duration, logger *log.Logger) (*comm.GRPCClient, error) {
	clientConfig := generateClientConfig(node, timeout)

	grpcClient, err := comm.NewGRPCClient(clientConfig, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "error connecting to %s", node.Address)
	}

	return grpcClient, nil
}

func generateClientConfig(node Node, timeout time.Duration) comm.ClientConfig {
	certs := collectTLSCACertsBytes(node)

	clientConfig := comm.ClientConfig{
		Timeout: timeout,
		SecOpts: comm.SecureOptions{
			UseTLS:             false,
			RequireClientCert:  false,
			ServerRootCAs:      certs,
			ServerNameOverride: node.ServerNameOverride,
		},
	}

	if len(certs) > 0 {
		clientConfig.SecOpts.UseTLS = true
		if len(node.TLSCAKeyByte) > 0 && len(node.TLSCARootByte) > 0 {
			clientConfig.SecOpts.RequireClientCert = true
			clientConfig.SecOpts.Certificate = node.TLSCARootByte
			clientConfig.SecOpts.Key = node.TLSCAKeyByte
		}
	}

	return clientConfig
}

func collectTLSCACertsBytes(node Node) [][]byte {
	var certs [][]byte
	if node.TLSCACertByte != nil {
		certs = append(certs, node.TLSCACertByte)
	}
	return certs
}

// Connections caches one gRPC connection per node address
type Connections struct {
	timeout time.Duration
	logger  *log.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewConnections(timeout time.Duration, logger *log.Logger) *Connections {
	return &Connections{
		timeout: timeout,
		logger:  logger,
		conns:   make(map[string]*grpc.ClientConn),
	}
}

// Dial returns the cached connection to node, dialing it when there is none
// or the previous one has shut down
func (c *Connections) Dial(ctx context.Context, node Node) (*grpc.ClientConn, error) {
	c.mu.Lock()
	conn, ok := c.conns[node.Address]
	c.mu.Unlock()
	if ok && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	conn, err := DialConnection(ctx, node, c.timeout, c.logger)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.conns[node.Address]; ok && existing.GetState() != connectivity.Shutdown {
		conn.Close()
		return existing, nil
	}
	c.conns[node.Address] = conn
	return conn, nil
}

// Drop closes the connection to node so the next Dial starts over
func (c *Connections) Drop(node Node) {
	c.mu.Lock()
	conn, ok := c.conns[node.Address]
	delete(c.conns, node.Address)
	c.mu.Unlock()
	if ok {
		conn.Close()
	}
}

func (c *Connections) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for address, conn := range c.conns {
		conn.Close()
		delete(c.conns, address)
	}
}

func (c *Connections) EndorserClient(ctx context.Context, node Node) (peer.EndorserClient, error) {
	conn, err := c.Dial(ctx, node)
	if err != nil {
		return nil, err
	}
	return peer.NewEndorserClient(conn), nil
}

func (c *Connections) BroadcastClient(ctx context.Context, node Node) (orderer.AtomicBroadcast_BroadcastClient, error) {
	conn, err := c.Dial(ctx, node)
	if err != nil {
		return nil, err
	}
	return orderer.NewAtomicBroadcastClient(conn).Broadcast(ctx)
}

func (c *Connections) DeliverClient(ctx context.Context, node Node) (peer.Deliver_DeliverClient, error) {
	conn, err := c.Dial(ctx, node)
	if err != nil {
		return nil, err
	}
	return peer.NewDeliverClient(conn).Deliver(ctx)
}

func DialConnection(ctx context.Context, node Node, timeout time.Duration, logger *log.Logger) (*grpc.ClientConn, error) {
	gRPCClient, err := newGRPCClient(node, timeout, logger)
	if err != nil {
		return nil, err
	}

	var tlsOptions []comm.TLSOption
	if node.ServerNameOverride != "" {
		tlsOptions = append(tlsOptions, comm.ServerNameOverride(node.ServerNameOverride))
	}

	for i := 1; i <= MAX_TRY; i++ {
		var conn *grpc.ClientConn
		conn, err = gRPCClient.NewConnection(ctx, node.Address, tlsOptions...)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			break
		}
		logger.Debugf("Dial attempt %d to %s failed: %v", i, node.Address, err)
	}
	return nil, errors.Wrapf(err, "failed to dial %s", node.Address)
}

// isConnectionFailure tells transport errors apart from errors returned by the remote service
func isConnectionFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	s, ok := status.FromError(errors.Cause(err))
	if !ok {
		return true
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
