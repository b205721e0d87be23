package comm

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// TLSOption mutates the TLS configuration of a single connection
type TLSOption func(tlsConfig *tls.Config)

// ServerNameOverride returns a TLSOption that verifies the server
// certificate against name instead of the dialed host
func ServerNameOverride(name string) TLSOption {
	return func(tlsConfig *tls.Config) {
		tlsConfig.ServerName = name
	}
}

// GRPCClient dials peers and orderers with a fixed set of security and
// keepalive options
type GRPCClient struct {
	tlsConfig *tls.Config
	dialOpts  []grpc.DialOption
	timeout   time.Duration
}

// NewGRPCClient creates a new implementation of GRPCClient given an address
// and client configuration
func NewGRPCClient(config ClientConfig, logger *log.Logger) (*GRPCClient, error) {
	client := &GRPCClient{}

	if err := client.parseSecureOptions(config.SecOpts); err != nil {
		return nil, err
	}

	kaOpts := config.KaOpts
	if kaOpts.ClientInterval == 0 {
		kaOpts = DefaultKeepaliveOptions
	}
	client.dialOpts = append(client.dialOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                kaOpts.ClientInterval,
		Timeout:             kaOpts.ClientTimeout,
		PermitWithoutStream: true,
	}))

	client.dialOpts = append(client.dialOpts, grpc.WithDefaultCallOptions(
		grpc.MaxCallRecvMsgSize(MaxRecvMsgSize),
		grpc.MaxCallSendMsgSize(MaxSendMsgSize),
	))

	if logger != nil {
		entry := log.NewEntry(logger).WithField("system", "grpc-client")
		client.dialOpts = append(client.dialOpts,
			grpc.WithUnaryInterceptor(grpc_middleware.ChainUnaryClient(
				grpc_logrus.UnaryClientInterceptor(entry),
			)),
			grpc.WithStreamInterceptor(grpc_middleware.ChainStreamClient(
				grpc_logrus.StreamClientInterceptor(entry),
			)),
		)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	client.timeout = timeout

	return client, nil
}

func (client *GRPCClient) parseSecureOptions(opts SecureOptions) error {
	if !opts.UseTLS {
		return nil
	}

	client.tlsConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: opts.ServerNameOverride,
	}

	if len(opts.ServerRootCAs) > 0 {
		client.tlsConfig.RootCAs = x509.NewCertPool()
		for _, certBytes := range opts.ServerRootCAs {
			if !client.tlsConfig.RootCAs.AppendCertsFromPEM(certBytes) {
				return errors.New("error adding root certificate")
			}
		}
	}

	if opts.RequireClientCert {
		if opts.Key == nil || opts.Certificate == nil {
			return errors.New("both Key and Certificate are required when using mutual TLS")
		}
		cert, err := tls.X509KeyPair(opts.Certificate, opts.Key)
		if err != nil {
			return errors.WithMessage(err, "failed to load client certificate")
		}
		client.tlsConfig.Certificates = append(client.tlsConfig.Certificates, cert)
	}

	return nil
}

// NewConnection blocks until a connection to address is established, the
// client timeout expires, or ctx is done
func (client *GRPCClient) NewConnection(ctx context.Context, address string, tlsOptions ...TLSOption) (*grpc.ClientConn, error) {
	dialOpts := make([]grpc.DialOption, 0, len(client.dialOpts)+2)
	dialOpts = append(dialOpts, client.dialOpts...)

	if client.tlsConfig != nil {
		tlsConfig := client.tlsConfig.Clone()
		for _, opt := range tlsOptions {
			opt(tlsConfig)
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	dialOpts = append(dialOpts, grpc.WithBlock(), grpc.FailOnNonTempDialError(true))

	ctx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()
	conn, err := grpc.DialContext(ctx, address, dialOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create new connection to %s", address)
	}
	return conn, nil
}
