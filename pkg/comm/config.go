package comm

import (
	"time"
)

const (
	// DefaultConnectionTimeout is used when ClientConfig.Timeout is unset
	DefaultConnectionTimeout = 5 * time.Second

	// MaxRecvMsgSize and MaxSendMsgSize match the defaults of Fabric peers and orderers
	MaxRecvMsgSize = 100 * 1024 * 1024
	MaxSendMsgSize = 100 * 1024 * 1024
)

// ClientConfig defines the parameters for configuring a GRPCClient instance
type ClientConfig struct {
	// SecOpts defines the security parameters
	SecOpts SecureOptions
	// KaOpts defines the keepalive parameters
	KaOpts KeepaliveOptions
	// Timeout specifies how long the client will block when attempting to
	// establish a connection
	Timeout time.Duration
}

// SecureOptions defines the TLS related parameters for a client connection
type SecureOptions struct {
	// PEM-encoded X509 public key to be used for TLS communication
	Certificate []byte
	// PEM-encoded private key to be used for TLS communication
	Key []byte
	// Set of PEM-encoded X509 certificate authorities used by clients to
	// verify server certificates
	ServerRootCAs [][]byte
	// Set of PEM-encoded X509 certificate authorities used by servers to
	// verify client certificates
	ClientRootCAs [][]byte
	// Whether or not to use TLS for communication
	UseTLS bool
	// Whether or not TLS client must present certificates for authentication
	RequireClientCert bool
	// ServerNameOverride replaces the host name used to verify the server certificate
	ServerNameOverride string
}

// KeepaliveOptions is used to set the gRPC keepalive settings for clients
type KeepaliveOptions struct {
	// ClientInterval is the duration after which if the client does not see
	// any activity from the server it pings the server to see if it is alive
	ClientInterval time.Duration
	// ClientTimeout is the duration the client waits for a response
	// from the server after sending a ping before closing the connection
	ClientTimeout time.Duration
}

// DefaultKeepaliveOptions are the keepalive values Fabric clients use
var DefaultKeepaliveOptions = KeepaliveOptions{
	ClientInterval: 60 * time.Second,
	ClientTimeout:  20 * time.Second,
}
