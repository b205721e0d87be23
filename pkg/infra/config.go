package infra

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	defaultListen               = ":4000"
	defaultBurst                = 1000
	defaultIdentityTimeout      = 30 * time.Second
	defaultEndorsementTimeout   = 30 * time.Second
	defaultSubmissionTimeout    = 30 * time.Second
	defaultQueryTimeout         = 30 * time.Second
	defaultDialTimeout          = 5 * time.Second
	defaultMaxReconnectAttempts = 10
	defaultReconnectDelay       = 500 * time.Millisecond
	defaultReconnectMaxDelay    = 30 * time.Second
	defaultNotificationBuffer   = 64
	defaultExporterTimeout      = 5 * time.Second
)

type Node struct {
	Name               string `yaml:"name"`               // display name, defaults to the address
	Address            string `yaml:"address"`            // host:port of the gRPC endpoint
	TLSCACert          string `yaml:"tlsCACert"`          // CA certificate used to verify the node
	TLSCAKey           string `yaml:"tlsCAKey"`           // client key for mutual TLS
	TLSCARoot          string `yaml:"tlsCARoot"`          // client certificate for mutual TLS
	ServerNameOverride string `yaml:"serverNameOverride"` // host name expected in the node certificate
	TLSCACertByte      []byte `yaml:"-"`
	TLSCAKeyByte       []byte `yaml:"-"`
	TLSCARootByte      []byte `yaml:"-"`
}

// ID returns the name used for the node in logs and errors
func (n Node) ID() string {
	if n.Name != "" {
		return n.Name
	}
	return n.Address
}

type Registrar struct {
	EnrollID     string `yaml:"enrollId"`
	EnrollSecret string `yaml:"enrollSecret"`
}

type CAConfig struct {
	URL           string    `yaml:"url"`       // e.g. https://localhost:7054
	Name          string    `yaml:"caName"`    // CA instance name, empty for the default CA
	TLSCACert     string    `yaml:"tlsCACert"` // CA certificate used to verify the CA server
	Registrar     Registrar `yaml:"registrar"` // bootstrap identity allowed to register users
	TLSCACertByte []byte    `yaml:"-"`
}

type Organization struct {
	MSPID       string   `yaml:"mspid"`       // the MSP the organization's users belong to
	Affiliation string   `yaml:"affiliation"` // affiliation used when registering users
	CA          CAConfig `yaml:"ca"`          // the organization's certificate authority
}

type Timeouts struct {
	Identity    time.Duration `yaml:"identity"`    // register and enroll round trips
	Endorsement time.Duration `yaml:"endorsement"` // fan-out to all endorsing peers
	Submission  time.Duration `yaml:"submission"`  // broadcast to the orderer
	Query       time.Duration `yaml:"query"`       // single peer evaluation
	Dial        time.Duration `yaml:"dial"`        // gRPC connection establishment
}

type ListenerConfig struct {
	MaxReconnectAttempts  uint64        `yaml:"maxReconnectAttempts"`
	ReconnectInitialDelay time.Duration `yaml:"reconnectInitialDelay"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnectMaxDelay"`
}

type NotificationConfig struct {
	Scope      Scope `yaml:"scope"`      // global, channel or identity
	BufferSize int   `yaml:"bufferSize"` // outbound frames queued per connection
}

type ExporterConfig struct {
	URL     string        `yaml:"url"` // analytics endpoint, disabled when empty
	Timeout time.Duration `yaml:"timeout"`
}

type SimulatorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression
	Username string `yaml:"username"` // identity submitting the simulated spend
	OrgName  string `yaml:"orgName"`
}

type Config struct {
	// HTTP
	Listen string `yaml:"listen"` // address the REST API binds to

	// Network
	Peers      []Node `yaml:"peers"`      // endorsing peers, in query fallback order
	EventPeers []Node `yaml:"eventPeers"` // peers to observe blocks from, defaults to peers
	Orderer    Node   `yaml:"orderer"`    // orderer
	Channel    string `yaml:"channel"`    // name of the channel to be operated on
	Chaincode  string `yaml:"chaincode"`  // chaincode name

	// Identities
	Organizations   map[string]Organization `yaml:"organizations"`   // keyed by the orgName clients send
	CredentialStore string                  `yaml:"credentialStore"` // wallet directory, in-memory only when empty

	EndorsementPolicy EndorsementPolicy `yaml:"endorsementPolicy"` // all or respondents

	Rate  int `yaml:"rate"`  // average number of submissions per second, 0 is unlimited
	Burst int `yaml:"burst"` // maximum burst of submissions

	// If true, log the write set of every endorsed proposal
	CheckRWSet bool `yaml:"checkRWSet"`

	Timeouts      Timeouts           `yaml:"timeouts"`
	Listener      ListenerConfig     `yaml:"listener"`
	Notifications NotificationConfig `yaml:"notifications"`
	Exporter      ExporterConfig     `yaml:"exporter"`
	Simulator     SimulatorConfig    `yaml:"simulator"`
}

func (c *Config) loadRawConfigFromFile(filename string) error {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrapf(err, "fail to load %s", filename)
	}

	if err := yaml.Unmarshal(raw, c); err != nil {
		return errors.Wrapf(err, "fail to unmarshal %s", filename)
	}
	return nil
}

func (c *Config) loadNodeConfig() error {
	for i := range c.Peers {
		if err := c.Peers[i].loadConfig(); err != nil {
			return err
		}
	}
	for i := range c.EventPeers {
		if err := c.EventPeers[i].loadConfig(); err != nil {
			return err
		}
	}
	return c.Orderer.loadConfig()
}

func (c *Config) loadCAConfig() error {
	for name, org := range c.Organizations {
		certByte, err := GetTLSCACerts(org.CA.TLSCACert)
		if err != nil && err != itemNotProvidedError {
			return errors.Wrapf(err, "fail to load TLS CA Cert of %s", name)
		}
		org.CA.TLSCACertByte = certByte
		c.Organizations[name] = org
	}
	return nil
}

// SetDefaults fills every unset optional field
func (c *Config) SetDefaults() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if len(c.EventPeers) == 0 {
		c.EventPeers = append([]Node(nil), c.Peers...)
	}
	if c.EndorsementPolicy == "" {
		c.EndorsementPolicy = PolicyAll
	}
	if c.Burst == 0 {
		c.Burst = defaultBurst
	}

	setDuration(&c.Timeouts.Identity, defaultIdentityTimeout)
	setDuration(&c.Timeouts.Endorsement, defaultEndorsementTimeout)
	setDuration(&c.Timeouts.Submission, defaultSubmissionTimeout)
	setDuration(&c.Timeouts.Query, defaultQueryTimeout)
	setDuration(&c.Timeouts.Dial, defaultDialTimeout)

	if c.Listener.MaxReconnectAttempts == 0 {
		c.Listener.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	setDuration(&c.Listener.ReconnectInitialDelay, defaultReconnectDelay)
	setDuration(&c.Listener.ReconnectMaxDelay, defaultReconnectMaxDelay)

	if c.Notifications.Scope == "" {
		c.Notifications.Scope = ScopeGlobal
	}
	if c.Notifications.BufferSize == 0 {
		c.Notifications.BufferSize = defaultNotificationBuffer
	}
	setDuration(&c.Exporter.Timeout, defaultExporterTimeout)
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate reports the first inconsistency in the configuration
func (c *Config) Validate() error {
	if c.Channel == "" {
		return errors.New("channel must be set")
	}
	if c.Chaincode == "" {
		return errors.New("chaincode must be set")
	}
	if len(c.Peers) == 0 {
		return errors.New("at least one peer must be configured")
	}
	if c.Orderer.Address == "" {
		return errors.New("orderer address must be set")
	}
	for name, org := range c.Organizations {
		if org.MSPID == "" {
			return errors.Errorf("organization %s has no mspid", name)
		}
		if org.CA.URL == "" {
			return errors.Errorf("organization %s has no CA url", name)
		}
	}

	switch c.EndorsementPolicy {
	case PolicyAll, PolicyRespondents:
	default:
		return errors.Errorf("unknown endorsement policy %q", c.EndorsementPolicy)
	}

	switch c.Notifications.Scope {
	case ScopeGlobal, ScopeChannel, ScopeIdentity:
	default:
		return errors.Errorf("unknown notification scope %q", c.Notifications.Scope)
	}

	if c.Rate < 0 {
		return errors.Errorf("rate %d is not a zero (unlimited) or positive number", c.Rate)
	}
	if c.Burst < 1 {
		return errors.Errorf("burst %d is not greater than 1", c.Burst)
	}
	if c.Rate > c.Burst {
		c.Rate = c.Burst
	}

	if c.Simulator.Enabled {
		if c.Simulator.Schedule == "" || c.Simulator.Username == "" || c.Simulator.OrgName == "" {
			return errors.New("simulator needs schedule, username and orgName")
		}
	}
	return nil
}

// ChannelContext returns the immutable network view used by every request
func (c *Config) ChannelContext() ChannelContext {
	return ChannelContext{
		ChannelName:   c.Channel,
		ChaincodeName: c.Chaincode,
		Peers:         append([]Node(nil), c.Peers...),
		EventPeers:    append([]Node(nil), c.EventPeers...),
		Orderer:       c.Orderer,
	}
}

func LoadConfigFromFile(filename string) (*Config, error) {
	c := &Config{}

	if err := c.loadRawConfigFromFile(filename); err != nil {
		return nil, err
	}
	c.SetDefaults()
	if err := c.loadNodeConfig(); err != nil {
		return nil, err
	}
	if err := c.loadCAConfig(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", filename)
	}

	return c, nil
}

func GetTLSCACerts(file string) ([]byte, error) {
	if file == "" {
		return nil, itemNotProvidedError
	}

	in, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to load %s", file)
	}

	return in, nil
}

func (n *Node) loadConfig() error {
	certByte, err := GetTLSCACerts(n.TLSCACert)
	if err != nil && err != itemNotProvidedError {
		return errors.Wrapf(err, "fail to load TLS CA Cert %s", n.TLSCACert)
	}

	keyByte, err := GetTLSCACerts(n.TLSCAKey)
	if err != nil && err != itemNotProvidedError {
		return errors.Wrapf(err, "fail to load TLS CA Key %s", n.TLSCAKey)
	}

	rootByte, err := GetTLSCACerts(n.TLSCARoot)
	if err != nil && err != itemNotProvidedError {
		return errors.Wrapf(err, "fail to load TLS CA Root %s", n.TLSCARoot)
	}

	n.TLSCACertByte = certByte
	n.TLSCAKeyByte = keyByte
	n.TLSCARootByte = rootByte
	return nil
}

// ChannelContext is the network view of one channel and chaincode.
// It is built once from the configuration and passed by value.
type ChannelContext struct {
	ChannelName   string
	ChaincodeName string
	Peers         []Node
	EventPeers    []Node
	Orderer       Node
}
