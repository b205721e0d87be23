package infra

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"

	"github.com/gogo/protobuf/proto"
	"github.com/osdi23p228/fabric-protos-go/msp"
	"github.com/osdi23p228/fabric/bccsp/utils"
	"github.com/pkg/errors"
)

// Identity is an enrolled user able to sign proposals and envelopes.
// It satisfies the protoutil Signer interface.
type Identity struct {
	Username         string
	Organization     string
	MSPID            string
	EnrollmentSecret string
	CertificatePEM   []byte
	PrivateKeyPEM    []byte

	cert    *x509.Certificate
	privKey *ecdsa.PrivateKey
	creator []byte
}

// NewIdentity parses the PEM encoded certificate and private key of an enrolled user
func NewIdentity(username, org, mspID string, certPEM, keyPEM []byte) (*Identity, error) {
	cert, err := GetCertificate(certPEM)
	if err != nil {
		return nil, err
	}

	privKey, err := GetPrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}

	sid := &msp.SerializedIdentity{
		Mspid:   mspID,
		IdBytes: certPEM,
	}
	creator, err := proto.Marshal(sid)
	if err != nil {
		return nil, errors.Wrap(err, "fail to get msp id")
	}

	return &Identity{
		Username:       username,
		Organization:   org,
		MSPID:          mspID,
		CertificatePEM: certPEM,
		PrivateKeyPEM:  keyPEM,
		cert:           cert,
		privKey:        privKey,
		creator:        creator,
	}, nil
}

// Sign returns a low-S ECDSA signature over the SHA256 digest of msg
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, id.privKey, digest(msg))
	if err != nil {
		return nil, err
	}

	s, err = utils.ToLowS(&id.privKey.PublicKey, s)
	if err != nil {
		return nil, err
	}
	return utils.MarshalECDSASignature(r, s)
}

// Serialize returns the marshalled msp.SerializedIdentity used as transaction creator
func (id *Identity) Serialize() ([]byte, error) {
	return id.creator, nil
}

func (id *Identity) Certificate() *x509.Certificate {
	return id.cert
}

func (id *Identity) key() identityKey {
	return identityKey{username: id.Username, org: id.Organization}
}

func (id *Identity) String() string {
	return id.Username + "@" + id.Organization
}

func digest(in []byte) []byte {
	h := sha256.New()
	h.Write(in)
	return h.Sum(nil)
}

// GetPrivateKey parses a PKCS#8 PEM encoded ECDSA key as issued by enrollment
func GetPrivateKey(raw []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("fail to decode private key PEM")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "fail to parse private key")
	}

	privKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.Errorf("expecting ecdsa key, got %T", key)
	}
	return privKey, nil
}

func GetCertificate(raw []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("fail to decode certificate PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "fail to parse certificate")
	}
	return cert, nil
}

// generatePrivateKey creates a P-256 key and its PKCS#8 PEM encoding
func generatePrivateKey() (*ecdsa.PrivateKey, []byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "fail to generate private key")
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, errors.Wrap(err, "fail to marshal private key")
	}

	return priv, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
