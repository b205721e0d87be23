package infra

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	cfsslapi "github.com/cloudflare/cfssl/api"
	"github.com/cloudflare/cfssl/csr"
	cflog "github.com/cloudflare/cfssl/log"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// CertificateAuthority registers and enrolls users of one organization
type CertificateAuthority interface {
	Register(ctx context.Context, registrar *Identity, req *RegistrationRequest) (string, error)
	Enroll(ctx context.Context, enrollID, secret string) (*Enrollment, error)
}

// RegistrationRequest is the body of a Fabric CA register call
type RegistrationRequest struct {
	Name           string `json:"id"`
	Type           string `json:"type,omitempty"`
	Secret         string `json:"secret,omitempty"`
	MaxEnrollments int    `json:"max_enrollments,omitempty"`
	Affiliation    string `json:"affiliation"`
	CAName         string `json:"caname,omitempty"`
}

type enrollmentRequestNet struct {
	Request string `json:"certificate_request"`
	CAName  string `json:"caname,omitempty"`
}

type registrationResponseNet struct {
	Secret string `mapstructure:"secret"`
}

type serverInfoResponseNet struct {
	CAName  string
	CAChain string
}

type enrollmentResponseNet struct {
	Cert       string
	ServerInfo serverInfoResponseNet
}

// Enrollment holds the PEM material issued for a user
type Enrollment struct {
	CertificatePEM []byte
	PrivateKeyPEM  []byte
	CAName         string
}

// CAClient talks to a Fabric CA server over its REST API
type CAClient struct {
	config     CAConfig
	httpClient *http.Client
	logger     *log.Logger
}

var cfsslLogLevel sync.Once

func NewCAClient(config CAConfig, logger *log.Logger) (*CAClient, error) {
	if config.URL == "" {
		return nil, errors.New("CA url must be set")
	}

	// cfssl prints to stderr on its own; keep it to warnings unless debugging
	cfsslLogLevel.Do(func() {
		cflog.Level = cflog.LevelWarning
		if logger.IsLevelEnabled(log.DebugLevel) {
			cflog.Level = cflog.LevelDebug
		}
	})

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if len(config.TLSCACertByte) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(config.TLSCACertByte) {
			return nil, errors.Errorf("fail to add TLS CA Cert of %s", config.URL)
		}
		transport.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    pool,
		}
	}

	return &CAClient{
		config:     config,
		httpClient: &http.Client{Transport: transport},
		logger:     logger,
	}, nil
}

// Register registers a new user signed by the registrar and returns its enrollment secret
func (c *CAClient) Register(ctx context.Context, registrar *Identity, req *RegistrationRequest) (string, error) {
	if req.Name == "" {
		return "", errors.New("register was called without a name")
	}
	if req.CAName == "" {
		req.CAName = c.config.Name
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "fail to marshal registration request")
	}

	post, err := c.newPost(ctx, "register", body)
	if err != nil {
		return "", err
	}

	token, err := createToken(registrar, post.Method, post.URL.RequestURI(), body)
	if err != nil {
		return "", err
	}
	post.Header.Set("authorization", token)

	var result registrationResponseNet
	if err := c.sendReq(post, &result); err != nil {
		return "", err
	}
	return result.Secret, nil
}

// Enroll creates a key pair and asks the CA to certify it
func (c *CAClient) Enroll(ctx context.Context, enrollID, secret string) (*Enrollment, error) {
	priv, keyPEM, err := generatePrivateKey()
	if err != nil {
		return nil, err
	}

	csrPEM, err := csr.Generate(priv, &csr.CertificateRequest{CN: enrollID})
	if err != nil {
		return nil, errors.Wrap(err, "failure generating CSR")
	}

	body, err := json.Marshal(&enrollmentRequestNet{
		Request: string(csrPEM),
		CAName:  c.config.Name,
	})
	if err != nil {
		return nil, errors.Wrap(err, "fail to marshal enrollment request")
	}

	post, err := c.newPost(ctx, "enroll", body)
	if err != nil {
		return nil, err
	}
	post.SetBasicAuth(enrollID, secret)

	var result enrollmentResponseNet
	if err := c.sendReq(post, &result); err != nil {
		return nil, err
	}

	certPEM, err := base64.StdEncoding.DecodeString(result.Cert)
	if err != nil {
		return nil, errors.Wrap(err, "invalid response format from server")
	}

	return &Enrollment{
		CertificatePEM: certPEM,
		PrivateKeyPEM:  keyPEM,
		CAName:         result.ServerInfo.CAName,
	}, nil
}

func (c *CAClient) newPost(ctx context.Context, endpoint string, body []byte) (*http.Request, error) {
	curl := fmt.Sprintf("%s/api/v1/%s", strings.TrimRight(c.config.URL, "/"), endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, curl, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, "failed posting to %s", curl)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// sendReq sends a request to the CA and decodes the result field of the reply
func (c *CAClient) sendReq(req *http.Request, result interface{}) error {
	c.logger.Debugf("Sending %s %s", req.Method, req.URL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", req.Method, req.URL)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to read response of %s", req.URL)
	}

	var body *cfsslapi.Response
	if len(respBody) > 0 {
		body = new(cfsslapi.Response)
		if err := json.Unmarshal(respBody, body); err != nil {
			return errors.Wrapf(err, "failed to parse response: %s", respBody)
		}
		if len(body.Errors) > 0 {
			msgs := make([]string, 0, len(body.Errors))
			for _, e := range body.Errors {
				msgs = append(msgs, fmt.Sprintf("error code %d - %s", e.Code, e.Message))
			}
			return errors.Errorf("response from server: %s", strings.Join(msgs, "; "))
		}
	}

	if resp.StatusCode >= 400 {
		return errors.Errorf("failed with server status code %d for %s", resp.StatusCode, req.URL)
	}
	if body == nil {
		return errors.Errorf("empty response body for %s", req.URL)
	}
	if !body.Success {
		return errors.Errorf("server returned failure for %s", req.URL)
	}
	if result != nil {
		return mapstructure.Decode(body.Result, result)
	}
	return nil
}

// createToken builds the token Fabric CA expects in the authorization header
func createToken(id *Identity, method, uri string, body []byte) (string, error) {
	b64body := base64.StdEncoding.EncodeToString(body)
	b64cert := base64.StdEncoding.EncodeToString(id.CertificatePEM)
	b64uri := base64.StdEncoding.EncodeToString([]byte(uri))
	payload := method + "." + b64uri + "." + b64body + "." + b64cert

	sig, err := id.Sign([]byte(payload))
	if err != nil {
		return "", errors.Wrap(err, "fail to sign authorization token")
	}
	return b64cert + "." + base64.StdEncoding.EncodeToString(sig), nil
}
