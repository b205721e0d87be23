package infra

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

type identityKey struct {
	username string
	org      string
}

// IdentityManager resolves usernames to enrolled identities, registering
// them with their organization's CA on demand
type IdentityManager struct {
	orgs    map[string]Organization
	cas     map[string]CertificateAuthority
	wallet  *Wallet
	timeout time.Duration
	logger  *log.Logger

	mu         sync.RWMutex
	cache      map[identityKey]*Identity
	registrars map[string]*Identity
	group      singleflight.Group
}

func NewIdentityManager(config *Config, logger *log.Logger) (*IdentityManager, error) {
	im := &IdentityManager{
		orgs:       config.Organizations,
		cas:        make(map[string]CertificateAuthority, len(config.Organizations)),
		timeout:    config.Timeouts.Identity,
		logger:     logger,
		cache:      make(map[identityKey]*Identity),
		registrars: make(map[string]*Identity),
	}

	for name, org := range config.Organizations {
		ca, err := NewCAClient(org.CA, logger)
		if err != nil {
			return nil, errors.Wrapf(err, "fail to create CA client of %s", name)
		}
		im.cas[name] = ca
	}

	if config.CredentialStore != "" {
		wallet, err := NewWallet(config.CredentialStore)
		if err != nil {
			return nil, err
		}
		im.wallet = wallet
	}

	return im, nil
}

// Lookup returns a cached identity without touching the wallet or the CA
func (im *IdentityManager) Lookup(username, org string) (*Identity, bool) {
	im.mu.RLock()
	defer im.mu.RUnlock()
	id, ok := im.cache[identityKey{username: username, org: org}]
	return id, ok
}

// EnsureIdentity returns the identity of username in org. When it is neither
// cached nor stored, it is registered and enrolled if register is true.
func (im *IdentityManager) EnsureIdentity(ctx context.Context, username, org string, register bool) (*Identity, error) {
	if id, ok := im.Lookup(username, org); ok {
		return id, nil
	}
	if _, ok := im.orgs[org]; !ok {
		return nil, &RegistrationError{Username: username, Organization: org, Err: errors.New("unknown organization")}
	}

	flight := username + "@" + org
	if register {
		flight += "/register"
	}
	v, err, _ := im.group.Do(flight, func() (interface{}, error) {
		if id, ok := im.Lookup(username, org); ok {
			return id, nil
		}

		if id := im.loadFromWallet(username, org); id != nil {
			im.store(id)
			return id, nil
		}

		if !register {
			return nil, &IdentityNotFoundError{Username: username, Organization: org}
		}
		return im.enroll(ctx, username, org)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Identity), nil
}

// Reregister replaces the identity of username with a freshly enrolled one
func (im *IdentityManager) Reregister(ctx context.Context, username, org string) (*Identity, error) {
	if _, ok := im.orgs[org]; !ok {
		return nil, &RegistrationError{Username: username, Organization: org, Err: errors.New("unknown organization")}
	}

	v, err, _ := im.group.Do(username+"@"+org+"/register", func() (interface{}, error) {
		im.mu.Lock()
		delete(im.cache, identityKey{username: username, org: org})
		im.mu.Unlock()

		if im.wallet != nil {
			if err := im.wallet.Remove(username, org); err != nil {
				im.logger.Warnf("Fail to remove stored identity %s@%s: %v", username, org, err)
			}
		}
		return im.enroll(ctx, username, org)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Identity), nil
}

func (im *IdentityManager) loadFromWallet(username, org string) *Identity {
	if im.wallet == nil {
		return nil
	}
	id, err := im.wallet.Get(username, org)
	if err != nil {
		im.logger.Warnf("Ignoring stored identity %s@%s: %v", username, org, err)
		return nil
	}
	return id
}

func (im *IdentityManager) store(id *Identity) {
	im.mu.Lock()
	im.cache[id.key()] = id
	im.mu.Unlock()
}

// enroll registers username with the organization's CA, then enrolls it.
// It runs on its own deadline so callers that give up do not abort a
// registration other callers are waiting for.
func (im *IdentityManager) enroll(ctx context.Context, username, org string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), im.timeout)
	defer cancel()

	orgConfig := im.orgs[org]
	ca := im.cas[org]

	registrar, err := im.registrar(ctx, org)
	if err != nil {
		return nil, &RegistrationError{Username: username, Organization: org, Err: err}
	}

	affiliation := orgConfig.Affiliation
	if affiliation == "" {
		affiliation = strings.ToLower(org) + ".department1"
	}

	secret, err := ca.Register(ctx, registrar, &RegistrationRequest{
		Name:        username,
		Type:        "client",
		Affiliation: affiliation,
	})
	if err != nil {
		return nil, &RegistrationError{Username: username, Organization: org, Err: err}
	}
	im.logger.Debugf("Registered %s@%s", username, org)

	enrollment, err := ca.Enroll(ctx, username, secret)
	if err != nil {
		return nil, &EnrollmentError{Username: username, Organization: org, Err: err}
	}

	id, err := NewIdentity(username, org, orgConfig.MSPID, enrollment.CertificatePEM, enrollment.PrivateKeyPEM)
	if err != nil {
		return nil, &EnrollmentError{Username: username, Organization: org, Err: err}
	}
	id.EnrollmentSecret = secret

	if im.wallet != nil {
		if err := im.wallet.Put(id); err != nil {
			im.logger.Errorf("Fail to persist identity %s: %v", id, err)
		}
	}
	im.store(id)

	im.logger.Infof("Enrolled %s with MSP %s", id, id.MSPID)
	return id, nil
}

// registrar enrolls the organization's bootstrap identity on first use
func (im *IdentityManager) registrar(ctx context.Context, org string) (*Identity, error) {
	im.mu.RLock()
	registrar, ok := im.registrars[org]
	im.mu.RUnlock()
	if ok {
		return registrar, nil
	}

	v, err, _ := im.group.Do("registrar/"+org, func() (interface{}, error) {
		orgConfig := im.orgs[org]
		creds := orgConfig.CA.Registrar
		if creds.EnrollID == "" {
			return nil, errors.Errorf("organization %s has no registrar", org)
		}

		enrollment, err := im.cas[org].Enroll(ctx, creds.EnrollID, creds.EnrollSecret)
		if err != nil {
			return nil, errors.Wrapf(err, "fail to enroll registrar %s", creds.EnrollID)
		}

		id, err := NewIdentity(creds.EnrollID, org, orgConfig.MSPID, enrollment.CertificatePEM, enrollment.PrivateKeyPEM)
		if err != nil {
			return nil, err
		}

		im.mu.Lock()
		im.registrars[org] = id
		im.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Identity), nil
}
