package infra

import (
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

type walletEntry struct {
	Username     string `json:"username"`
	Organization string `json:"orgName"`
	MSPID        string `json:"mspid"`
	Certificate  string `json:"certificate"`
	PrivateKey   string `json:"privateKey"`
	Secret       string `json:"enrollmentSecret,omitempty"`
}

// Wallet stores enrolled identities as one JSON file per user, in one
// directory per organization
type Wallet struct {
	dir string
}

func NewWallet(dir string) (*Wallet, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "fail to create credential store %s", dir)
	}
	return &Wallet{dir: dir}, nil
}

func (w *Wallet) path(username, org string) string {
	return filepath.Join(w.dir, escapeName(org), escapeName(username)+".json")
}

// escapeName maps s to a single path element that no other name maps to
func escapeName(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), ".", "%2E")
}

// Get returns the stored identity, or nil when none was stored
func (w *Wallet) Get(username, org string) (*Identity, error) {
	raw, err := os.ReadFile(w.path(username, org))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "fail to read identity %s@%s", username, org)
	}

	var entry walletEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, errors.Wrapf(err, "fail to unmarshal identity %s@%s", username, org)
	}

	id, err := NewIdentity(entry.Username, entry.Organization, entry.MSPID, []byte(entry.Certificate), []byte(entry.PrivateKey))
	if err != nil {
		return nil, err
	}
	id.EnrollmentSecret = entry.Secret
	return id, nil
}

func (w *Wallet) Put(id *Identity) error {
	raw, err := json.MarshalIndent(&walletEntry{
		Username:     id.Username,
		Organization: id.Organization,
		MSPID:        id.MSPID,
		Certificate:  string(id.CertificatePEM),
		PrivateKey:   string(id.PrivateKeyPEM),
		Secret:       id.EnrollmentSecret,
	}, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "fail to marshal identity %s", id)
	}

	file := w.path(id.Username, id.Organization)
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return errors.Wrapf(err, "fail to store identity %s", id)
	}
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errors.Wrapf(err, "fail to store identity %s", id)
	}
	return errors.Wrapf(os.Rename(tmp, file), "fail to store identity %s", id)
}

func (w *Wallet) Remove(username, org string) error {
	err := os.Remove(w.path(username, org))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "fail to remove identity %s@%s", username, org)
	}
	return nil
}
