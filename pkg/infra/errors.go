package infra

import (
	"fmt"
	"strings"

	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/pkg/errors"
)

var (
	// ErrEmptyFunction is returned when a proposal is built without a chaincode function
	ErrEmptyFunction = errors.New("chaincode function name must not be empty")

	// ErrEnvelopeUsed is returned when a transaction envelope is submitted twice
	ErrEnvelopeUsed = errors.New("transaction envelope has already been submitted")

	// ErrListenerActive is returned when a block listener is already running for an identity and channel
	ErrListenerActive = errors.New("block listener already active")

	itemNotProvidedError = errors.New("No such item")
)

// RegistrationError means the certificate authority refused to register a user
type RegistrationError struct {
	Username     string
	Organization string
	Err          error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("failed to register %s in %s: %v", e.Username, e.Organization, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// EnrollmentError means the certificate authority did not issue a certificate
type EnrollmentError struct {
	Username     string
	Organization string
	Err          error
}

func (e *EnrollmentError) Error() string {
	return fmt.Sprintf("failed to enroll %s in %s: %v", e.Username, e.Organization, e.Err)
}

func (e *EnrollmentError) Unwrap() error { return e.Err }

// IdentityNotFoundError means a request named a user that was never registered
type IdentityNotFoundError struct {
	Username     string
	Organization string
}

func (e *IdentityNotFoundError) Error() string {
	return fmt.Sprintf("user %s of %s is not enrolled, register it first", e.Username, e.Organization)
}

// PeerUnavailableError means no configured peer could be reached
type PeerUnavailableError struct {
	Peers []string
	Err   error
}

func (e *PeerUnavailableError) Error() string {
	return fmt.Sprintf("no peer available among [%s]: %v", strings.Join(e.Peers, ", "), e.Err)
}

func (e *PeerUnavailableError) Unwrap() error { return e.Err }

// ChaincodeError carries an application level failure returned by chaincode
type ChaincodeError struct {
	Peer    string
	Status  int32
	Message string
}

func (e *ChaincodeError) Error() string {
	return fmt.Sprintf("chaincode error from %s, status %d: %s", e.Peer, e.Status, e.Message)
}

// Endorsement failure reasons
const (
	ReasonMissing    = "missing"
	ReasonSimulation = "simulation"
	ReasonDigest     = "digest"
	ReasonNoResponse = "no-response"
)

// PeerFailure describes why one peer did not contribute a usable endorsement
type PeerFailure struct {
	Peer   string `json:"peer"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// EndorsementMismatchError means the endorsement set is not unanimous
type EndorsementMismatchError struct {
	TxID     string
	Reason   string
	Failures []PeerFailure
}

func (e *EndorsementMismatchError) Error() string {
	details := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Detail != "" {
			details = append(details, fmt.Sprintf("%s (%s: %s)", f.Peer, f.Reason, f.Detail))
		} else {
			details = append(details, fmt.Sprintf("%s (%s)", f.Peer, f.Reason))
		}
	}
	return fmt.Sprintf("endorsement of %s failed (%s): %s", e.TxID, e.Reason, strings.Join(details, "; "))
}

// OrdererRejectedError means the ordering service did not accept an envelope
type OrdererRejectedError struct {
	TxID    string
	Orderer string
	Status  common.Status
	Info    string
}

func (e *OrdererRejectedError) Error() string {
	return fmt.Sprintf("orderer %s rejected %s with status %s: %s", e.Orderer, e.TxID, e.Status, e.Info)
}

// ListenerDisconnectedError records why a block listener gave up reconnecting
type ListenerDisconnectedError struct {
	Channel      string
	Username     string
	Organization string
	Err          error
}

func (e *ListenerDisconnectedError) Error() string {
	return fmt.Sprintf("block listener for %s@%s on %s disconnected: %v", e.Username, e.Organization, e.Channel, e.Err)
}

func (e *ListenerDisconnectedError) Unwrap() error { return e.Err }
