package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/render"
	"github.com/osdi23p228/ledgerbridge/pkg/infra"
	"github.com/pkg/errors"
)

// Error types reported in failure bodies
const (
	TypeValidation           = "validation"
	TypeRegistration         = "registration"
	TypeIdentityNotFound     = "identity_not_found"
	TypeEnrollment           = "enrollment"
	TypePeerUnavailable      = "peer_unavailable"
	TypeChaincode            = "chaincode"
	TypeEndorsementMismatch  = "endorsement_mismatch"
	TypeOrdererRejected      = "orderer_rejected"
	TypeListenerDisconnected = "listener_disconnected"
	TypeInternal             = "internal"
)

type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

type WriteResponse struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

type RegisterResponse struct {
	Success bool   `json:"success"`
	Secret  string `json:"secret,omitempty"`
	Message string `json:"message"`
}

// ValidationError rejects a malformed request before it reaches the ledger
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Message: errors.Errorf(format, args...).Error()}
}

// Handler is an http handler that reports failures by returning them
type Handler func(w http.ResponseWriter, r *http.Request) error

// Middleware converts a Handler to a http.HandlerFunc writing returned errors
func Middleware(h Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			WriteError(w, r, err)
		}
	}
}

// WriteRaw writes a chaincode payload verbatim
func WriteRaw(w http.ResponseWriter, payload []byte) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err := w.Write(payload)
	return err
}

// classify maps an error kind to its status code and type
func classify(err error) (int, string) {
	var (
		validationErr   *ValidationError
		registrationErr *infra.RegistrationError
		notFoundErr     *infra.IdentityNotFoundError
		enrollmentErr   *infra.EnrollmentError
		unavailableErr  *infra.PeerUnavailableError
		chaincodeErr    *infra.ChaincodeError
		mismatchErr     *infra.EndorsementMismatchError
		rejectedErr     *infra.OrdererRejectedError
		disconnectedErr *infra.ListenerDisconnectedError
	)

	switch {
	case errors.As(err, &validationErr), errors.Is(err, infra.ErrEmptyFunction):
		return http.StatusBadRequest, TypeValidation
	case errors.As(err, &registrationErr):
		return http.StatusBadRequest, TypeRegistration
	case errors.As(err, &notFoundErr):
		return http.StatusUnauthorized, TypeIdentityNotFound
	case errors.As(err, &enrollmentErr):
		return http.StatusBadGateway, TypeEnrollment
	case errors.As(err, &unavailableErr):
		return http.StatusServiceUnavailable, TypePeerUnavailable
	case errors.As(err, &chaincodeErr):
		return http.StatusBadRequest, TypeChaincode
	case errors.As(err, &mismatchErr):
		return http.StatusConflict, TypeEndorsementMismatch
	case errors.As(err, &rejectedErr):
		return http.StatusBadGateway, TypeOrdererRejected
	case errors.As(err, &disconnectedErr):
		return http.StatusServiceUnavailable, TypeListenerDisconnected
	default:
		return http.StatusInternalServerError, TypeInternal
	}
}

// WriteError writes err as a failure body with the status of its kind
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	render.Status(r, status)
	render.JSON(w, r, &ErrorResponse{
		Success: false,
		Message: err.Error(),
		Type:    kind,
	})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return invalid("invalid request body: %v", err)
	}
	return nil
}
