package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/osdi23p228/ledgerbridge/pkg/infra"
)

const (
	HeaderUsername = "X-username"
	HeaderOrgName  = "X-orgName"
)

type callerKey struct{}

type caller struct {
	username string
	orgName  string
}

// requireIdentity rejects requests that do not name their caller
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := caller{username: r.Header.Get(HeaderUsername), orgName: r.Header.Get(HeaderOrgName)}
		if c.username == "" || c.orgName == "" {
			WriteError(w, r, invalid("headers %s and %s are required", HeaderUsername, HeaderOrgName))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, c)))
	})
}

func (s *Server) requestContext(r *http.Request) infra.RequestContext {
	c, _ := r.Context().Value(callerKey{}).(caller)
	return s.backend.NewRequestContext(c.username, c.orgName)
}

type RegisterRequest struct {
	Username string `json:"username" validate:"required"`
	OrgName  string `json:"orgName" validate:"required"`
}

type OrderRequest struct {
	Key   string      `json:"Key" validate:"required"`
	State string      `json:"State" validate:"required"`
	Count json.Number `json:"Count" validate:"required"`
	Owner string      `json:"Owner" validate:"required"`
}

type OrderChangeRequest struct {
	State string      `json:"State" validate:"required"`
	Count json.Number `json:"Count" validate:"required"`
	Owner string      `json:"Owner" validate:"required"`
}

type TransferRequest struct {
	Owner string      `json:"Owner" validate:"required"`
	Count json.Number `json:"Count" validate:"required"`
}

// argsFunc extracts the chaincode arguments of a request
type argsFunc func(r *http.Request) (infra.Arguments, error)

func noArgs(r *http.Request) (infra.Arguments, error) {
	return infra.PositionalArgs(), nil
}

func noKeyedArgs(r *http.Request) (infra.Arguments, error) {
	return infra.KeyedArgs(nil), nil
}

// pathArgs passes URL parameters positionally
func pathArgs(params ...string) argsFunc {
	return func(r *http.Request) (infra.Arguments, error) {
		args := make([]string, len(params))
		for i, p := range params {
			args[i] = chi.URLParam(r, p)
		}
		return infra.PositionalArgs(args...), nil
	}
}

// keyedPath passes URL parameters as a keyed object, renaming them to fields
func keyedPath(fields map[string]string) argsFunc {
	return func(r *http.Request) (infra.Arguments, error) {
		args := make(map[string]interface{}, len(fields))
		for param, field := range fields {
			args[field] = chi.URLParam(r, param)
		}
		return infra.KeyedArgs(args), nil
	}
}

// keyedBody passes the JSON request body as a keyed object
func keyedBody(r *http.Request) (infra.Arguments, error) {
	var body map[string]interface{}
	if err := decodeJSON(r, &body); err != nil {
		return infra.Arguments{}, err
	}
	if len(body) == 0 {
		return infra.Arguments{}, invalid("request body must be a non empty object")
	}
	return infra.KeyedArgs(body), nil
}

func (s *Server) bodyArgs(v interface{}, args func() []string) argsFunc {
	return func(r *http.Request) (infra.Arguments, error) {
		if err := decodeJSON(r, v); err != nil {
			return infra.Arguments{}, err
		}
		if err := s.validate.Struct(v); err != nil {
			return infra.Arguments{}, invalid("%v", err)
		}
		return infra.PositionalArgs(args()...), nil
	}
}

func (s *Server) registerRoutes(r chi.Router) {
	r.Get("/orders", s.query("queryAllOrder", noArgs))
	r.Get("/orders/{key}", s.query("queryOrder", pathArgs("key")))
	r.Post("/orders", s.invoke("createOrder", func(r *http.Request) (infra.Arguments, error) {
		var req OrderRequest
		return s.bodyArgs(&req, func() []string {
			return []string{req.Key, req.State, req.Count.String(), req.Owner}
		})(r)
	}))
	r.Put("/orders/{key}", s.invoke("changeOrder", func(r *http.Request) (infra.Arguments, error) {
		var req OrderChangeRequest
		return s.bodyArgs(&req, func() []string {
			return []string{chi.URLParam(r, "key"), req.State, req.Count.String(), req.Owner}
		})(r)
	}))

	r.Route("/transfer", func(r chi.Router) {
		r.Post("/init", s.invoke("initLedger", noArgs))
		r.Post("/start", s.invoke("startTransfer", s.transferArgs))
		r.Post("/request", s.invoke("requestTransfer", s.transferArgs))
		r.Post("/accept", s.invoke("acceptTransfer", noArgs))
		r.Post("/complete", s.invoke("Complete", noArgs))
	})

	r.Route("/ngos", func(r chi.Router) {
		r.Get("/", s.query("queryAllNGOs", noKeyedArgs))
		r.Post("/", s.invoke("createNGO", keyedBody))
		r.Route("/{ngoRegistrationNumber}", func(r chi.Router) {
			ngo := keyedPath(map[string]string{"ngoRegistrationNumber": "ngoRegistrationNumber"})
			r.Get("/", s.query("queryNGO", ngo))
			r.Get("/donations", s.query("queryDonationsForNGO", ngo))
			r.Get("/spend", s.query("querySpendForNGO", ngo))
			r.Get("/ratings", s.query("queryRatingsForNGO", ngo))
		})
	})

	r.Route("/donations", func(r chi.Router) {
		donation := keyedPath(map[string]string{"donationId": "donationId"})
		r.Get("/", s.query("queryAllDonations", noKeyedArgs))
		r.Post("/", s.invoke("createDonation", keyedBody))
		r.Get("/{donationId}", s.query("queryDonation", donation))
		r.Get("/{donationId}/spendallocations", s.query("querySpendAllocationForDonation", donation))
	})

	r.Route("/spend", func(r chi.Router) {
		spend := keyedPath(map[string]string{"spendId": "spendId"})
		r.Get("/", s.query("queryAllSpend", noKeyedArgs))
		r.Post("/", s.invoke("createSpend", keyedBody))
		r.Get("/{spendId}", s.query("querySpend", spend))
		r.Get("/{spendId}/spendallocations", s.query("querySpendAllocationForSpend", spend))
	})

	r.Get("/spendallocations", s.query("queryAllSpendAllocations", noKeyedArgs))

	r.Post("/ratings", s.invoke("createRating", keyedBody))
	r.Get("/ratings/{ngoRegistrationNumber}/{donorUserName}", s.query("queryDonorRatingsForNGO",
		keyedPath(map[string]string{"ngoRegistrationNumber": "ngoRegistrationNumber", "donorUserName": "donorUserName"})))

	r.Get("/blockinfos/{docType}/keys/{key}", s.query("queryHistoryForKey",
		keyedPath(map[string]string{"docType": "docType", "key": "key"})))
}

func (s *Server) transferArgs(r *http.Request) (infra.Arguments, error) {
	var req TransferRequest
	return s.bodyArgs(&req, func() []string {
		return []string{req.Owner, req.Count.String()}
	})(r)
}

func (s *Server) query(fn string, args argsFunc) http.HandlerFunc {
	return Middleware(func(w http.ResponseWriter, r *http.Request) error {
		a, err := args(r)
		if err != nil {
			return err
		}
		payload, err := s.backend.Query(r.Context(), s.requestContext(r), fn, a)
		if err != nil {
			return err
		}
		return WriteRaw(w, payload)
	})
}

func (s *Server) invoke(fn string, args argsFunc) http.HandlerFunc {
	return Middleware(func(w http.ResponseWriter, r *http.Request) error {
		a, err := args(r)
		if err != nil {
			return err
		}
		receipt, err := s.backend.Invoke(r.Context(), s.requestContext(r), fn, a)
		if err != nil {
			return err
		}
		render.JSON(w, r, &WriteResponse{
			Success:       true,
			TransactionID: receipt.TxID,
			Status:        receipt.Status,
			Message:       fmt.Sprintf("Transaction %s accepted by %s", receipt.TxID, receipt.Orderer),
		})
		return nil
	})
}

func (s *Server) registerUser(w http.ResponseWriter, r *http.Request) error {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := s.validate.Struct(&req); err != nil {
		return invalid("%v", err)
	}

	id, err := s.backend.RegisterUser(r.Context(), s.backend.NewRequestContext(req.Username, req.OrgName))
	if err != nil {
		return err
	}

	render.JSON(w, r, &RegisterResponse{
		Success: true,
		Secret:  id.EnrollmentSecret,
		Message: fmt.Sprintf("%s enrolled Successfully", req.Username),
	})
	return nil
}
