package fabrictest

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type caResponse struct {
	Success  bool          `json:"success"`
	Result   interface{}   `json:"result"`
	Errors   []caMessage   `json:"errors"`
	Messages []interface{} `json:"messages"`
}

type caMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FabricCA serves the register and enroll endpoints of a Fabric CA
type FabricCA struct {
	*httptest.Server
	CA *CA

	Registrations atomic.Int32
	Enrollments   atomic.Int32

	// FailEnroll makes every enrollment of a non-registrar identity fail
	FailEnroll atomic.Bool

	registrar string

	mu    sync.Mutex
	users map[string]string
}

// NewFabricCA starts a CA that knows only the registrar identity
func NewFabricCA(t testing.TB, name, registrarID, registrarSecret string) *FabricCA {
	ca, err := NewCA(name)
	if err != nil {
		t.Fatalf("fail to create CA: %v", err)
	}

	f := &FabricCA{
		CA:        ca,
		registrar: registrarID,
		users:     map[string]string{registrarID: registrarSecret},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/enroll", f.enroll)
	mux.HandleFunc("/api/v1/register", f.register)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func (f *FabricCA) reply(w http.ResponseWriter, status int, result interface{}, errs ...caMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&caResponse{
		Success:  len(errs) == 0,
		Result:   result,
		Errors:   errs,
		Messages: []interface{}{},
	})
}

func (f *FabricCA) enroll(w http.ResponseWriter, r *http.Request) {
	id, secret, ok := r.BasicAuth()
	f.mu.Lock()
	known, exists := f.users[id]
	f.mu.Unlock()
	if !ok || !exists || known != secret {
		f.reply(w, http.StatusUnauthorized, nil, caMessage{Code: 20, Message: "Authentication failure"})
		return
	}
	if id != f.registrar && f.FailEnroll.Load() {
		f.reply(w, http.StatusInternalServerError, nil, caMessage{Code: 0, Message: "enrollment disabled"})
		return
	}

	var req struct {
		Request string `json:"certificate_request"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.reply(w, http.StatusBadRequest, nil, caMessage{Code: 0, Message: err.Error()})
		return
	}

	certPEM, cn, err := f.CA.SignCSR([]byte(req.Request))
	if err != nil || cn != id {
		f.reply(w, http.StatusBadRequest, nil, caMessage{Code: 0, Message: fmt.Sprintf("invalid CSR: %v", err)})
		return
	}

	f.Enrollments.Add(1)
	f.reply(w, http.StatusCreated, map[string]interface{}{
		"Cert": base64.StdEncoding.EncodeToString(certPEM),
		"ServerInfo": map[string]interface{}{
			"CAName":  f.CA.Name,
			"CAChain": base64.StdEncoding.EncodeToString(f.CA.CertPEM),
		},
	})
}

func (f *FabricCA) register(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		f.reply(w, http.StatusBadRequest, nil, caMessage{Code: 0, Message: err.Error()})
		return
	}

	if err := verifyToken(r.Header.Get("authorization"), r.Method, r.URL.RequestURI(), body); err != nil {
		f.reply(w, http.StatusUnauthorized, nil, caMessage{Code: 20, Message: err.Error()})
		return
	}

	var req struct {
		Name   string `json:"id"`
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Name == "" {
		f.reply(w, http.StatusBadRequest, nil, caMessage{Code: 0, Message: "invalid registration request"})
		return
	}

	f.mu.Lock()
	_, exists := f.users[req.Name]
	if !exists {
		if req.Secret == "" {
			req.Secret = randomSecret()
		}
		f.users[req.Name] = req.Secret
	}
	f.mu.Unlock()

	if exists {
		f.reply(w, http.StatusConflict, nil, caMessage{Code: 74, Message: fmt.Sprintf("Identity '%s' is already registered", req.Name)})
		return
	}

	f.Registrations.Add(1)
	f.reply(w, http.StatusCreated, map[string]interface{}{"secret": req.Secret})
}

func verifyToken(token, method, uri string, body []byte) error {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return fmt.Errorf("malformed authorization token")
	}
	certPEM, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return err
	}

	payload := method + "." + base64.StdEncoding.EncodeToString([]byte(uri)) + "." +
		base64.StdEncoding.EncodeToString(body) + "." + parts[0]
	return VerifySignature(certPEM, []byte(payload), sig)
}

func randomSecret() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
