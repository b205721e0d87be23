package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/osdi23p228/ledgerbridge/internal/fabrictest"
	"github.com/osdi23p228/ledgerbridge/pkg/infra"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, peers int) (*infra.Gateway, *prometheus.Registry) {
	t.Helper()

	network := fabrictest.NewNetwork(t, peers)
	ca := fabrictest.NewFabricCA(t, "ca-org1", "admin", "adminpw")

	config := &infra.Config{
		Channel:   fabrictest.Channel,
		Chaincode: fabrictest.ChaincodeName,
		Orderer:   infra.Node{Name: "orderer", Address: network.Orderer.Address},
		Organizations: map[string]infra.Organization{
			"org1": {
				MSPID: fabrictest.MSPID,
				CA: infra.CAConfig{
					URL:       ca.URL,
					Name:      "ca-org1",
					Registrar: infra.Registrar{EnrollID: "admin", EnrollSecret: "adminpw"},
				},
			},
		},
		CredentialStore: t.TempDir(),
		Timeouts: infra.Timeouts{
			Identity:    5 * time.Second,
			Endorsement: 5 * time.Second,
			Submission:  5 * time.Second,
			Query:       5 * time.Second,
			Dial:        2 * time.Second,
		},
	}
	for i, address := range network.PeerAddresses() {
		config.Peers = append(config.Peers, infra.Node{Name: fmt.Sprintf("peer%d", i), Address: address})
	}
	config.SetDefaults()
	require.NoError(t, config.Validate())

	registry := prometheus.NewRegistry()
	gateway, err := infra.NewGateway(config, registry, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(gateway.Close)
	return gateway, registry
}

type client struct {
	t       *testing.T
	baseURL string
}

func (c *client) do(method, path string, body interface{}, headers map[string]string) (*http.Response, []byte) {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(c.t, err)
	return resp, buf.Bytes()
}

func TestOrderLifecycle(t *testing.T) {
	gateway, registry := newTestGateway(t, 2)
	httpServer := httptest.NewServer(NewServer(gateway, registry, newTestLogger()).Router())
	defer httpServer.Close()
	c := &client{t: t, baseURL: httpServer.URL}
	alice := map[string]string{HeaderUsername: "alice", HeaderOrgName: "org1"}

	resp, body := c.do("POST", "/users", map[string]string{"username": "alice", "orgName": "org1"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var registered RegisterResponse
	require.NoError(t, json.Unmarshal(body, &registered))
	assert.True(t, registered.Success)
	assert.NotEmpty(t, registered.Secret)

	_, ok := gateway.Listeners().Get(fabrictest.Channel, "alice", "org1")
	require.True(t, ok)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws?username=alice&orgName=org1"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return gateway.Hub().Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	resp, body = c.do("POST", "/orders", map[string]interface{}{"Key": "o1", "State": "NEW", "Count": 10, "Owner": "alice"}, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var written WriteResponse
	require.NoError(t, json.Unmarshal(body, &written))
	assert.True(t, written.Success)
	assert.Equal(t, "SUCCESS", written.Status)
	require.NotEmpty(t, written.TransactionID)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var event infra.Event
	for {
		_, frame, err := ws.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(frame, &event))
		if event.Type == infra.EventTransaction {
			break
		}
	}
	assert.Equal(t, written.TransactionID, event.Transaction.TxID)
	assert.True(t, event.Transaction.Valid)
	assert.Equal(t, "createOrder", event.Transaction.Function)
	assert.Contains(t, event.Transaction.WriteKeys, "o1")

	resp, body = c.do("GET", "/orders/o1", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var order map[string]string
	require.NoError(t, json.Unmarshal(body, &order))
	assert.Equal(t, map[string]string{"Key": "o1", "State": "NEW", "Count": "10", "Owner": "alice"}, order)

	resp, body = c.do("GET", "/orders", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[{"Key":"o1","State":"NEW","Count":"10","Owner":"alice"}]`, string(body))

	resp, _ = c.do("GET", "/orders/o1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = c.do("GET", "/orders/o1", nil, map[string]string{HeaderUsername: "mallory", HeaderOrgName: "org1"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, string(body))

	resp, body = c.do("POST", "/orders", map[string]interface{}{"Key": "o1", "State": "NEW", "Count": 1, "Owner": "alice"}, alice)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(body))
	var failure ErrorResponse
	require.NoError(t, json.Unmarshal(body, &failure))
	assert.Equal(t, TypeEndorsementMismatch, failure.Type)
}

func TestDonationLifecycle(t *testing.T) {
	gateway, registry := newTestGateway(t, 1)
	httpServer := httptest.NewServer(NewServer(gateway, registry, newTestLogger()).Router())
	defer httpServer.Close()
	c := &client{t: t, baseURL: httpServer.URL}
	edge := map[string]string{HeaderUsername: "edge", HeaderOrgName: "org1"}

	resp, body := c.do("POST", "/users", map[string]string{"username": "edge", "orgName": "org1"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = c.do("POST", "/ngos", map[string]interface{}{"ngoRegistrationNumber": "1101", "ngoName": "Pets In Need"}, edge)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = c.do("POST", "/donations", map[string]interface{}{"donationId": "d1", "ngoRegistrationNumber": "1101", "donationAmount": 100}, edge)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = c.do("GET", "/ngos/1101", nil, edge)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var ngo map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &ngo))
	assert.Equal(t, "Pets In Need", ngo["ngoName"])
	assert.Equal(t, "ngo", ngo["docType"])

	resp, body = c.do("GET", "/donations", nil, edge)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var donations []map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &donations))
	require.Len(t, donations, 1)
	assert.Equal(t, "d1", donations[0]["donationId"])
	assert.Equal(t, float64(100), donations[0]["donationAmount"])
}

func TestMetricsAfterTraffic(t *testing.T) {
	gateway, registry := newTestGateway(t, 1)
	httpServer := httptest.NewServer(NewServer(gateway, registry, newTestLogger()).Router())
	defer httpServer.Close()
	c := &client{t: t, baseURL: httpServer.URL}

	resp, _ := c.do("POST", "/users", map[string]string{"username": "alice", "orgName": "org1"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = c.do("GET", "/orders", nil, map[string]string{HeaderUsername: "alice", HeaderOrgName: "org1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := c.do("GET", "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `ledgerbridge_proposals_total{kind="query"} 1`)
}
