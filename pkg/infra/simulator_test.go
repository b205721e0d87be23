package infra

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChaincode struct {
	mu        sync.Mutex
	donations string
	queryErr  error
	invoked   []map[string]interface{}
	functions []string
}

func (f *fakeChaincode) Query(_ context.Context, _ RequestContext, fn string, _ Arguments) ([]byte, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if fn != "queryAllDonations" {
		return nil, errors.Errorf("unexpected query %s", fn)
	}
	return []byte(f.donations), nil
}

func (f *fakeChaincode) Invoke(_ context.Context, _ RequestContext, fn string, args Arguments) (*SubmissionReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := args.Strings()
	if err != nil {
		return nil, err
	}
	var keyed map[string]interface{}
	if err := json.Unmarshal([]byte(raw[0]), &keyed); err != nil {
		return nil, err
	}
	f.functions = append(f.functions, fn)
	f.invoked = append(f.invoked, keyed)
	return &SubmissionReceipt{TxID: "tx", Status: "SUCCESS"}, nil
}

func (f *fakeChaincode) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invoked)
}

func newTestSimulator(t *testing.T, cc Chaincode, schedule string) *Simulator {
	t.Helper()
	s, err := NewSimulator(SimulatorConfig{Schedule: schedule}, cc, RequestContext{Username: "alice", Organization: "org1"}, time.Second, newTestLogger())
	require.NoError(t, err)
	return s
}

func TestSimulatorSpend(t *testing.T) {
	cc := &fakeChaincode{donations: `[{"donationId":"d1","ngoRegistrationNumber":"1101","donationAmount":50}]`}
	s := newTestSimulator(t, cc, "@every 1h")

	receipt, err := s.Spend(context.Background())
	require.NoError(t, err)
	require.NotNil(t, receipt)

	require.Len(t, cc.invoked, 1)
	assert.Equal(t, "createSpend", cc.functions[0])
	spend := cc.invoked[0]
	assert.Equal(t, "1101", spend["ngoRegistrationNumber"])
	assert.Equal(t, simulatedSpendDescription, spend["spendDescription"])
	assert.NotEmpty(t, spend["spendId"])
	amount, ok := spend["spendAmount"].(float64)
	require.True(t, ok)
	assert.True(t, amount >= 1 && amount <= 100)
	_, err = time.Parse(time.RFC3339, spend["spendDate"].(string))
	assert.NoError(t, err)
}

func TestSimulatorWithoutDonations(t *testing.T) {
	cc := &fakeChaincode{donations: `[]`}
	s := newTestSimulator(t, cc, "@every 1h")

	receipt, err := s.Spend(context.Background())
	require.NoError(t, err)
	assert.Nil(t, receipt)
	assert.Zero(t, cc.calls())
}

func TestSimulatorErrors(t *testing.T) {
	_, err := newTestSimulator(t, &fakeChaincode{queryErr: errors.New("peer down")}, "@every 1h").Spend(context.Background())
	assert.EqualError(t, err, "peer down")

	_, err = newTestSimulator(t, &fakeChaincode{donations: `not json`}, "@every 1h").Spend(context.Background())
	assert.Error(t, err)

	_, err = newTestSimulator(t, &fakeChaincode{donations: `[{"donationId":"d1"}]`}, "@every 1h").Spend(context.Background())
	assert.Error(t, err)
}

func TestSimulatorInvalidSchedule(t *testing.T) {
	_, err := NewSimulator(SimulatorConfig{Schedule: "sometimes"}, &fakeChaincode{}, RequestContext{}, time.Second, newTestLogger())
	assert.Error(t, err)
}

func TestSimulatorRunsOnSchedule(t *testing.T) {
	cc := &fakeChaincode{donations: `[{"donationId":"d1","ngoRegistrationNumber":"1101"}]`}
	s := newTestSimulator(t, cc, "@every 1s")

	s.Start()
	require.Eventually(t, func() bool { return cc.calls() >= 1 }, 5*time.Second, 50*time.Millisecond)
	s.Stop()
}
