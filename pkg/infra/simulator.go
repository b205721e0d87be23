package infra

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

const simulatedSpendDescription = "Peter Pipers Poulty Portions for Pets"

// Chaincode is the part of the gateway the simulator drives
type Chaincode interface {
	Invoke(ctx context.Context, rc RequestContext, fn string, args Arguments) (*SubmissionReceipt, error)
	Query(ctx context.Context, rc RequestContext, fn string, args Arguments) ([]byte, error)
}

// Simulator mimics an NGO spending donated funds: on every tick it picks a
// random donation and records a spend against its NGO
type Simulator struct {
	chaincode Chaincode
	rc        RequestContext
	timeout   time.Duration
	cron      *cron.Cron
	logger    *log.Logger
}

func NewSimulator(config SimulatorConfig, chaincode Chaincode, rc RequestContext, timeout time.Duration, logger *log.Logger) (*Simulator, error) {
	s := &Simulator{
		chaincode: chaincode,
		rc:        rc,
		timeout:   timeout,
		cron:      cron.New(),
		logger:    logger,
	}
	if _, err := s.cron.AddFunc(config.Schedule, s.tick); err != nil {
		return nil, errors.Wrapf(err, "invalid simulator schedule %q", config.Schedule)
	}
	return s, nil
}

func (s *Simulator) Start() {
	s.logger.Infof("Start spend simulator as %s@%s", s.rc.Username, s.rc.Organization)
	s.cron.Start()
}

// Stop waits for a running tick to finish
func (s *Simulator) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Simulator) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	receipt, err := s.Spend(ctx)
	if err != nil {
		s.logger.Errorf("Simulated spend failed: %v", err)
		return
	}
	if receipt != nil {
		s.logger.Infof("Simulated spend submitted in %s", receipt.TxID)
	}
}

// Spend records one simulated spend. It returns nil without error when
// there is no donation to spend from.
func (s *Simulator) Spend(ctx context.Context) (*SubmissionReceipt, error) {
	payload, err := s.chaincode.Query(ctx, s.rc, "queryAllDonations", KeyedArgs(nil))
	if err != nil {
		return nil, err
	}

	var donations []map[string]interface{}
	if err := json.Unmarshal(payload, &donations); err != nil {
		return nil, errors.Wrap(err, "fail to decode donations")
	}
	if len(donations) == 0 {
		s.logger.Infof("No donations available")
		return nil, nil
	}

	donation := donations[rand.Intn(len(donations))]
	ngo, ok := donation["ngoRegistrationNumber"]
	if !ok {
		return nil, errors.New("donation has no ngoRegistrationNumber")
	}

	args := map[string]interface{}{
		"ngoRegistrationNumber": ngo,
		"spendId":               uuid.NewString(),
		"spendDescription":      simulatedSpendDescription,
		"spendDate":             time.Now().UTC().Format(time.RFC3339),
		"spendAmount":           rand.Intn(100) + 1,
	}
	return s.chaincode.Invoke(ctx, s.rc, "createSpend", KeyedArgs(args))
}
