package infra

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sync/atomic"

	"github.com/golang/protobuf/proto"
	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/orderer"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/osdi23p228/fabric/core/ledger/kvledger/txmgmt/rwsetutil"
	"github.com/osdi23p228/fabric/protoutil"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Arguments are either positional strings or a keyed object. Keyed
// arguments reach the chaincode as one JSON encoded argument.
type Arguments struct {
	Positional []string
	Keyed      map[string]interface{}
}

func PositionalArgs(args ...string) Arguments {
	return Arguments{Positional: args}
}

func KeyedArgs(args map[string]interface{}) Arguments {
	if args == nil {
		args = map[string]interface{}{}
	}
	return Arguments{Keyed: args}
}

// Strings returns the arguments as they are sent after the function name
func (a Arguments) Strings() ([]string, error) {
	if a.Keyed == nil {
		return a.Positional, nil
	}
	raw, err := json.Marshal(a.Keyed)
	if err != nil {
		return nil, errors.Wrap(err, "fail to marshal keyed arguments")
	}
	return []string{string(raw)}, nil
}

// ProposalRequest is an unsigned or signed chaincode invocation
type ProposalRequest struct {
	TxID          string
	Function      string
	Args          Arguments
	ChannelName   string
	ChaincodeName string
	Identity      *Identity

	Proposal       *peer.Proposal
	SignedProposal *peer.SignedProposal
}

// TransactionEnvelope is a signed transaction ready for ordering. It can be
// submitted only once.
type TransactionEnvelope struct {
	TxID     string
	Envelope *common.Envelope
	used     atomic.Bool
}

// computeTxID matches the id peers derive from the signature header
func computeTxID(nonce, creator []byte) string {
	digest := sha256.New()
	digest.Write(nonce)
	digest.Write(creator)
	return hex.EncodeToString(digest.Sum(nil))
}

func getRandomNonce() ([]byte, error) {
	key := make([]byte, 24)

	_, err := rand.Read(key)
	if err != nil {
		return nil, errors.Wrap(err, "error getting random bytes")
	}
	return key, nil
}

// BuildProposal creates an unsigned proposal invoking fn on the channel's
// chaincode. The transaction id is derived from a fresh nonce and the creator.
func BuildProposal(cc ChannelContext, fn string, args Arguments, id *Identity) (*ProposalRequest, error) {
	if fn == "" {
		return nil, ErrEmptyFunction
	}
	if id == nil {
		return nil, errors.New("proposal requires an identity")
	}

	strArgs, err := args.Strings()
	if err != nil {
		return nil, err
	}

	// convert the argument list to a byte list
	argsByte := make([][]byte, 0, len(strArgs)+1)
	argsByte = append(argsByte, []byte(fn))
	for _, arg := range strArgs {
		argsByte = append(argsByte, []byte(arg))
	}

	spec := &peer.ChaincodeSpec{
		Type:        peer.ChaincodeSpec_GOLANG,
		ChaincodeId: &peer.ChaincodeID{Name: cc.ChaincodeName},
		Input:       &peer.ChaincodeInput{Args: argsByte},
	}
	invocation := &peer.ChaincodeInvocationSpec{ChaincodeSpec: spec}

	creator, err := id.Serialize()
	if err != nil {
		return nil, err
	}

	nonce, err := getRandomNonce()
	if err != nil {
		return nil, err
	}
	txid := computeTxID(nonce, creator)

	prop, txid, err := protoutil.CreateChaincodeProposalWithTxIDNonceAndTransient(txid, common.HeaderType_ENDORSER_TRANSACTION, cc.ChannelName, invocation, nonce, creator, nil)
	if err != nil {
		return nil, errors.Wrap(err, "fail to create proposal")
	}

	return &ProposalRequest{
		TxID:          txid,
		Function:      fn,
		Args:          args,
		ChannelName:   cc.ChannelName,
		ChaincodeName: cc.ChaincodeName,
		Identity:      id,
		Proposal:      prop,
	}, nil
}

// Sign signs the proposal with the requesting identity
func (r *ProposalRequest) Sign() (*peer.SignedProposal, error) {
	proposalBytes, err := proto.Marshal(r.Proposal)
	if err != nil {
		return nil, errors.Wrap(err, "fail to marshal proposal")
	}

	signature, err := r.Identity.Sign(proposalBytes)
	if err != nil {
		return nil, errors.Wrap(err, "fail to sign proposal")
	}

	r.SignedProposal = &peer.SignedProposal{
		ProposalBytes: proposalBytes,
		Signature:     signature,
	}
	return r.SignedProposal, nil
}

// CreateTransactionEnvelope assembles and signs the transaction for a
// validated endorsement set
func CreateTransactionEnvelope(req *ProposalRequest, results []*EndorsementResult) (*TransactionEnvelope, error) {
	if len(results) == 0 {
		return nil, errors.Errorf("fail to find any response for %s", req.TxID)
	}

	responses := make([]*peer.ProposalResponse, len(results))
	for i, r := range results {
		responses[i] = r.Response
	}

	header, err := getHeader(req.Proposal.Header, req.Identity)
	if err != nil {
		return nil, err
	}

	ccActionPayload, err := generateChaincodeActionPayload(req.Proposal, responses)
	if err != nil {
		return nil, err
	}

	tx, err := generateTransaction(header, ccActionPayload)
	if err != nil {
		return nil, err
	}

	payload, err := generatePayload(header, tx)
	if err != nil {
		return nil, err
	}

	env, err := generateEnvelope(payload, req.Identity)
	if err != nil {
		return nil, err
	}
	return &TransactionEnvelope{TxID: req.TxID, Envelope: env}, nil
}

func seekNewest() *orderer.SeekPosition {
	return &orderer.SeekPosition{
		Type: &orderer.SeekPosition_Newest{
			Newest: &orderer.SeekNewest{},
		},
	}
}

func seekFrom(number uint64) *orderer.SeekPosition {
	return &orderer.SeekPosition{
		Type: &orderer.SeekPosition_Specified{
			Specified: &orderer.SeekSpecified{
				Number: number,
			},
		},
	}
}

// CreateSignedDeliverEnv asks for every block from start on, blocking until
// new blocks are ready
func CreateSignedDeliverEnv(channel string, id *Identity, start *orderer.SeekPosition) (*common.Envelope, error) {
	stop := &orderer.SeekPosition{
		Type: &orderer.SeekPosition_Specified{
			Specified: &orderer.SeekSpecified{
				Number: math.MaxUint64,
			},
		},
	}

	seekInfo := &orderer.SeekInfo{
		Start:    start,
		Stop:     stop,
		Behavior: orderer.SeekInfo_BLOCK_UNTIL_READY,
	}

	return protoutil.CreateSignedEnvelope(
		common.HeaderType_DELIVER_SEEK_INFO,
		channel,
		id,
		seekInfo,
		0,
		0,
	)
}

func getHeader(headerBytes []byte, id *Identity) (*common.Header, error) {
	header := &common.Header{}
	err := proto.Unmarshal(headerBytes, header)
	if err != nil {
		return nil, errors.Wrap(err, "error unmarshaling Header")
	}

	err = checkHeaderSignerValidity(header, id)
	if err != nil {
		return nil, err
	}

	return header, nil
}

// checkHeaderSignerValidity check that the signer is the same
// that is referenced in the header.
func checkHeaderSignerValidity(header *common.Header, id *Identity) error {
	identityBytes, err := id.Serialize()
	if err != nil {
		return err
	}

	signatureHeader, err := protoutil.UnmarshalSignatureHeader(header.SignatureHeader)
	if err != nil {
		return err
	}

	if !bytes.Equal(identityBytes, signatureHeader.Creator) {
		return errors.Errorf("signer must be the same as the one referenced in the header")
	}

	return nil
}

func collectEndorsements(responses []*peer.ProposalResponse) ([]*peer.Endorsement, error) {
	err := checkResponsesStatusValidity(responses)
	if err != nil {
		return nil, err
	}

	err = checkResponsePayloadValidity(responses)
	if err != nil {
		return nil, err
	}

	endorsements := make([]*peer.Endorsement, len(responses))
	for i, r := range responses {
		endorsements[i] = r.Endorsement
	}
	return endorsements, nil
}

func checkResponsesStatusValidity(responses []*peer.ProposalResponse) error {
	for _, r := range responses {
		if r.Response.Status < 200 || r.Response.Status >= 400 {
			return errors.Errorf("proposal response was not successful, error code %d, msg %s", r.Response.Status, r.Response.Message)
		}
	}
	return nil
}

func checkResponsePayloadValidity(responses []*peer.ProposalResponse) error {
	payloadBytes := responses[0].Payload
	for _, r := range responses[1:] {
		if !bytes.Equal(payloadBytes, r.Payload) {
			return errors.Errorf("ProposalResponsePayloads from Peers do not match")
		}
	}
	return nil
}

func payloadDigest(payload []byte) []byte {
	digest := sha256.Sum256(payload)
	return digest[:]
}

// logTXRWSet prints the read and write set of an endorsed proposal
func logTXRWSet(logger *log.Logger, txid string, payload []byte) {
	proposalResponsePayload, err := protoutil.UnmarshalProposalResponsePayload(payload)
	if err != nil {
		logger.Errorf("Fail to unmarshal ProposalResponsePayload: %v", err)
		return
	}

	ccAction, err := protoutil.UnmarshalChaincodeAction(proposalResponsePayload.Extension)
	if err != nil {
		logger.Errorf("Fail to unmarshal ChaincodeAction: %v", err)
		return
	}

	txRWSet := &rwsetutil.TxRwSet{}
	if err := txRWSet.FromProtoBytes(ccAction.Results); err != nil {
		logger.Errorf("Fail to deserializes protobytes into TxReadWriteSet proto message: %v", err)
		return
	}

	for _, rwset := range txRWSet.NsRwSets {
		entry := logger.WithFields(log.Fields{"txid": txid, "namespace": rwset.NameSpace})
		for _, rset := range rwset.KvRwSet.Reads {
			entry.Infof("read %s", rset.String())
		}
		for _, wset := range rwset.KvRwSet.Writes {
			entry.Infof("write %s", wset.String())
		}
	}
}

func generateChaincodeActionPayload(proposal *peer.Proposal, responses []*peer.ProposalResponse) (*peer.ChaincodeActionPayload, error) {
	ccProposalPayload, err := protoutil.UnmarshalChaincodeProposalPayload(proposal.Payload)
	if err != nil {
		return nil, err
	}
	proposalPayloadBytes, err := protoutil.GetBytesProposalPayloadForTx(ccProposalPayload)
	if err != nil {
		return nil, err
	}

	endorsements, err := collectEndorsements(responses)
	if err != nil {
		return nil, err
	}

	ccEndorsedAction := &peer.ChaincodeEndorsedAction{
		ProposalResponsePayload: responses[0].Payload,
		Endorsements:            endorsements,
	}

	ccActionPayload := &peer.ChaincodeActionPayload{
		ChaincodeProposalPayload: proposalPayloadBytes,
		Action:                   ccEndorsedAction,
	}
	return ccActionPayload, nil
}

func generateTransaction(header *common.Header, ccActionPayload *peer.ChaincodeActionPayload) (*peer.Transaction, error) {
	ccActionPayloadBytes, err := protoutil.GetBytesChaincodeActionPayload(ccActionPayload)
	if err != nil {
		return nil, err
	}

	txAction := &peer.TransactionAction{
		Header:  header.SignatureHeader,
		Payload: ccActionPayloadBytes,
	}

	tx := &peer.Transaction{Actions: []*peer.TransactionAction{txAction}}
	return tx, nil
}

func generatePayload(header *common.Header, tx *peer.Transaction) (*common.Payload, error) {
	txBytes, err := protoutil.GetBytesTransaction(tx)
	if err != nil {
		return nil, err
	}

	payload := &common.Payload{
		Header: header,
		Data:   txBytes,
	}

	return payload, nil
}

func generateEnvelope(payload *common.Payload, id *Identity) (*common.Envelope, error) {
	payloadBytes, err := protoutil.GetBytesPayload(payload)
	if err != nil {
		return nil, err
	}

	signature, err := id.Sign(payloadBytes)
	if err != nil {
		return nil, err
	}

	envelope := &common.Envelope{
		Payload:   payloadBytes,
		Signature: signature,
	}
	return envelope, nil
}
