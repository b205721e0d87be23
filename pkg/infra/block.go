package infra

import (
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/msp"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/osdi23p228/fabric/core/ledger/kvledger/txmgmt/rwsetutil"
	"github.com/osdi23p228/fabric/protoutil"
	"github.com/pkg/errors"
)

// CommittedBlock is the decoded content of a block delivered by a peer
type CommittedBlock struct {
	Number       uint64                 `json:"number"`
	Channel      string                 `json:"channel"`
	Transactions []CommittedTransaction `json:"transactions"`
}

// CommittedTransaction is the outcome of one transaction of a block
type CommittedTransaction struct {
	TxID           string    `json:"txId"`
	Type           string    `json:"type"`
	Valid          bool      `json:"valid"`
	ValidationCode string    `json:"validationCode"`
	Chaincode      string    `json:"chaincode,omitempty"`
	Function       string    `json:"function,omitempty"`
	Args           []string  `json:"args,omitempty"`
	WriteKeys      []string  `json:"writeKeys,omitempty"`
	Creator        string    `json:"creatorMspId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// DecodeBlock extracts every transaction of block together with its
// validation code
func DecodeBlock(block *common.Block) (*CommittedBlock, error) {
	if block == nil || block.Header == nil || block.Data == nil {
		return nil, errors.New("malformed block")
	}

	var flags []byte
	if block.Metadata != nil && len(block.Metadata.Metadata) > int(common.BlockMetadataIndex_TRANSACTIONS_FILTER) {
		flags = block.Metadata.Metadata[common.BlockMetadataIndex_TRANSACTIONS_FILTER]
	}

	cb := &CommittedBlock{
		Number:       block.Header.Number,
		Transactions: make([]CommittedTransaction, 0, len(block.Data.Data)),
	}

	for i, data := range block.Data.Data {
		tx, channel, err := decodeTransaction(data)
		if err != nil {
			return nil, errors.Wrapf(err, "fail to decode transaction %d of block %d", i, block.Header.Number)
		}

		code := peer.TxValidationCode_VALID
		if i < len(flags) {
			code = peer.TxValidationCode(flags[i])
		}
		tx.Valid = code == peer.TxValidationCode_VALID
		tx.ValidationCode = code.String()

		if cb.Channel == "" {
			cb.Channel = channel
		}
		cb.Transactions = append(cb.Transactions, *tx)
	}

	return cb, nil
}

func decodeTransaction(data []byte) (*CommittedTransaction, string, error) {
	env, err := protoutil.GetEnvelopeFromBlock(data)
	if err != nil {
		return nil, "", err
	}

	payload, err := protoutil.UnmarshalPayload(env.Payload)
	if err != nil {
		return nil, "", err
	}
	if payload.Header == nil {
		return nil, "", errors.New("missing payload header")
	}

	chdr, err := protoutil.UnmarshalChannelHeader(payload.Header.ChannelHeader)
	if err != nil {
		return nil, "", err
	}

	tx := &CommittedTransaction{
		TxID: chdr.TxId,
		Type: common.HeaderType(chdr.Type).String(),
	}
	if ts := chdr.Timestamp; ts != nil {
		tx.Timestamp = time.Unix(ts.Seconds, int64(ts.Nanos)).UTC()
	}

	if shdr, err := protoutil.UnmarshalSignatureHeader(payload.Header.SignatureHeader); err == nil {
		sid := &msp.SerializedIdentity{}
		if err := proto.Unmarshal(shdr.Creator, sid); err == nil {
			tx.Creator = sid.Mspid
		}
	}

	if common.HeaderType(chdr.Type) == common.HeaderType_ENDORSER_TRANSACTION {
		if err := decodeEndorserTransaction(payload.Data, tx); err != nil {
			return nil, "", err
		}
	}

	return tx, chdr.ChannelId, nil
}

func decodeEndorserTransaction(data []byte, tx *CommittedTransaction) error {
	transaction, err := protoutil.UnmarshalTransaction(data)
	if err != nil {
		return err
	}
	if len(transaction.Actions) == 0 {
		return nil
	}

	ccActionPayload, err := protoutil.UnmarshalChaincodeActionPayload(transaction.Actions[0].Payload)
	if err != nil {
		return err
	}

	ccProposalPayload, err := protoutil.UnmarshalChaincodeProposalPayload(ccActionPayload.ChaincodeProposalPayload)
	if err != nil {
		return err
	}

	invocation := &peer.ChaincodeInvocationSpec{}
	if err := proto.Unmarshal(ccProposalPayload.Input, invocation); err != nil {
		return errors.Wrap(err, "error unmarshaling ChaincodeInvocationSpec")
	}
	if spec := invocation.ChaincodeSpec; spec != nil {
		if spec.ChaincodeId != nil {
			tx.Chaincode = spec.ChaincodeId.Name
		}
		if spec.Input != nil && len(spec.Input.Args) > 0 {
			tx.Function = string(spec.Input.Args[0])
			for _, arg := range spec.Input.Args[1:] {
				tx.Args = append(tx.Args, string(arg))
			}
		}
	}

	if ccActionPayload.Action == nil {
		return nil
	}
	prp, err := protoutil.UnmarshalProposalResponsePayload(ccActionPayload.Action.ProposalResponsePayload)
	if err != nil {
		return err
	}
	ccAction, err := protoutil.UnmarshalChaincodeAction(prp.Extension)
	if err != nil {
		return err
	}
	if ccAction.ChaincodeId != nil && ccAction.ChaincodeId.Name != "" {
		tx.Chaincode = ccAction.ChaincodeId.Name
	}

	txRWSet := &rwsetutil.TxRwSet{}
	if err := txRWSet.FromProtoBytes(ccAction.Results); err != nil {
		return errors.Wrap(err, "fail to deserialize read write set")
	}
	for _, ns := range txRWSet.NsRwSets {
		if ns.NameSpace != tx.Chaincode || ns.KvRwSet == nil {
			continue
		}
		for _, w := range ns.KvRwSet.Writes {
			tx.WriteKeys = append(tx.WriteKeys, w.Key)
		}
	}
	return nil
}
