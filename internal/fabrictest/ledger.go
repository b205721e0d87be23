package fabrictest

import (
	"crypto/sha256"
	"strings"
	"sync"

	"github.com/golang/protobuf/proto"
	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/osdi23p228/fabric/core/ledger/kvledger/txmgmt/rwsetutil"
	"github.com/osdi23p228/fabric/protoutil"
	"github.com/pkg/errors"
)

// Ledger is the chain and world state of one channel, shared by every fake
// peer and the orderer. Block 0 carries no transaction.
type Ledger struct {
	channel   string
	chaincode string

	mu      sync.Mutex
	blocks  []*common.Block
	state   map[string][]byte
	txids   map[string]struct{}
	updated chan struct{}
}

func NewLedger(channel, chaincode string) *Ledger {
	l := &Ledger{
		channel:   channel,
		chaincode: chaincode,
		state:     make(map[string][]byte),
		txids:     make(map[string]struct{}),
		updated:   make(chan struct{}),
	}
	l.blocks = append(l.blocks, newBlock(0, nil, nil, nil))
	return l
}

func newBlock(number uint64, previousHash []byte, data [][]byte, flags []byte) *common.Block {
	dataHash := sha256.New()
	for _, d := range data {
		dataHash.Write(d)
	}

	metadata := make([][]byte, len(common.BlockMetadataIndex_name))
	metadata[common.BlockMetadataIndex_TRANSACTIONS_FILTER] = flags

	return &common.Block{
		Header: &common.BlockHeader{
			Number:       number,
			PreviousHash: previousHash,
			DataHash:     dataHash.Sum(nil),
		},
		Data:     &common.BlockData{Data: data},
		Metadata: &common.BlockMetadata{Metadata: metadata},
	}
}

func headerHash(h *common.BlockHeader) []byte {
	raw, _ := proto.Marshal(h)
	sum := sha256.Sum256(raw)
	return sum[:]
}

// Height is the number of blocks on the chain
func (l *Ledger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.blocks))
}

func (l *Ledger) Get(key string) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state[key]
}

// Range returns the values of every key starting with prefix, sorted by key
func (l *Ledger) Range(prefix string) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	var values [][]byte
	for _, k := range sortedKeys(l.state) {
		if strings.HasPrefix(k, prefix) {
			values = append(values, l.state[k])
		}
	}
	return values
}

// Block returns block number n, or nil and a channel closed on the next append
func (l *Ledger) Block(n uint64) (*common.Block, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n < uint64(len(l.blocks)) {
		return l.blocks[n], nil
	}
	return nil, l.updated
}

// Commit validates env, applies its writes and appends a one transaction
// block. Transaction ids already on the chain are refused.
func (l *Ledger) Commit(env *common.Envelope) (common.Status, string) {
	txid, writes, err := l.parse(env)
	if err != nil {
		return common.Status_BAD_REQUEST, err.Error()
	}

	raw, err := proto.Marshal(env)
	if err != nil {
		return common.Status_INTERNAL_SERVER_ERROR, err.Error()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.txids[txid]; ok {
		return common.Status_BAD_REQUEST, "duplicate transaction id " + txid
	}
	l.txids[txid] = struct{}{}

	for _, w := range writes {
		l.state[w.Key] = w.Value
	}

	last := l.blocks[len(l.blocks)-1]
	block := newBlock(uint64(len(l.blocks)), headerHash(last.Header), [][]byte{raw}, []byte{byte(peer.TxValidationCode_VALID)})
	l.blocks = append(l.blocks, block)

	close(l.updated)
	l.updated = make(chan struct{})
	return common.Status_SUCCESS, ""
}

func (l *Ledger) parse(env *common.Envelope) (string, []Write, error) {
	payload, err := protoutil.UnmarshalPayload(env.Payload)
	if err != nil {
		return "", nil, err
	}
	if payload.Header == nil {
		return "", nil, errors.New("missing header")
	}
	chdr, err := protoutil.UnmarshalChannelHeader(payload.Header.ChannelHeader)
	if err != nil {
		return "", nil, err
	}
	if chdr.ChannelId != l.channel {
		return "", nil, errors.Errorf("unknown channel %s", chdr.ChannelId)
	}

	tx, err := protoutil.UnmarshalTransaction(payload.Data)
	if err != nil {
		return "", nil, err
	}
	if len(tx.Actions) == 0 {
		return "", nil, errors.New("transaction has no action")
	}
	ccPayload, err := protoutil.UnmarshalChaincodeActionPayload(tx.Actions[0].Payload)
	if err != nil {
		return "", nil, err
	}
	if ccPayload.Action == nil || len(ccPayload.Action.Endorsements) == 0 {
		return "", nil, errors.New("transaction is not endorsed")
	}
	prp, err := protoutil.UnmarshalProposalResponsePayload(ccPayload.Action.ProposalResponsePayload)
	if err != nil {
		return "", nil, err
	}
	action, err := protoutil.UnmarshalChaincodeAction(prp.Extension)
	if err != nil {
		return "", nil, err
	}

	txRWSet := &rwsetutil.TxRwSet{}
	if err := txRWSet.FromProtoBytes(action.Results); err != nil {
		return "", nil, err
	}
	var writes []Write
	for _, ns := range txRWSet.NsRwSets {
		if ns.NameSpace != l.chaincode || ns.KvRwSet == nil {
			continue
		}
		for _, w := range ns.KvRwSet.Writes {
			writes = append(writes, Write{Key: w.Key, Value: w.Value})
		}
	}
	return chdr.TxId, writes, nil
}
