package fabrictest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"sync"
	"sync/atomic"

	"github.com/golang/protobuf/proto"
	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/ledger/rwset/kvrwset"
	"github.com/osdi23p228/fabric-protos-go/msp"
	"github.com/osdi23p228/fabric-protos-go/orderer"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/osdi23p228/fabric/core/ledger/kvledger/txmgmt/rwsetutil"
	"github.com/osdi23p228/fabric/protoutil"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Peer endorses proposals by simulating the chaincode against the shared
// ledger and streams blocks from it
type Peer struct {
	Address string

	// Dissent adds a peer specific write to every endorsed result
	Dissent atomic.Bool
	// DeliverDown makes the deliver service refuse and end every stream
	DeliverDown atomic.Bool

	Proposals atomic.Int32

	ledger    *Ledger
	chaincode Chaincode
	endorser  []byte
	signer    *Signer

	mu     sync.Mutex
	server *grpc.Server
	kill   chan struct{}
}

func newPeer(ledger *Ledger, chaincode Chaincode, mspID string, signer *Signer) (*Peer, error) {
	endorser, err := proto.Marshal(&msp.SerializedIdentity{Mspid: mspID, IdBytes: signer.CertPEM})
	if err != nil {
		return nil, err
	}

	p := &Peer{
		ledger:    ledger,
		chaincode: chaincode,
		endorser:  endorser,
		signer:    signer,
		kill:      make(chan struct{}),
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	p.Address = lis.Addr().String()
	p.serve(lis)
	return p, nil
}

func (p *Peer) serve(lis net.Listener) {
	server := grpc.NewServer()
	peer.RegisterEndorserServer(server, p)
	peer.RegisterDeliverServer(server, p)

	p.mu.Lock()
	p.server = server
	p.mu.Unlock()

	go server.Serve(lis)
}

// Stop makes the peer unreachable
func (p *Peer) Stop() {
	p.mu.Lock()
	server := p.server
	p.server = nil
	p.mu.Unlock()
	if server != nil {
		server.Stop()
	}
}

// Restart serves again on the address the peer had before Stop
func (p *Peer) Restart() error {
	lis, err := net.Listen("tcp", p.Address)
	if err != nil {
		return err
	}
	p.serve(lis)
	return nil
}

// DropStreams ends every open deliver stream with an Unavailable error
func (p *Peer) DropStreams() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.kill)
	p.kill = make(chan struct{})
}

func (p *Peer) killed() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kill
}

func refused(format string, a ...interface{}) *peer.ProposalResponse {
	return &peer.ProposalResponse{Response: failure(format, a...)}
}

func (p *Peer) ProcessProposal(ctx context.Context, sp *peer.SignedProposal) (*peer.ProposalResponse, error) {
	p.Proposals.Add(1)

	prop, err := protoutil.UnmarshalProposal(sp.ProposalBytes)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	hdr, err := protoutil.UnmarshalHeader(prop.Header)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	chdr, err := protoutil.UnmarshalChannelHeader(hdr.ChannelHeader)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	shdr, err := protoutil.UnmarshalSignatureHeader(hdr.SignatureHeader)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if err := verifyCreator(shdr.Creator, sp.ProposalBytes, sp.Signature); err != nil {
		return refused("access denied: %v", err), nil
	}
	digest := sha256.Sum256(append(append([]byte{}, shdr.Nonce...), shdr.Creator...))
	if hex.EncodeToString(digest[:]) != chdr.TxId {
		return refused("invalid txid %s", chdr.TxId), nil
	}
	if chdr.ChannelId != p.ledger.channel {
		return refused("channel %s not found", chdr.ChannelId), nil
	}

	cpp, err := protoutil.UnmarshalChaincodeProposalPayload(prop.Payload)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	cis := &peer.ChaincodeInvocationSpec{}
	if err := proto.Unmarshal(cpp.Input, cis); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	spec := cis.ChaincodeSpec
	if spec == nil || spec.ChaincodeId == nil || spec.Input == nil || len(spec.Input.Args) == 0 {
		return refused("malformed invocation"), nil
	}
	if spec.ChaincodeId.Name == "qscc" {
		return p.systemQuery(spec.Input.Args), nil
	}
	if spec.ChaincodeId.Name != p.ledger.chaincode {
		return refused("chaincode %s not found", spec.ChaincodeId.Name), nil
	}

	args := make([]string, 0, len(spec.Input.Args)-1)
	for _, arg := range spec.Input.Args[1:] {
		args = append(args, string(arg))
	}
	response, writes := p.chaincode(p.ledger, string(spec.Input.Args[0]), args)
	if response.Status >= 400 {
		return &peer.ProposalResponse{Version: 1, Response: response}, nil
	}

	kvWrites := make([]*kvrwset.KVWrite, 0, len(writes)+1)
	for _, w := range writes {
		kvWrites = append(kvWrites, &kvrwset.KVWrite{Key: w.Key, Value: w.Value})
	}
	if p.Dissent.Load() {
		kvWrites = append(kvWrites, &kvrwset.KVWrite{Key: "dissent", Value: []byte(p.Address)})
	}
	txRWSet := &rwsetutil.TxRwSet{NsRwSets: []*rwsetutil.NsRwSet{{
		NameSpace: spec.ChaincodeId.Name,
		KvRwSet:   &kvrwset.KVRWSet{Writes: kvWrites},
	}}}
	results, err := txRWSet.ToProtoBytes()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	extension, err := proto.Marshal(&peer.ChaincodeAction{
		Results:     results,
		Response:    response,
		ChaincodeId: &peer.ChaincodeID{Name: spec.ChaincodeId.Name, Version: "1.0"},
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	proposalHash := sha256.Sum256(append(append([]byte{}, prop.Header...), prop.Payload...))
	payload, err := proto.Marshal(&peer.ProposalResponsePayload{ProposalHash: proposalHash[:], Extension: extension})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	signature, err := p.signer.Sign(append(append([]byte{}, payload...), p.endorser...))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	return &peer.ProposalResponse{
		Version:     1,
		Response:    response,
		Payload:     payload,
		Endorsement: &peer.Endorsement{Endorser: p.endorser, Signature: signature},
	}, nil
}

// systemQuery answers GetChainInfo the way the peer's query system chaincode does
func (p *Peer) systemQuery(args [][]byte) *peer.ProposalResponse {
	if string(args[0]) != "GetChainInfo" {
		return refused("unsupported qscc function %s", args[0])
	}
	if len(args) < 2 || string(args[1]) != p.ledger.channel {
		return refused("GetChainInfo requires the channel name")
	}

	height := p.ledger.Height()
	last, _ := p.ledger.Block(height - 1)
	info := &common.BlockchainInfo{Height: height}
	if last != nil {
		info.CurrentBlockHash = headerHash(last.Header)
		info.PreviousBlockHash = last.Header.PreviousHash
	}
	payload, err := proto.Marshal(info)
	if err != nil {
		return refused("fail to marshal chain info: %v", err)
	}
	return &peer.ProposalResponse{Version: 1, Response: &peer.Response{Status: 200, Payload: payload}}
}

func (p *Peer) Deliver(stream peer.Deliver_DeliverServer) error {
	if p.DeliverDown.Load() {
		return status.Error(codes.Unavailable, "deliver service is down")
	}

	env, err := stream.Recv()
	if err != nil {
		return err
	}
	next, err := p.seekStart(env)
	if err != nil {
		return stream.Send(&peer.DeliverResponse{Type: &peer.DeliverResponse_Status{Status: common.Status_BAD_REQUEST}})
	}

	kill := p.killed()
	for {
		if p.DeliverDown.Load() {
			return status.Error(codes.Unavailable, "deliver service is down")
		}

		block, updated := p.ledger.Block(next)
		if block != nil {
			if err := stream.Send(&peer.DeliverResponse{Type: &peer.DeliverResponse_Block{Block: block}}); err != nil {
				return err
			}
			next++
			continue
		}

		select {
		case <-updated:
		case <-kill:
			return status.Error(codes.Unavailable, "stream dropped")
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (p *Peer) DeliverFiltered(peer.Deliver_DeliverFilteredServer) error {
	return status.Error(codes.Unimplemented, "filtered blocks are not served")
}

func (p *Peer) DeliverWithPrivateData(peer.Deliver_DeliverWithPrivateDataServer) error {
	return status.Error(codes.Unimplemented, "private data is not served")
}

func (p *Peer) seekStart(env *common.Envelope) (uint64, error) {
	payload, err := protoutil.UnmarshalPayload(env.Payload)
	if err != nil {
		return 0, err
	}
	if payload.Header == nil {
		return 0, errors.New("missing header")
	}
	shdr, err := protoutil.UnmarshalSignatureHeader(payload.Header.SignatureHeader)
	if err != nil {
		return 0, err
	}
	if err := verifyCreator(shdr.Creator, env.Payload, env.Signature); err != nil {
		return 0, err
	}

	seek := &orderer.SeekInfo{}
	if err := proto.Unmarshal(payload.Data, seek); err != nil {
		return 0, err
	}
	if seek.Start == nil {
		return 0, errors.New("missing start position")
	}

	switch t := seek.Start.Type.(type) {
	case *orderer.SeekPosition_Newest:
		return p.ledger.Height() - 1, nil
	case *orderer.SeekPosition_Oldest:
		return 0, nil
	case *orderer.SeekPosition_Specified:
		return t.Specified.Number, nil
	default:
		return 0, errors.Errorf("unsupported seek position %T", t)
	}
}

// verifyCreator checks sig over msg against the certificate of a serialized identity
func verifyCreator(creator, msg, sig []byte) error {
	sid := &msp.SerializedIdentity{}
	if err := proto.Unmarshal(creator, sid); err != nil {
		return err
	}
	return VerifySignature(sid.IdBytes, msg, sig)
}
