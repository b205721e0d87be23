package fabrictest

import (
	"io"
	"net"
	"sync/atomic"

	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/orderer"
	"github.com/osdi23p228/fabric/protoutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Orderer commits every accepted envelope to the ledger as its own block
type Orderer struct {
	Address string

	// Unavailable answers every broadcast with SERVICE_UNAVAILABLE
	Unavailable atomic.Bool

	Broadcasts atomic.Int32

	ledger *Ledger
	server *grpc.Server
}

func newOrderer(ledger *Ledger) (*Orderer, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	o := &Orderer{
		Address: lis.Addr().String(),
		ledger:  ledger,
		server:  grpc.NewServer(),
	}
	orderer.RegisterAtomicBroadcastServer(o.server, o)
	go o.server.Serve(lis)
	return o, nil
}

func (o *Orderer) Stop() {
	o.server.Stop()
}

func (o *Orderer) Broadcast(stream orderer.AtomicBroadcast_BroadcastServer) error {
	for {
		env, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		o.Broadcasts.Add(1)

		resp := &orderer.BroadcastResponse{}
		switch {
		case o.Unavailable.Load():
			resp.Status, resp.Info = common.Status_SERVICE_UNAVAILABLE, "no leader"
		default:
			if err := o.verify(env); err != nil {
				resp.Status, resp.Info = common.Status_FORBIDDEN, err.Error()
				break
			}
			resp.Status, resp.Info = o.ledger.Commit(env)
		}

		if err := stream.Send(resp); err != nil {
			return err
		}
	}
}

func (o *Orderer) Deliver(orderer.AtomicBroadcast_DeliverServer) error {
	return status.Error(codes.Unimplemented, "blocks are delivered by peers")
}

func (o *Orderer) verify(env *common.Envelope) error {
	payload, err := protoutil.UnmarshalPayload(env.Payload)
	if err != nil {
		return err
	}
	if payload.Header == nil {
		return status.Error(codes.InvalidArgument, "missing header")
	}
	shdr, err := protoutil.UnmarshalSignatureHeader(payload.Header.SignatureHeader)
	if err != nil {
		return err
	}
	return verifyCreator(shdr.Creator, env.Payload, env.Signature)
}
