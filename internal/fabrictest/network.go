package fabrictest

import (
	"fmt"
	"testing"
)

const (
	Channel       = "mychannel"
	ChaincodeName = "supplychain"
	MSPID         = "Org1MSP"
)

// Network is a channel served by endorsing peers and one orderer
type Network struct {
	Ledger  *Ledger
	Peers   []*Peer
	Orderer *Orderer
}

// NewNetwork starts n peers running the SupplyChain chaincode and an
// orderer, all stopped when the test ends
func NewNetwork(t testing.TB, n int) *Network {
	ca, err := NewCA("peer-ca")
	if err != nil {
		t.Fatalf("fail to create peer CA: %v", err)
	}

	network := &Network{Ledger: NewLedger(Channel, ChaincodeName)}
	t.Cleanup(network.Stop)

	for i := 0; i < n; i++ {
		signer, err := ca.NewIdentity(fmt.Sprintf("peer%d", i))
		if err != nil {
			t.Fatalf("fail to create peer identity: %v", err)
		}
		p, err := newPeer(network.Ledger, SupplyChain, MSPID, signer)
		if err != nil {
			t.Fatalf("fail to start peer: %v", err)
		}
		network.Peers = append(network.Peers, p)
	}

	network.Orderer, err = newOrderer(network.Ledger)
	if err != nil {
		t.Fatalf("fail to start orderer: %v", err)
	}
	return network
}

// PeerAddresses lists the peer addresses in start order
func (n *Network) PeerAddresses() []string {
	addresses := make([]string, len(n.Peers))
	for i, p := range n.Peers {
		addresses[i] = p.Address
	}
	return addresses
}

func (n *Network) Stop() {
	for _, p := range n.Peers {
		p.Stop()
	}
	if n.Orderer != nil {
		n.Orderer.Stop()
	}
}
