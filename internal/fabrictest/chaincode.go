package fabrictest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/osdi23p228/fabric-protos-go/peer"
)

// State is the world state a chaincode simulates against
type State interface {
	Get(key string) []byte
	Range(prefix string) [][]byte
}

// Write is one entry of the write set produced by a simulation
type Write struct {
	Key   string
	Value []byte
}

// Chaincode simulates fn against state. A response status of 400 or more
// fails the proposal.
type Chaincode func(state State, fn string, args []string) (*peer.Response, []Write)

// Order is the value stored by the supply chain functions
type Order struct {
	Key   string `json:"Key"`
	State string `json:"State"`
	Count string `json:"Count"`
	Owner string `json:"Owner"`
}

func success(payload []byte) *peer.Response {
	return &peer.Response{Status: 200, Payload: payload}
}

func failure(format string, a ...interface{}) *peer.Response {
	return &peer.Response{Status: 500, Message: fmt.Sprintf(format, a...)}
}

func jsonList(values [][]byte) []byte {
	if len(values) == 0 {
		return []byte("[]")
	}
	return []byte("[" + string(joinBytes(values)) + "]")
}

func joinBytes(values [][]byte) []byte {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = string(v)
	}
	return []byte(strings.Join(parts, ","))
}

// keyedDocs maps the keyed create functions to their document type and id field
var keyedDocs = map[string][2]string{
	"createNGO":      {"ngo", "ngoRegistrationNumber"},
	"createDonation": {"donation", "donationId"},
	"createSpend":    {"spend", "spendId"},
	"createRating":   {"rating", "ngoRegistrationNumber"},
}

// keyedQueries maps the keyed list functions to their document type
var keyedQueries = map[string]string{
	"queryAllNGOs":      "ngo",
	"queryAllDonations": "donation",
	"queryAllSpend":     "spend",
}

// SupplyChain implements the order functions and a subset of the NGO
// donation functions. "fail" always returns an error response.
func SupplyChain(state State, fn string, args []string) (*peer.Response, []Write) {
	switch fn {
	case "createOrder", "changeOrder":
		if len(args) != 4 {
			return failure("%s expects 4 arguments, got %d", fn, len(args)), nil
		}
		exists := state.Get(args[0]) != nil
		if fn == "createOrder" && exists {
			return failure("order %s already exists", args[0]), nil
		}
		if fn == "changeOrder" && !exists {
			return failure("order %s does not exist", args[0]), nil
		}
		value, _ := json.Marshal(&Order{Key: args[0], State: args[1], Count: args[2], Owner: args[3]})
		return success(nil), []Write{{Key: args[0], Value: value}}

	case "queryOrder":
		if len(args) != 1 {
			return failure("queryOrder expects 1 argument, got %d", len(args)), nil
		}
		value := state.Get(args[0])
		if value == nil {
			return failure("order %s does not exist", args[0]), nil
		}
		return success(value), nil

	case "queryAllOrder":
		var orders [][]byte
		for _, v := range state.Range("") {
			var o Order
			if json.Unmarshal(v, &o) == nil && o.Key != "" && o.State != "" {
				orders = append(orders, v)
			}
		}
		return success(jsonList(orders)), nil

	case "fail":
		return failure("chaincode refused the invocation"), nil
	}

	if doc, ok := keyedDocs[fn]; ok {
		fields, err := keyedArgument(args)
		if err != nil {
			return failure("%s: %v", fn, err), nil
		}
		id, ok := fields[doc[1]]
		if !ok {
			return failure("%s: missing %s", fn, doc[1]), nil
		}
		fields["docType"] = doc[0]
		value, _ := json.Marshal(fields)
		return success(nil), []Write{{Key: fmt.Sprintf("%s-%v", doc[0], id), Value: value}}
	}

	if doc, ok := keyedQueries[fn]; ok {
		return success(jsonList(state.Range(doc + "-"))), nil
	}

	if fn == "queryNGO" {
		fields, err := keyedArgument(args)
		if err != nil {
			return failure("queryNGO: %v", err), nil
		}
		value := state.Get(fmt.Sprintf("ngo-%v", fields["ngoRegistrationNumber"]))
		if value == nil {
			return failure("ngo %v does not exist", fields["ngoRegistrationNumber"]), nil
		}
		return success(value), nil
	}

	return failure("unknown function %s", fn), nil
}

func keyedArgument(args []string) (map[string]interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expects one JSON argument, got %d", len(args))
	}
	fields := map[string]interface{}{}
	if err := json.Unmarshal([]byte(args[0]), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
