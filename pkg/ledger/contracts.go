package ledger

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

//go:embed abi/*.json
var abiFS embed.FS

// Contract identifies one member of the suite.
type Contract string

const (
	ContractPublish  Contract = "publish"
	ContractInvoke   Contract = "invoke"
	ContractRemove   Contract = "remove"
	ContractRegistry Contract = "registry"
)

// Addresses locates the deployed suite.
type Addresses struct {
	Publish  common.Address `yaml:"publish"`
	Invoke   common.Address `yaml:"invoke"`
	Remove   common.Address `yaml:"remove"`
	Registry common.Address `yaml:"registry"`
}

func (a Addresses) of(c Contract) common.Address {
	switch c {
	case ContractPublish:
		return a.Publish
	case ContractInvoke:
		return a.Invoke
	case ContractRemove:
		return a.Remove
	default:
		return a.Registry
	}
}

var (
	contractABIs = map[Contract]abi.ABI{
		ContractPublish:  mustParseABI("abi/publish.json"),
		ContractInvoke:   mustParseABI("abi/invoke.json"),
		ContractRemove:   mustParseABI("abi/remove.json"),
		ContractRegistry: mustParseABI("abi/registry.json"),
	}

	eventContracts = map[EventName]Contract{
		EventOperationHash:    ContractPublish,
		EventUploadAuthorized: ContractPublish,
		EventInvokeRequest:    ContractInvoke,
		EventInvokeResult:     ContractInvoke,
		EventInvokeFailed:     ContractInvoke,
		EventDeleteRequest:    ContractRemove,
		EventDeleteConfirmed:  ContractRemove,
		EventDeleteDenied:     ContractRemove,
	}
)

func mustParseABI(path string) abi.ABI {
	raw, err := abiFS.ReadFile(path)
	if err != nil {
		panic(fmt.Sprintf("ledger: missing embedded abi %s: %v", path, err))
	}
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("ledger: invalid embedded abi %s: %v", path, err))
	}
	return parsed
}

// EventID returns the topic hash for name.
func EventID(name EventName) (common.Hash, error) {
	c, ok := eventContracts[name]
	if !ok {
		return common.Hash{}, fmt.Errorf("ledger: unknown event %q", name)
	}
	ev, ok := contractABIs[c].Events[string(name)]
	if !ok {
		return common.Hash{}, fmt.Errorf("ledger: event %q missing from %s abi", name, c)
	}
	return ev.ID, nil
}

// DecodeLog turns a raw contract log into a typed Event.
func DecodeLog(name EventName, lg types.Log) (Event, error) {
	c, ok := eventContracts[name]
	if !ok {
		return Event{}, fmt.Errorf("ledger: unknown event %q", name)
	}
	fields := map[string]interface{}{}
	if err := contractABIs[c].UnpackIntoMap(fields, string(name), lg.Data); err != nil {
		return Event{}, fmt.Errorf("ledger: decode %s: %w", name, err)
	}

	var p Payload
	var err error
	switch name {
	case EventOperationHash:
		var v OperationHashed
		v.Proof, err = field[string](fields, "proof")
		if err == nil {
			v.OpHash, err = hashField(fields, "opHash")
		}
		if err == nil {
			v.Requester, err = field[common.Address](fields, "requester")
		}
		if err == nil {
			v.Name, err = field[string](fields, "name")
		}
		p = v
	case EventUploadAuthorized:
		var v UploadAuthorized
		v.OpHash, err = hashField(fields, "opHash")
		p = v
	case EventInvokeRequest:
		var v InvokeRequested
		v.OpHash, err = hashField(fields, "opHash")
		if err == nil {
			v.Name, err = field[string](fields, "name")
		}
		if err == nil {
			v.Params, err = field[string](fields, "params")
		}
		if err == nil {
			v.Requester, err = field[common.Address](fields, "requester")
		}
		p = v
	case EventInvokeResult:
		var v InvokeResulted
		v.OpHash, err = hashField(fields, "opHash")
		if err == nil {
			v.Result, err = field[string](fields, "result")
		}
		p = v
	case EventInvokeFailed:
		var v InvokeFailed
		v.OpHash, err = hashField(fields, "opHash")
		if err == nil {
			v.Reason, err = field[string](fields, "reason")
		}
		p = v
	case EventDeleteRequest:
		var v DeleteRequested
		v.OpHash, err = hashField(fields, "opHash")
		if err == nil {
			v.Name, err = field[string](fields, "name")
		}
		if err == nil {
			v.Requester, err = field[common.Address](fields, "requester")
		}
		p = v
	case EventDeleteConfirmed:
		var v DeleteConfirmed
		v.OpHash, err = hashField(fields, "opHash")
		p = v
	case EventDeleteDenied:
		var v DeleteDenied
		v.OpHash, err = hashField(fields, "opHash")
		p = v
	}
	if err != nil {
		return Event{}, fmt.Errorf("ledger: decode %s: %w", name, err)
	}

	ev := newEvent(p)
	ev.TxHash = lg.TxHash
	ev.BlockNumber = lg.BlockNumber
	ev.LogIndex = lg.Index
	return ev, nil
}

func field[T any](fields map[string]interface{}, key string) (T, error) {
	var zero T
	raw, ok := fields[key]
	if !ok {
		return zero, fmt.Errorf("missing field %q", key)
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("field %q has type %T", key, raw)
	}
	return v, nil
}

func hashField(fields map[string]interface{}, key string) (common.Hash, error) {
	b, err := field[[32]byte](fields, key)
	if err != nil {
		return common.Hash{}, err
	}
	return common.Hash(b), nil
}
