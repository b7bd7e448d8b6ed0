package workflow

import (
	"errors"
	"fmt"

	"github.com/BloomsoftTeam/etherless/pkg/correlator"
	"github.com/BloomsoftTeam/etherless/pkg/ledger"
)

// State is a step of a client workflow.
type State string

const (
	StateIdle               State = "Idle"
	StateTokenIssued        State = "TokenIssued"
	StateOperationSubmitted State = "OperationSubmitted"
	StateOperationHashKnown State = "OperationHashKnown"
	StateUploadAuthorized   State = "UploadAuthorized"
	StateArtifactUploaded   State = "ArtifactUploaded"
	StateSettled            State = "Settled"
	StateRefunded           State = "Refunded"
	StateResultDelivered    State = "ResultDelivered"
	StateFailed             State = "Failed"
	StateConfirmed          State = "Confirmed"
	StateDenied             State = "Denied"
)

// kindTable parameterizes the generic client driver for one operation kind.
type kindTable struct {
	kind ledger.Kind
	// request is the first-phase event and requestKey extracts the value the
	// client knows before the operation hash exists.
	request    ledger.EventName
	requestKey correlator.Extractor
	// byTx kinds match the request event on the submitting transaction.
	// requestKey then only narrows the listener to the caller's own requests.
	byTx bool
	// terminal events are keyed by operation hash.
	terminal []ledger.EventName
	// outcome maps a terminal event to the state it reaches, and to an error
	// when that state is a failure.
	outcome func(ev ledger.Event) (State, error)
	// trail lists every state the kind can pass through, in canonical order.
	trail []State
}

var kindTables = map[ledger.Kind]*kindTable{
	ledger.KindPublish: {
		kind:    ledger.KindPublish,
		request: ledger.EventOperationHash,
		requestKey: func(ev ledger.Event) string {
			if p, ok := ev.Payload.(ledger.OperationHashed); ok {
				return p.Proof
			}
			return ""
		},
		terminal: []ledger.EventName{ledger.EventUploadAuthorized},
		outcome: func(ev ledger.Event) (State, error) {
			return StateUploadAuthorized, nil
		},
		trail: []State{StateIdle, StateTokenIssued, StateOperationSubmitted, StateOperationHashKnown,
			StateUploadAuthorized, StateArtifactUploaded, StateSettled, StateRefunded},
	},
	ledger.KindInvoke: {
		kind:    ledger.KindInvoke,
		request: ledger.EventInvokeRequest,
		byTx:    true,
		requestKey: func(ev ledger.Event) string {
			if p, ok := ev.Payload.(ledger.InvokeRequested); ok {
				return requestKey(p.Name, p.Requester.Hex())
			}
			return ""
		},
		terminal: []ledger.EventName{ledger.EventInvokeResult, ledger.EventInvokeFailed},
		outcome: func(ev ledger.Event) (State, error) {
			switch p := ev.Payload.(type) {
			case ledger.InvokeResulted:
				return StateResultDelivered, nil
			case ledger.InvokeFailed:
				return StateFailed, errors.New(p.Reason)
			}
			return StateFailed, fmt.Errorf("unexpected %s event", ev.Name)
		},
		trail: []State{StateIdle, StateOperationSubmitted, StateOperationHashKnown,
			StateResultDelivered, StateFailed},
	},
	ledger.KindRemove: {
		kind:    ledger.KindRemove,
		request: ledger.EventDeleteRequest,
		byTx:    true,
		requestKey: func(ev ledger.Event) string {
			if p, ok := ev.Payload.(ledger.DeleteRequested); ok {
				return requestKey(p.Name, p.Requester.Hex())
			}
			return ""
		},
		terminal: []ledger.EventName{ledger.EventDeleteConfirmed, ledger.EventDeleteDenied},
		outcome: func(ev ledger.Event) (State, error) {
			switch ev.Payload.(type) {
			case ledger.DeleteConfirmed:
				return StateConfirmed, nil
			case ledger.DeleteDenied:
				return StateDenied, errors.New("backend refused to delete the function")
			}
			return StateDenied, fmt.Errorf("unexpected %s event", ev.Name)
		},
		// The delete-request listener is live before submission, so the
		// request event can land before the transaction is reported mined.
		trail: []State{StateIdle, StateOperationHashKnown, StateOperationSubmitted,
			StateConfirmed, StateDenied},
	},
}

func requestKey(name, requester string) string {
	return name + "|" + requester
}

// tableFor panics on an unknown kind; kinds come from ledger constants only.
func tableFor(k ledger.Kind) *kindTable {
	t, ok := kindTables[k]
	if !ok {
		panic(fmt.Sprintf("workflow: no table for kind %s", k))
	}
	return t
}
