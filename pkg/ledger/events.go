package ledger

import (
	"github.com/ethereum/go-ethereum/common"
)

// EventName is the ABI name of a contract event.
type EventName string

const (
	EventOperationHash    EventName = "OperationHash"
	EventUploadAuthorized EventName = "UploadAuthorized"
	EventInvokeRequest    EventName = "InvokeRequest"
	EventInvokeResult     EventName = "InvokeResult"
	EventInvokeFailed     EventName = "InvokeFailed"
	EventDeleteRequest    EventName = "DeleteRequest"
	EventDeleteConfirmed  EventName = "DeleteConfirmed"
	EventDeleteDenied     EventName = "DeleteDenied"
)

// EventSchemaVersion is bumped whenever a payload struct changes shape.
const EventSchemaVersion = 1

// InvokeFailureReason is carried by InvokeFailed.
const InvokeFailureReason = "the function you executed did not complete"

// Event is the envelope for every decoded contract event.
type Event struct {
	Name        EventName
	Version     int
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
	Payload     Payload
}

// Operation returns the operation hash the event refers to.
func (e Event) Operation() common.Hash {
	if e.Payload == nil {
		return common.Hash{}
	}
	return e.Payload.Operation()
}

// Payload is implemented by the per-event structs below.
type Payload interface {
	Operation() common.Hash
	eventName() EventName
}

type OperationHashed struct {
	Proof     string
	OpHash    common.Hash
	Requester common.Address
	Name      string
}

type UploadAuthorized struct {
	OpHash common.Hash
}

type InvokeRequested struct {
	OpHash    common.Hash
	Name      string
	Params    string
	Requester common.Address
}

type InvokeResulted struct {
	OpHash common.Hash
	Result string
}

type InvokeFailed struct {
	OpHash common.Hash
	Reason string
}

type DeleteRequested struct {
	OpHash    common.Hash
	Name      string
	Requester common.Address
}

type DeleteConfirmed struct {
	OpHash common.Hash
}

type DeleteDenied struct {
	OpHash common.Hash
}

func (p OperationHashed) Operation() common.Hash  { return p.OpHash }
func (p UploadAuthorized) Operation() common.Hash { return p.OpHash }
func (p InvokeRequested) Operation() common.Hash  { return p.OpHash }
func (p InvokeResulted) Operation() common.Hash   { return p.OpHash }
func (p InvokeFailed) Operation() common.Hash     { return p.OpHash }
func (p DeleteRequested) Operation() common.Hash  { return p.OpHash }
func (p DeleteConfirmed) Operation() common.Hash  { return p.OpHash }
func (p DeleteDenied) Operation() common.Hash     { return p.OpHash }

func (OperationHashed) eventName() EventName  { return EventOperationHash }
func (UploadAuthorized) eventName() EventName { return EventUploadAuthorized }
func (InvokeRequested) eventName() EventName  { return EventInvokeRequest }
func (InvokeResulted) eventName() EventName   { return EventInvokeResult }
func (InvokeFailed) eventName() EventName     { return EventInvokeFailed }
func (DeleteRequested) eventName() EventName  { return EventDeleteRequest }
func (DeleteConfirmed) eventName() EventName  { return EventDeleteConfirmed }
func (DeleteDenied) eventName() EventName     { return EventDeleteDenied }

func newEvent(p Payload) Event {
	return Event{Name: p.eventName(), Version: EventSchemaVersion, Payload: p}
}
