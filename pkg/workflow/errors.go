package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/BloomsoftTeam/etherless/pkg/ledger"
)

// Class partitions workflow failures by who can act on them.
type Class string

const (
	// ClassAuthorization is a request-time ledger rejection. Nothing
	// off-chain happened.
	ClassAuthorization Class = "authorization"
	// ClassCorrelation is a lookup miss: an unknown proof, a mismatched
	// name, or an event that never arrived.
	ClassCorrelation Class = "correlation"
	// ClassSettlement means a settle, refund or fail transaction could not
	// be landed. Operator attention is required.
	ClassSettlement       Class = "settlement"
	ClassBackendExecution Class = "backend_execution"
	ClassTimeout          Class = "timeout"
)

// Error is the typed failure returned by client and server workflows.
type Error struct {
	Class  Class
	Kind   ledger.Kind
	OpHash common.Hash
	Err    error
}

func (e *Error) Error() string {
	if e.OpHash == (common.Hash{}) {
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Class, e.Err)
	}
	return fmt.Sprintf("%s %s (op %s): %v", e.Kind, e.Class, e.OpHash.Hex(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(class Class, kind ledger.Kind, op common.Hash, err error) *Error {
	return &Error{Class: class, Kind: kind, OpHash: op, Err: err}
}

// IsClass reports whether err carries a workflow Error of class c.
func IsClass(err error, c Class) bool {
	var we *Error
	return errors.As(err, &we) && we.Class == c
}

// ClassOf returns the class of err, or "" for unclassified errors.
func ClassOf(err error) Class {
	var we *Error
	if errors.As(err, &we) {
		return we.Class
	}
	return ""
}

// HTTPStatus maps err to the status served by the upload endpoint.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch ClassOf(err) {
	case ClassAuthorization, ClassCorrelation:
		return http.StatusForbidden
	case ClassTimeout:
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, ErrInvalidArtifact) {
		return http.StatusBadRequest
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

var (
	// ErrInvalidArtifact marks uploads rejected before deployment.
	ErrInvalidArtifact = errors.New("workflow: invalid artifact")
	ErrUnknownProof    = errors.New("workflow: no pending publish for this secret")
	ErrNameMismatch    = errors.New("workflow: uploaded name does not match the requested name")
	ErrExpired         = errors.New("workflow: pending operation expired before upload")
)
