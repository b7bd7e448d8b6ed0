// Package backend performs the off-chain half of each operation: storing and
// compiling published functions, running them, and deleting them.
package backend

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotDeployed  = errors.New("backend: function is not deployed")
	ErrEntryMissing = errors.New("backend: archive has no entry file")
)

// Deployment is a validated publish upload.
type Deployment struct {
	Name    string
	Entry   string // path of the module inside Archive
	Archive []byte // zip
}

// Call is one invocation of a deployed function.
type Call struct {
	Name    string
	Digest  string
	Entry   string
	Params  string
	Timeout time.Duration
}

// Execution is what a finished call reports. A run cut off by its timeout
// returns Duration equal to the timeout and no error.
type Execution struct {
	Output   string
	Duration time.Duration
}

// Backend is implemented by WasmBackend and by test fakes.
type Backend interface {
	// Deploy stores the archive and returns its digest. Redeploying a name
	// replaces the previous code.
	Deploy(ctx context.Context, d Deployment) (digest string, err error)
	Invoke(ctx context.Context, c Call) (Execution, error)
	Delete(ctx context.Context, name, digest string) error
}
